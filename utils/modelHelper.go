package utils

import (
	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FetchModel loads T by id inside tx, preloading associations.
// (may return RecordNotFound)
func FetchModel[T any](tx *gorm.DB, id int, associations ...string) (*T, error) {
	q := tx
	for _, field := range associations {
		q = q.Preload(field)
	}
	var result T
	if err := q.First(&result, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrorRecordNotFound, "%s %d", GetTypeName[T](), id)
		}
		return nil, err
	}
	return &result, nil
}

// ForUpdate adds SELECT ... FOR UPDATE on dialects with row locks.
// SQLite serializes writers itself and rejects the clause.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
