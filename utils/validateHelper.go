package utils

import (
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// same tag gin reads, so request structs carry one set of rules
		validate.SetTagName("binding")
		// decimal fields are compared as floats so tags like gt=0 work on them
		validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ValidateInput checks struct tags and returns a ValidationError naming the first offending fields.
func ValidateInput(input interface{}) error {
	err := getValidator().Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
			return fe.Namespace() + " failed on " + fe.Tag()
		})
		return NewValidationError("invalid input: %s", strings.Join(msgs, "; "))
	}
	return NewValidationError("invalid input: %v", err)
}

// ValidateResourceId checks that id exists in T's table (optionally with an extra condition)
// and returns a ReferentialError naming the resource otherwise.
func ValidateResourceId[T any](tx *gorm.DB, name string, id int, cond ...interface{}) error {
	var model T
	var count int64
	q := tx.Model(&model).Where("id = ?", id)
	if len(cond) > 0 {
		q = q.Where(cond[0], cond[1:]...)
	}
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return errors.Wrapf(ErrorRecordNotFound, "%s %d", name, id)
	}
	return nil
}

// ValidateResourcesId checks that all ids exist in T's table.
func ValidateResourcesId[T any](tx *gorm.DB, name string, ids []int) error {
	unqIds := lo.Uniq(ids)
	if len(unqIds) == 0 {
		return nil
	}
	var model T
	var count int64
	if err := tx.Model(&model).Where("id IN ?", unqIds).Count(&count).Error; err != nil {
		return err
	}
	if count != int64(len(unqIds)) {
		return errors.Wrapf(ErrorRecordNotFound, "%s", name)
	}
	return nil
}
