package utils

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// Failure taxonomy shared by every write path. Concrete errors are marked with
// exactly one of these kinds, so errors.Is(err, ErrConflict) holds through wrapping.
var (
	ErrValidation      = errors.New("validation error")
	ErrReferential     = errors.New("referential error")
	ErrConflict        = errors.New("conflict error")
	ErrExternalService = errors.New("external service error")
	ErrFatal           = errors.New("fatal error")
)

// Specific causes, wrapped with errors.Wrapf at the failure site.
var (
	ErrorRecordNotFound = errors.New("record not found")

	// ErrDuplicateNumber is retryable: re-running allocation yields a fresh number.
	ErrDuplicateNumber = errors.New("duplicate document number")
	ErrOverReturn      = errors.New("returned quantity exceeds invoiced quantity")
	ErrInsufficient    = errors.New("insufficient stock on hand")
	ErrInvalidState    = errors.New("invalid lifecycle transition")
	ErrNotApproved     = errors.New("originating document is not fiscally approved")
)

var (
	referentialCauses = []error{ErrorRecordNotFound, ErrNotApproved}
	conflictCauses    = []error{ErrDuplicateNumber, ErrOverReturn, ErrInsufficient, ErrInvalidState}
)

const (
	ErrKindValidation      = "ValidationError"
	ErrKindReferential     = "ReferentialError"
	ErrKindConflict        = "ConflictError"
	ErrKindExternalService = "ExternalServiceError"
	ErrKindFatal           = "FatalError"
)

func NewValidationError(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

func NewReferentialError(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrReferential)
}

func NewConflictError(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

func NewExternalServiceError(err error, format string, args ...interface{}) error {
	if err == nil {
		return errors.Mark(errors.Newf(format, args...), ErrExternalService)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrExternalService)
}

// AsFatal classifies an error escaping the atomic unit. Already classified errors pass through.
func AsFatal(err error) error {
	if err == nil {
		return nil
	}
	if ErrorKind(err) != ErrKindFatal {
		return err
	}
	if errors.Is(err, ErrFatal) {
		return err
	}
	if IsDuplicateKeyErr(err) {
		return errors.WithSecondaryError(ErrDuplicateNumber, err)
	}
	return errors.Mark(err, ErrFatal)
}

// ErrorKind names the taxonomy kind of err. Unclassified errors are fatal.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return ErrKindValidation
	case errors.Is(err, ErrReferential), isAny(err, referentialCauses):
		return ErrKindReferential
	case errors.Is(err, ErrConflict), isAny(err, conflictCauses):
		return ErrKindConflict
	case errors.Is(err, ErrExternalService):
		return ErrKindExternalService
	default:
		return ErrKindFatal
	}
}

func HTTPStatus(err error) int {
	switch ErrorKind(err) {
	case ErrKindValidation:
		return http.StatusBadRequest
	case ErrKindReferential:
		return http.StatusNotFound
	case ErrKindConflict:
		return http.StatusConflict
	case ErrKindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports conflicts that a fresh allocation can resolve.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDuplicateNumber) || IsDuplicateKeyErr(err)
}

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isAny(err error, causes []error) bool {
	for _, c := range causes {
		if errors.Is(err, c) {
			return true
		}
	}
	return false
}

func IsRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
