package apperrors

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// PostgreSQL error codes as constants
const (
	// Class 23: Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 22: Data Exception
	PgErrDataException          = "22000" // data_exception
	PgErrNumericValueOutOfRange = "22003" // numeric_value_out_of_range

	// Class 08: Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40: Transaction Rollback
	PgErrTransactionRollback  = "40000" // transaction_rollback
	PgErrSerializationFailure = "40001" // serialization_failure
	PgErrDeadlockDetected     = "40P01" // deadlock_detected
)

// IsUniqueViolation reports whether err comes from a unique or primary key
// constraint. sqlite is matched by message since its driver has no codes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == PgErrUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FromDB classifies a database error. Unique violations become conflicts,
// not-found lookups become NotFound, anything else is a database error
// carrying the postgres code and detail when there is one.
func FromDB(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Error{Code: CodeNotFound, Message: message, Err: err}
	}
	if IsUniqueViolation(err) {
		return &Error{Code: CodeConflict, Message: message, Detail: "duplicate key", Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{
			Code:    CodeDatabase,
			Message: message,
			Detail:  pgErr.Code + " " + pgErr.Message + detailSuffix(pgErr.Detail),
			Err:     err,
		}
	}
	return &Error{Code: CodeDatabase, Message: message, Err: err}
}

func detailSuffix(d string) string {
	if d == "" {
		return ""
	}
	return ": " + d
}
