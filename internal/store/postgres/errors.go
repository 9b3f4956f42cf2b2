package postgres

import (
	"context"
	"errors"
	"fmt"

	"qms/clinic-queue/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation      = "23505"
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeQueryCanceled        = "57014"

	constraintPatientPerDay = "queue_entries_patient_per_day_key"
)

// classify maps driver failures onto the store error set. Errors that already
// carry a store sentinel pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			if pgErr.ConstraintName == constraintPatientPerDay {
				return fmt.Errorf("%w: %s", store.ErrDuplicateEntry, pgErr.Message)
			}
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected, codeQueryCanceled:
			return fmt.Errorf("%w: %s (%s)", store.ErrTransient, pgErr.Message, pgErr.Code)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}
