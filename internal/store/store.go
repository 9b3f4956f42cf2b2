package store

import (
	"context"
	"time"

	"qms/clinic-queue/internal/models"
)

type AllocateInput struct {
	ClinicID         int64
	QueueDate        string
	PatientID        int64
	EstimatedMinutes *int
	CreatedAt        time.Time
}

// Store is the transactional boundary around queue entries and the booking
// rows check-in consumes.
type Store interface {
	// InTx runs fn in one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. Lock waits inside fn are bounded;
	// exceeding the bound yields an error wrapping ErrTransient.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Snapshot(ctx context.Context, clinicID int64, queueDate string) ([]models.SnapshotEntry, error)
}

// Tx is the set of primitives available inside InTx. Every mutating method
// takes its exclusive lock before reading the state it decides on and holds
// it until the transaction ends.
type Tx interface {
	LockBookingByCode(ctx context.Context, code string) (models.Booking, error)
	MarkBookingCheckedIn(ctx context.Context, bookingID int64) error
	ClinicEstimatedMinutes(ctx context.Context, clinicID int64) (*int, error)

	// AllocateNext serializes on {clinic, date}, assigns max+1 and inserts a
	// WAITING entry. A second entry for the same patient fails with
	// ErrDuplicateEntry.
	AllocateNext(ctx context.Context, input AllocateInput) (models.QueueEntry, error)

	// ClaimNextWaiting serializes on {clinic, date} and moves the smallest
	// WAITING number to CALLED.
	ClaimNextWaiting(ctx context.Context, clinicID int64, queueDate string, calledAt time.Time) (models.QueueEntry, error)

	// Recall refreshes called_at on a CALLED entry dated queueDate.
	Recall(ctx context.Context, queueID, queueDate string, calledAt time.Time) (models.QueueEntry, error)

	// Serve moves a CALLED entry to SERVED. An entry already SERVED is
	// returned unchanged with affected=false.
	Serve(ctx context.Context, queueID string, servedAt time.Time) (entry models.QueueEntry, affected bool, err error)
}
