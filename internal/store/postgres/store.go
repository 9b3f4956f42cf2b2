package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id::text, clinic_id, queue_date::text, queue_number, patient_id, status,
	called_at, served_at, estimated_minutes, created_at`

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

type Options struct {
	LockTimeout time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	return &Store{
		pool:        pool,
		lockTimeout: options.LockTimeout,
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		// SET does not take bind parameters.
		if _, err = tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return classify(err)
		}
	}

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		err = classify(err)
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		err = classify(err)
		return err
	}
	return nil
}

func (s *Store) Snapshot(ctx context.Context, clinicID int64, queueDate string) ([]models.SnapshotEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.id::text, q.queue_number, q.patient_id, p.name, q.status, q.called_at, q.served_at, q.estimated_minutes
		FROM queue_entries q
		JOIN patients p ON p.id = q.patient_id
		WHERE q.clinic_id = $1 AND q.queue_date = $2::date
		ORDER BY q.queue_number ASC
	`, clinicID, queueDate)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	entries := make([]models.SnapshotEntry, 0)
	for rows.Next() {
		var entry models.SnapshotEntry
		var calledAtNull sql.NullTime
		var servedAtNull sql.NullTime
		var estimatedNull sql.NullInt32
		if err := rows.Scan(&entry.ID, &entry.QueueNumber, &entry.PatientID, &entry.PatientName, &entry.Status, &calledAtNull, &servedAtNull, &estimatedNull); err != nil {
			return nil, err
		}
		entry.CalledAt = nullTimePtr(calledAtNull)
		entry.ServedAt = nullTimePtr(servedAtNull)
		entry.EstimatedMinutes = nullIntPtr(estimatedNull)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

type pgTx struct {
	tx pgx.Tx
}

// lockKey takes the transaction-scoped advisory lock for {clinic, date}. It
// covers both the max lookup and the insert, and is released at commit or
// rollback.
func (t *pgTx) lockKey(ctx context.Context, clinicID int64, queueDate string) error {
	key := fmt.Sprintf("queue:%d:%s", clinicID, queueDate)
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (t *pgTx) LockBookingByCode(ctx context.Context, code string) (models.Booking, error) {
	var booking models.Booking
	row := t.tx.QueryRow(ctx, `
		SELECT id, booking_code, patient_id, clinic_id, doctor_id, booking_date::text, status
		FROM bookings
		WHERE booking_code = $1
		FOR UPDATE
	`, code)
	if err := row.Scan(&booking.ID, &booking.Code, &booking.PatientID, &booking.ClinicID, &booking.DoctorID, &booking.BookingDate, &booking.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Booking{}, store.ErrBookingNotFound
		}
		return models.Booking{}, err
	}
	return booking, nil
}

func (t *pgTx) MarkBookingCheckedIn(ctx context.Context, bookingID int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE bookings SET status = $2 WHERE id = $1`, bookingID, models.BookingCheckedIn)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrBookingNotFound
	}
	return nil
}

func (t *pgTx) ClinicEstimatedMinutes(ctx context.Context, clinicID int64) (*int, error) {
	var minutes sql.NullInt32
	err := t.tx.QueryRow(ctx, `SELECT avg_service_minutes FROM queue_settings WHERE clinic_id = $1`, clinicID).Scan(&minutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return nullIntPtr(minutes), nil
}

func (t *pgTx) AllocateNext(ctx context.Context, input store.AllocateInput) (models.QueueEntry, error) {
	if err := t.lockKey(ctx, input.ClinicID, input.QueueDate); err != nil {
		return models.QueueEntry{}, err
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_entries
			WHERE clinic_id = $1 AND queue_date = $2::date AND patient_id = $3
		)
	`, input.ClinicID, input.QueueDate, input.PatientID).Scan(&exists); err != nil {
		return models.QueueEntry{}, err
	}
	if exists {
		return models.QueueEntry{}, store.ErrDuplicateEntry
	}

	var last int
	if err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(queue_number), 0)
		FROM queue_entries
		WHERE clinic_id = $1 AND queue_date = $2::date
	`, input.ClinicID, input.QueueDate).Scan(&last); err != nil {
		return models.QueueEntry{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var estimated any
	if input.EstimatedMinutes != nil {
		estimated = *input.EstimatedMinutes
	}

	row := t.tx.QueryRow(ctx, `
		INSERT INTO queue_entries (
			id, clinic_id, queue_date, queue_number, patient_id, status, estimated_minutes, created_at
		) VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8)
		RETURNING `+entryColumns,
		uuid.NewString(), input.ClinicID, input.QueueDate, last+1, input.PatientID, models.StatusWaiting, estimated, createdAt)
	entry, err := scanEntry(row)
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (t *pgTx) ClaimNextWaiting(ctx context.Context, clinicID int64, queueDate string, calledAt time.Time) (models.QueueEntry, error) {
	if err := t.lockKey(ctx, clinicID, queueDate); err != nil {
		return models.QueueEntry{}, err
	}

	var id string
	err := t.tx.QueryRow(ctx, `
		SELECT id::text
		FROM queue_entries
		WHERE clinic_id = $1 AND queue_date = $2::date AND status = $3
		ORDER BY queue_number ASC
		LIMIT 1
		FOR UPDATE
	`, clinicID, queueDate, models.StatusWaiting).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrNoWaiting
		}
		return models.QueueEntry{}, err
	}

	return scanEntry(t.tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $2, called_at = $3
		WHERE id = $1
		RETURNING `+entryColumns,
		id, store.TargetStatus(store.ActionCall), calledAt))
}

func (t *pgTx) lockEntry(ctx context.Context, queueID string) (models.QueueEntry, error) {
	entry, err := scanEntry(t.tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE id = $1
		FOR UPDATE
	`, queueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrQueueNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (t *pgTx) Recall(ctx context.Context, queueID, queueDate string, calledAt time.Time) (models.QueueEntry, error) {
	if _, err := uuid.Parse(queueID); err != nil {
		return models.QueueEntry{}, store.ErrQueueNotFound
	}
	current, err := t.lockEntry(ctx, queueID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if current.QueueDate != queueDate {
		return models.QueueEntry{}, store.ErrQueueNotFound
	}
	if !store.ValidTransition(store.ActionRecall, current.Status) {
		return models.QueueEntry{}, fmt.Errorf("%w: recall from %s", store.ErrInvalidTransition, current.Status)
	}

	return scanEntry(t.tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET called_at = $2
		WHERE id = $1
		RETURNING `+entryColumns,
		queueID, calledAt))
}

func (t *pgTx) Serve(ctx context.Context, queueID string, servedAt time.Time) (models.QueueEntry, bool, error) {
	if _, err := uuid.Parse(queueID); err != nil {
		return models.QueueEntry{}, false, store.ErrQueueNotFound
	}
	current, err := t.lockEntry(ctx, queueID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	if current.Status == models.StatusServed {
		return current, false, nil
	}
	if !store.ValidTransition(store.ActionServe, current.Status) {
		return models.QueueEntry{}, false, fmt.Errorf("%w: serve from %s", store.ErrInvalidTransition, current.Status)
	}

	entry, err := scanEntry(t.tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $2, served_at = $3
		WHERE id = $1
		RETURNING `+entryColumns,
		queueID, store.TargetStatus(store.ActionServe), servedAt))
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var calledAtNull sql.NullTime
	var servedAtNull sql.NullTime
	var estimatedNull sql.NullInt32
	if err := row.Scan(&entry.ID, &entry.ClinicID, &entry.QueueDate, &entry.QueueNumber, &entry.PatientID, &entry.Status,
		&calledAtNull, &servedAtNull, &estimatedNull, &entry.CreatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	entry.CalledAt = nullTimePtr(calledAtNull)
	entry.ServedAt = nullTimePtr(servedAtNull)
	entry.EstimatedMinutes = nullIntPtr(estimatedNull)
	return entry, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullIntPtr(value sql.NullInt32) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int32)
	return &v
}
