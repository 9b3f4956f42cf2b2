// Package engine enforces the queue lifecycle: check-in turns a booking into a
// numbered WAITING entry, and call, recall and serve move entries along
// WAITING -> CALLED -> SERVED. Every operation validates and mutates inside a
// single store transaction and signals the notifier only after commit.
package engine

import (
	"context"
	"fmt"
	"strings"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/schedule"
	"qms/clinic-queue/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifier receives a signal after a clinic's queue changed. Publish must not
// block.
type Notifier interface {
	Publish(clinicID int64)
}

type Options struct {
	Store     store.Store
	Schedules schedule.Lookup
	Clock     clock.Clock
	Notifier  Notifier
}

type Engine struct {
	store     store.Store
	schedules schedule.Lookup
	clock     clock.Clock
	notifier  Notifier
	tracer    trace.Tracer
}

type CheckInResult struct {
	QueueID     string `json:"queue_id"`
	QueueNumber int    `json:"queue_number"`
	QueueDate   string `json:"queue_date"`
}

type CallResult struct {
	QueueID     string `json:"queue_id"`
	QueueNumber int    `json:"queue_number"`
}

type ServeResult struct {
	Affected bool `json:"affected"`
}

func New(options Options) *Engine {
	c := options.Clock
	if c == nil {
		c = clock.Real(nil)
	}
	return &Engine{
		store:     options.Store,
		schedules: options.Schedules,
		clock:     c,
		notifier:  options.Notifier,
		tracer:    otel.Tracer("qms/clinic-queue/engine"),
	}
}

// SetNotifier attaches the fanout target once it exists. Call before serving
// traffic.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

func (e *Engine) CheckIn(ctx context.Context, bookingCode string) (result CheckInResult, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.CheckIn")
	defer func() { endSpan(span, err) }()

	code := strings.TrimSpace(bookingCode)
	now := e.clock.Now()
	today := clock.DateOf(now)

	var entry models.QueueEntry
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		booking, err := tx.LockBookingByCode(ctx, code)
		if err != nil {
			return err
		}
		if booking.Status != models.BookingBooked {
			return fmt.Errorf("%w: booking %s is %s", ErrInvalidState, booking.Code, booking.Status)
		}
		if booking.BookingDate != today {
			return fmt.Errorf("%w: booking %s is for %s, not today", ErrInvalidState, booking.Code, booking.BookingDate)
		}

		windows, err := e.schedules.Windows(ctx, booking.DoctorID, now.Weekday())
		if err != nil {
			return fmt.Errorf("load schedule: %w", err)
		}
		minute := clock.MinuteOfDay(now)
		if _, ok := clock.WindowFor(windows, minute); !ok {
			outside := &OutsideWindowError{}
			if next, ok := clock.NextWindow(windows, minute); ok {
				outside.Window = &next
			}
			return outside
		}

		estimated, err := tx.ClinicEstimatedMinutes(ctx, booking.ClinicID)
		if err != nil {
			return err
		}
		entry, err = tx.AllocateNext(ctx, store.AllocateInput{
			ClinicID:         booking.ClinicID,
			QueueDate:        today,
			PatientID:        booking.PatientID,
			EstimatedMinutes: estimated,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
		return tx.MarkBookingCheckedIn(ctx, booking.ID)
	})
	if err != nil {
		return CheckInResult{}, translate(err)
	}

	span.SetAttributes(attribute.Int64("clinic_id", entry.ClinicID), attribute.Int("queue_number", entry.QueueNumber))
	logging.FromContext(ctx).Info().
		Int64("clinic_id", entry.ClinicID).
		Int("queue_number", entry.QueueNumber).
		Str("queue_id", entry.ID).
		Msg("checked in")
	e.publish(entry.ClinicID)

	return CheckInResult{QueueID: entry.ID, QueueNumber: entry.QueueNumber, QueueDate: entry.QueueDate}, nil
}

func (e *Engine) CallNext(ctx context.Context, clinicID int64) (result CallResult, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.CallNext", trace.WithAttributes(attribute.Int64("clinic_id", clinicID)))
	defer func() { endSpan(span, err) }()

	now := e.clock.Now()
	var entry models.QueueEntry
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = tx.ClaimNextWaiting(ctx, clinicID, clock.DateOf(now), now)
		return err
	})
	if err != nil {
		return CallResult{}, translate(err)
	}

	logging.FromContext(ctx).Info().
		Int64("clinic_id", clinicID).
		Int("queue_number", entry.QueueNumber).
		Msg("called")
	e.publish(clinicID)
	return CallResult{QueueID: entry.ID, QueueNumber: entry.QueueNumber}, nil
}

func (e *Engine) Recall(ctx context.Context, queueID string) (result CallResult, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.Recall", trace.WithAttributes(attribute.String("queue_id", queueID)))
	defer func() { endSpan(span, err) }()

	now := e.clock.Now()
	var entry models.QueueEntry
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, err = tx.Recall(ctx, queueID, clock.DateOf(now), now)
		return err
	})
	if err != nil {
		return CallResult{}, translate(err)
	}

	logging.FromContext(ctx).Info().
		Int64("clinic_id", entry.ClinicID).
		Int("queue_number", entry.QueueNumber).
		Msg("recalled")
	e.publish(entry.ClinicID)
	return CallResult{QueueID: entry.ID, QueueNumber: entry.QueueNumber}, nil
}

// Serve completes a CALLED entry. Serving an entry that is already SERVED
// succeeds with Affected=false and publishes nothing.
func (e *Engine) Serve(ctx context.Context, queueID string) (result ServeResult, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.Serve", trace.WithAttributes(attribute.String("queue_id", queueID)))
	defer func() { endSpan(span, err) }()

	now := e.clock.Now()
	var entry models.QueueEntry
	var affected bool
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entry, affected, err = tx.Serve(ctx, queueID, now)
		return err
	})
	if err != nil {
		return ServeResult{}, translate(err)
	}
	if affected {
		logging.FromContext(ctx).Info().
			Int64("clinic_id", entry.ClinicID).
			Int("queue_number", entry.QueueNumber).
			Msg("served")
		e.publish(entry.ClinicID)
	}
	return ServeResult{Affected: affected}, nil
}

// Snapshot returns a clinic's entries for date, or for today when date is
// empty.
func (e *Engine) Snapshot(ctx context.Context, clinicID int64, date string) (models.Snapshot, error) {
	if date == "" {
		date = clock.Today(e.clock)
	}
	rows, err := e.store.Snapshot(ctx, clinicID, date)
	if err != nil {
		return models.Snapshot{}, translate(err)
	}
	if rows == nil {
		rows = []models.SnapshotEntry{}
	}
	return models.Snapshot{ClinicID: clinicID, Date: date, Queues: rows}, nil
}

func (e *Engine) publish(clinicID int64) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(clinicID)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
