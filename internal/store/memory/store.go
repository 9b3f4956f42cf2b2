// Package memory is an in-process implementation of store.Store. Writes are
// staged per transaction and applied on commit, so a failed transaction
// leaves nothing behind. It backs the engine tests and single-node demo runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
)

type Options struct {
	LockTimeout time.Duration
}

type Store struct {
	mu       sync.RWMutex
	entries  map[string]models.QueueEntry
	bookings map[int64]models.Booking
	byCode   map[string]int64
	patients map[int64]string
	settings map[int64]int

	locks       *keyLocks
	lockTimeout time.Duration
}

func NewStore(options Options) *Store {
	return &Store{
		entries:     make(map[string]models.QueueEntry),
		bookings:    make(map[int64]models.Booking),
		byCode:      make(map[string]int64),
		patients:    make(map[int64]string),
		settings:    make(map[int64]int),
		locks:       newKeyLocks(),
		lockTimeout: options.LockTimeout,
	}
}

func (s *Store) PutPatient(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[id] = name
}

func (s *Store) PutBooking(booking models.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[booking.ID] = booking
	s.byCode[booking.Code] = booking.ID
}

func (s *Store) SetEstimatedMinutes(clinicID int64, minutes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[clinicID] = minutes
}

// Booking returns the committed booking row.
func (s *Store) Booking(id int64) (models.Booking, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	return b, ok
}

// Entries returns every committed entry for {clinic, date} ordered by number.
func (s *Store) Entries(clinicID int64, queueDate string) []models.QueueEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.QueueEntry
	for _, e := range s.entries {
		if e.ClinicID == clinicID && e.QueueDate == queueDate {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:        s,
		held:     make(map[string]bool),
		entries:  make(map[string]models.QueueEntry),
		bookings: make(map[int64]models.Booking),
	}
	defer tx.releaseAll()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) Snapshot(ctx context.Context, clinicID int64, queueDate string) ([]models.SnapshotEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]models.SnapshotEntry, 0)
	for _, e := range s.entries {
		if e.ClinicID != clinicID || e.QueueDate != queueDate {
			continue
		}
		rows = append(rows, models.SnapshotEntry{
			ID:               e.ID,
			QueueNumber:      e.QueueNumber,
			PatientID:        e.PatientID,
			PatientName:      s.patients[e.PatientID],
			Status:           e.Status,
			CalledAt:         e.CalledAt,
			ServedAt:         e.ServedAt,
			EstimatedMinutes: e.EstimatedMinutes,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].QueueNumber < rows[j].QueueNumber })
	return rows, nil
}

type memTx struct {
	s        *Store
	held     map[string]bool
	order    []string
	entries  map[string]models.QueueEntry
	bookings map[int64]models.Booking
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if t.held[key] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key, t.s.lockTimeout); err != nil {
		return err
	}
	t.held[key] = true
	t.order = append(t.order, key)
	return nil
}

func (t *memTx) releaseAll() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.s.locks.release(t.order[i])
	}
	t.order = nil
	t.held = map[string]bool{}
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, e := range t.entries {
		t.s.entries[id] = e
	}
	for id, b := range t.bookings {
		t.s.bookings[id] = b
	}
}

func (t *memTx) entry(id string) (models.QueueEntry, bool) {
	if e, ok := t.entries[id]; ok {
		return e, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	e, ok := t.s.entries[id]
	return e, ok
}

// keyEntries merges committed and staged entries for {clinic, date}.
func (t *memTx) keyEntries(clinicID int64, queueDate string) []models.QueueEntry {
	merged := make(map[string]models.QueueEntry)
	t.s.mu.RLock()
	for id, e := range t.s.entries {
		if e.ClinicID == clinicID && e.QueueDate == queueDate {
			merged[id] = e
		}
	}
	t.s.mu.RUnlock()
	for id, e := range t.entries {
		if e.ClinicID == clinicID && e.QueueDate == queueDate {
			merged[id] = e
		}
	}
	out := make([]models.QueueEntry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out
}

func (t *memTx) LockBookingByCode(ctx context.Context, code string) (models.Booking, error) {
	if err := t.lock(ctx, "booking:"+code); err != nil {
		return models.Booking{}, err
	}
	t.s.mu.RLock()
	id, ok := t.s.byCode[code]
	booking := t.s.bookings[id]
	t.s.mu.RUnlock()
	if !ok {
		return models.Booking{}, store.ErrBookingNotFound
	}
	if staged, ok := t.bookings[id]; ok {
		booking = staged
	}
	return booking, nil
}

func (t *memTx) MarkBookingCheckedIn(ctx context.Context, bookingID int64) error {
	booking, ok := t.bookings[bookingID]
	if !ok {
		t.s.mu.RLock()
		booking, ok = t.s.bookings[bookingID]
		t.s.mu.RUnlock()
	}
	if !ok {
		return store.ErrBookingNotFound
	}
	if err := t.lock(ctx, "booking:"+booking.Code); err != nil {
		return err
	}
	booking.Status = models.BookingCheckedIn
	t.bookings[bookingID] = booking
	return nil
}

func (t *memTx) ClinicEstimatedMinutes(ctx context.Context, clinicID int64) (*int, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	minutes, ok := t.s.settings[clinicID]
	if !ok {
		return nil, nil
	}
	return &minutes, nil
}

func (t *memTx) AllocateNext(ctx context.Context, input store.AllocateInput) (models.QueueEntry, error) {
	if err := t.lock(ctx, queueKey(input.ClinicID, input.QueueDate)); err != nil {
		return models.QueueEntry{}, err
	}
	last := 0
	for _, e := range t.keyEntries(input.ClinicID, input.QueueDate) {
		if e.PatientID == input.PatientID {
			return models.QueueEntry{}, store.ErrDuplicateEntry
		}
		if e.QueueNumber > last {
			last = e.QueueNumber
		}
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	entry := models.QueueEntry{
		ID:               uuid.NewString(),
		ClinicID:         input.ClinicID,
		QueueDate:        input.QueueDate,
		QueueNumber:      last + 1,
		PatientID:        input.PatientID,
		Status:           models.StatusWaiting,
		EstimatedMinutes: input.EstimatedMinutes,
		CreatedAt:        createdAt,
	}
	t.entries[entry.ID] = entry
	return entry, nil
}

func (t *memTx) ClaimNextWaiting(ctx context.Context, clinicID int64, queueDate string, calledAt time.Time) (models.QueueEntry, error) {
	if err := t.lock(ctx, queueKey(clinicID, queueDate)); err != nil {
		return models.QueueEntry{}, err
	}
	for _, e := range t.keyEntries(clinicID, queueDate) {
		if e.Status != models.StatusWaiting {
			continue
		}
		if err := t.lock(ctx, entryKey(e.ID)); err != nil {
			return models.QueueEntry{}, err
		}
		// re-read under the entry lock
		current, _ := t.entry(e.ID)
		if !store.ValidTransition(store.ActionCall, current.Status) {
			return models.QueueEntry{}, fmt.Errorf("%w: entry %s is %s", store.ErrInvalidTransition, current.ID, current.Status)
		}
		current.Status = store.TargetStatus(store.ActionCall)
		at := calledAt
		current.CalledAt = &at
		t.entries[current.ID] = current
		return current, nil
	}
	return models.QueueEntry{}, store.ErrNoWaiting
}

func (t *memTx) Recall(ctx context.Context, queueID, queueDate string, calledAt time.Time) (models.QueueEntry, error) {
	if err := t.lock(ctx, entryKey(queueID)); err != nil {
		return models.QueueEntry{}, err
	}
	current, ok := t.entry(queueID)
	if !ok || current.QueueDate != queueDate {
		return models.QueueEntry{}, store.ErrQueueNotFound
	}
	if !store.ValidTransition(store.ActionRecall, current.Status) {
		return models.QueueEntry{}, fmt.Errorf("%w: recall from %s", store.ErrInvalidTransition, current.Status)
	}
	at := calledAt
	current.CalledAt = &at
	t.entries[current.ID] = current
	return current, nil
}

func (t *memTx) Serve(ctx context.Context, queueID string, servedAt time.Time) (models.QueueEntry, bool, error) {
	if err := t.lock(ctx, entryKey(queueID)); err != nil {
		return models.QueueEntry{}, false, err
	}
	current, ok := t.entry(queueID)
	if !ok {
		return models.QueueEntry{}, false, store.ErrQueueNotFound
	}
	if current.Status == models.StatusServed {
		return current, false, nil
	}
	if !store.ValidTransition(store.ActionServe, current.Status) {
		return models.QueueEntry{}, false, fmt.Errorf("%w: serve from %s", store.ErrInvalidTransition, current.Status)
	}
	current.Status = store.TargetStatus(store.ActionServe)
	at := servedAt
	current.ServedAt = &at
	t.entries[current.ID] = current
	return current, true, nil
}

func queueKey(clinicID int64, queueDate string) string {
	return fmt.Sprintf("queue:%d:%s", clinicID, queueDate)
}

func entryKey(id string) string {
	return "entry:" + id
}
