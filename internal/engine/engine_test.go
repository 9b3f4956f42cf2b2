package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/schedule"
	"qms/clinic-queue/internal/store"
	"qms/clinic-queue/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-03-02 is a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	clinics []int64
}

func (r *recordingNotifier) Publish(clinicID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clinics = append(r.clinics, clinicID)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clinics)
}

type fixture struct {
	engine   *Engine
	store    *memory.Store
	clock    *clock.Fake
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.NewStore(memory.Options{LockTimeout: time.Second})
	st.SetEstimatedMinutes(1, 15)
	for id, name := range map[int64]string{1: "Ani", 2: "Budi", 3: "Citra"} {
		st.PutPatient(id, name)
	}
	st.PutBooking(models.Booking{ID: 1, Code: "BK-A", PatientID: 1, ClinicID: 1, DoctorID: 10, BookingDate: "2026-03-02", Status: models.BookingBooked})
	st.PutBooking(models.Booking{ID: 2, Code: "BK-B", PatientID: 2, ClinicID: 1, DoctorID: 10, BookingDate: "2026-03-02", Status: models.BookingBooked})
	st.PutBooking(models.Booking{ID: 3, Code: "BK-TOMORROW", PatientID: 3, ClinicID: 1, DoctorID: 10, BookingDate: "2026-03-03", Status: models.BookingBooked})
	st.PutBooking(models.Booking{ID: 4, Code: "BK-A-AGAIN", PatientID: 1, ClinicID: 1, DoctorID: 10, BookingDate: "2026-03-02", Status: models.BookingBooked})
	st.PutBooking(models.Booking{ID: 5, Code: "BK-NOSCHED", PatientID: 3, ClinicID: 1, DoctorID: 99, BookingDate: "2026-03-02", Status: models.BookingBooked})

	schedules := schedule.NewStatic()
	schedules.Add(10, time.Monday, clock.Window{Start: 8 * 60, End: 12 * 60})
	schedules.Add(10, time.Monday, clock.Window{Start: 13 * 60, End: 16 * 60})

	fake := clock.NewFake(monday.Add(9 * time.Hour))
	notifier := &recordingNotifier{}
	eng := New(Options{Store: st, Schedules: schedules, Clock: fake, Notifier: notifier})
	return &fixture{engine: eng, store: st, clock: fake, notifier: notifier}
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checkIn, err := f.engine.CheckIn(ctx, "BK-A")
	require.NoError(t, err)
	assert.Equal(t, 1, checkIn.QueueNumber)
	assert.Equal(t, "2026-03-02", checkIn.QueueDate)

	booking, _ := f.store.Booking(1)
	assert.Equal(t, models.BookingCheckedIn, booking.Status)

	entries := f.store.Entries(1, "2026-03-02")
	require.Len(t, entries, 1)
	assert.Equal(t, models.StatusWaiting, entries[0].Status)
	require.NotNil(t, entries[0].EstimatedMinutes)
	assert.Equal(t, 15, *entries[0].EstimatedMinutes)

	f.clock.Advance(time.Minute)
	called, err := f.engine.CallNext(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, checkIn.QueueID, called.QueueID)
	entries = f.store.Entries(1, "2026-03-02")
	assert.Equal(t, models.StatusCalled, entries[0].Status)
	firstCall := *entries[0].CalledAt

	f.clock.Advance(2 * time.Minute)
	recalled, err := f.engine.Recall(ctx, checkIn.QueueID)
	require.NoError(t, err)
	assert.Equal(t, 1, recalled.QueueNumber)
	entries = f.store.Entries(1, "2026-03-02")
	assert.Equal(t, models.StatusCalled, entries[0].Status)
	assert.True(t, entries[0].CalledAt.After(firstCall))

	served, err := f.engine.Serve(ctx, checkIn.QueueID)
	require.NoError(t, err)
	assert.True(t, served.Affected)
	entries = f.store.Entries(1, "2026-03-02")
	assert.Equal(t, models.StatusServed, entries[0].Status)
	assert.NotNil(t, entries[0].ServedAt)

	_, err = f.engine.CallNext(ctx, 1)
	require.ErrorIs(t, err, ErrNoWaitingEntries)

	assert.Equal(t, 4, f.notifier.count())
}

func TestConcurrentCheckInsGetDistinctNumbers(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make(chan int, 2)
	for _, code := range []string{"BK-A", "BK-B"} {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			res, err := f.engine.CheckIn(context.Background(), code)
			if err != nil {
				t.Errorf("check-in %s: %v", code, err)
				return
			}
			results <- res.QueueNumber
		}(code)
	}
	wg.Wait()
	close(results)

	got := map[int]bool{}
	for n := range results {
		got[n] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, got)
}

func TestCheckInRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CheckIn(ctx, "NOPE")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.CheckIn(ctx, "BK-TOMORROW")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.CheckIn(ctx, "BK-A")
	require.NoError(t, err)

	_, err = f.engine.CheckIn(ctx, "BK-A")
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.CheckIn(ctx, "BK-A-AGAIN")
	require.ErrorIs(t, err, ErrAlreadyCheckedIn)
	again, _ := f.store.Booking(4)
	assert.Equal(t, models.BookingBooked, again.Status)

	_, err = f.engine.CheckIn(ctx, "BK-NOSCHED")
	require.ErrorIs(t, err, ErrOutsideWindow)
	var outside *OutsideWindowError
	require.True(t, errors.As(err, &outside))
	assert.Nil(t, outside.Window)

	assert.Equal(t, 1, f.notifier.count())
}

func TestCheckInWindowBoundaries(t *testing.T) {
	cases := []struct {
		name string
		at   time.Duration
		ok   bool
	}{
		{"ten minutes early", 7*time.Hour + 50*time.Minute, false},
		{"at start", 8 * time.Hour, true},
		{"at end", 12 * time.Hour, true},
		{"end minute seconds", 12*time.Hour + 59*time.Second, true},
		{"lunch gap", 12*time.Hour + 30*time.Minute, false},
		{"afternoon", 14 * time.Hour, true},
		{"after hours", 16*time.Hour + time.Minute, false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.clock.Set(monday.Add(tt.at))
			_, err := f.engine.CheckIn(context.Background(), "BK-A")
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrOutsideWindow)
			assert.Contains(t, err.Error(), "practice hours")
			booking, _ := f.store.Booking(1)
			assert.Equal(t, models.BookingBooked, booking.Status)
			assert.Empty(t, f.store.Entries(1, "2026-03-02"))
		})
	}
}

func TestOutsideWindowNamesNextWindow(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(monday.Add(12*time.Hour + 30*time.Minute))

	_, err := f.engine.CheckIn(context.Background(), "BK-A")
	var outside *OutsideWindowError
	require.True(t, errors.As(err, &outside))
	require.NotNil(t, outside.Window)
	assert.Equal(t, 13*60, outside.Window.Start)
	assert.Contains(t, err.Error(), "13:00 - 16:00")
}

func TestRecallAndServeTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checkIn, err := f.engine.CheckIn(ctx, "BK-A")
	require.NoError(t, err)

	_, err = f.engine.Recall(ctx, checkIn.QueueID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.Serve(ctx, checkIn.QueueID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.Recall(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.CallNext(ctx, 1)
	require.NoError(t, err)
	_, err = f.engine.Serve(ctx, checkIn.QueueID)
	require.NoError(t, err)

	before := f.notifier.count()
	res, err := f.engine.Serve(ctx, checkIn.QueueID)
	require.NoError(t, err)
	assert.False(t, res.Affected)
	assert.Equal(t, before, f.notifier.count())

	_, err = f.engine.Recall(ctx, checkIn.QueueID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRecallOnlyForToday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	checkIn, err := f.engine.CheckIn(ctx, "BK-A")
	require.NoError(t, err)
	_, err = f.engine.CallNext(ctx, 1)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	_, err = f.engine.Recall(ctx, checkIn.QueueID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotDefaultsToToday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty, err := f.engine.Snapshot(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", empty.Date)
	assert.NotNil(t, empty.Queues)
	assert.Empty(t, empty.Queues)

	_, err = f.engine.CheckIn(ctx, "BK-B")
	require.NoError(t, err)
	_, err = f.engine.CheckIn(ctx, "BK-A")
	require.NoError(t, err)

	snap, err := f.engine.Snapshot(ctx, 1, "2026-03-02")
	require.NoError(t, err)
	require.Len(t, snap.Queues, 2)
	assert.Equal(t, "Budi", snap.Queues[0].PatientName)
	assert.Equal(t, "Ani", snap.Queues[1].PatientName)
}

type transientStore struct{}

func (transientStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return errors.Join(store.ErrTransient, errors.New("lock wait"))
}

func (transientStore) Snapshot(ctx context.Context, clinicID int64, queueDate string) ([]models.SnapshotEntry, error) {
	return nil, store.ErrTransient
}

func TestTransientFailuresAreDistinct(t *testing.T) {
	notifier := &recordingNotifier{}
	eng := New(Options{Store: transientStore{}, Schedules: schedule.NewStatic(), Clock: clock.NewFake(monday), Notifier: notifier})

	_, err := eng.CallNext(context.Background(), 1)
	require.ErrorIs(t, err, ErrTransient)
	_, err = eng.CheckIn(context.Background(), "BK-A")
	require.ErrorIs(t, err, ErrTransient)
	_, err = eng.Snapshot(context.Background(), 1, "")
	require.ErrorIs(t, err, ErrTransient)
	assert.Zero(t, notifier.count())
}
