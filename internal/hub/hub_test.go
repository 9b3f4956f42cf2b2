package hub

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"qms/clinic-queue/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// versioned returns a loader whose snapshots carry an increasing version in
// Date, plus the number of loads so far.
func versioned() (SnapshotFunc, *atomic.Int64) {
	var loads atomic.Int64
	return func(ctx context.Context, clinicID int64) (models.Snapshot, error) {
		v := loads.Add(1)
		return models.Snapshot{ClinicID: clinicID, Date: strconv.FormatInt(v, 10), Queues: []models.SnapshotEntry{}}, nil
	}, &loads
}

func receive(t *testing.T, sub *Subscription) models.Snapshot {
	t.Helper()
	select {
	case snap := <-sub.Updates():
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
		return models.Snapshot{}
	}
}

func TestSubscribePushesImmediateSnapshot(t *testing.T) {
	h := New(func(ctx context.Context, clinicID int64) (models.Snapshot, error) {
		return models.Snapshot{ClinicID: clinicID, Queues: []models.SnapshotEntry{}}, nil
	}, Options{})
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), 7)
	require.NoError(t, err)

	snap := receive(t, sub)
	assert.Equal(t, int64(7), snap.ClinicID)
	assert.NotNil(t, snap.Queues)
	assert.Empty(t, snap.Queues)
}

func TestPublishOrderWithinClinic(t *testing.T) {
	load, _ := versioned()
	h := New(load, Options{Buffer: 16})
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		h.Publish(1)
	}

	last := 0
	for i := 0; i < 6; i++ {
		v, err := strconv.Atoi(receive(t, sub).Date)
		require.NoError(t, err)
		assert.Greater(t, v, last)
		last = v
	}
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	load, loads := versioned()
	h := New(load, Options{Buffer: 1})
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		h.Publish(1)
	}
	require.Eventually(t, func() bool { return loads.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	// wait for the worker to go quiet, then the buffered snapshot must be
	// the newest one computed
	var settled int64
	require.Eventually(t, func() bool {
		n := loads.Load()
		if n == settled {
			return true
		}
		settled = n
		return false
	}, 2*time.Second, 50*time.Millisecond)

	snap := receive(t, sub)
	assert.Equal(t, strconv.FormatInt(loads.Load(), 10), snap.Date)
}

func TestPublishDoesNotBlockOnSlowLoad(t *testing.T) {
	release := make(chan struct{})
	h := New(func(ctx context.Context, clinicID int64) (models.Snapshot, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return models.Snapshot{ClinicID: clinicID}, nil
	}, Options{QueueSize: 2})
	defer h.Close()

	_, err := h.Subscribe(context.Background(), 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(1)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	close(release)
}

func TestPublishWithoutSubscribersSkipsLoad(t *testing.T) {
	load, loads := versioned()
	h := New(load, Options{})
	defer h.Close()

	h.Publish(3)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, loads.Load())
	assert.Empty(t, h.ActiveClinics())
}

func TestContextCancelUnsubscribes(t *testing.T) {
	load, _ := versioned()
	h := New(load, Options{})
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.Subscribe(ctx, 4)
	require.NoError(t, err)
	other, err := h.Subscribe(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, h.ActiveClinics())

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("subscription not removed")
	}
	assert.Equal(t, []int64{5}, h.ActiveClinics())

	h.Unsubscribe(other)
	<-other.Done()
	assert.Empty(t, h.ActiveClinics())
}

func TestLoadFailureIsSwallowed(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h := New(func(ctx context.Context, clinicID int64) (models.Snapshot, error) {
		if fail.Load() {
			return models.Snapshot{}, errors.New("db down")
		}
		return models.Snapshot{ClinicID: clinicID, Date: "ok"}, nil
	}, Options{})
	defer h.Close()

	sub, err := h.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	select {
	case <-sub.Updates():
		t.Fatalf("unexpected snapshot after failed load")
	case <-time.After(50 * time.Millisecond):
	}

	fail.Store(false)
	h.Publish(1)
	assert.Equal(t, "ok", receive(t, sub).Date)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	load, _ := versioned()
	h := New(load, Options{})

	sub, err := h.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	h.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("subscription still open after close")
	}
	_, err = h.Subscribe(context.Background(), 1)
	require.ErrorIs(t, err, ErrClosed)
	h.Close()
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		raw string
		ok  bool
	}{
		{`{"action":"subscribe","clinic_id":3}`, true},
		{`{"action":"subscribe"}`, false},
		{`{"action":"unsubscribe"}`, true},
		{`{"action":"dance","clinic_id":3}`, false},
		{`not json`, false},
	}
	for _, tt := range cases {
		if _, ok := ParseSubscribe([]byte(tt.raw)); ok != tt.ok {
			t.Fatalf("ParseSubscribe(%s)=%v, want %v", tt.raw, ok, tt.ok)
		}
	}
}
