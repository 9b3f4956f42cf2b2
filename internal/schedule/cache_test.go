package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/clinic-queue/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLookup struct {
	calls int
	fn    func(doctorID int64, day time.Weekday) ([]clock.Window, error)
}

func (c *countingLookup) Windows(ctx context.Context, doctorID int64, day time.Weekday) ([]clock.Window, error) {
	c.calls++
	return c.fn(doctorID, day)
}

func TestCachedServesRepeatReads(t *testing.T) {
	inner := &countingLookup{fn: func(doctorID int64, day time.Weekday) ([]clock.Window, error) {
		return []clock.Window{{Start: 480, End: 720}}, nil
	}}
	cached := NewCached(inner, 8, time.Minute)

	for i := 0; i < 3; i++ {
		windows, err := cached.Windows(context.Background(), 1, time.Monday)
		require.NoError(t, err)
		assert.Len(t, windows, 1)
	}
	assert.Equal(t, 1, inner.calls)

	_, err := cached.Windows(context.Background(), 1, time.Tuesday)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)

	cached.Invalidate(1)
	_, err = cached.Windows(context.Background(), 1, time.Monday)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestCachedDoesNotStoreErrors(t *testing.T) {
	fail := true
	inner := &countingLookup{fn: func(doctorID int64, day time.Weekday) ([]clock.Window, error) {
		if fail {
			return nil, errors.New("db down")
		}
		return nil, nil
	}}
	cached := NewCached(inner, 8, time.Minute)

	_, err := cached.Windows(context.Background(), 2, time.Friday)
	require.Error(t, err)

	fail = false
	windows, err := cached.Windows(context.Background(), 2, time.Friday)
	require.NoError(t, err)
	assert.Empty(t, windows)
	assert.Equal(t, 2, inner.calls)
}

func TestStaticOrdersWindows(t *testing.T) {
	s := NewStatic()
	s.Add(1, time.Monday, clock.Window{Start: 13 * 60, End: 16 * 60})
	s.Add(1, time.Monday, clock.Window{Start: 8 * 60, End: 12 * 60})

	windows, err := s.Windows(context.Background(), 1, time.Monday)
	require.NoError(t, err)
	require.Len(t, windows, 2)
	assert.Equal(t, 8*60, windows[0].Start)

	none, err := s.Windows(context.Background(), 1, time.Sunday)
	require.NoError(t, err)
	assert.Empty(t, none)
}
