package schedule

import (
	"context"
	"time"

	"qms/clinic-queue/internal/clock"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cacheKey struct {
	doctorID int64
	day      time.Weekday
}

// Cached fronts another Lookup with an expiring LRU. Schedules change rarely
// and are read on every check-in.
type Cached struct {
	next  Lookup
	cache *expirable.LRU[cacheKey, []clock.Window]
}

func NewCached(next Lookup, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 256
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[cacheKey, []clock.Window](size, nil, ttl),
	}
}

func (c *Cached) Windows(ctx context.Context, doctorID int64, day time.Weekday) ([]clock.Window, error) {
	key := cacheKey{doctorID: doctorID, day: day}
	if windows, ok := c.cache.Get(key); ok {
		return windows, nil
	}
	windows, err := c.next.Windows(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, windows)
	return windows, nil
}

// Invalidate drops every cached entry for a doctor.
func (c *Cached) Invalidate(doctorID int64) {
	for _, key := range c.cache.Keys() {
		if key.doctorID == doctorID {
			c.cache.Remove(key)
		}
	}
}
