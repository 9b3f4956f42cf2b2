package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"qms/clinic-queue/internal/store"
)

// keyLocks hands out one exclusive slot per key. Waiters give up after the
// configured timeout with ErrTransient. A slot lives only while some caller
// holds or waits for it.
type keyLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{slots: make(map[string]*slot)}
}

func (k *keyLocks) ref(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	sl, ok := k.slots[key]
	if !ok {
		sl = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = sl
	}
	sl.refs++
	return sl
}

func (k *keyLocks) unref(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	sl := k.slots[key]
	sl.refs--
	if sl.refs == 0 {
		delete(k.slots, key)
	}
	return sl
}

func (k *keyLocks) acquire(ctx context.Context, key string, timeout time.Duration) (err error) {
	sl := k.ref(key)
	defer func() {
		if err != nil {
			k.unref(key)
		}
	}()
	select {
	case sl.ch <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case sl.ch <- struct{}{}:
		return nil
	case <-expired:
		return fmt.Errorf("%w: lock %s not acquired within %s", store.ErrTransient, key, timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: lock %s: %v", store.ErrTransient, key, ctx.Err())
		}
		return ctx.Err()
	}
}

func (k *keyLocks) release(key string) {
	<-k.unref(key).ch
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
