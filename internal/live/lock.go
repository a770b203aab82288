package live

import (
	"context"
	"time"
)

// timedMutex is a mutex whose acquisition can time out.
type timedMutex struct {
	ch chan struct{}
}

func newTimedMutex() *timedMutex {
	return &timedMutex{ch: make(chan struct{}, 1)}
}

// TryLockFor waits up to d for the lock. A false return means the caller
// should skip its cycle.
func (m *timedMutex) TryLockFor(ctx context.Context, d time.Duration) bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *timedMutex) Unlock() {
	<-m.ch
}
