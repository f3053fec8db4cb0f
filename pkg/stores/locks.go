package stores

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// serviceLocks hands out one writer slot per service. Waiting honors the
// caller's context.
type serviceLocks struct {
	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

func newServiceLocks() *serviceLocks {
	return &serviceLocks{slots: make(map[string]*semaphore.Weighted)}
}

func (l *serviceLocks) slot(serviceID string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.slots[serviceID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.slots[serviceID] = sem
	}
	return sem
}

// lock blocks until the service's slot is free or ctx is done, and returns
// the release function.
func (l *serviceLocks) lock(ctx context.Context, serviceID string) (func(), error) {
	sem := l.slot(serviceID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
