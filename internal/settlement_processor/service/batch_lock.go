package service

import (
	"context"
	"sync"
)

// LocalBatchLock serializes batches inside one process
type LocalBatchLock struct {
	mu sync.Mutex
}

func (l *LocalBatchLock) TryAcquire(_ context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// CompositeBatchLock holds every inner lock or none. Locks are taken in order
// and released in reverse.
type CompositeBatchLock struct {
	locks []BatchLock
}

func NewCompositeBatchLock(locks ...BatchLock) *CompositeBatchLock {
	return &CompositeBatchLock{locks: locks}
}

func (c *CompositeBatchLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	releases := make([]func(), 0, len(c.locks))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, l := range c.locks {
		release, ok, err := l.TryAcquire(ctx)
		if err != nil || !ok {
			releaseAll()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}
