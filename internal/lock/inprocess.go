package lock

import (
	"context"
	"sync"
)

// InProcess is a non-blocking, single-instance lock backed by a plain map
// guarded by a mutex. It mirrors the map-plus-mutex idiom used elsewhere in
// this codebase for in-memory bookkeeping, simplified here because a
// try-lock never needs to wait on a release notification: a held lock is
// simply reported as unavailable.
type InProcess struct {
	mu    sync.Mutex
	locks map[string]struct{}
}

// NewInProcess creates an empty in-process lock table.
func NewInProcess() *InProcess {
	return &InProcess{locks: make(map[string]struct{})}
}

// TryLock inserts key into the table if absent. If key is already present,
// the lock is held elsewhere and TryLock returns a nil guard.
func (l *InProcess) TryLock(ctx context.Context, key string) (Guard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locks[key]; held {
		return nil, nil
	}
	l.locks[key] = struct{}{}

	return newFuncGuard(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.locks, key)
	}), nil
}
