// Package lock provides a pluggable, non-blocking conditional lock used to
// serialize conditional (If-None-Match: *) creates and multipart
// completion/abort against concurrent requests for the same key. Every backend implements the same narrow contract: try to
// acquire a named lock immediately, returning nil if it is already held.
package lock

import "context"

// Guard releases a held lock. Release is idempotent; calling it more than
// once is a no-op.
type Guard interface {
	Release()
}

// ConditionalLock attempts to acquire a non-blocking, named lock.
// TryLock returns (nil, nil) if the lock is already held by someone else —
// that is not an error, it is the normal "try again later" outcome.
type ConditionalLock interface {
	TryLock(ctx context.Context, key string) (Guard, error)
}

// funcGuard adapts a plain release function to the Guard interface,
// ensuring the function runs at most once.
type funcGuard struct {
	release func()
	done    bool
}

func (g *funcGuard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.release()
}

func newFuncGuard(release func()) Guard {
	return &funcGuard{release: release}
}
