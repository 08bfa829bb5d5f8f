// Package lock serializes access to project files, within a process or
// across vbricks invocations.
package lock

import "context"

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// RWLocker also hands out shared locks, so concurrent readers of a
// project do not wait for each other.
type RWLocker interface {
	Locker
	RLock(ctx context.Context) error
	RUnlock(ctx context.Context) error
}

// WithLock runs fn holding the exclusive lock. The lock is released
// whatever fn returns.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock(ctx) //nolint:errcheck
	return fn()
}

// WithRLock runs fn holding a shared lock when l supports one, the
// exclusive lock otherwise.
func WithRLock(ctx context.Context, l Locker, fn func() error) error {
	rw, ok := l.(RWLocker)
	if !ok {
		return WithLock(ctx, l, fn)
	}
	if err := rw.RLock(ctx); err != nil {
		return err
	}
	defer rw.RUnlock(ctx) //nolint:errcheck
	return fn()
}
