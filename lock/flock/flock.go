// Package flock implements lock.RWLocker with flock(2) on a project file.
package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/vbricks/lock"
)

const retryDelay = 100 * time.Millisecond

// compile-time interface check.
var _ lock.RWLocker = (*Lock)(nil)

// Lock locks a file shared by every vbricks process working on the same
// project. The file is created on first use and never removed.
type Lock struct {
	fl *flock.Flock
}

// New returns a lock on path.
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Path is the locked file.
func (l *Lock) Path() string { return l.fl.Path() }

// Lock takes the exclusive lock, waiting until it is free or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	locked, err := l.fl.TryLockContext(ctx, retryDelay)
	return l.result("exclusive", locked, err)
}

// RLock takes a shared lock, waiting while someone holds the exclusive one.
func (l *Lock) RLock(ctx context.Context) error {
	locked, err := l.fl.TryRLockContext(ctx, retryDelay)
	return l.result("shared", locked, err)
}

// TryLock takes the exclusive lock only when it is free right now. It
// reports false when another file handle holds it.
func (l *Lock) TryLock() (bool, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("try exclusive flock %s: %w", l.fl.Path(), err)
	}
	return locked, nil
}

func (l *Lock) result(kind string, locked bool, err error) error {
	if err != nil {
		return fmt.Errorf("acquire %s flock %s: %w", kind, l.fl.Path(), err)
	}
	if !locked {
		return fmt.Errorf("acquire %s flock %s: context done", kind, l.fl.Path())
	}
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock(_ context.Context) error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}

// RUnlock releases a shared lock. flock(2) drops either kind the same way.
func (l *Lock) RUnlock(ctx context.Context) error { return l.Unlock(ctx) }
