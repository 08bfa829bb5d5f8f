package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = 100 * time.Millisecond

var (
	ErrExited  = errors.New("process exited before its socket was ready")
	ErrTimeout = errors.New("timed out waiting for socket")
)

// CheckSocket dials the unix socket at path.
func CheckSocket(path string) error {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitForSocket blocks until path accepts connections, exited is closed,
// timeout passes or ctx ends. Directory events wake it early; a slow poll
// covers sockets created before they listen.
func WaitForSocket(ctx context.Context, path string, timeout time.Duration, exited <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer watcher.Close() //nolint:errcheck
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	if CheckSocket(path) == nil {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watch %s: watcher closed", path)
			}
			if ev.Name != path || !ev.Has(fsnotify.Create) {
				continue
			}
		case err := <-watcher.Errors:
			return fmt.Errorf("watch %s: %w", path, err)
		case <-ticker.C:
		case <-exited:
			return ErrExited
		case <-deadline.C:
			return fmt.Errorf("%w: %s", ErrTimeout, path)
		case <-ctx.Done():
			return ctx.Err()
		}
		if CheckSocket(path) == nil {
			return nil
		}
	}
}
