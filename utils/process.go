package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	killWait     = 5 * time.Second
	termInterval = 100 * time.Millisecond
	killInterval = 50 * time.Millisecond
)

// PIDFile is where a launcher records the pid of an emulator.
type PIDFile string

// Write stores pid, readable by the owner only.
func (f PIDFile) Write(pid int) error {
	return os.WriteFile(string(f), []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// Read returns the recorded pid.
func (f PIDFile) Read() (int, error) {
	data, err := os.ReadFile(string(f)) //nolint:gosec
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bad pid in %s: %q", f, bytes.TrimSpace(data))
	}
	return pid, nil
}

// Owner returns the recorded pid and whether that process is still the
// one that wrote the file: alive, with every marker in its command line.
// A recycled pid running something else reads as gone.
func (f PIDFile) Owner(markers ...string) (int, bool) {
	pid, err := f.Read()
	if err != nil {
		return 0, false
	}
	return pid, CmdlineMatches(pid, markers...)
}

// IsProcessAlive probes pid with signal 0.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM: it exists but belongs to someone else.
	return err == nil || errors.Is(err, syscall.EPERM)
}

// CmdlineMatches reports whether pid is alive and every marker appears in
// its /proc cmdline. Markers should be unique to one VM, such as its
// management socket. Without /proc only liveness is checked.
func CmdlineMatches(pid int, markers ...string) bool {
	if !IsProcessAlive(pid) {
		return false
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return true
	}
	cmdline := string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '}))
	for _, m := range markers {
		if !strings.Contains(cmdline, m) {
			return false
		}
	}
	return true
}

// TerminateProcess stops pid if it still matches markers: SIGTERM first,
// SIGKILL once grace runs out. A process that is already gone, or that
// no longer matches, is left alone.
func TerminateProcess(ctx context.Context, pid int, grace time.Duration, markers ...string) error {
	if !CmdlineMatches(pid, markers...) {
		return nil
	}
	gone := func() (bool, error) { return !IsProcessAlive(pid), nil }
	steps := []struct {
		sig      syscall.Signal
		wait     time.Duration
		interval time.Duration
	}{
		{syscall.SIGTERM, grace, termInterval},
		{syscall.SIGKILL, killWait, killInterval},
	}
	var err error
	for _, step := range steps {
		if serr := syscall.Kill(pid, step.sig); serr != nil {
			if errors.Is(serr, syscall.ESRCH) {
				return nil
			}
			err = fmt.Errorf("signal %d with %s: %w", pid, step.sig, serr)
			continue
		}
		if err = WaitFor(ctx, step.wait, step.interval, gone); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return fmt.Errorf("process %d still running: %w", pid, err)
}
