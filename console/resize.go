//go:build !windows

package console

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"github.com/moby/term"
)

// MakeRaw puts the terminal behind in into raw mode and returns the
// function restoring it.
func MakeRaw(in *os.File) (func(), error) {
	fd, isTerm := term.GetFdInfo(in)
	if !isTerm {
		return nil, fmt.Errorf("stdin is not a terminal")
	}
	state, err := term.SetRawTerminal(fd)
	if err != nil {
		return nil, fmt.Errorf("set raw mode: %w", err)
	}
	return func() { _ = term.RestoreTerminal(fd, state) }, nil
}

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	_, isTerm := term.GetFdInfo(f)
	return isTerm
}

// HandleResize copies the size of local to the pty master remote now and
// on every SIGWINCH. The returned function stops listening.
func HandleResize(local, remote *os.File) func() {
	_ = pty.InheritSize(local, remote)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for range sigCh {
			_ = pty.InheritSize(local, remote)
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}
