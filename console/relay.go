// Package console relays an interactive terminal to a VM's console.
package console

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Relay connects the local terminal to remote, a pty master or a unix
// socket, until the user types the disconnect sequence, remote goes away
// or ctx ends. Only unexpected I/O failures are returned.
func Relay(ctx context.Context, remote io.ReadWriter, in io.Reader, out io.Writer, escapeChar byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan error, 2) //nolint:mnd
	run := func(fn func() error) {
		go func() {
			results <- fn()
			cancel()
		}()
	}
	run(func() error {
		_, err := io.Copy(out, remote)
		return err
	})
	run(func() error { return relayInput(ctx, in, remote, out, escapeChar) })

	var err error
	select {
	case err = <-results:
	case <-ctx.Done():
		// either side may have finished at the same moment
		select {
		case err = <-results:
		default:
		}
	}
	if err == nil || remoteGone(err) {
		return nil
	}
	return err
}

// remoteGone matches how a closed pty or socket shows up on read.
func remoteGone(err error) bool {
	for _, target := range []error{io.EOF, syscall.EIO, net.ErrClosed} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// relayInput feeds in through the escape detector and writes what it
// lets through to remote.
func relayInput(ctx context.Context, in io.Reader, remote, out io.Writer, escapeChar byte) error {
	esc := newEscaper(escapeChar)
	var one [1]byte
	for ctx.Err() == nil {
		n, err := in.Read(one[:])
		if n == 0 {
			return err
		}
		act, data := esc.feed(one[0])
		switch act {
		case actDisconnect:
			return nil
		case actHelp:
			esc.help(out)
		case actSend:
			if _, err := remote.Write(data); err != nil {
				return err
			}
		}
	}
	return nil
}
