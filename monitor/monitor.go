// Package monitor talks to the qemu human monitor over its unix socket.
package monitor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vbricks/utils"
)

const (
	// Prompt ends every monitor reply.
	Prompt = "(qemu) "

	defaultTimeout = 5 * time.Second
)

// ErrNoPrompt means the peer closed the socket before printing a prompt.
var ErrNoPrompt = errors.New("monitor closed before prompt")

// Send connects to socket, waits for the banner, writes command as one
// line and returns the text printed before the next prompt. A command
// without a trailing newline gets one. Without a deadline on ctx the
// exchange is bounded by a default timeout.
func Send(ctx context.Context, socket, command string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := utils.DoWithRetry(ctx, busy, func() (net.Conn, error) {
		return d.DialContext(ctx, "unix", socket)
	})
	if err != nil {
		return "", fmt.Errorf("dial monitor %s: %w", socket, err)
	}
	defer conn.Close() //nolint:errcheck
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	r := bufio.NewReader(conn)
	if _, err := readUntilPrompt(r); err != nil {
		return "", fmt.Errorf("read monitor banner: %w", err)
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	log.WithFunc("monitor.Send").Debugf(ctx, "%s <- %q", socket, command)
	if _, err := io.WriteString(conn, command); err != nil {
		return "", fmt.Errorf("write monitor command: %w", err)
	}
	reply, err := readUntilPrompt(r)
	if err != nil {
		// powerdown and quit may close the socket instead of prompting
		if errors.Is(err, ErrNoPrompt) {
			return clean(reply, command), nil
		}
		return "", fmt.Errorf("read monitor reply: %w", err)
	}
	return clean(reply, command), nil
}

// busy reports a listener that exists but cannot take the connection now,
// as when another client holds the monitor.
func busy(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EAGAIN)
}

func readUntilPrompt(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf.String(), ErrNoPrompt
			}
			return buf.String(), err
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), []byte(Prompt)) {
			buf.Truncate(buf.Len() - len(Prompt))
			return buf.String(), nil
		}
	}
}

// clean drops carriage returns, terminal escapes and the echoed command.
func clean(reply, command string) string {
	reply = stripEscapes(strings.ReplaceAll(reply, "\r", ""))
	lines := strings.Split(reply, "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(command) {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// stripEscapes removes ANSI CSI sequences the readline monitor echoes.
func stripEscapes(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != 0x1b {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '[' {
			i += 2
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
				i++
			}
		}
	}
	return b.String()
}
