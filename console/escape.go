package console

import (
	"fmt"
	"io"
)

// DefaultEscapeChar is ^], as in telnet.
const DefaultEscapeChar byte = 0x1D

// escaper recognizes the escape char only at the start of a line, the way
// ssh does, so pasted text containing it passes through untouched.
type escaper struct {
	char      byte
	lineStart bool
	pending   bool
}

func newEscaper(char byte) *escaper { return &escaper{char: char, lineStart: true} }

// action is what feeding one input byte asks the relay to do.
type action int

const (
	actSend       action = iota // forward the returned bytes
	actHold                     // swallow the byte and wait for the next one
	actHelp                     // print the help text
	actDisconnect               // stop relaying
)

// feed advances the escape detection by one byte and returns the bytes to
// forward to the remote side.
func (e *escaper) feed(b byte) (action, []byte) {
	newline := b == '\r' || b == '\n'
	if e.pending {
		e.pending = false
		switch b {
		case '.':
			return actDisconnect, nil
		case '?':
			e.lineStart = true
			return actHelp, nil
		case e.char:
			e.lineStart = false
			return actSend, []byte{b}
		}
		e.lineStart = newline
		return actSend, []byte{e.char, b}
	}
	if e.lineStart && b == e.char {
		e.pending = true
		return actHold, nil
	}
	e.lineStart = newline
	return actSend, []byte{b}
}

func (e *escaper) help(out io.Writer) {
	esc := FormatEscapeChar(e.char)
	fmt.Fprintf(out, "\r\nSupported escape sequences:\r\n"+
		"  %[1]s.  Disconnect\r\n"+
		"  %[1]s?  This help\r\n"+
		"  %[1]s%[1]s  Send escape character\r\n", esc)
}

// FormatEscapeChar renders control bytes in caret notation ("^]").
func FormatEscapeChar(b byte) string {
	if b >= 1 && b <= 0x1F {
		return string([]byte{'^', b + '@'})
	}
	return string([]byte{b})
}

// ParseEscapeChar accepts a single character or caret notation, either
// case ("^]", "^a").
func ParseEscapeChar(s string) (byte, error) {
	var b byte
	switch {
	case len(s) == 1:
		b = s[0]
	case len(s) == 2 && s[0] == '^' && s[1] >= '@' && s[1] <= '_':
		b = s[1] - '@'
	case len(s) == 2 && s[0] == '^' && s[1] >= 'a' && s[1] <= 'z':
		b = s[1] - 'a' + 1
	case len(s) == 2 && s[0] == '^':
		return 0, fmt.Errorf("escape char %q: caret notation goes from ^A to ^_", s)
	default:
		return 0, fmt.Errorf("escape char %q: want one character or ^X", s)
	}
	if reason := unusableEscape(b); reason != "" {
		return 0, fmt.Errorf("escape char %q: %s", s, reason)
	}
	return b, nil
}

func unusableEscape(b byte) string {
	switch {
	case b == 0:
		return "NUL is not allowed"
	case b == '\r' || b == '\n':
		return "line endings are not allowed"
	case b == '.' || b == '?':
		return "it is an escape command"
	case b >= 0x7F: //nolint:mnd
		return "only printable ASCII and control characters below DEL are allowed"
	}
	return ""
}
