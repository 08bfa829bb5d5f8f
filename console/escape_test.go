package console

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscaperFeed(t *testing.T) {
	e := newEscaper('~')

	act, data := e.feed('~')
	assert.Equal(t, actHold, act)
	assert.Nil(t, data)

	act, data = e.feed('x')
	assert.Equal(t, actSend, act)
	assert.Equal(t, []byte("~x"), data)

	// mid line the escape char is plain data
	act, data = e.feed('~')
	assert.Equal(t, actSend, act)
	assert.Equal(t, []byte("~"), data)

	_, _ = e.feed('\r')
	act, _ = e.feed('~')
	require.Equal(t, actHold, act)
	act, _ = e.feed('?')
	assert.Equal(t, actHelp, act)

	// help leaves the detector at line start
	act, _ = e.feed('~')
	require.Equal(t, actHold, act)
	act, _ = e.feed('.')
	assert.Equal(t, actDisconnect, act)
}

func TestEscaperEscapeThenNewline(t *testing.T) {
	e := newEscaper(DefaultEscapeChar)
	_, _ = e.feed(DefaultEscapeChar)
	act, data := e.feed('\n')
	assert.Equal(t, actSend, act)
	assert.Equal(t, []byte{DefaultEscapeChar, '\n'}, data)

	act, _ = e.feed(DefaultEscapeChar)
	assert.Equal(t, actHold, act)
}

func TestEscaperHelp(t *testing.T) {
	var out bytes.Buffer
	newEscaper(DefaultEscapeChar).help(&out)
	assert.Contains(t, out.String(), "^].  Disconnect")
	assert.Contains(t, out.String(), "^]^]  Send escape character")
}

func TestParseEscapeCharRejects(t *testing.T) {
	for _, bad := range []string{"^@", "?", "\x7f", "\xe9", "^!"} {
		_, err := ParseEscapeChar(bad)
		assert.Error(t, err, "%q", bad)
	}
	b, err := ParseEscapeChar("~")
	require.NoError(t, err)
	assert.Equal(t, "~", FormatEscapeChar(b))
}
