package json

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vbricks/lock/flock"
)

type doc struct {
	Count int               `json:"count"`
	Names map[string]string `json:"names"`
}

func (d *doc) Init() {
	if d.Names == nil {
		d.Names = map[string]string{}
	}
}

func newStore(t *testing.T) *Store[doc] {
	t.Helper()
	dir := t.TempDir()
	return New[doc](filepath.Join(dir, "sub", "doc.json"), flock.New(filepath.Join(dir, "doc.lock")))
}

func TestWithMissingFileInits(t *testing.T) {
	s := newStore(t)
	err := s.With(context.Background(), func(d *doc) error {
		assert.Zero(t, d.Count)
		assert.NotNil(t, d.Names)
		return nil
	})
	require.NoError(t, err)
	assert.NoFileExists(t, s.File())
}

func TestUpdatePersists(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Update(ctx, func(d *doc) error {
		d.Count = 2
		d.Names["a"] = "b"
		return nil
	}))
	require.NoError(t, s.With(ctx, func(d *doc) error {
		assert.Equal(t, 2, d.Count)
		assert.Equal(t, "b", d.Names["a"])
		return nil
	}))
}

func TestUpdateErrorDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	boom := errors.New("boom")
	err := s.Update(ctx, func(d *doc) error {
		d.Count = 9
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, s.File())
}

func TestCorruptFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.File()), 0o750))
	require.NoError(t, os.WriteFile(s.File(), []byte("{nope"), 0o600))
	err := s.With(context.Background(), func(*doc) error { return nil })
	assert.ErrorContains(t, err, "decode")
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// each goroutine gets its own flock handle, as separate processes would
			other := New[doc](s.File(), flock.New(filepath.Join(filepath.Dir(filepath.Dir(s.File())), "doc.lock")))
			assert.NoError(t, other.Update(ctx, func(d *doc) error {
				d.Count++
				return nil
			}))
		}()
	}
	wg.Wait()
	require.NoError(t, s.With(ctx, func(d *doc) error {
		assert.Equal(t, 10, d.Count)
		return nil
	}))
}
