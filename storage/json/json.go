// Package json implements storage.Store as a JSON file guarded by a lock.
package json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/projecteru2/vbricks/lock"
	"github.com/projecteru2/vbricks/storage"
)

// compile-time interface check.
var _ storage.Store[struct{}] = (*Store[struct{}])(nil)

// Store keeps one T in a JSON file. A missing file reads as the zero T.
type Store[T any] struct {
	file   string
	locker lock.Locker
}

// New returns a store for file guarded by locker.
func New[T any](file string, locker lock.Locker) *Store[T] {
	return &Store[T]{file: file, locker: locker}
}

// File returns the backing file path.
func (s *Store[T]) File() string { return s.file }

func (s *Store[T]) With(ctx context.Context, fn func(*T) error) error {
	return lock.WithRLock(ctx, s.locker, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		return fn(doc)
	})
}

func (s *Store[T]) Update(ctx context.Context, fn func(*T) error) error {
	return lock.WithLock(ctx, s.locker, func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return s.save(doc)
	})
}

func (s *Store[T]) load() (*T, error) {
	doc := new(T)
	data, err := os.ReadFile(s.file)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", s.file, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.file, err)
		}
	}
	if i, ok := any(doc).(storage.Initer); ok {
		i.Init()
	}
	return doc, nil
}

// save writes through a temp file and rename so readers never see a
// partial document.
func (s *Store[T]) save(doc *T) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.file, err)
	}
	dir := filepath.Dir(s.file)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.file)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", s.file, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.file); err != nil {
		return fmt.Errorf("rename %s: %w", s.file, err)
	}
	return nil
}
