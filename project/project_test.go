package project

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct {
	mu     sync.Mutex
	resets int
}

func (f *stubFactory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
}

type stubPersister struct {
	mu       sync.Mutex
	saved    []string
	restored []string
	err      error
}

func (p *stubPersister) Save(_ context.Context, _ Factory, file string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, file)
	return p.err
}

func (p *stubPersister) Restore(_ context.Context, _ Factory, file string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restored = append(p.restored, file)
	return p.err
}

type fixture struct {
	manager   *Manager
	persister *stubPersister
	factory   *stubFactory
	home      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Cleanup(func() { current.Store(nil) })
	fx := &fixture{persister: &stubPersister{}, factory: &stubFactory{}}
	fx.manager = NewManager(t.TempDir(), fx.persister)
	fx.manager.DefaultHome = "/default/home"
	fx.manager.SetHome = func(path string) { fx.home = path }
	return fx
}

func TestCreateInvalidNames(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"../t", "/test", "", "..", ".", "a/b", Marker} {
		_, err := fx.manager.Create(ctx, name, fx.factory)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	assert.Nil(t, Current())
}

func TestCreateProject(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p, err := fx.manager.Create(ctx, "test", fx.factory)
	require.NoError(t, err)
	assert.DirExists(t, p.Path())
	assert.FileExists(t, filepath.Join(p.Path(), Marker))
	assert.Equal(t, filepath.Join(fx.manager.Workspace(), "test"), p.Path())
	assert.Equal(t, p, Current())

	_, err = fx.manager.Create(ctx, "test", fx.factory)
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = fx.manager.Create(ctx, "TEST", fx.factory)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateOpensAndSetsHome(t *testing.T) {
	fx := newFixture(t)
	p, err := fx.manager.Create(context.Background(), "test", fx.factory)
	require.NoError(t, err)
	assert.Equal(t, p, Current())
	assert.Equal(t, p.Path(), fx.home)
	assert.Equal(t, []string{p.File()}, fx.persister.restored)
}

func TestOpenMissing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.manager.Open(ctx, "test", fx.factory, false)
	assert.ErrorIs(t, err, ErrNotExists)
	assert.Nil(t, Current())

	p, err := fx.manager.Open(ctx, "test", fx.factory, true)
	require.NoError(t, err)
	assert.True(t, p.Exists())
	assert.Equal(t, p, Current())
}

func TestOpenClosesPrevious(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	first, err := fx.manager.Create(ctx, "first", fx.factory)
	require.NoError(t, err)
	second, err := fx.manager.Create(ctx, "second", fx.factory)
	require.NoError(t, err)

	assert.Equal(t, second, Current())
	assert.Equal(t, []string{first.File()}, fx.persister.saved)
	assert.Equal(t, 1, fx.factory.resets)
	assert.Equal(t, second.Path(), fx.home)
}

func TestClose(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.manager.Close(ctx, fx.factory))
	assert.Zero(t, fx.factory.resets)

	p, err := fx.manager.Create(ctx, "test", fx.factory)
	require.NoError(t, err)
	require.NoError(t, fx.manager.Close(ctx, fx.factory))
	assert.Nil(t, Current())
	assert.Equal(t, "/default/home", fx.home)
	assert.Equal(t, []string{p.File()}, fx.persister.saved)
	assert.Equal(t, 1, fx.factory.resets)
}

func TestSaveRestoreErrors(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	p, err := fx.manager.Create(ctx, "test", fx.factory)
	require.NoError(t, err)

	boom := errors.New("boom")
	fx.persister.err = boom
	assert.ErrorIs(t, p.Save(ctx, fx.factory), boom)
	// reopening saves the current project first
	_, err = fx.manager.Open(ctx, "test", fx.factory, false)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, Current())
	assert.Equal(t, "/default/home", fx.home)
}

func TestListAndDelete(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.manager.Create(ctx, "b", fx.factory)
	require.NoError(t, err)
	_, err = fx.manager.Create(ctx, "a", fx.factory)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(fx.manager.Workspace(), "not-a-project"), 0o750))

	names, err := fx.manager.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	assert.ErrorIs(t, fx.manager.Delete(ctx, "a"), ErrIsCurrent)
	assert.ErrorIs(t, fx.manager.Delete(ctx, "not-a-project"), ErrNotExists)
	require.NoError(t, fx.manager.Delete(ctx, "b"))
	names, err = fx.manager.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}

func TestConcurrentOpen(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.manager.Create(ctx, "test", fx.factory)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := fx.manager.Open(ctx, "test", fx.factory, false)
			assert.NoError(t, err)
			assert.Equal(t, "test", p.Name())
		}()
	}
	wg.Wait()
	require.NotNil(t, Current())
	assert.Equal(t, "test", Current().Name())
}
