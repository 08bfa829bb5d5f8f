// Package project manages the workspace of projects and the process-wide
// current project.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/singleflight"
)

const (
	// Marker is the file that makes a directory a project.
	Marker = ".project"
	// SnapshotFile holds the saved factory inside a project.
	SnapshotFile = "bricks.json"
)

var (
	ErrInvalidName = errors.New("invalid project name")
	ErrNotExists   = errors.New("project does not exist")
	ErrIsCurrent   = errors.New("project is open")
)

// Factory is the brick registry a project is saved from and restored into.
type Factory interface {
	Reset()
}

// Persister writes and reads a factory to and from file.
type Persister interface {
	Save(ctx context.Context, f Factory, file string) error
	Restore(ctx context.Context, f Factory, file string) error
}

// HomeSetter repoints the runtime home directory.
type HomeSetter func(path string)

var current atomic.Pointer[Project]

// Current returns the open project, nil when none is.
func Current() *Project { return current.Load() }

// Project is a directory of the workspace holding a saved factory.
type Project struct {
	name    string
	path    string
	manager *Manager
}

func (p *Project) Name() string { return p.name }
func (p *Project) Path() string { return p.path }

// File returns the snapshot path.
func (p *Project) File() string { return filepath.Join(p.path, SnapshotFile) }

// Exists reports whether the project directory carries the marker.
func (p *Project) Exists() bool {
	_, err := os.Stat(filepath.Join(p.path, Marker))
	return err == nil
}

func (p *Project) create() error {
	if err := os.MkdirAll(p.path, 0o750); err != nil {
		return fmt.Errorf("create project dir %s: %w", p.path, err)
	}
	f, err := os.OpenFile(filepath.Join(p.path, Marker), os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create project marker: %w", err)
	}
	return f.Close()
}

// Save persists f into the project.
func (p *Project) Save(ctx context.Context, f Factory) error {
	log.WithFunc("project.Save").Debugf(ctx, "saving project %s", p.name)
	if err := p.manager.persister.Save(ctx, f, p.File()); err != nil {
		return fmt.Errorf("save project %s: %w", p.name, err)
	}
	return nil
}

// Restore loads the project into f and makes its directory the home.
func (p *Project) Restore(ctx context.Context, f Factory) error {
	log.WithFunc("project.Restore").Debugf(ctx, "restoring project %s", p.name)
	if err := p.manager.persister.Restore(ctx, f, p.File()); err != nil {
		return fmt.Errorf("restore project %s: %w", p.name, err)
	}
	p.manager.setHome(p.path)
	return nil
}

func (p *Project) String() string { return p.name }

// Manager creates, opens and lists the projects of a workspace.
type Manager struct {
	workspace string
	persister Persister

	// SetHome is called with the project path on restore and with
	// DefaultHome on close.
	SetHome     HomeSetter
	DefaultHome string

	mu    sync.Mutex
	group singleflight.Group
}

// NewManager returns a manager of the projects under workspace.
func NewManager(workspace string, persister Persister) *Manager {
	return &Manager{workspace: workspace, persister: persister}
}

// Workspace returns the directory holding every project.
func (m *Manager) Workspace() string { return m.workspace }

func (m *Manager) setHome(path string) {
	if m.SetHome != nil {
		m.SetHome(path)
	}
}

// Get returns the project called name, whether it exists or not. Names
// escaping the workspace are ErrInvalidName.
func (m *Manager) Get(name string) (*Project, error) {
	if name == "" || name == "." || name == ".." || filepath.IsAbs(name) ||
		strings.ContainsAny(name, `/\`) || name == Marker {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	path := filepath.Join(m.workspace, name)
	if filepath.Dir(path) != filepath.Clean(m.workspace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return &Project{name: name, path: path, manager: m}, nil
}

// Create makes a new project and opens it, so it becomes current. Names
// in use, even differing only in case, are ErrInvalidName.
func (m *Manager) Create(ctx context.Context, name string, f Factory) (*Project, error) {
	p, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	if err := m.create(ctx, p); err != nil {
		return nil, err
	}
	return m.Open(ctx, name, f, false)
}

func (m *Manager) create(ctx context.Context, p *Project) error {
	if err := m.checkUnused(p.name); err != nil {
		return err
	}
	if err := p.create(); err != nil {
		return err
	}
	log.WithFunc("project.Create").Infof(ctx, "created project %s at %s", p.name, p.path)
	return nil
}

func (m *Manager) checkUnused(name string) error {
	entries, err := os.ReadDir(m.workspace)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read workspace %s: %w", m.workspace, err)
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name(), name) {
			return fmt.Errorf("%w: %s already exists", ErrInvalidName, name)
		}
	}
	return nil
}

// Open closes the current project, restores name into f and makes it
// current. A missing project is created when create is set. Concurrent
// opens of the same project share one restore.
func (m *Manager) Open(ctx context.Context, name string, f Factory, create bool) (*Project, error) {
	p, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	v, err, _ := m.group.Do(name, func() (any, error) {
		if !p.Exists() {
			if !create {
				return nil, fmt.Errorf("%w: %s", ErrNotExists, name)
			}
			if err := m.create(ctx, p); err != nil {
				return nil, err
			}
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur := Current(); cur != nil {
			if err := m.closeLocked(ctx, cur, f); err != nil {
				return nil, err
			}
		}
		if err := p.Restore(ctx, f); err != nil {
			return nil, err
		}
		current.Store(p)
		log.WithFunc("project.Open").Infof(ctx, "opened project %s", name)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Project), nil
}

// Close saves the current project and resets f. Without a current
// project it does nothing.
func (m *Manager) Close(ctx context.Context, f Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := Current()
	if cur == nil {
		return nil
	}
	return m.closeLocked(ctx, cur, f)
}

func (m *Manager) closeLocked(ctx context.Context, p *Project, f Factory) error {
	err := p.Save(ctx, f)
	f.Reset()
	current.CompareAndSwap(p, nil)
	m.setHome(m.DefaultHome)
	return err
}

// List returns the names of every project in the workspace, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.workspace)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspace %s: %w", m.workspace, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if p, err := m.Get(e.Name()); err == nil && p.Exists() {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Delete removes a project directory. The current project cannot be deleted.
func (m *Manager) Delete(ctx context.Context, name string) error {
	p, err := m.Get(name)
	if err != nil {
		return err
	}
	if !p.Exists() {
		return fmt.Errorf("%w: %s", ErrNotExists, name)
	}
	if cur := Current(); cur != nil && cur.path == p.path {
		return fmt.Errorf("%w: %s", ErrIsCurrent, name)
	}
	if err := os.RemoveAll(p.path); err != nil {
		return fmt.Errorf("remove project %s: %w", name, err)
	}
	log.WithFunc("project.Delete").Infof(ctx, "deleted project %s", name)
	return nil
}
