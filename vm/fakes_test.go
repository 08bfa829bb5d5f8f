package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vbricks/images"
)

// fakeTool writes a legacy COW header pointing at backing.
type fakeTool struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTool) CreateDifferential(_ context.Context, backing, _, target string) error {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(target, cowHeader(backing), 0o600)
}

func (f *fakeTool) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func cowHeader(backing string) []byte {
	b := make([]byte, 8+1024)
	binary.BigEndian.PutUint32(b[0:4], 0x4f4f4f4d)
	binary.BigEndian.PutUint32(b[4:8], 1)
	copy(b[8:], backing)
	return b
}

type fakeProcess struct {
	done chan struct{}
	once sync.Once
}

func newFakeProcess() *fakeProcess { return &fakeProcess{done: make(chan struct{})} }

func (p *fakeProcess) Pid() int              { return 4242 }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { return 0 }
func (p *fakeProcess) exit()                 { p.once.Do(func() { close(p.done) }) }
func (p *fakeProcess) Terminate(context.Context) error {
	p.exit()
	return nil
}

type fakeLauncher struct {
	mu   sync.Mutex
	argv []string
	proc *fakeProcess
	err  error
}

func (l *fakeLauncher) Launch(_ context.Context, _ string, argv []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.argv = argv
	l.proc = newFakeProcess()
	return l.proc, nil
}

// fakeMonitor records commands and stops the process on system_powerdown.
type fakeMonitor struct {
	mu       sync.Mutex
	commands []string
	launcher *fakeLauncher
}

func (m *fakeMonitor) send(_ context.Context, _ string, command string) (string, error) {
	m.mu.Lock()
	m.commands = append(m.commands, command)
	m.mu.Unlock()
	if command == "system_powerdown\n" {
		m.launcher.proc.exit()
	}
	return "", nil
}

func (m *fakeMonitor) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

type harness struct {
	dir      string
	tool     *fakeTool
	launcher *fakeLauncher
	monitor  *fakeMonitor
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir(), tool: &fakeTool{}, launcher: &fakeLauncher{}}
	h.monitor = &fakeMonitor{launcher: h.launcher}
	h.opts = Options{
		Home:       func() string { return h.dir },
		BaseFolder: func() string { return filepath.Join(h.dir, "project") },
		Tool:       h.tool,
		Launcher:   h.launcher,
		Send:       h.monitor.send,
	}
	return h
}

func (h *harness) image(t *testing.T, name string) *images.Image {
	t.Helper()
	p := filepath.Join(h.dir, name+".img")
	require.NoError(t, os.WriteFile(p, []byte("base"), 0o600))
	return images.New(name, p, "")
}

var errBoom = errors.New("boom")
