package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/projecteru2/vbricks/factory"
	"github.com/projecteru2/vbricks/monitor"
	"github.com/projecteru2/vbricks/process"
	"github.com/projecteru2/vbricks/project"
	"github.com/projecteru2/vbricks/qemuimg"
	"github.com/projecteru2/vbricks/vm"
)

var errNoProject = errors.New("no project open, run `vbricks project open NAME` first")

// session is the factory of the current project, restored from disk.
type session struct {
	manager *project.Manager
	factory *factory.Factory
	project *project.Project
}

func stopTimeout() time.Duration {
	return time.Duration(conf.StopTimeoutSeconds) * time.Second
}

// vmOptions wires the VM environment to the configuration. Interactive
// launches keep the emulator terminal for the caller.
func vmOptions(interactive bool) vm.Options {
	return vm.Options{
		Home: conf.HomeDir,
		BaseFolder: func() string {
			if p := project.Current(); p != nil {
				return p.Path()
			}
			return conf.HomeDir()
		},
		QemuPath:  conf.QemuPath,
		CowFormat: conf.CowFormat,
		Tool:      qemuimg.New(conf.QemuPath),
		Launcher: &process.Launcher{
			PIDFile:     conf.PIDFile,
			Socket:      conf.MonitorSocket,
			Output:      vmOutput,
			Interactive: interactive,
			Grace:       stopTimeout(),
		},
		Send: monitor.Send,
	}
}

func vmOutput(name string) (io.WriteCloser, error) {
	return os.OpenFile(conf.VMLogFile(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
}

func newManager() *project.Manager {
	m := project.NewManager(conf.Workspace, factory.Persister{})
	m.SetHome = conf.SetHome
	m.DefaultHome = conf.Workspace
	return m
}

func currentProjectName() (string, error) {
	data, err := os.ReadFile(conf.CurrentProjectFile())
	if errors.Is(err, os.ErrNotExist) {
		return "", errNoProject
	}
	if err != nil {
		return "", fmt.Errorf("read current project: %w", err)
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", errNoProject
	}
	return name, nil
}

func setCurrentProjectName(name string) error {
	if name == "" {
		if err := os.Remove(conf.CurrentProjectFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear current project: %w", err)
		}
		return nil
	}
	return os.WriteFile(conf.CurrentProjectFile(), []byte(name+"\n"), 0o644) //nolint:gosec
}

// openSession restores the current project.
func openSession(ctx context.Context, interactive bool) (*session, error) {
	name, err := currentProjectName()
	if err != nil {
		return nil, err
	}
	m := newManager()
	f := factory.New(vmOptions(interactive))
	p, err := m.Open(ctx, name, f, false)
	if err != nil {
		return nil, fmt.Errorf("open project %s: %w", name, err)
	}
	return &session{manager: m, factory: f, project: p}, nil
}

// save writes the factory back into the project.
func (s *session) save(ctx context.Context) error {
	if err := s.project.Save(ctx, s.factory); err != nil {
		return fmt.Errorf("save project %s: %w", s.project.Name(), err)
	}
	return nil
}

// update runs fn on a fresh session and saves when it succeeds.
func update(ctx context.Context, fn func(*session) error) error {
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return s.save(ctx)
}

// view runs fn on a fresh session without saving.
func view(ctx context.Context, fn func(*session) error) error {
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	return fn(s)
}
