// Package process launches and supervises emulator processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vbricks/utils"
	"github.com/projecteru2/vbricks/vm"
)

const (
	defaultGrace      = 30 * time.Second
	socketWaitTimeout = 5 * time.Second
	exitCodeUnknown   = -1
)

// compile-time interface checks.
var (
	_ vm.Launcher = (*Launcher)(nil)
	_ vm.Process  = (*Process)(nil)
)

// Process is a running child with its stdio on a pseudo-terminal.
type Process struct {
	name  string
	cmd   *exec.Cmd
	pty   *os.File
	grace time.Duration

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Name is the VM the process runs.
func (p *Process) Name() string { return p.name }

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode is valid after Done; -1 when killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Console is the master side of the child's terminal.
func (p *Process) Console() io.ReadWriter { return p.pty }

// Drain copies the child's terminal output to w until the child exits.
func (p *Process) Drain(w io.Writer) {
	_, _ = io.Copy(w, p.pty)
}

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (p *Process) Terminate(ctx context.Context) error {
	logger := log.WithFunc("process.Terminate")
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("sigterm %s: %w", p.name, err)
	}
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}
	logger.Warnf(ctx, "%s (pid %d) did not exit after SIGTERM, killing", p.name, p.Pid())
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) wait(pidFile string) {
	err := p.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
	case err != nil:
		code = exitCodeUnknown
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	_ = p.pty.Close()
	if pidFile != "" {
		_ = os.Remove(pidFile)
	}
	close(p.done)
}

// Launcher starts VMs on a pseudo-terminal.
type Launcher struct {
	// PIDFile names the pid file of a VM; nil skips it.
	PIDFile func(name string) string
	// Socket names the socket a VM is ready after creating; nil skips the wait.
	Socket func(name string) string
	// Output receives the terminal output of VMs nobody attaches to; nil
	// discards it.
	Output func(name string) (io.WriteCloser, error)
	// Interactive leaves the terminal to the caller through Process.Console.
	Interactive bool
	Grace       time.Duration
}

// Launch starts argv. Launch returns once the VM socket accepts
// connections; the child is killed when it never does.
func (l *Launcher) Launch(ctx context.Context, name string, argv []string) (vm.Process, error) {
	return l.Start(ctx, name, argv)
}

// Start is Launch returning the concrete process.
func (l *Launcher) Start(ctx context.Context, name string, argv []string) (*Process, error) {
	logger := log.WithFunc("process.Start")
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", argv[0], err)
	}
	cmd := exec.Command(bin, argv[1:]...) //nolint:gosec
	cmd.Args[0] = argv[0]
	cmd.Env = os.Environ()
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w", argv[0], err)
	}
	grace := l.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	p := &Process{name: name, cmd: cmd, pty: ptmx, grace: grace, done: make(chan struct{})}

	var pidFile string
	if l.PIDFile != nil {
		pidFile = l.PIDFile(name)
		if err := utils.PIDFile(pidFile).Write(p.Pid()); err != nil {
			logger.Warnf(ctx, "write pid file of %s: %v", name, err)
			pidFile = ""
		}
	}
	go p.wait(pidFile)

	if !l.Interactive {
		out := io.Discard
		if l.Output != nil {
			w, err := l.Output(name)
			if err != nil {
				logger.Warnf(ctx, "open output of %s: %v", name, err)
			} else {
				out = w
				go func() {
					<-p.done
					_ = w.Close()
				}()
			}
		}
		go p.Drain(out)
	}

	if l.Socket != nil {
		if err := WaitForSocket(ctx, l.Socket(name), socketWaitTimeout, p.done); err != nil {
			_ = p.cmd.Process.Kill()
			<-p.done
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
	}
	logger.Infof(ctx, "started %s, pid %d", name, p.Pid())
	return p, nil
}
