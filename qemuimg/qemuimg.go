// Package qemuimg runs the qemu disk-image tool and the sync utility.
package qemuimg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/projecteru2/core/log"
)

const (
	toolName = "qemu-img"
	syncName = "sync"
)

var (
	// ErrBadConfig means a required external tool is not installed.
	ErrBadConfig = errors.New("bad configuration")
	// ErrToolFailed is matched by every *ToolError.
	ErrToolFailed = errors.New("tool failed")
)

// ToolError is a non-zero exit of an external tool.
type ToolError struct {
	Op       string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s exited with status %d\n%s", e.Op, strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

func (e *ToolError) Is(target error) bool { return target == ErrToolFailed }

// Tool locates and runs qemu-img. QemuPath is the directory holding the
// qemu binaries; empty means $PATH.
type Tool struct {
	QemuPath string
	// SyncBinary overrides the sync command, for tests.
	SyncBinary string
}

// New returns a Tool looking for binaries under qemuPath.
func New(qemuPath string) *Tool {
	return &Tool{QemuPath: qemuPath, SyncBinary: syncName}
}

// Path resolves the qemu-img executable or returns ErrBadConfig.
func (t *Tool) Path() (string, error) {
	return Resolve(t.QemuPath, toolName)
}

// Resolve returns the absolute path of the executable name, looked up in
// dir when set, in $PATH otherwise. A missing executable is ErrBadConfig.
func Resolve(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%w: %s not found", ErrBadConfig, name)
	}
	if dir != "" {
		p := filepath.Join(dir, name)
		if isExecutable(p) {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s not found in %s", ErrBadConfig, name, dir)
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found: %v", ErrBadConfig, name, err)
	}
	return p, nil
}

func isExecutable(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && fi.Mode().Perm()&0o111 != 0
}

// CreateDifferential creates target as a copy-on-write image of format fmt
// backed by backing, then flushes filesystem buffers with sync.
func (t *Tool) CreateDifferential(ctx context.Context, backing, format, target string) error {
	bin, err := t.Path()
	if err != nil {
		return fmt.Errorf("cannot create private COW: %w", err)
	}
	log.WithFunc("qemuimg.CreateDifferential").Infof(ctx, "creating a new private COW from a base image. backing_file=%s", backing)
	args := []string{"create", "-b", backing, "-f", format, target}
	if err := run(ctx, "create private COW", bin, args...); err != nil {
		return err
	}
	return t.Sync(ctx)
}

// CreateImage creates a new empty image of the given format and size in bytes.
func (t *Tool) CreateImage(ctx context.Context, format, target string, size int64) error {
	bin, err := t.Path()
	if err != nil {
		return fmt.Errorf("cannot create image: %w", err)
	}
	return run(ctx, "create image", bin, "create", "-f", format, target, strconv.FormatInt(size, 10))
}

// Sync runs the sync utility.
func (t *Tool) Sync(ctx context.Context) error {
	bin := t.SyncBinary
	if bin == "" {
		bin = syncName
	}
	return run(ctx, "sync", bin)
}

func run(ctx context.Context, op, bin string, args ...string) error {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...) //nolint:gosec
	cmd.Env = os.Environ()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ToolError{
			Op:       op,
			Args:     append([]string{bin}, args...),
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	}
	return fmt.Errorf("%s: exec %s: %w", op, bin, err)
}
