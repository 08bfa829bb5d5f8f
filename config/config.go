package config

import (
	"os"
	"path/filepath"
	"sync"

	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/vbricks/utils"
)

const (
	defaultWorkspace   = ".virtualbricks"
	defaultCowFormat   = "qcow2"
	defaultStopTimeout = 30
)

// Config holds global vbricks configuration.
type Config struct {
	// Workspace holds one directory per project.
	// Env: VBRICKS_WORKSPACE. Default: ~/.virtualbricks.
	Workspace string `json:"workspace" mapstructure:"workspace"`
	// Home is where runtime sockets, pid files and VM logs go. Opening a
	// project repoints it to the project directory.
	// Env: VBRICKS_HOME. Default: the workspace.
	Home string `json:"home" mapstructure:"home"`
	// QemuPath is the directory holding the qemu binaries. Empty means $PATH.
	QemuPath string `json:"qemu_path" mapstructure:"qemu_path"`
	// CowFormat is the format of private copy-on-write disks.
	// Default: qcow2.
	CowFormat string `json:"cow_format" mapstructure:"cow_format"`
	// StopTimeoutSeconds is how long a graceful poweroff waits for the
	// guest before the process is terminated.
	// Default: 30.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`

	mu sync.RWMutex
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	workspace := defaultWorkspace
	if home, err := os.UserHomeDir(); err == nil {
		workspace = filepath.Join(home, defaultWorkspace)
	}
	return &Config{
		Workspace:          workspace,
		CowFormat:          defaultCowFormat,
		StopTimeoutSeconds: defaultStopTimeout,
		Log:                coretypes.ServerLogConfig{Level: "info"},
	}
}

// HomeDir returns the current runtime home.
func (c *Config) HomeDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Home == "" {
		return c.Workspace
	}
	return c.Home
}

// SetHome repoints the runtime home.
func (c *Config) SetHome(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Home = path
}

// EnsureDirs creates the workspace.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(c.Workspace)
}

// ProjectDir is the directory of the named project.
func (c *Config) ProjectDir(name string) string { return filepath.Join(c.Workspace, name) }

// CurrentProjectFile records the project CLI commands work on.
func (c *Config) CurrentProjectFile() string { return filepath.Join(c.Workspace, ".current") }

// Runtime paths (per VM, under the home directory).

func (c *Config) MonitorSocket(vm string) string { return filepath.Join(c.HomeDir(), vm+".mgmt") }
func (c *Config) SerialSocket(vm string) string  { return filepath.Join(c.HomeDir(), vm+"_serial") }
func (c *Config) PIDFile(vm string) string       { return filepath.Join(c.HomeDir(), vm+".pid") }
func (c *Config) VMLogFile(vm string) string     { return filepath.Join(c.HomeDir(), vm+".log") }
func (c *Config) CmdlineFile(vm string) string   { return filepath.Join(c.HomeDir(), vm+".cmdline") }
