package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vbricks/config"
	"github.com/projecteru2/vbricks/factory"
	"github.com/projecteru2/vbricks/vm"
)

func newTestSession(t *testing.T) *session {
	t.Helper()
	dir := t.TempDir()
	return &session{factory: factory.New(vm.Options{Home: func() string { return dir }})}
}

func TestApplyParams(t *testing.T) {
	s := newTestSession(t)
	img, err := s.factory.NewImage("base", filepath.Join(t.TempDir(), "base.img"), "")
	require.NoError(t, err)
	v, err := s.factory.NewVM("vm1")
	require.NoError(t, err)

	require.NoError(t, applyParams(s, v, []string{"smp=4", "kvm=yes", "hda=base", "usbdevlist=046d:c52b,1234:5678"}))
	assert.Equal(t, 4, v.Config().Int("smp"))
	assert.True(t, v.Config().Bool("kvm"))
	assert.Same(t, img, v.Disks()[0].Image())
	assert.Equal(t, "046d:c52b,1234:5678", v.Config().Format("usbdevlist"))

	require.NoError(t, applyParams(s, v, []string{"hda="}))
	assert.Nil(t, v.Disks()[0].Image())

	assert.ErrorIs(t, applyParams(s, v, []string{"smp"}), vm.ErrInvalidValue)
	assert.ErrorIs(t, applyParams(s, v, []string{"bogus=1"}), vm.ErrUnknownKey)
	assert.ErrorIs(t, applyParams(s, v, []string{"smp=999"}), vm.ErrInvalidValue)
	assert.ErrorIs(t, applyParams(s, v, []string{"hdb=missing"}), factory.ErrNotFound)
}

func TestApplyRAM(t *testing.T) {
	s := newTestSession(t)
	v, err := s.factory.NewVM("vm1")
	require.NoError(t, err)

	cmd := &cobra.Command{}
	addRAMFlag(cmd)
	require.NoError(t, applyRAM(cmd, v))
	assert.Equal(t, 64, v.Config().Int("ram"))

	require.NoError(t, cmd.Flags().Set("ram", "2g"))
	require.NoError(t, applyRAM(cmd, v))
	assert.Equal(t, 2048, v.Config().Int("ram"))

	require.NoError(t, cmd.Flags().Set("ram", "lots"))
	assert.Error(t, applyRAM(cmd, v))
}

func TestEndpointFromFlags(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		cmd := &cobra.Command{}
		addEndpointFlags(cmd)
		require.NoError(t, cmd.ParseFlags(args))
		return cmd
	}

	e, err := endpointFromFlags(newCmd())
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = endpointFromFlags(newCmd("--hostonly"))
	require.NoError(t, err)
	assert.Equal(t, vm.ModeHostonly, e.Mode())

	e, err = endpointFromFlags(newCmd("--switch", "sw1=/tmp/sw1.ctl"))
	require.NoError(t, err)
	assert.Equal(t, vm.SwitchEndpoint{Name: "sw1", SockPath: "/tmp/sw1.ctl"}, e)

	e, err = endpointFromFlags(newCmd("--switch", "/run/vde/lan.ctl"))
	require.NoError(t, err)
	assert.Equal(t, "lan.ctl", e.Nickname())

	_, err = endpointFromFlags(newCmd("--switch", "sw1="))
	assert.ErrorIs(t, err, vm.ErrInvalidValue)
}

func TestLinkAt(t *testing.T) {
	s := newTestSession(t)
	v, err := s.factory.NewVM("vm1")
	require.NoError(t, err)
	plug, err := v.AddPlug(vm.Hostonly, "", "")
	require.NoError(t, err)
	sock, err := v.AddSock("", "e1000")
	require.NoError(t, err)

	l, err := linkAt(v, "0")
	require.NoError(t, err)
	assert.Same(t, plug, l)
	l, err = linkAt(v, "eth1")
	require.NoError(t, err)
	assert.Same(t, sock, l)

	_, err = linkAt(v, "eth2")
	assert.ErrorIs(t, err, vm.ErrUnknownLink)
	_, err = linkAt(v, "x")
	assert.ErrorIs(t, err, vm.ErrUnknownLink)
}

func TestCurrentProjectName(t *testing.T) {
	saved := conf
	t.Cleanup(func() { conf = saved })
	conf = config.DefaultConfig()
	conf.Workspace = t.TempDir()

	_, err := currentProjectName()
	assert.ErrorIs(t, err, errNoProject)

	require.NoError(t, setCurrentProjectName("lab"))
	name, err := currentProjectName()
	require.NoError(t, err)
	assert.Equal(t, "lab", name)

	require.NoError(t, os.WriteFile(conf.CurrentProjectFile(), []byte("  \n"), 0o644))
	_, err = currentProjectName()
	assert.ErrorIs(t, err, errNoProject)

	require.NoError(t, setCurrentProjectName(""))
	require.NoError(t, setCurrentProjectName(""))
	assert.NoFileExists(t, conf.CurrentProjectFile())
}

func TestWriteCmdline(t *testing.T) {
	file := filepath.Join(t.TempDir(), "vm1.cmdline")
	require.NoError(t, writeCmdline(file, []string{"qemu-system-i386", "-m", "64", "-loadvm", "snap1"}))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "qemu-system-i386 -m 64 -loadvm snap1\n", string(data))
}
