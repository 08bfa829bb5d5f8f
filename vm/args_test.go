package vm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func monitorTrailer(home, name string) []string {
	return []string{
		"-mon", "chardev=mon",
		"-chardev", "socket,id=mon,path=" + filepath.Join(home, name+".mgmt") + ",server,nowait",
		"-mon", "chardev=mon_cons",
		"-chardev", "stdio,id=mon_cons,signal=off",
	}
}

func TestArgsDefaults(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	want := append([]string{
		"qemu-system-i386",
		"-smp", "1",
		"-m", "64",
		"-name", "vm1",
		"-net", "none",
	}, monitorTrailer(h.dir, "vm1")...)
	assert.Equal(t, want, argv)
}

func TestArgsKVMWithoutMachine(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	require.NoError(t, v.Config().SetBool("kvm", true))

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	assert.Subset(t, argv, []string{"-machine", "accel=kvm:tcg", "-net", "none"})
	assert.Equal(t, "-machine", argv[1])
	assert.Equal(t, "accel=kvm:tcg", argv[2])
}

func TestArgsMachineProps(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	c := v.Config()
	require.NoError(t, c.SetString("machine", "pc"))
	require.NoError(t, c.SetBool("kvm", true))
	require.NoError(t, c.SetBool("kvmsm", true))
	require.NoError(t, c.SetInt("kvmsmem", 128))
	require.NoError(t, c.SetString("cpu", "host"))

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"-machine", "type=pc,accel=kvm:tcg,kvm_shadow_mem=128", "-cpu", "host"}, argv[1:5])
}

func TestProgDefaultAndQemuPath(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	require.NoError(t, v.Config().SetString("argv0", ""))
	assert.Equal(t, DefaultProg, v.Prog())

	h.opts.QemuPath = "/opt/qemu/bin"
	v = New("vm1", h.opts)
	assert.Equal(t, "/opt/qemu/bin/qemu-system-i386", v.Prog())
	require.NoError(t, v.Config().SetString("argv0", "/usr/bin/kvm"))
	assert.Equal(t, "/usr/bin/kvm", v.Prog())
}

func TestArgsBuilderFlags(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	c := v.Config()
	require.NoError(t, c.SetInt("smp", 4))
	require.NoError(t, c.SetInt("ram", 1024))
	require.NoError(t, c.SetString("boot", "d"))
	require.NoError(t, c.SetBool("snapshot", true))
	require.NoError(t, c.SetBool("sdl", true))
	require.NoError(t, c.SetString("noacpi", "*"))
	require.NoError(t, c.SetBool("novga", true))

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"qemu-system-i386",
		"-smp", "4", "-m", "1024", "-boot", "d",
		"-snapshot", "-sdl", "-no-acpi",
		"-display", "none",
		"-name", "vm1",
	}, argv[:14])
}

func TestArgsKernel(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	c := v.Config()
	require.NoError(t, c.SetString("kernel", "/boot/vmlinuz"))
	require.NoError(t, c.SetString("kopt", `root=/dev/sda "quiet"`))
	require.NoError(t, c.SetString("initrd", "/boot/initrd"))
	require.NoError(t, c.SetBool("initrdenbl", true))

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, argv, "-kernel")
	assert.NotContains(t, argv, "-append")
	assert.Contains(t, argv, "-initrd")

	require.NoError(t, c.SetBool("kernelenbl", true))
	argv, err = v.Args(context.Background())
	require.NoError(t, err)
	assert.Subset(t, argv, []string{"-kernel", "/boot/vmlinuz", "-append", "'root=/dev/sda quiet'"})
}

func TestArgsDisplayDebugAndUSB(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	c := v.Config()
	require.NoError(t, c.SetBool("gdb", true))
	require.NoError(t, c.SetBool("vnc", true))
	require.NoError(t, c.SetInt("vncN", 3))
	require.NoError(t, c.SetBool("vga", true))
	require.NoError(t, c.SetBool("usbmode", true))
	require.NoError(t, c.SetUSBDevices([]USBDevice{{ID: "046d:c52b"}}))

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	i := indexOf(argv, "-gdb")
	require.Positive(t, i)
	assert.Equal(t, []string{
		"-gdb", "tcp::1234",
		"-vnc", ":3",
		"-vga", "std",
		"-usbdevice", "host:046d:c52b",
		"-name", "vm1",
	}, argv[i:i+10])
	assert.Contains(t, argv, "-usb")
}

func TestArgsNetwork(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	_, err := v.AddPlug(Hostonly, "00:aa:00:00:00:01", "")
	require.NoError(t, err)
	_, err = v.AddPlug(SwitchEndpoint{Name: "sw1", SockPath: "/tmp/sw1.ctl[]"}, "00:aa:00:00:00:02", "e1000")
	require.NoError(t, err)
	_, err = v.AddSock("00:aa:00:00:00:03", "virtio-net-pci")
	require.NoError(t, err)

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	i := indexOf(argv, "-name")
	require.Positive(t, i)
	assert.Equal(t, []string{
		"-name", "vm1",
		"-device", "rtl8139,mac=00:aa:00:00:00:01,id=vx0,netdev=vx0",
		"-netdev", "user,id=vx0",
		"-device", "e1000,mac=00:aa:00:00:00:02,id=vx1,netdev=vx1",
		"-netdev", "vde,id=vx1,sock=/tmp/sw1.ctl",
		"-device", "virtio-net-pci,mac=00:aa:00:00:00:03,id=vx2,netdev=vx2",
		"-netdev", "vde,id=vx2,sock=" + filepath.Join(h.dir, "vm1_sock_eth2") + "[]",
	}, argv[i:i+14])
	assert.NotContains(t, argv, "none")
}

func TestArgsUnconnectedPlugUsesUser(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	_, err := v.AddPlug(nil, "00:aa:00:00:00:01", "")
	require.NoError(t, err)

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	assert.Subset(t, argv, []string{"-netdev", "user"})
	assert.False(t, v.Configured())
}

func TestArgsCdromAndExtras(t *testing.T) {
	h := newHarness(t)
	v := New("vm1", h.opts)
	c := v.Config()
	require.NoError(t, c.SetBool("cdromen", true))
	require.NoError(t, c.SetString("cdrom", "/iso/a.iso"))
	require.NoError(t, c.SetBool("deviceen", true))
	require.NoError(t, c.SetString("device", "/dev/sr0"))
	require.NoError(t, c.SetBool("tdf", true))
	require.NoError(t, c.SetString("keyboard", "it"))
	require.NoError(t, c.SetBool("serial", true))

	argv, err := v.Args(context.Background())
	require.NoError(t, err)
	i := indexOf(argv, "-cdrom")
	require.Positive(t, i)
	assert.Equal(t, []string{
		"-cdrom", "/iso/a.iso",
		"-rtc", "driftfix=slew",
		"-k", "it",
		"-serial", "unix:" + filepath.Join(h.dir, "vm1_serial") + ",server,nowait",
	}, argv[i:i+8])
	assert.NotContains(t, argv, "/dev/sr0")

	require.NoError(t, c.SetBool("cdromen", false))
	require.NoError(t, c.SetString("keyboard", "eng"))
	argv, err = v.Args(context.Background())
	require.NoError(t, err)
	assert.Subset(t, argv, []string{"-cdrom", "/dev/sr0"})
	assert.NotContains(t, argv, "-k")
}

func indexOf(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}
