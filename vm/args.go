package vm

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultProg is run when argv0 is empty.
const DefaultProg = "qemu-system-x86_64"

type emit int

const (
	// flag alone when the boolean is true
	emitFlag emit = iota
	// flag and value when the value is non-empty (always for ints)
	emitValue
	// flag alone when the string is non-empty
	emitFlagIfSet
)

type switchEntry struct {
	flag string
	key  string
	emit emit
}

// commandBuilder maps generic switches to parameters, in argument order.
// Parameters rendered by dedicated code in Args are not listed.
var commandBuilder = []switchEntry{
	{"-smp", "smp", emitValue},
	{"-m", "ram", emitValue},
	{"-boot", "boot", emitValue},
	{"-soundhw", "soundhw", emitValue},
	{"-usb", "usbmode", emitFlag},
	{"-snapshot", "snapshot", emitFlag},
	{"-sdl", "sdl", emitFlag},
	{"-portrait", "portrait", emitFlag},
	{"-no-acpi", "noacpi", emitFlagIfSet},
	{"-loadvm", "loadvm", emitValue},
}

func (c *Config) buildCmdLine() []string {
	var res []string
	for _, e := range commandBuilder {
		switch e.emit {
		case emitFlag:
			if c.Bool(e.key) {
				res = append(res, e.flag)
			}
		case emitFlagIfSet:
			if c.String(e.key) != "" {
				res = append(res, e.flag)
			}
		case emitValue:
			if v := c.Format(e.key); v != "" {
				res = append(res, e.flag, v)
			}
		}
	}
	return res
}

// Prog returns the emulator executable: argv0, or DefaultProg when empty,
// joined to the configured qemu directory when relative.
func (v *VirtualMachine) Prog() string {
	arg0 := v.conf.String("argv0")
	if arg0 == "" {
		arg0 = DefaultProg
	}
	if filepath.IsAbs(arg0) || v.opts.QemuPath == "" {
		return arg0
	}
	return filepath.Join(v.opts.QemuPath, arg0)
}

// MonitorSocket is the path of the VM's management socket.
func (v *VirtualMachine) MonitorSocket() string {
	return filepath.Join(v.opts.home(), v.Name()+".mgmt")
}

// SerialSocket is the path of the VM's serial console socket.
func (v *VirtualMachine) SerialSocket() string {
	return filepath.Join(v.opts.home(), v.Name()+"_serial")
}

// diskArgs resolves every disk concurrently. Private COW files are created
// as needed. The first failure cancels the rest.
func (v *VirtualMachine) diskArgs(ctx context.Context) ([][]string, error) {
	results := make([][]string, len(v.disks))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range v.disks {
		g.Go(func() error {
			args, err := d.Args(gctx)
			if err != nil {
				return fmt.Errorf("disk %s: %w", d.device, err)
			}
			results[i] = args
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Args synthesizes the emulator argument vector, prog first. Disks are
// reconciled before anything is assembled.
func (v *VirtualMachine) Args(ctx context.Context) ([]string, error) {
	disks, err := v.diskArgs(ctx)
	if err != nil {
		return nil, err
	}
	c := v.conf
	name := v.Name()

	res := []string{v.Prog()}
	if c.Bool("kvm") || c.String("machine") != "" || c.Bool("kvmsm") {
		var props []string
		if m := c.String("machine"); m != "" {
			props = append(props, "type="+m)
		}
		if c.Bool("kvm") {
			props = append(props, "accel=kvm:tcg")
		}
		if c.Bool("kvmsm") {
			props = append(props, "kvm_shadow_mem="+strconv.Itoa(c.Int("kvmsmem")))
		}
		res = append(res, "-machine", strings.Join(props, ","))
	}
	if cpu := c.String("cpu"); cpu != "" {
		res = append(res, "-cpu", cpu)
	}
	res = append(res, c.buildCmdLine()...)
	if c.Bool("novga") {
		res = append(res, "-display", "none")
	}
	for _, d := range disks {
		res = append(res, d...)
	}

	kernel := c.Bool("kernelenbl") && c.String("kernel") != ""
	if kernel {
		res = append(res, "-kernel", c.String("kernel"))
	}
	if c.Bool("initrdenbl") && c.String("initrd") != "" {
		res = append(res, "-initrd", c.String("initrd"))
	}
	if kopt := c.String("kopt"); kopt != "" && kernel {
		res = append(res, "-append", "'"+strings.ReplaceAll(kopt, `"`, "")+"'")
	}
	if c.Bool("gdb") {
		res = append(res, "-gdb", fmt.Sprintf("tcp::%d", c.Int("gdbport")))
	}
	if c.Bool("vnc") {
		res = append(res, "-vnc", fmt.Sprintf(":%d", c.Int("vncN")))
	}
	if c.Bool("vga") {
		res = append(res, "-vga", "std")
	}
	if c.Bool("usbmode") {
		for _, dev := range c.USBDevices() {
			res = append(res, "-usbdevice", "host:"+dev.ID)
		}
	}

	res = append(res, "-name", name)
	links := v.Links()
	if len(links) == 0 {
		res = append(res, "-net", "none")
	}
	for i, l := range links {
		res = append(res,
			"-device", fmt.Sprintf("%s,mac=%s,id=vx%d,netdev=vx%d", l.Model(), l.MAC(), i, i),
			"-netdev", netdev(i, l))
	}

	switch {
	case c.Bool("cdromen") && c.String("cdrom") != "":
		res = append(res, "-cdrom", c.String("cdrom"))
	case c.Bool("deviceen") && c.String("device") != "":
		res = append(res, "-cdrom", c.String("device"))
	}
	if c.Bool("rtc") || c.Bool("tdf") {
		var rtc []string
		if c.Bool("rtc") {
			rtc = append(rtc, "base=localtime")
		}
		if c.Bool("tdf") {
			rtc = append(rtc, "driftfix=slew")
		}
		res = append(res, "-rtc", strings.Join(rtc, ","))
	}
	if kb := c.String("keyboard"); len(kb) == 2 { //nolint:mnd
		res = append(res, "-k", kb)
	}
	if c.Bool("serial") {
		res = append(res, "-serial", fmt.Sprintf("unix:%s,server,nowait", v.SerialSocket()))
	}
	res = append(res,
		"-mon", "chardev=mon",
		"-chardev", fmt.Sprintf("socket,id=mon,path=%s,server,nowait", v.MonitorSocket()),
		"-mon", "chardev=mon_cons",
		"-chardev", "stdio,id=mon_cons,signal=off",
	)
	return res, nil
}
