// Package vm models a qemu virtual machine: its configuration, disks,
// network links and process lifecycle.
package vm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vbricks/images"
)

const defaultCowFormat = "qcow2"

var (
	ErrRunning       = errors.New("virtual machine is running")
	ErrNotRunning    = errors.New("virtual machine is not running")
	ErrNotConfigured = errors.New("virtual machine is not configured")
	ErrUnknownDevice = errors.New("unknown disk device")
	ErrUnknownLink   = errors.New("link does not belong to this virtual machine")
)

// DiskTool creates private copy-on-write files.
type DiskTool interface {
	CreateDifferential(ctx context.Context, backing, format, target string) error
}

// Process is a running emulator.
type Process interface {
	Pid() int
	// Done is closed when the process exits.
	Done() <-chan struct{}
	ExitCode() int
	// Terminate stops the process, forcefully after a grace period.
	Terminate(ctx context.Context) error
}

// Launcher starts emulator processes.
type Launcher interface {
	Launch(ctx context.Context, name string, argv []string) (Process, error)
}

// SendFunc writes one command line to the management socket and returns the reply.
type SendFunc func(ctx context.Context, socket, command string) (string, error)

// Options is the environment a VM runs in.
type Options struct {
	// Home returns the directory holding runtime sockets.
	Home func() string
	// BaseFolder returns the directory holding private COW files, the
	// current project.
	BaseFolder func() string
	// QemuPath is the directory of the qemu binaries, empty for $PATH.
	QemuPath  string
	CowFormat string
	Tool      DiskTool
	Launcher  Launcher
	Send      SendFunc
}

func (o *Options) home() string {
	if o.Home == nil {
		return ""
	}
	return o.Home()
}

func (o *Options) baseFolder() string {
	if o.BaseFolder == nil {
		return o.home()
	}
	return o.BaseFolder()
}

func (o *Options) cowFormat() string {
	if o.CowFormat == "" {
		return defaultCowFormat
	}
	return o.CowFormat
}

// heldImage is an image lock taken by Acquire on behalf of disk.
type heldImage struct {
	disk *Disk
	img  *images.Image
}

// ImageChangedFunc observes disk image bindings.
type ImageChangedFunc func(vm *VirtualMachine, device string, img *images.Image)

// VirtualMachine is a qemu guest.
type VirtualMachine struct {
	opts  Options
	conf  *Config
	disks []*Disk

	mu          sync.Mutex
	plugs       []*Plug
	socks       []*Sock
	proc        Process
	exited      chan struct{}
	held        []heldImage
	cmdline     []string
	starting    bool
	restoring   bool
	subscribers []ImageChangedFunc
}

// New returns a stopped VM named name with every parameter at its default.
func New(name string, opts Options) *VirtualMachine {
	v := &VirtualMachine{opts: opts, conf: NewConfig()}
	_ = v.conf.SetString("name", name)
	for _, dev := range Devices {
		v.disks = append(v.disks, newDisk(v, dev))
	}
	return v
}

// Name returns the VM name.
func (v *VirtualMachine) Name() string { return v.conf.String("name") }

// Rename changes the VM name. Running VMs cannot be renamed.
func (v *VirtualMachine) Rename(name string) error {
	if v.Running() {
		return ErrRunning
	}
	return v.conf.SetString("name", name)
}

// Config returns the VM configuration.
func (v *VirtualMachine) Config() *Config { return v.conf }

// Disks returns the disk slots in device order.
func (v *VirtualMachine) Disks() []*Disk { return slices.Clone(v.disks) }

// Disk returns the slot named device.
func (v *VirtualMachine) Disk(device string) (*Disk, error) {
	for _, d := range v.disks {
		if d.device == device {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, device)
}

// SubscribeImageChanged registers fn to run after SetImage.
func (v *VirtualMachine) SubscribeImageChanged(fn ImageChangedFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.subscribers = append(v.subscribers, fn)
}

// SetRestoring suppresses image-changed notifications while a saved
// configuration is being loaded.
func (v *VirtualMachine) SetRestoring(restoring bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.restoring = restoring
}

// SetImage binds img, or nil to clear, to the slot named device.
func (v *VirtualMachine) SetImage(device string, img *images.Image) error {
	d, err := v.Disk(device)
	if err != nil {
		return err
	}
	d.setImage(img)
	v.mu.Lock()
	subs := slices.Clone(v.subscribers)
	restoring := v.restoring
	v.mu.Unlock()
	if restoring {
		return nil
	}
	for _, fn := range subs {
		fn(v, device, img)
	}
	return nil
}

// Links returns plugs followed by socks, the order they appear in argv.
func (v *VirtualMachine) Links() []Link {
	v.mu.Lock()
	defer v.mu.Unlock()
	links := make([]Link, 0, len(v.plugs)+len(v.socks))
	for _, p := range v.plugs {
		links = append(links, p)
	}
	for _, s := range v.socks {
		links = append(links, s)
	}
	return links
}

// AddPlug adds a plug connected to e, which may be nil. Empty mac and
// model get a random MAC and DefaultModel.
func (v *VirtualMachine) AddPlug(e Endpoint, mac, model string) (*Plug, error) {
	n, err := newNIC(model, mac)
	if err != nil {
		return nil, err
	}
	p := &Plug{nic: n}
	if e != nil {
		if err := p.Connect(e); err != nil {
			return nil, err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plugs = append(v.plugs, p)
	return p, nil
}

// AddSock adds a socket served by the VM itself, named after the VM and
// the number of links it has. A number taken by another sock is skipped.
func (v *VirtualMachine) AddSock(mac, model string) (*Sock, error) {
	n, err := newNIC(model, mac)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	index := len(v.plugs) + len(v.socks)
	for v.sockIndexUsed(index) {
		index++
	}
	s := newSock(v.opts.home(), sockNickname(v.Name(), index), index, n)
	v.socks = append(v.socks, s)
	return s, nil
}

// RestoreSock re-adds a saved sock under its original index and nickname.
// An empty nickname is derived from the VM name.
func (v *VirtualMachine) RestoreSock(index int, nickname, mac, model string) (*Sock, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: sock index %d", ErrInvalidValue, index)
	}
	n, err := newNIC(model, mac)
	if err != nil {
		return nil, err
	}
	if nickname == "" {
		nickname = sockNickname(v.Name(), index)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sockIndexUsed(index) {
		return nil, fmt.Errorf("%w: sock index %d already in use", ErrInvalidValue, index)
	}
	s := newSock(v.opts.home(), nickname, index, n)
	v.socks = append(v.socks, s)
	return s, nil
}

func (v *VirtualMachine) sockIndexUsed(index int) bool {
	return slices.ContainsFunc(v.socks, func(s *Sock) bool { return s.index == index })
}

// RemoveLink detaches l from the VM.
func (v *VirtualMachine) RemoveLink(l Link) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch link := l.(type) {
	case *Sock:
		if i := slices.Index(v.socks, link); i >= 0 {
			v.socks = slices.Delete(v.socks, i, i+1)
			return nil
		}
	case *Plug:
		if i := slices.Index(v.plugs, link); i >= 0 {
			v.plugs = slices.Delete(v.plugs, i, i+1)
			return nil
		}
	}
	log.WithFunc("vm.RemoveLink").Warnf(context.Background(), "%s does not belong to %s", l, v.Name())
	return fmt.Errorf("%w: %s", ErrUnknownLink, l)
}

// Configured reports whether every VDE plug is connected.
func (v *VirtualMachine) Configured() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.plugs {
		if p.endpoint == nil && p.Mode() == ModeVDE {
			return false
		}
	}
	return true
}

// Summary is a one-line description: program, RAM, and link endpoints.
func (v *VirtualMachine) Summary() string {
	txt := []string{fmt.Sprintf("command: %s, ram: %d", v.Prog(), v.conf.Int("ram"))}
	for i, l := range v.Links() {
		txt = append(txt, fmt.Sprintf("eth%d: %s", i, nickOf(l)))
	}
	return strings.Join(txt, ", ")
}

// Acquire locks the images of every disk. On failure the locks taken so
// far are released and the lock error is returned. Calling it again
// while the locks are held is a no-op.
func (v *VirtualMachine) Acquire(ctx context.Context) error {
	log.WithFunc("vm.Acquire").Debugf(ctx, "acquiring disk locks of %s", v.Name())
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.held != nil {
		return nil
	}
	held := []heldImage{}
	for _, d := range v.disks {
		img, err := d.acquire()
		if err != nil {
			for _, h := range held {
				_ = h.img.Release(h.disk)
			}
			return err
		}
		if img != nil {
			held = append(held, heldImage{disk: d, img: img})
		}
	}
	v.held = held
	return nil
}

// Release unlocks exactly the images Acquire locked, whatever happened to
// the disk configuration since. Failures are collected.
func (v *VirtualMachine) Release(ctx context.Context) error {
	log.WithFunc("vm.Release").Debugf(ctx, "releasing disk locks of %s", v.Name())
	v.mu.Lock()
	held := v.held
	v.held = nil
	v.mu.Unlock()
	var errs []error
	for _, h := range held {
		if err := h.img.Release(h.disk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Running reports whether the emulator process is alive.
func (v *VirtualMachine) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.proc != nil
}

// Process returns the running process, nil when stopped.
func (v *VirtualMachine) Process() Process {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.proc
}

// Cmdline returns the argv of the last successful Poweron, nil before.
func (v *VirtualMachine) Cmdline() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.cmdline)
}

// Poweron starts the emulator, resuming from the named snapshot when
// snapshot is non-empty. Disk locks are held until the process exits. The
// loadvm parameter is reset whatever the outcome.
func (v *VirtualMachine) Poweron(ctx context.Context, snapshot string) error {
	logger := log.WithFunc("vm.Poweron")
	v.mu.Lock()
	if v.proc != nil || v.starting {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunning, v.Name())
	}
	v.starting = true
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.starting = false
		v.mu.Unlock()
	}()

	if !v.Configured() {
		return fmt.Errorf("%w: %s has unconnected plugs", ErrNotConfigured, v.Name())
	}
	if v.opts.Launcher == nil {
		return fmt.Errorf("%w: no launcher", ErrNotConfigured)
	}
	_ = v.conf.SetString("loadvm", snapshot)
	defer func() { _ = v.conf.SetString("loadvm", "") }()

	if err := v.Acquire(ctx); err != nil {
		return err
	}
	argv, err := v.Args(ctx)
	if err != nil {
		_ = v.Release(ctx)
		return fmt.Errorf("build arguments of %s: %w", v.Name(), err)
	}
	logger.Infof(ctx, "starting %s: %s", v.Name(), strings.Join(argv, " "))
	proc, err := v.opts.Launcher.Launch(ctx, v.Name(), argv)
	if err != nil {
		_ = v.Release(ctx)
		return fmt.Errorf("launch %s: %w", v.Name(), err)
	}

	exited := make(chan struct{})
	v.mu.Lock()
	v.proc = proc
	v.exited = exited
	v.cmdline = argv
	v.mu.Unlock()
	go v.reap(proc, exited)
	return nil
}

func (v *VirtualMachine) reap(proc Process, exited chan struct{}) {
	defer close(exited)
	<-proc.Done()
	ctx := context.Background()
	logger := log.WithFunc("vm.reap")
	if err := v.Release(ctx); err != nil {
		logger.Warnf(ctx, "release disks of %s: %v", v.Name(), err)
	}
	v.mu.Lock()
	if v.proc == proc {
		v.proc = nil
		v.exited = nil
	}
	v.mu.Unlock()
	logger.Infof(ctx, "%s exited with status %d", v.Name(), proc.ExitCode())
}

// Poweroff stops the emulator. A graceful poweroff asks the guest to shut
// down through the management socket and waits for the exit; a forced one
// terminates the process. Stopped VMs are left alone.
func (v *VirtualMachine) Poweroff(ctx context.Context, force bool) error {
	v.mu.Lock()
	proc, exited := v.proc, v.exited
	v.mu.Unlock()
	if proc == nil {
		return nil
	}
	if force {
		if err := proc.Terminate(ctx); err != nil {
			return fmt.Errorf("terminate %s: %w", v.Name(), err)
		}
	} else {
		log.WithFunc("vm.Poweroff").Infof(ctx, "sending powerdown to %s", v.Name())
		if _, err := v.Send(ctx, "system_powerdown\n"); err != nil {
			return err
		}
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the running process exits and its locks are released.
func (v *VirtualMachine) Wait(ctx context.Context) error {
	v.mu.Lock()
	exited := v.exited
	v.mu.Unlock()
	if exited == nil {
		return nil
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes a command to the management socket of a running VM.
func (v *VirtualMachine) Send(ctx context.Context, command string) (string, error) {
	if !v.Running() {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, v.Name())
	}
	if v.opts.Send == nil {
		return "", fmt.Errorf("%w: no management client", ErrNotConfigured)
	}
	return v.opts.Send(ctx, v.MonitorSocket(), command)
}

// UpdateUSBDevices hot-plugs every device of devs not yet in the device
// list, then stores devs. Removed devices stay attached until restart.
func (v *VirtualMachine) UpdateUSBDevices(ctx context.Context, devs []USBDevice) error {
	old := v.conf.USBDevices()
	log.WithFunc("vm.UpdateUSBDevices").Debugf(ctx, "update usb devices of %s: old %v new %v", v.Name(), old, devs)
	if v.Running() {
		for _, d := range devs {
			if slices.ContainsFunc(old, func(o USBDevice) bool { return o.ID == d.ID }) {
				continue
			}
			if _, err := v.Send(ctx, fmt.Sprintf("usb_add host:%s\n", d.ID)); err != nil {
				return err
			}
		}
	}
	return v.conf.SetUSBDevices(devs)
}

// CommitDisks asks the emulator to commit every disk to its backing image.
func (v *VirtualMachine) CommitDisks(ctx context.Context) error {
	_, err := v.Send(ctx, "commit all\n")
	return err
}

func (v *VirtualMachine) String() string { return v.Name() }
