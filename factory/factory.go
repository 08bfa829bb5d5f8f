// Package factory is the registry of images and virtual machines of the
// open project.
package factory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vbricks/images"
	"github.com/projecteru2/vbricks/utils"
	"github.com/projecteru2/vbricks/vm"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("name already in use")
	ErrInUse       = errors.New("in use")
	ErrInvalidName = errors.New("invalid name")
)

var nameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// ValidName reports whether name can name an image or a VM.
func ValidName(name string) bool { return nameRE.MatchString(name) }

type entry struct {
	id string
	vm *vm.VirtualMachine
}

// Factory owns every image and VM. It is safe for concurrent use.
type Factory struct {
	opts vm.Options

	mu     sync.Mutex
	images []*images.Image
	vms    []entry
}

// New returns an empty factory whose VMs run with opts.
func New(opts vm.Options) *Factory {
	return &Factory{opts: opts}
}

// NewImage registers an image. Names and paths are unique.
func (f *Factory) NewImage(name, path, description string) (*images.Image, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.images {
		if img.Name() == name {
			return nil, fmt.Errorf("%w: image %s", ErrExists, name)
		}
		if img.Path() == abs {
			return nil, fmt.Errorf("%w: %s is already registered as %s", ErrExists, abs, img.Name())
		}
	}
	img := images.New(name, abs, description)
	f.images = append(f.images, img)
	return img, nil
}

// Image returns the image named name.
func (f *Factory) Image(name string) (*images.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img := f.imageLocked(name); img != nil {
		return img, nil
	}
	return nil, fmt.Errorf("%w: image %s", ErrNotFound, name)
}

func (f *Factory) imageLocked(name string) *images.Image {
	for _, img := range f.images {
		if img.Name() == name {
			return img
		}
	}
	return nil
}

// Images returns every image in registration order.
func (f *Factory) Images() []*images.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.images)
}

// RemoveImage forgets an image. Images bound to a disk cannot be removed.
func (f *Factory) RemoveImage(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.IndexFunc(f.images, func(img *images.Image) bool { return img.Name() == name })
	if i < 0 {
		return fmt.Errorf("%w: image %s", ErrNotFound, name)
	}
	img := f.images[i]
	for _, e := range f.vms {
		for _, d := range e.vm.Disks() {
			if d.Image() == img {
				return fmt.Errorf("%w: image %s is used by %s", ErrInUse, name, d)
			}
		}
	}
	f.images = slices.Delete(f.images, i, i+1)
	return nil
}

// NewVM creates a stopped VM.
func (f *Factory) NewVM(name string) (*vm.VirtualMachine, error) {
	return f.newVM(utils.GenerateID(), name)
}

func (f *Factory) newVM(id, name string) (*vm.VirtualMachine, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vmLocked(name) != nil {
		return nil, fmt.Errorf("%w: vm %s", ErrExists, name)
	}
	v := vm.New(name, f.opts)
	f.vms = append(f.vms, entry{id: id, vm: v})
	return v, nil
}

func (f *Factory) vmLocked(name string) *entry {
	for i := range f.vms {
		if f.vms[i].vm.Name() == name {
			return &f.vms[i]
		}
	}
	return nil
}

// VM returns the VM named name.
func (f *Factory) VM(name string) (*vm.VirtualMachine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.vmLocked(name); e != nil {
		return e.vm, nil
	}
	return nil, fmt.Errorf("%w: vm %s", ErrNotFound, name)
}

// ID returns the stable id of the VM named name.
func (f *Factory) ID(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.vmLocked(name); e != nil {
		return e.id, nil
	}
	return "", fmt.Errorf("%w: vm %s", ErrNotFound, name)
}

// VMs returns every VM in creation order.
func (f *Factory) VMs() []*vm.VirtualMachine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*vm.VirtualMachine, len(f.vms))
	for i, e := range f.vms {
		out[i] = e.vm
	}
	return out
}

// RenameVM renames a stopped VM.
func (f *Factory) RenameVM(oldName, newName string) error {
	if !ValidName(newName) {
		return fmt.Errorf("%w: %q", ErrInvalidName, newName)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.vmLocked(oldName)
	if e == nil {
		return fmt.Errorf("%w: vm %s", ErrNotFound, oldName)
	}
	if f.vmLocked(newName) != nil {
		return fmt.Errorf("%w: vm %s", ErrExists, newName)
	}
	return e.vm.Rename(newName)
}

// DelVM removes a stopped VM.
func (f *Factory) DelVM(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.IndexFunc(f.vms, func(e entry) bool { return e.vm.Name() == name })
	if i < 0 {
		return fmt.Errorf("%w: vm %s", ErrNotFound, name)
	}
	if f.vms[i].vm.Running() {
		return fmt.Errorf("%w: %s", vm.ErrRunning, name)
	}
	f.vms = slices.Delete(f.vms, i, i+1)
	return nil
}

// Reset forgets every VM and image. Running VMs are killed first.
func (f *Factory) Reset() {
	ctx := context.Background()
	f.mu.Lock()
	vms := f.vms
	f.vms, f.images = nil, nil
	f.mu.Unlock()
	for _, e := range vms {
		if err := e.vm.Poweroff(ctx, true); err != nil {
			log.WithFunc("factory.Reset").Warnf(ctx, "poweroff %s: %v", e.vm.Name(), err)
		}
	}
}

// UsedFiles returns the private disk files of every VM, whether they exist
// yet or not.
func (f *Factory) UsedFiles() map[string]struct{} {
	used := make(map[string]struct{})
	for _, v := range f.VMs() {
		for _, d := range v.Disks() {
			if d.Image() != nil && d.IsCOW() {
				used[d.COWPath()] = struct{}{}
			}
		}
	}
	return used
}
