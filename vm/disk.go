package vm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vbricks/imagefmt"
	"github.com/projecteru2/vbricks/images"
	"github.com/projecteru2/vbricks/utils"
)

// backupLayout is appended to a displaced private COW file.
const backupLayout = "20060102-150405"

// Disk is one of a VM's disk slots (hda, hdb, ... mtdblock).
type Disk struct {
	vm     *VirtualMachine
	device string

	mu    sync.Mutex
	image *images.Image
}

func newDisk(vm *VirtualMachine, device string) *Disk {
	return &Disk{vm: vm, device: device}
}

// Device returns the slot name.
func (d *Disk) Device() string { return d.device }

// Image returns the bound image, nil when the slot is empty.
func (d *Disk) Image() *images.Image {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.image
}

func (d *Disk) setImage(img *images.Image) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.image = img
}

// IsCOW reports whether the disk writes to a private copy-on-write file.
func (d *Disk) IsCOW() bool { return d.vm.conf.Bool("private" + d.device) }

// ReadOnly reports whether the VM runs in snapshot mode.
func (d *Disk) ReadOnly() bool { return d.vm.conf.Bool("snapshot") }

func (d *Disk) locks() bool { return !d.IsCOW() && !d.ReadOnly() }

// Acquire locks the bound image for exclusive use. Private COW and
// snapshot disks never lock their image.
func (d *Disk) Acquire() error {
	_, err := d.acquire()
	return err
}

// acquire returns the image it locked, nil when the disk needs no lock.
func (d *Disk) acquire() (*images.Image, error) {
	img := d.Image()
	if img == nil || !d.locks() {
		return nil, nil
	}
	if err := img.Acquire(d); err != nil {
		return nil, err
	}
	return img, nil
}

// Release drops the lock taken by Acquire.
func (d *Disk) Release() error {
	img := d.Image()
	if img == nil || !d.locks() {
		return nil
	}
	return img.Release(d)
}

// COWPath returns the private COW file of this disk inside the current
// project directory.
func (d *Disk) COWPath() string {
	return filepath.Join(d.vm.opts.baseFolder(), fmt.Sprintf("%s_%s.cow", d.vm.Name(), d.device))
}

// NoImagePath is the path of a disk with no image bound.
const NoImagePath = "No image file set for this disk"

// Path returns the file the VM should open for this disk, NoImagePath when
// no image is bound. For a private COW disk the COW file is created, or
// replaced when it points to another backing image, before its path is
// returned.
func (d *Disk) Path(ctx context.Context) (string, error) {
	img := d.Image()
	if img == nil {
		return NoImagePath, nil
	}
	if !d.IsCOW() {
		return img.Path(), nil
	}
	cow := d.COWPath()
	if err := d.ensureCOW(ctx, img, cow); err != nil {
		return "", err
	}
	return cow, nil
}

// Args returns the argument fragment for this disk, nil when empty.
func (d *Disk) Args(ctx context.Context) ([]string, error) {
	if d.Image() == nil {
		return nil, nil
	}
	p, err := d.Path(ctx)
	if err != nil {
		return nil, err
	}
	if d.vm.conf.Bool("use_virtio") {
		return []string{"-drive", fmt.Sprintf("file=%s,if=virtio", p)}, nil
	}
	return []string{"-" + d.device, p}, nil
}

func (d *Disk) ensureCOW(ctx context.Context, img *images.Image, cow string) error {
	logger := log.WithFunc("vm.ensureCOW")
	if err := utils.EnsureDirs(filepath.Dir(cow)); err != nil {
		return fmt.Errorf("ensure project dir: %w", err)
	}
	backing, err := imagefmt.BackingFile(cow)
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, imagefmt.ErrNotCOWFile):
		return d.createCOW(ctx, img, cow)
	case err != nil:
		return fmt.Errorf("read backing file of %s: %w", cow, err)
	case backing == img.Path():
		logger.Debugf(ctx, "using backing file for private cow. backing_file=%s image_file=%s", backing, cow)
		return nil
	}
	backup := fmt.Sprintf("%s.bak-%s", cow, time.Now().Format(backupLayout))
	logger.Warnf(ctx, "private cow found with a different backing image, backing it up. private_cow=%s expected_backing_file=%s found_backing_file=%s backup_file=%s",
		cow, img.Path(), backing, backup)
	if err := utils.MoveFile(cow, backup); err != nil {
		return fmt.Errorf("backup %s: %w", cow, err)
	}
	return d.createCOW(ctx, img, cow)
}

func (d *Disk) createCOW(ctx context.Context, img *images.Image, cow string) error {
	if d.vm.opts.Tool == nil {
		return fmt.Errorf("create %s: no disk tool configured", cow)
	}
	return d.vm.opts.Tool.CreateDifferential(ctx, img.Path(), d.vm.opts.cowFormat(), cow)
}

func (d *Disk) String() string { return d.vm.Name() + ":" + d.device }
