// Package images models base disk images shared by virtual machine disks.
package images

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vbricks/imagefmt"
	"github.com/projecteru2/vbricks/lock/flock"
)

const (
	// DescriptionSuffix is appended to an image path to name its description sidecar.
	DescriptionSuffix = ".vbdescr"
	// LockSuffix names the flock file guarding exclusive use across processes.
	LockSuffix = ".lock"
)

// ErrLockedImage is matched by every *LockedImageError.
var ErrLockedImage = errors.New("image locked")

// Holder is whatever takes an exclusive lock on an image (a VM disk).
type Holder interface {
	String() string
}

// LockedImageError reports an acquire on an image held by someone else,
// or a release by a holder that does not own the lock.
type LockedImageError struct {
	Image  *Image
	Holder Holder // current master in this process, nil otherwise
	Owner  string // what another process recorded in the lock file
}

func (e *LockedImageError) Error() string {
	holder := "nobody"
	switch {
	case e.Holder != nil:
		holder = e.Holder.String()
	case e.Owner != "":
		holder = e.Owner
	}
	return fmt.Sprintf("image %s (%s) is locked by %s", e.Image.Name(), e.Image.Path(), holder)
}

func (e *LockedImageError) Is(target error) bool { return target == ErrLockedImage }

// Image is a base disk image on the filesystem.
type Image struct {
	path string

	mu          sync.Mutex
	name        string
	description *string
	master      Holder
	file        *flock.Lock
	subscribers []func(*Image)
}

// New registers an image named name at path. path is made absolute. A
// non-empty description is written to the sidecar file.
func New(name, path, description string) *Image {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	img := &Image{name: name, path: abs}
	if description != "" {
		img.SetDescription(description)
	}
	return img
}

// Path returns the absolute image path.
func (i *Image) Path() string { return i.path }

// Basename returns the last element of the image path.
func (i *Image) Basename() string { return filepath.Base(i.path) }

// Name returns the image name.
func (i *Image) Name() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.name
}

// SetName renames the image and notifies subscribers.
func (i *Image) SetName(name string) {
	i.mu.Lock()
	i.name = name
	i.mu.Unlock()
	i.notify()
}

// Subscribe registers fn to run after every name or description change.
func (i *Image) Subscribe(fn func(*Image)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subscribers = append(i.subscribers, fn)
}

func (i *Image) notify() {
	i.mu.Lock()
	subs := append([]func(*Image){}, i.subscribers...)
	i.mu.Unlock()
	for _, fn := range subs {
		fn(i)
	}
}

func (i *Image) descriptionFile() string { return i.path + DescriptionSuffix }

// Description returns the cached description, or the sidecar content when
// nothing was set in this process. A missing sidecar reads as "".
func (i *Image) Description() string {
	i.mu.Lock()
	cached := i.description
	i.mu.Unlock()
	if cached != nil {
		return *cached
	}
	data, err := os.ReadFile(i.descriptionFile())
	if err != nil {
		return ""
	}
	return string(data)
}

// SetDescription caches descr and overwrites the sidecar file. Write
// failures are logged and otherwise ignored; subscribers are notified
// either way. Setting the current value again is a no-op.
func (i *Image) SetDescription(descr string) {
	i.mu.Lock()
	if i.description != nil && *i.description == descr {
		i.mu.Unlock()
		return
	}
	i.description = &descr
	i.mu.Unlock()

	if err := os.WriteFile(i.descriptionFile(), []byte(descr), 0o644); err != nil { //nolint:gosec
		log.WithFunc("images.SetDescription").Warnf(context.Background(), "write description of %s: %v", i.path, err)
	}
	i.notify()
}

// Master returns the current lock holder, nil when unlocked.
func (i *Image) Master() Holder {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.master
}

// Acquire gives h exclusive use of the image. Acquiring twice from the
// same holder succeeds. Exclusivity spans processes: the first acquire
// takes a flock on the image path plus LockSuffix and keeps it until
// Release, so a second vbricks process sharing the image is refused.
func (i *Image) Acquire(h Holder) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.master != nil {
		if i.master == h {
			return nil
		}
		return &LockedImageError{Image: i, Holder: i.master}
	}
	if i.file == nil {
		i.file = flock.New(i.lockFile())
	}
	locked, err := i.file.TryLock()
	if err != nil {
		return fmt.Errorf("lock image %s: %w", i.name, err)
	}
	if !locked {
		return &LockedImageError{Image: i, Owner: i.readOwner()}
	}
	i.master = h
	owner := fmt.Sprintf("%s (pid %d)", h, os.Getpid())
	if err := os.WriteFile(i.lockFile(), []byte(owner), 0o600); err != nil {
		log.WithFunc("images.Acquire").Warnf(context.Background(), "record owner of %s: %v", i.path, err)
	}
	return nil
}

// Release drops the lock held by h. Releasing a lock h does not hold fails.
func (i *Image) Release(h Holder) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.master == nil || i.master != h {
		return &LockedImageError{Image: i, Holder: i.master}
	}
	i.master = nil
	_ = os.Truncate(i.lockFile(), 0)
	return i.file.Unlock(context.Background())
}

func (i *Image) lockFile() string { return i.path + LockSuffix }

func (i *Image) readOwner() string {
	data, err := os.ReadFile(i.lockFile())
	if err != nil || len(data) == 0 {
		return "another process"
	}
	return string(data)
}

// Exists reports whether the image file is present.
func (i *Image) Exists() bool {
	_, err := os.Stat(i.path)
	return err == nil
}

// Size returns the image size in megabytes (10^6 bytes) as text: whole
// megabytes above 1MB, a fraction below, "0" when the file is missing.
func (i *Image) Size() string {
	fi, err := os.Stat(i.path)
	if err != nil {
		return "0"
	}
	size := fi.Size()
	if size > 1000000 { //nolint:mnd
		return strconv.FormatInt(size/1000000, 10) //nolint:mnd
	}
	return strconv.FormatFloat(float64(size)/1000000.0, 'f', -1, 64) //nolint:mnd
}

// HumanSize returns the image size formatted for display ("1.5GB").
func (i *Image) HumanSize() string {
	fi, err := os.Stat(i.path)
	if err != nil {
		return "-"
	}
	return units.HumanSize(float64(fi.Size()))
}

// Format sniffs the on-disk container format.
func (i *Image) Format() imagefmt.Format {
	f, err := imagefmt.ClassifyFile(i.path)
	if err != nil {
		return imagefmt.UNKNOWN
	}
	return f
}

func (i *Image) String() string { return i.Name() }
