// Package gc finds and removes project files nothing references any more:
// private disks of deleted VMs or slots, and sockets left by dead emulators.
package gc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/projecteru2/core/log"
)

var (
	// RuntimePatterns match files an emulator creates and leaves behind
	// when it dies.
	RuntimePatterns = []string{"*.mgmt", "*_serial", "*.pid", "*_sock_eth*"}
	// DiskPatterns match private copy-on-write disks.
	DiskPatterns = []string{"*.cow"}
	// BackupPatterns match private disks moved aside after their backing
	// image changed.
	BackupPatterns = []string{"*.cow.bak-*"}
)

// Orphans returns the files of dir matching any pattern that are not in
// used, sorted. used holds absolute paths.
func Orphans(dir string, patterns []string, used map[string]struct{}) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	var out []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(abs, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		for _, m := range matches {
			if _, ok := used[m]; ok || slices.Contains(out, m) {
				continue
			}
			if fi, err := os.Lstat(m); err != nil || fi.IsDir() {
				continue
			}
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Sweep removes paths, skipping ones already gone. Every failure is
// reported.
func Sweep(ctx context.Context, paths []string) error {
	logger := log.WithFunc("gc.Sweep")
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
			continue
		}
		logger.Infof(ctx, "removed %s", p)
	}
	return errors.Join(errs...)
}
