package gc

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snap map[string]struct{}

func (s snap) UsedFiles() map[string]struct{} { return s }

func TestCollectSkipsUnsupported(t *testing.T) {
	others := map[string]any{
		"a": snap{"/x": {}},
		"b": snap{"/y": {}, "/x": {}},
		"c": 42,
	}
	got := Collect(others, Files)
	assert.Equal(t, map[string]struct{}{"/x": {}, "/y": {}}, got)
}

func TestOrphansAndSweep(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a_hda.cow", "b_hda.cow", "a.mgmt", "a.pid", "a.log", "bricks.json", "a_hda.cow.bak-20240101-101010"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.cow"), 0o755))

	used := map[string]struct{}{filepath.Join(dir, "a_hda.cow"): {}}
	orphans, err := Orphans(dir, slices.Concat(DiskPatterns, RuntimePatterns), used)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.mgmt"),
		filepath.Join(dir, "a.pid"),
		filepath.Join(dir, "b_hda.cow"),
	}, orphans)

	require.NoError(t, Sweep(context.Background(), append(orphans, filepath.Join(dir, "gone"))))
	for _, p := range orphans {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, filepath.Join(dir, "a_hda.cow"))
	assert.FileExists(t, filepath.Join(dir, "a.log"))
	assert.FileExists(t, filepath.Join(dir, "a_hda.cow.bak-20240101-101010"))

	backups, err := Orphans(dir, BackupPatterns, used)
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}
