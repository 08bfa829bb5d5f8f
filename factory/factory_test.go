package factory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vbricks/images"
	"github.com/projecteru2/vbricks/vm"
)

func newFactory(t *testing.T) (*Factory, string) {
	t.Helper()
	dir := t.TempDir()
	return New(vm.Options{Home: func() string { return dir }}), dir
}

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("img"), 0o600))
	return p
}

func TestNewImageUnique(t *testing.T) {
	f, dir := newFactory(t)
	p := touch(t, dir, "a.img")
	img, err := f.NewImage("a", p, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", img.Description())

	_, err = f.NewImage("a", touch(t, dir, "b.img"), "")
	assert.ErrorIs(t, err, ErrExists)
	_, err = f.NewImage("b", p, "")
	assert.ErrorIs(t, err, ErrExists)
	_, err = f.NewImage("../x", p, "")
	assert.ErrorIs(t, err, ErrInvalidName)

	got, err := f.Image("a")
	require.NoError(t, err)
	assert.Same(t, img, got)
	_, err = f.Image("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveImageInUse(t *testing.T) {
	f, dir := newFactory(t)
	img, err := f.NewImage("a", touch(t, dir, "a.img"), "")
	require.NoError(t, err)
	v, err := f.NewVM("vm1")
	require.NoError(t, err)
	require.NoError(t, v.SetImage("hda", img))

	assert.ErrorIs(t, f.RemoveImage("a"), ErrInUse)
	require.NoError(t, v.SetImage("hda", nil))
	require.NoError(t, f.RemoveImage("a"))
	assert.Empty(t, f.Images())
	assert.ErrorIs(t, f.RemoveImage("a"), ErrNotFound)
}

func TestVMLifecycle(t *testing.T) {
	f, _ := newFactory(t)
	v, err := f.NewVM("vm1")
	require.NoError(t, err)
	_, err = f.NewVM("vm1")
	assert.ErrorIs(t, err, ErrExists)

	id, err := f.ID("vm1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, f.RenameVM("vm1", "vm2"))
	assert.Equal(t, "vm2", v.Name())
	_, err = f.VM("vm1")
	assert.ErrorIs(t, err, ErrNotFound)
	id2, err := f.ID("vm2")
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	require.NoError(t, f.DelVM("vm2"))
	assert.Empty(t, f.VMs())
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, dir := newFactory(t)
	img, err := f.NewImage("debian", touch(t, dir, "debian.img"), "")
	require.NoError(t, err)
	v, err := f.NewVM("vm1")
	require.NoError(t, err)
	require.NoError(t, v.SetImage("hda", img))
	require.NoError(t, v.Config().SetBool("privatehda", true))
	require.NoError(t, v.Config().SetInt("ram", 256))
	_, err = v.AddPlug(vm.Hostonly, "00:aa:00:00:00:01", "e1000")
	require.NoError(t, err)
	_, err = v.AddPlug(vm.SwitchEndpoint{Name: "sw1", SockPath: "/tmp/sw1.ctl[]"}, "00:aa:00:00:00:02", "")
	require.NoError(t, err)
	_, err = v.AddSock("00:aa:00:00:00:03", "")
	require.NoError(t, err)
	id, _ := f.ID("vm1")

	file := filepath.Join(dir, "bricks.json")
	require.NoError(t, Persister{}.Save(ctx, f, file))
	require.FileExists(t, file)

	g, _ := newFactory(t)
	require.NoError(t, Persister{}.Restore(ctx, g, file))

	require.Len(t, g.Images(), 1)
	assert.Equal(t, img.Path(), g.Images()[0].Path())
	w, err := g.VM("vm1")
	require.NoError(t, err)
	gid, _ := g.ID("vm1")
	assert.Equal(t, id, gid)
	assert.Equal(t, 256, w.Config().Int("ram"))
	assert.True(t, w.Config().Bool("privatehda"))
	hda, _ := w.Disk("hda")
	require.NotNil(t, hda.Image())
	assert.Equal(t, "debian", hda.Image().Name())

	links := w.Links()
	require.Len(t, links, 3)
	assert.Equal(t, vm.Hostonly, links[0].Endpoint())
	assert.Equal(t, "e1000", links[0].Model())
	assert.Equal(t, "/tmp/sw1.ctl[]", links[1].Endpoint().Path())
	assert.Equal(t, vm.ModeSock, links[2].Mode())
	assert.Equal(t, "00:aa:00:00:00:03", links[2].MAC())
	assert.Equal(t, f.Snapshot(), g.Snapshot())
}

func TestSockNameSurvivesRestore(t *testing.T) {
	ctx := context.Background()
	f, dir := newFactory(t)
	v, err := f.NewVM("vm1")
	require.NoError(t, err)
	sock, err := v.AddSock("00:aa:00:00:00:03", "")
	require.NoError(t, err)
	_, err = v.AddPlug(vm.Hostonly, "00:aa:00:00:00:01", "")
	require.NoError(t, err)
	require.Equal(t, "vm1_sock_eth0", sock.Nickname())

	file := filepath.Join(dir, "bricks.json")
	require.NoError(t, Persister{}.Save(ctx, f, file))

	g := New(vm.Options{Home: func() string { return dir }})
	require.NoError(t, Persister{}.Restore(ctx, g, file))
	w, err := g.VM("vm1")
	require.NoError(t, err)

	var restored *vm.Sock
	for _, l := range w.Links() {
		if s, ok := l.(*vm.Sock); ok {
			restored = s
		}
	}
	require.NotNil(t, restored)
	assert.Equal(t, sock.Path(), restored.Path())
	assert.Equal(t, sock.Nickname(), restored.Nickname())
	assert.Equal(t, 0, restored.Index())

	// a sock added after restore does not reuse the name
	next, err := w.AddSock("", "")
	require.NoError(t, err)
	assert.Equal(t, "vm1_sock_eth2", next.Nickname())
}

func TestLoadSockWithoutIndexGetsFreshName(t *testing.T) {
	f, _ := newFactory(t)
	require.NoError(t, f.Load(&Snapshot{
		Version: SnapshotVersion,
		VMs: []VMRecord{{
			ID:    "id-1",
			Name:  "vm1",
			Links: []LinkRecord{{Kind: linkSock, MAC: "00:aa:00:00:00:03"}},
		}},
	}))
	v, err := f.VM("vm1")
	require.NoError(t, err)
	links := v.Links()
	require.Len(t, links, 1)
	assert.Equal(t, "vm1_sock_eth0", links[0].(*vm.Sock).Nickname())
}

func TestSharedImageLockedAcrossFactories(t *testing.T) {
	ctx := context.Background()
	f, dir := newFactory(t)
	img, err := f.NewImage("debian", touch(t, dir, "debian.img"), "")
	require.NoError(t, err)
	for _, name := range []string{"vm1", "vm2"} {
		v, err := f.NewVM(name)
		require.NoError(t, err)
		require.NoError(t, v.SetImage("hda", img))
	}
	snap := f.Snapshot()

	// each vbricks process restores its own factory from the project file
	first := New(vm.Options{Home: func() string { return dir }})
	second := New(vm.Options{Home: func() string { return dir }})
	require.NoError(t, first.Load(snap))
	require.NoError(t, second.Load(snap))

	vm1, err := first.VM("vm1")
	require.NoError(t, err)
	vm2, err := second.VM("vm2")
	require.NoError(t, err)

	require.NoError(t, vm1.Acquire(ctx))
	err = vm2.Acquire(ctx)
	require.ErrorIs(t, err, images.ErrLockedImage)
	assert.Contains(t, err.Error(), "vm1:hda")

	require.NoError(t, vm1.Release(ctx))
	require.NoError(t, vm2.Acquire(ctx))
	require.NoError(t, vm2.Release(ctx))
}

func TestRestoreMissingFileResets(t *testing.T) {
	f, dir := newFactory(t)
	_, err := f.NewVM("vm1")
	require.NoError(t, err)
	require.NoError(t, Persister{}.Restore(context.Background(), f, filepath.Join(dir, "bricks.json")))
	assert.Empty(t, f.VMs())
}

func TestLoadCollectsErrors(t *testing.T) {
	f, _ := newFactory(t)
	err := f.Load(&Snapshot{
		Version: SnapshotVersion,
		VMs: []VMRecord{
			{Name: "ok", ConfigVersion: vm.ConfigVersion, Config: map[string]string{"ram": "128"}},
			{Name: "bad", ConfigVersion: vm.ConfigVersion, Config: map[string]string{"ram": "-1"}, Disks: map[string]string{"hda": "ghost"}},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, vm.ErrInvalidValue)
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := f.VM("ok")
	require.NoError(t, err)
	assert.Equal(t, 128, ok.Config().Int("ram"))
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	f, _ := newFactory(t)
	assert.Error(t, f.Load(&Snapshot{Version: SnapshotVersion + 1}))
}

func TestUsedFiles(t *testing.T) {
	f, dir := newFactory(t)
	img, err := f.NewImage("a", touch(t, dir, "a.img"), "")
	require.NoError(t, err)
	v, err := f.NewVM("vm1")
	require.NoError(t, err)
	require.NoError(t, v.SetImage("hda", img))
	require.NoError(t, v.SetImage("hdb", img))
	require.NoError(t, v.Config().SetBool("privatehda", true))
	require.NoError(t, v.Config().SetBool("privatefda", true))

	used := f.UsedFiles()
	assert.Equal(t, map[string]struct{}{filepath.Join(dir, "vm1_hda.cow"): {}}, used)
}
