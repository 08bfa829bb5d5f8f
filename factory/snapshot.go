package factory

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/projecteru2/vbricks/utils"
	"github.com/projecteru2/vbricks/vm"
)

// SnapshotVersion is the version of the persisted layout.
const SnapshotVersion = 1

const (
	linkPlug = "plug"
	linkSock = "sock"
)

// Snapshot is the persisted form of a factory.
type Snapshot struct {
	Version int           `json:"version"`
	Images  []ImageRecord `json:"images"`
	VMs     []VMRecord    `json:"vms"`
}

// ImageRecord is a persisted image. Descriptions live in sidecar files.
type ImageRecord struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// VMRecord is a persisted VM.
type VMRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ConfigVersion int    `json:"config_version"`
	// Config holds the text form of every parameter changed from its default.
	Config map[string]string `json:"config,omitempty"`
	// Disks maps a device to the name of its image.
	Disks map[string]string `json:"disks,omitempty"`
	Links []LinkRecord      `json:"links,omitempty"`
}

// LinkRecord is a persisted plug or sock.
type LinkRecord struct {
	Kind     string          `json:"kind"`
	Model    string          `json:"model"`
	MAC      string          `json:"mac"`
	Endpoint *EndpointRecord `json:"endpoint,omitempty"`
	// Index and Nickname pin the name of a sock. Records written without
	// them get a fresh name on restore.
	Index    *int   `json:"index,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

// EndpointRecord is what a plug was connected to.
type EndpointRecord struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Mode string `json:"mode"`
}

// Snapshot captures the factory state.
func (f *Factory) Snapshot() *Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &Snapshot{Version: SnapshotVersion}
	for _, img := range f.images {
		s.Images = append(s.Images, ImageRecord{Name: img.Name(), Path: img.Path()})
	}
	for _, e := range f.vms {
		s.VMs = append(s.VMs, vmRecord(e))
	}
	return s
}

func vmRecord(e entry) VMRecord {
	conf := e.vm.Config().Changed()
	delete(conf, "name")
	rec := VMRecord{
		ID:            e.id,
		Name:          e.vm.Name(),
		ConfigVersion: vm.ConfigVersion,
		Config:        conf,
		Disks:         map[string]string{},
	}
	for _, d := range e.vm.Disks() {
		if img := d.Image(); img != nil {
			rec.Disks[d.Device()] = img.Name()
		}
	}
	for _, l := range e.vm.Links() {
		lr := LinkRecord{Kind: linkPlug, Model: l.Model(), MAC: l.MAC()}
		if sock, ok := l.(*vm.Sock); ok {
			index := sock.Index()
			lr.Kind, lr.Index, lr.Nickname = linkSock, &index, sock.Nickname()
		}
		if ep := l.Endpoint(); ep != nil {
			lr.Endpoint = &EndpointRecord{Name: ep.Nickname(), Path: ep.Path(), Mode: ep.Mode()}
		}
		rec.Links = append(rec.Links, lr)
	}
	return rec
}

// Load replaces the factory state with s. Every record is attempted; the
// failures are returned joined.
func (f *Factory) Load(s *Snapshot) error {
	if s.Version > SnapshotVersion {
		return fmt.Errorf("snapshot version %d is newer than supported %d", s.Version, SnapshotVersion)
	}
	f.Reset()
	var errs []error
	for _, rec := range s.Images {
		if _, err := f.NewImage(rec.Name, rec.Path, ""); err != nil {
			errs = append(errs, fmt.Errorf("restore image %s: %w", rec.Name, err))
		}
	}
	for _, rec := range s.VMs {
		if err := f.loadVM(rec); err != nil {
			errs = append(errs, fmt.Errorf("restore vm %s: %w", rec.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) loadVM(rec VMRecord) error {
	if rec.ConfigVersion > vm.ConfigVersion {
		return fmt.Errorf("config version %d is newer than supported %d", rec.ConfigVersion, vm.ConfigVersion)
	}
	id := rec.ID
	if id == "" {
		id = utils.GenerateID()
	}
	v, err := f.newVM(id, rec.Name)
	if err != nil {
		return err
	}
	v.SetRestoring(true)
	defer v.SetRestoring(false)

	var errs []error
	for _, k := range slices.Sorted(maps.Keys(rec.Config)) {
		if err := v.Config().Parse(k, rec.Config[k]); err != nil {
			errs = append(errs, err)
		}
	}
	for dev, name := range rec.Disks {
		img, err := f.Image(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := v.SetImage(dev, img); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range rec.Links {
		switch {
		case l.Kind == linkSock && l.Index != nil:
			_, err = v.RestoreSock(*l.Index, l.Nickname, l.MAC, l.Model)
		case l.Kind == linkSock:
			_, err = v.AddSock(l.MAC, l.Model)
		default:
			_, err = v.AddPlug(endpoint(l.Endpoint), l.MAC, l.Model)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func endpoint(rec *EndpointRecord) vm.Endpoint {
	switch {
	case rec == nil:
		return nil
	case rec.Mode == vm.ModeHostonly:
		return vm.Hostonly
	default:
		return vm.SwitchEndpoint{Name: rec.Name, SockPath: rec.Path}
	}
}
