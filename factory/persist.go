package factory

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/projecteru2/vbricks/lock/flock"
	"github.com/projecteru2/vbricks/project"
	storejson "github.com/projecteru2/vbricks/storage/json"
)

// compile-time interface check.
var _ project.Persister = Persister{}

// Persister saves factories as JSON. The project marker file next to the
// snapshot serializes concurrent saves and restores.
type Persister struct{}

func store(file string) *storejson.Store[Snapshot] {
	locker := flock.New(filepath.Join(filepath.Dir(file), project.Marker))
	return storejson.New[Snapshot](file, locker)
}

func asFactory(pf project.Factory) (*Factory, error) {
	f, ok := pf.(*Factory)
	if !ok {
		return nil, fmt.Errorf("unsupported factory %T", pf)
	}
	return f, nil
}

// Save writes the state of pf to file.
func (Persister) Save(ctx context.Context, pf project.Factory, file string) error {
	f, err := asFactory(pf)
	if err != nil {
		return err
	}
	snap := f.Snapshot()
	return store(file).Update(ctx, func(s *Snapshot) error {
		*s = *snap
		return nil
	})
}

// Restore replaces the state of pf with file. A missing file restores an
// empty factory.
func (Persister) Restore(ctx context.Context, pf project.Factory, file string) error {
	f, err := asFactory(pf)
	if err != nil {
		return err
	}
	return store(file).With(ctx, f.Load)
}
