package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zsiec/avsync/internal/media"
)

// Factory describes a backend implementation selectable by source string.
// Lower Priority values are tried first.
type Factory struct {
	Name     string
	Priority int
	Match    func(source string) bool
	New      func(cfg Config) Backend
}

var (
	registryMu sync.RWMutex
	factories  []Factory
)

// Register makes a backend implementation available to New and Open. It is
// meant to be called from package init functions.
func Register(f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories = append(factories, f)
	sort.SliceStable(factories, func(i, j int) bool {
		return factories[i].Priority < factories[j].Priority
	})
}

// Names lists registered backends in selection order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, len(factories))
	for i, f := range factories {
		names[i] = f.Name
	}
	return names
}

// New returns an unopened backend for source.
func New(source string, cfg Config) (Backend, string, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, f := range factories {
		if f.Match(source) {
			return f.New(cfg), f.Name, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnsupported, source)
}

// Open selects a backend for source and opens it. On failure nothing is left
// open.
func Open(ctx context.Context, source string, cfg Config) (Backend, media.Info, error) {
	b, name, err := New(source, cfg)
	if err != nil {
		return nil, media.Info{}, err
	}
	info, err := b.Open(ctx, source)
	if err != nil {
		b.Close()
		return nil, media.Info{}, fmt.Errorf("%s backend: %w", name, err)
	}
	if info.Format == "" {
		info.Format = name
	}
	return b, info, nil
}
