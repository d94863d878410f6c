package instance

import (
	"fmt"
	"sort"

	"github.com/alphauslabs/ferry/internal/apiclient"
	"github.com/alphauslabs/ferry/internal/config"
)

// Registry resolves instance ids and names to clients. It is built once at
// startup and read-only afterwards.
type Registry struct {
	byKey   map[string]Instance
	entries []config.InstanceConfig
}

// NewRegistry builds clients for every active entry.
func NewRegistry(entries []config.InstanceConfig, opts apiclient.Options) *Registry {
	r := &Registry{byKey: map[string]Instance{}}
	for _, e := range entries {
		if !e.Active {
			continue
		}
		r.add(e, NewClient(e, opts))
	}
	return r
}

// NewStaticRegistry wraps prebuilt instances, keyed by their ID and Name.
func NewStaticRegistry(instances ...Instance) *Registry {
	r := &Registry{byKey: map[string]Instance{}}
	for _, inst := range instances {
		r.add(config.InstanceConfig{ID: inst.ID(), Name: inst.Name(), Active: true}, inst)
	}
	return r
}

func (r *Registry) add(e config.InstanceConfig, inst Instance) {
	r.entries = append(r.entries, e)
	r.byKey[e.ID] = inst
	if e.Name != "" {
		r.byKey[e.Name] = inst
	}
}

// Get returns the instance registered under id or name.
func (r *Registry) Get(idOrName string) (Instance, error) {
	inst, ok := r.byKey[idOrName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, idOrName)
	}
	return inst, nil
}

// List returns the active entries sorted by id.
func (r *Registry) List() []config.InstanceConfig {
	out := append([]config.InstanceConfig(nil), r.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
