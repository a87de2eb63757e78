package fleet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethpandaops/healthoor/pkg/config"
)

// Worker is a single registered fleet target.
type Worker struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Address string `json:"address"`
}

// IsLocal reports whether the worker is reached through an in-process
// handle rather than a network endpoint.
func (w Worker) IsLocal() bool {
	return strings.HasPrefix(w.Address, config.LocalAddressScheme)
}

// LocalHandle returns the in-process handle name for a local worker.
func (w Worker) LocalHandle() string {
	return strings.TrimPrefix(w.Address, config.LocalAddressScheme)
}

// Registry holds the configured set of worker services eligible for
// health verification. It is immutable after construction.
type Registry struct {
	workers []Worker
	byName  map[string]Worker
}

// NewRegistry builds a registry from validated fleet configuration.
func NewRegistry(cfg *config.FleetConfig) (*Registry, error) {
	if len(cfg.Workers) == 0 {
		return nil, fmt.Errorf("fleet configuration is empty")
	}

	r := &Registry{
		workers: make([]Worker, 0, len(cfg.Workers)),
		byName:  make(map[string]Worker, len(cfg.Workers)),
	}

	for _, wc := range cfg.Workers {
		w := Worker{
			Name:    wc.Name,
			Type:    wc.Type,
			Address: wc.Address,
		}

		if _, exists := r.byName[w.Name]; exists {
			return nil, fmt.Errorf("duplicate worker name %q", w.Name)
		}

		r.workers = append(r.workers, w)
		r.byName[w.Name] = w
	}

	sort.Slice(r.workers, func(i, j int) bool {
		return r.workers[i].Name < r.workers[j].Name
	})

	return r, nil
}

// List returns all registered workers ordered by name.
func (r *Registry) List() []Worker {
	out := make([]Worker, len(r.workers))
	copy(out, r.workers)

	return out
}

// Get returns the worker with the given name.
func (r *Registry) Get(name string) (Worker, bool) {
	w, ok := r.byName[name]

	return w, ok
}

// Resolve returns the workers matching the given name and type filters.
// Empty filters select the whole fleet. The result preserves registry
// order; an empty result is returned as-is so callers can decide whether
// that is an error.
func (r *Registry) Resolve(names, types []string) []Worker {
	if len(names) == 0 && len(types) == 0 {
		return r.List()
	}

	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}

	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	var out []Worker

	for _, w := range r.workers {
		if len(nameSet) > 0 {
			if _, ok := nameSet[w.Name]; !ok {
				continue
			}
		}

		if len(typeSet) > 0 {
			if _, ok := typeSet[w.Type]; !ok {
				continue
			}
		}

		out = append(out, w)
	}

	return out
}
