// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vdregistry holds the set of registered image-format backends, the
// file-extension map, and capability-filtered probing.
package vdregistry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// Registry enumerates plugins at start-up and answers format/extension
// lookups for the create and open workflows.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]vdbackend.Backend
	byExt    map[string]string // extension (no dot, lowercase) -> backend name
	ordering []string          // registration order, used for probe order
}

func New() *Registry {
	return &Registry{
		byName: make(map[string]vdbackend.Backend),
		byExt:  make(map[string]string),
	}
}

// Register adds a backend, rejecting any whose vtable version doesn't
// match vdbackend.CurrentVersion.
func (r *Registry) Register(b vdbackend.Backend) error {
	v := b.Version()
	if v != vdbackend.CurrentVersion {
		return fmt.Errorf("%w: backend %q built against incompatible interface version %+v", vderr.ErrNotSupported, b.Name(), v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: backend %q already registered", vderr.ErrObjectInUse, name)
	}
	r.byName[name] = b
	r.ordering = append(r.ordering, name)
	for _, ext := range b.FileExtensions() {
		r.byExt[strings.ToLower(strings.TrimPrefix(ext, "."))] = name
	}
	return nil
}

func (r *Registry) Get(name string) (vdbackend.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", vderr.ErrObjectNotFound, name)
	}
	return b, nil
}

// FromExtension maps a filename extension to a backend for creation
// workflows.
func (r *Registry) FromExtension(path string) (vdbackend.Backend, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	r.mu.RLock()
	name, ok := r.byExt[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no backend registered for extension %q", vderr.ErrObjectNotFound, ext)
	}
	return r.Get(name)
}

// Probe sniffs path against every registered backend whose capabilities are
// a superset of requiredCaps, in registration order, and returns the first
// positive probe along with the detected device type.
func (r *Registry) Probe(ctx context.Context, path string, desired vdbackend.DeviceType, requiredCaps vdbackend.Capabilities) (vdbackend.Backend, vdbackend.DeviceType, error) {
	r.mu.RLock()
	candidates := make([]vdbackend.Backend, 0, len(r.ordering))
	for _, name := range r.ordering {
		b := r.byName[name]
		if b.Capabilities()&requiredCaps == requiredCaps {
			candidates = append(candidates, b)
		}
	}
	r.mu.RUnlock()

	for _, b := range candidates {
		dt, err := b.Probe(ctx, path, desired)
		if err == nil {
			return b, dt, nil
		}
	}
	return nil, vdbackend.DeviceUnknown, fmt.Errorf("%w: no backend recognized %q", vderr.ErrNotSupported, path)
}

// Names returns the registered backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ordering))
	copy(out, r.ordering)
	return out
}
