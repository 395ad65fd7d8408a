// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package secretstore implements the process-wide secret key store:
// passwords reference-counted by id and scrubbed on free. One Store
// exists per Platform.
package secretstore

import (
	"context"
	"sync"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/internal/vdlog"
)

// Store is a process-wide password cache keyed by an opaque KeyId. It has
// its own internal lock, independent of any Medium or Tree lock.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	password []byte
	refs     int
}

func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Add inserts or replaces the password for id, unreferenced; references
// are counted by Retain/Release alone. Copies the input so the caller's
// buffer can be scrubbed independently.
func (s *Store) Add(id string, password []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[id]; ok {
		scrub(old.password)
	}
	cp := make([]byte, len(password))
	copy(cp, password)
	s.entries[id] = &entry{password: cp}
	vdlog.Secret(string(password))
}

// Retain returns the password for id and bumps its reference count. The
// returned slice must not be retained past the matching Release; callers
// that need to keep it longer should copy it.
func (s *Store) Retain(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, vderr.ErrObjectNotFound
	}
	e.refs++
	return e.password, nil
}

// Release drops one reference. When the count reaches zero the password
// buffer is scrubbed and the entry removed.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		scrub(e.password)
		delete(s.entries, id)
	}
}

// Delete forcibly scrubs and removes id regardless of outstanding references.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		scrub(e.password)
		delete(s.entries, id)
	}
}

// Password implements pkg/filter/crypto.PasswordSource by returning a
// snapshot copy of the cached password without touching its refcount.
func (s *Store) Password(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, vderr.ErrPasswordRequired
	}
	cp := make([]byte, len(e.password))
	copy(cp, e.password)
	return cp, nil
}

func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
