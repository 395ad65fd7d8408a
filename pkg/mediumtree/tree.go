// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package mediumtree implements the global ordered graph of Medium nodes:
// one read/write lock governs every parent/child mutation across the whole
// tree, ranking above any individual Medium lock.
package mediumtree

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/medium"
)

// MaxDepth bounds how long a parent chain may grow.
const MaxDepth = 300

// Tree is one process-wide registry manager's view of every Medium it
// knows about, keyed by id.
type Tree struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*medium.Medium
	paths map[string]uuid.UUID // locationFull -> id, for findByPath
	roots map[uuid.UUID]struct{}
}

func New() *Tree {
	return &Tree{
		byID:  make(map[uuid.UUID]*medium.Medium),
		paths: make(map[string]uuid.UUID),
		roots: make(map[uuid.UUID]struct{}),
	}
}

// RLock/RUnlock/Lock/Unlock expose the tree-wide lock directly for
// callers that need several lookups to observe one consistent topology.
// The per-call methods below take the lock themselves; don't mix the two.
func (t *Tree) RLock()   { t.mu.RLock() }
func (t *Tree) RUnlock() { t.mu.RUnlock() }
func (t *Tree) Lock()    { t.mu.Lock() }
func (t *Tree) Unlock()  { t.mu.Unlock() }

// RegisterMedium inserts m, or -- if a medium with the same id is already
// present -- returns the existing one unchanged, so loading the same
// registry twice merges instead of duplicating. Takes the tree write lock
// itself; a parent must already be registered before any of its children.
func (t *Tree) RegisterMedium(m *medium.Medium) (*medium.Medium, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(m)
}

func (t *Tree) registerLocked(m *medium.Medium) (*medium.Medium, error) {
	if existing, ok := t.byID[m.ID]; ok {
		return existing, nil
	}

	if m.DeviceType == medium.HardDisk {
		// A HardDisk may appear in exactly one registry.
		if len(m.Registries) > 1 {
			return nil, fmt.Errorf("%w: hard disk %s listed in %d registries", vderr.ErrInvalidObjectState, m.ID, len(m.Registries))
		}
	}

	if m.ParentID != uuid.Nil {
		parent, ok := t.byID[m.ParentID]
		if !ok {
			return nil, fmt.Errorf("%w: parent %s not registered", vderr.ErrObjectNotFound, m.ParentID)
		}
		depth := t.depthLocked(parent) + 1
		if depth > MaxDepth {
			return nil, fmt.Errorf("%w: chain depth %d exceeds %d", vderr.ErrExceedsDepthLimit, depth, MaxDepth)
		}
		parent.ChildIDs = append(parent.ChildIDs, m.ID)
	} else {
		t.roots[m.ID] = struct{}{}
	}

	t.byID[m.ID] = m
	if m.LocationFull != "" {
		t.paths[m.LocationFull] = m.ID
	}
	return m, nil
}

// UnregisterMedium detaches m from its parent and removes it from the
// arena. m must have no children.
func (t *Tree) UnregisterMedium(m *medium.Medium) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unregisterLocked(m)
}

func (t *Tree) unregisterLocked(m *medium.Medium) error {
	if len(m.ChildIDs) > 0 {
		return fmt.Errorf("%w: medium %s still has %d children", vderr.ErrObjectInUse, m.ID, len(m.ChildIDs))
	}
	if m.ParentID != uuid.Nil {
		if parent, ok := t.byID[m.ParentID]; ok {
			parent.ChildIDs = removeID(parent.ChildIDs, m.ID)
		}
	} else {
		delete(t.roots, m.ID)
	}
	delete(t.byID, m.ID)
	if m.LocationFull != "" {
		delete(t.paths, m.LocationFull)
	}
	return nil
}

// SetParent re-parents child under parent (or detaches if parent is nil),
// maintaining both sides' linkage. Takes the tree write lock itself.
func (t *Tree) SetParent(child *medium.Medium, parent *medium.Medium) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if child.ParentID != uuid.Nil {
		if old, ok := t.byID[child.ParentID]; ok {
			old.ChildIDs = removeID(old.ChildIDs, child.ID)
		}
	} else {
		delete(t.roots, child.ID)
	}

	if parent == nil {
		child.ParentID = uuid.Nil
		t.roots[child.ID] = struct{}{}
		return nil
	}

	depth := t.depthLocked(parent) + 1
	if depth > MaxDepth {
		return fmt.Errorf("%w: re-parenting %s would reach depth %d", vderr.ErrExceedsDepthLimit, child.ID, depth)
	}
	child.ParentID = parent.ID
	parent.ChildIDs = append(parent.ChildIDs, child.ID)
	return nil
}

// RenameLocation updates the path index after a Move task renames a
// file-backed medium in place. It drops the key under m.LocationFull, so
// the caller runs it before updating m.LocationFull to newPath.
func (t *Tree) RenameLocation(m *medium.Medium, newPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m.LocationFull != "" {
		delete(t.paths, m.LocationFull)
	}
	if newPath != "" {
		t.paths[newPath] = m.ID
	}
}

// Deparent detaches child from its parent, making it a root.
func (t *Tree) Deparent(child *medium.Medium) error {
	return t.SetParent(child, nil)
}

func (t *Tree) FindByID(id uuid.UUID) (*medium.Medium, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byID[id]
	return m, ok
}

func (t *Tree) FindByPath(path string) (*medium.Medium, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.paths[path]
	if !ok {
		return nil, false
	}
	m, ok := t.byID[id]
	return m, ok
}

// Parent returns m's parent, if any.
func (t *Tree) Parent(m *medium.Medium) (*medium.Medium, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m.ParentID == uuid.Nil {
		return nil, false
	}
	p, ok := t.byID[m.ParentID]
	return p, ok
}

// Children returns m's children in registration order.
func (t *Tree) Children(m *medium.Medium) []*medium.Medium {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*medium.Medium, 0, len(m.ChildIDs))
	for _, id := range m.ChildIDs {
		if c, ok := t.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Depth returns m's distance from its base (0 for a base medium).
func (t *Tree) Depth(m *medium.Medium) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.depthLocked(m)
}

func (t *Tree) depthLocked(m *medium.Medium) int {
	depth := 0
	cur := m
	for cur.ParentID != uuid.Nil {
		parent, ok := t.byID[cur.ParentID]
		if !ok {
			break
		}
		depth++
		cur = parent
	}
	return depth
}

// Walk visits every Medium reachable from roots using an explicit
// worklist, not recursion, so traversal cannot stack-overflow on deep
// chains.
func (t *Tree) Walk(visit func(*medium.Medium) bool) {
	t.mu.RLock()
	worklist := make([]*medium.Medium, 0, len(t.roots))
	for id := range t.roots {
		if m, ok := t.byID[id]; ok {
			worklist = append(worklist, m)
		}
	}
	t.mu.RUnlock()

	for len(worklist) > 0 {
		n := len(worklist) - 1
		m := worklist[n]
		worklist = worklist[:n]

		if !visit(m) {
			continue
		}

		t.mu.RLock()
		for _, id := range m.ChildIDs {
			if c, ok := t.byID[id]; ok {
				worklist = append(worklist, c)
			}
		}
		t.mu.RUnlock()
	}
}

// Dump renders every root chain as an indented text tree, one line per
// Medium ("<id> <format> <state> size=<bytes>"), children indented two
// spaces under their parent. Roots and children are ordered by id string
// so the rendering is stable.
func (t *Tree) Dump() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	roots := make([]uuid.UUID, 0, len(t.roots))
	for id := range t.roots {
		roots = append(roots, id)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })
	for _, id := range roots {
		t.dumpNode(&b, id, 0)
	}
	return b.String()
}

func (t *Tree) dumpNode(b *strings.Builder, id uuid.UUID, depth int) {
	m, ok := t.byID[id]
	if !ok {
		return
	}
	size, _ := m.SizeAndLogicalSize()
	fmt.Fprintf(b, "%s%s %s %s size=%d\n", strings.Repeat("  ", depth), m.ID, m.Format, m.State(), size)

	children := append([]uuid.UUID(nil), m.ChildIDs...)
	sort.Slice(children, func(i, j int) bool { return children[i].String() < children[j].String() })
	for _, c := range children {
		t.dumpNode(b, c, depth+1)
	}
}

func removeID(ids []uuid.UUID, target uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}
