// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package queryinfo implements the metadata-refresh protocol: a
// goroutine-safe refresh with UUID repair and single-flight discipline.
// At most one refresh runs per medium; concurrent callers park on the
// in-flight call and share its outcome.
package queryinfo

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/mediumtree"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
	"github.com/virtdisk/vdcore/pkg/vdregistry"
)

// call is one in-flight refresh; every concurrent Refresh(m) for the same
// medium waits on the same call's done channel and shares its outcome.
type call struct {
	done chan struct{}
	err  error
}

// Protocol refreshes Medium metadata by opening it info-only through its
// backend. One Protocol is shared by every caller in the process; it holds
// no per-medium state itself beyond the single-flight bookkeeping.
type Protocol struct {
	tree     *mediumtree.Tree
	registry *vdregistry.Registry

	mu       sync.Mutex
	inflight map[uuid.UUID]*call

	// ImportMode marks this Protocol as serving an Import task, where a
	// parent that does not resolve yet is expected (the chain is still
	// being brought in). It changes only the wording of the error: both
	// modes return ErrObjectNotFound for an unresolved parent and leave
	// the medium Inaccessible.
	ImportMode bool
}

func New(tree *mediumtree.Tree, registry *vdregistry.Registry) *Protocol {
	return &Protocol{
		tree:     tree,
		registry: registry,
		inflight: make(map[uuid.UUID]*call),
	}
}

// Refresh implements locklist.Refresher. Callers must not hold m's object
// lock when calling (the protocol takes its own image lock internally). A
// second caller for the same medium waits on the first's outcome instead
// of running its own refresh.
func (p *Protocol) Refresh(ctx context.Context, m *medium.Medium) error {
	return p.refresh(ctx, m, false)
}

// RefreshRewriteUUIDs is Refresh but takes a write image lock, for callers
// that intend to repair UUIDs.
func (p *Protocol) RefreshRewriteUUIDs(ctx context.Context, m *medium.Medium) error {
	return p.refresh(ctx, m, true)
}

func (p *Protocol) refresh(ctx context.Context, m *medium.Medium, rewriteUUIDs bool) error {
	p.mu.Lock()
	if c, ok := p.inflight[m.ID]; ok {
		p.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	p.inflight[m.ID] = c
	p.mu.Unlock()

	m.SetQueryInfoRunning(true)
	err := p.doRefresh(ctx, m, rewriteUUIDs)
	m.SetQueryInfoRunning(false)

	c.err = err
	close(c.done)

	p.mu.Lock()
	delete(p.inflight, m.ID)
	p.mu.Unlock()

	return err
}

// doRefresh takes the image lock, runs the refresh work, releases the
// lock, and only then applies the terminal Created/Inaccessible
// transition -- the state machine rejects those transitions while the
// medium is still locked.
func (p *Protocol) doRefresh(ctx context.Context, m *medium.Medium, rewriteUUIDs bool) error {
	var lockErr error
	if rewriteUUIDs {
		lockErr = m.LockWriteMedium()
	} else {
		lockErr = m.LockReadMedium()
	}
	if lockErr != nil {
		m.SetLastAccessError(lockErr)
		return lockErr
	}

	workErr := p.refreshLocked(ctx, m)
	_ = m.UnlockMedium()

	if workErr != nil {
		m.SetLastAccessError(workErr)
		_ = m.QueryInfoFail()
		return workErr
	}
	m.SetLastAccessError(nil)
	return m.QueryInfoOk()
}

func (p *Protocol) refreshLocked(ctx context.Context, m *medium.Medium) error {
	backend, err := p.registry.Get(m.Format)
	if err != nil {
		return err
	}

	h, err := backend.Open(ctx, m.LocationFull, vdbackend.OpenReadOnly|vdbackend.OpenInfo, deviceTypeOf(m))
	if err != nil {
		return vderr.Backend("queryInfo open failed for "+m.LocationFull, err)
	}
	defer func() { _ = backend.Close(ctx, h, false) }()

	if err := p.reconcileUUID(ctx, m, backend, h); err != nil {
		return err
	}

	needsRepair, err := p.reconcileParent(ctx, m, backend, h)
	if err != nil {
		return err
	}

	if size, err := backend.GetFileSize(ctx, h); err == nil {
		m.SetSize(size, size)
	}

	if needsRepair {
		return p.repairZeroParentUUID(ctx, m, backend)
	}
	return nil
}

func (p *Protocol) reconcileUUID(ctx context.Context, m *medium.Medium, backend vdbackend.Backend, h vdbackend.Handle) error {
	if !backend.Capabilities().Has(vdbackend.CapUuid) {
		return nil
	}
	idStr, err := backend.GetUuid(ctx, h)
	if err != nil {
		return vderr.Backend("failed to read image uuid", err)
	}
	imageID, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("%w: malformed image uuid %q", vderr.ErrFileError, idStr)
	}

	switch {
	case m.ID == uuid.Nil:
		m.ID = imageID // adopt, e.g. Import
	case m.ID == imageID:
		// ok
	default:
		return fmt.Errorf("%w: image uuid %s does not match expected %s", vderr.ErrFileError, imageID, m.ID)
	}
	return nil
}

// reconcileParent returns true if a zero-parent-uuid repair is needed on a
// base image that mistakenly carries a non-zero parent uuid.
func (p *Protocol) reconcileParent(ctx context.Context, m *medium.Medium, backend vdbackend.Backend, h vdbackend.Handle) (bool, error) {
	if !backend.Capabilities().Has(vdbackend.CapUuid) {
		return false, nil
	}
	imageFlags, err := backend.GetImageFlags(ctx, h)
	if err != nil {
		return false, vderr.Backend("failed to read image flags", err)
	}

	parentIDStr, err := backend.GetParentUuid(ctx, h)
	if err != nil {
		return false, vderr.Backend("failed to read parent uuid", err)
	}
	parentID, perr := uuid.Parse(parentIDStr)
	hasParent := perr == nil && parentID != uuid.Nil

	if imageFlags.Has(vdbackend.ImageFlagDiff) {
		if !hasParent {
			return false, fmt.Errorf("%w: differencing image %s declares no parent uuid", vderr.ErrFileError, m.ID)
		}
		parent, ok := p.tree.FindByID(parentID)
		if !ok {
			if p.ImportMode {
				return false, fmt.Errorf("%w: parent %s not yet registered", vderr.ErrObjectNotFound, parentID)
			}
			return false, fmt.Errorf("%w: parent %s not found", vderr.ErrObjectNotFound, parentID)
		}
		if m.ParentID != uuid.Nil && m.ParentID != parent.ID {
			return false, fmt.Errorf("%w: recorded parent %s does not match backend parent %s", vderr.ErrFileError, m.ParentID, parent.ID)
		}
		// link through the tree so the parent's child list and the root
		// set stay consistent
		if err := p.tree.SetParent(m, parent); err != nil {
			return false, err
		}
		return false, nil
	}

	// base image: a non-zero parent uuid here is a stale recording that
	// must be repaired.
	return hasParent, nil
}

func (p *Protocol) repairZeroParentUUID(ctx context.Context, m *medium.Medium, backend vdbackend.Backend) error {
	h, err := backend.Open(ctx, m.LocationFull, vdbackend.OpenNormal, deviceTypeOf(m))
	if err != nil {
		return vderr.Backend("repair re-open failed", err)
	}
	defer func() { _ = backend.Close(ctx, h, false) }()

	if err := backend.SetParentUuid(ctx, h, uuid.Nil.String()); err != nil {
		return vderr.Backend("failed to zero stale parent uuid", err)
	}
	return nil
}

func deviceTypeOf(m *medium.Medium) vdbackend.DeviceType {
	switch m.DeviceType {
	case medium.DVD:
		return vdbackend.DeviceDVD
	case medium.Floppy:
		return vdbackend.DeviceFloppy
	default:
		return vdbackend.DeviceHardDisk
	}
}
