// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
	"github.com/virtdisk/vdcore/pkg/vdisk"
)

// direction is determined by walking parent pointers from Source and
// Target: forward means Source is an ancestor of Target, backward means
// Target is an ancestor of Source. Source is discarded in both directions;
// Target always survives.
type direction int

const (
	forward direction = iota
	backward
)

// MergeParams configures a Merge task. Source is always the end discarded
// by the merge; Target always survives, receiving Source's content.
type MergeParams struct {
	Source *medium.Medium
	Target *medium.Medium
	// AllowedMachine is the one machine Source's single permitted
	// back-reference may belong to.
	AllowedMachine string
}

// mergeState is everything prepareMergeTo computes that execute and the
// cancel path both need.
type mergeState struct {
	dir                direction
	chain              []*medium.Medium // root-to-leaf, ancestor..descendant inclusive
	discarded          []*medium.Medium // Source plus any intermediates, in chain order
	childrenToReparent []*medium.Medium // backward merge: Source's own children
	list               *locklist.List
}

// Merge builds a Task joining two adjacent chain segments, discarding
// Source (and any intermediates between Source and Target) and merging
// its content into Target. The task runs as prepare/execute/commit with a
// cancel path that restores every staged state on failure.
func (e *Engine) Merge(plat *platform.Platform, p MergeParams) (*Task, error) {
	ms, err := e.prepareMergeTo(p)
	if err != nil {
		return nil, err
	}

	progress := NewProgress("merge medium", "resize target", "merge chain")
	t := &Task{Name: "Merge", Medium: p.Target, Platform: plat, Progress: progress, Log: e.Log}
	t.execute = func(ctx context.Context) error {
		if err := e.executeMerge(ctx, plat, p, ms, progress); err != nil {
			e.cancelMergeTo(ms)
			return err
		}
		// executeMerge has released the lock list; the discarded mediums
		// are back in Deleting and can now be unregistered and closed.
		return e.commitMerge(p, ms)
	}
	return t, nil
}

// prepareMergeTo identifies direction, builds the full-range lock list,
// validates the no-branch/single-backref invariants, and stages Source and
// every intermediate into Deleting.
func (e *Engine) prepareMergeTo(p MergeParams) (*mergeState, error) {
	dir, chain, err := mergeDirection(e, p.Source, p.Target)
	if err != nil {
		return nil, err
	}

	// Sanity: every medium in the range except the endpoints must have
	// <=1 child, else a branch exists and merge is unsafe.
	for _, m := range chain[1 : len(chain)-1] {
		if len(e.Tree.Children(m)) > 1 {
			return nil, fmt.Errorf("%w: %s has more than one child, merge would orphan a branch", vderr.ErrObjectInUse, m.ID)
		}
	}

	if p.Source.BackRefCount() > 1 {
		return nil, fmt.Errorf("%w: %s has more than one attachment", vderr.ErrObjectInUse, p.Source.ID)
	}
	if p.Source.BackRefCount() == 1 && !p.Source.HasOnlyBackRef(p.AllowedMachine) {
		return nil, fmt.Errorf("%w: %s is attached to a machine other than the caller's", vderr.ErrObjectInUse, p.Source.ID)
	}

	list, err := locklist.Build(context.Background(), e.Tree, chainLeaf(chain), e.QueryInfo,
		locklist.BuildOptions{LockWriteTarget: p.Target, FailIfInaccessible: true})
	if err != nil {
		return nil, err
	}

	var discarded []*medium.Medium
	var childrenToReparent []*medium.Medium
	if dir == forward {
		discarded = chain[:len(chain)-1] // Source..penultimate; Target is chain[len-1]
	} else {
		discarded = chain[1:] // Target is chain[0]; Source..leaf is chain[1:]
		childrenToReparent = e.Tree.Children(p.Source)
	}

	for i, m := range discarded {
		if err := m.MarkForDeletion(); err != nil {
			for _, done := range discarded[:i] {
				_ = done.UnmarkForDeletion()
			}
			return nil, err
		}
	}

	return &mergeState{
		dir:                dir,
		chain:              chain,
		discarded:          discarded,
		childrenToReparent: childrenToReparent,
		list:               list,
	}, nil
}

// mergeDirection walks parent pointers from both ends to find which is an
// ancestor of the other, returning the full root-to-leaf chain between
// them inclusive.
func mergeDirection(e *Engine, source, target *medium.Medium) (direction, []*medium.Medium, error) {
	if chain, ok := ancestorChain(e, target, source); ok {
		return forward, chain, nil // source is an ancestor of target
	}
	if chain, ok := ancestorChain(e, source, target); ok {
		return backward, chain, nil // target is an ancestor of source
	}
	return 0, nil, fmt.Errorf("%w: %s and %s share no ancestor relationship", vderr.ErrUnrelated, source.ID, target.ID)
}

// ancestorChain walks from descendant up to ancestor, returning the chain
// root(ancestor)-to-leaf(descendant) inclusive if ancestor is indeed on
// descendant's parent path.
func ancestorChain(e *Engine, descendant, ancestor *medium.Medium) ([]*medium.Medium, bool) {
	var path []*medium.Medium
	cur := descendant
	for {
		path = append(path, cur)
		if cur == ancestor {
			break
		}
		parent, ok := e.Tree.Parent(cur)
		if !ok {
			return nil, false
		}
		cur = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, true
}

func chainLeaf(chain []*medium.Medium) *medium.Medium {
	return chain[len(chain)-1]
}

// executeMerge runs the locked phase of the merge: optional target resize,
// opening every image through one VDISK, the block-copy pass, and backward
// reparenting. The lock list is fully released before this returns, so
// success leaves the discarded mediums back in Deleting for commitMerge.
func (e *Engine) executeMerge(ctx context.Context, plat *platform.Platform, p MergeParams, ms *mergeState, progress *Progress) error {
	list := ms.list
	if err := list.Lock(false); err != nil {
		return err
	}
	defer list.Unlock()

	discardSet := make(map[*medium.Medium]bool, len(ms.discarded))
	for _, m := range ms.discarded {
		discardSet[m] = true
	}
	for _, en := range list.Entries() {
		st := en.Medium.State()
		if discardSet[en.Medium] {
			if !en.Medium.DeletionPending() {
				return fmt.Errorf("%w: %s expected Deleting staged, got %s", vderr.ErrInvalidObjectState, en.Medium.ID, st)
			}
		} else if en.Medium == p.Target && st != medium.LockedWrite {
			return fmt.Errorf("%w: target %s expected LockedWrite, got %s", vderr.ErrInvalidObjectState, en.Medium.ID, st)
		}
	}

	sourceSize, _ := p.Source.SizeAndLogicalSize()
	targetSize, _ := p.Target.SizeAndLogicalSize()
	if sourceSize > targetSize {
		backend, err := plat.Registry.Get(p.Target.Format)
		if err != nil {
			return err
		}
		h, err := backend.Open(ctx, p.Target.LocationFull, vdbackend.OpenNormal, deviceTypeFor(p.Target))
		if err != nil {
			return vderr.Backend("merge target open for resize failed", err)
		}
		if err := backend.Resize(ctx, h, sourceSize, vdbackend.Geometry{}, vdbackend.Geometry{}, progress.AsBackendProgress()); err != nil {
			_ = backend.Close(ctx, h, false)
			return vderr.Backend("merge pre-resize failed", err)
		}
		if err := backend.Close(ctx, h, false); err != nil {
			return vderr.Backend("merge target close after resize failed", err)
		}
		p.Target.SetSize(sourceSize, sourceSize)
	}
	progress.NextOperation()

	layers, closeAll, err := openChainLayers(ctx, plat.Registry, list, vdbackend.OpenNormal)
	if err != nil {
		return err
	}
	defer closeAll()

	disk, err := vdisk.Open(layers, nil)
	if err != nil {
		return err
	}

	srcIdx, tgtIdx := layerIndex(list, p.Source), layerIndex(list, p.Target)
	mergedSize, _ := p.Target.SizeAndLogicalSize()
	if err := mergeLayers(ctx, disk, srcIdx, tgtIdx, mergedSize, progress); err != nil {
		return err
	}

	if ms.dir == backward {
		for _, child := range ms.childrenToReparent {
			if err := reparentChild(ctx, plat, child, p.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeLayers folds the merged range's blocks into the target layer. The
// governing law: reading the post-merge target through its chain must
// return what the pre-merge chain returned at the leaf-most end of the
// range. So within the range [srcIdx..tgtIdx] the leaf-most layer holding
// a block wins -- the target itself in a forward merge, the source in a
// backward one, with intermediates ranked in between -- and ranges no
// layer in the range covers are left unallocated so reads keep falling
// through to the layers below the range.
func mergeLayers(ctx context.Context, disk *vdisk.Disk, srcIdx, tgtIdx int, size int64, progress *Progress) error {
	layers := disk.Layers()
	if srcIdx < 0 || tgtIdx < 0 || srcIdx >= len(layers) || tgtIdx >= len(layers) {
		return fmt.Errorf("%w: merge source/target layer not found in opened chain", vderr.ErrInvalidObjectState)
	}
	lo, hi := srcIdx, tgtIdx
	if lo > hi {
		lo, hi = hi, lo
	}

	// chunk at the target's allocation unit when it has one, so each write
	// covers whole target blocks and never leaves zero holes shadowing the
	// layers below the range.
	chunk := int64(vdisk.MaxSingleRead)
	if bs, ok := layers[tgtIdx].Backend.(interface {
		BlockSize(vdbackend.Handle) int64
	}); ok {
		if sz := bs.BlockSize(layers[tgtIdx].Handle); sz > 0 {
			chunk = sz
		}
	}

	buf := make([]byte, chunk)
	probe := make([]byte, chunk)
	var off int64
	for off < size {
		n := chunk
		if remaining := size - off; remaining < n {
			n = remaining
		}

		covered, err := rangeHasData(ctx, layers, lo, hi, off, probe[:n])
		if err != nil {
			return err
		}
		if covered {
			if err := disk.ReadFrom(ctx, lo, off, buf[:n]); err != nil {
				return err
			}
			if err := writeLayerRange(ctx, layers[tgtIdx], off, buf[:n]); err != nil {
				return err
			}
		}
		off += n

		if progress != nil {
			if size > 0 {
				progress.UpdateProgress(int(off * 100 / size))
			}
			if progress.IsCanceled() {
				return fmt.Errorf("%w: merge canceled", vderr.ErrGeneric)
			}
		}
	}
	return nil
}

// rangeHasData reports whether any layer in [lo, hi] holds bytes at the
// given range; probe is scratch space sized to the range.
func rangeHasData(ctx context.Context, layers []vdisk.Layer, lo, hi int, offset int64, probe []byte) (bool, error) {
	for i := lo; i <= hi; i++ {
		n, err := layers[i].Backend.Read(ctx, layers[i].Handle, offset, probe)
		if err != nil {
			return false, vderr.Backend("merge probe read failed", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// writeLayerRange writes data to one layer, looping over short writes at
// block boundaries.
func writeLayerRange(ctx context.Context, layer vdisk.Layer, offset int64, data []byte) error {
	var off int64
	for off < int64(len(data)) {
		n, err := layer.Backend.Write(ctx, layer.Handle, offset+off, data[off:], nil, 0)
		if err != nil {
			return vderr.Backend("merge write failed", err)
		}
		if n == 0 {
			return vderr.Backend("merge write made no progress", nil)
		}
		off += int64(n)
	}
	return nil
}

func layerIndex(list *locklist.List, m *medium.Medium) int {
	entries := list.Entries()
	// entries are root-to-leaf; layers (from openChainLayers) are reversed
	// to leaf-first, matching vdisk.Layer ordering.
	for i, en := range entries {
		if en.Medium == m {
			return len(entries) - 1 - i
		}
	}
	return -1
}

// reparentChild rewrites child's on-disk parent uuid to target's id for a
// backward merge.
func reparentChild(ctx context.Context, plat *platform.Platform, child, target *medium.Medium) error {
	backend, err := plat.Registry.Get(child.Format)
	if err != nil {
		return err
	}
	h, err := backend.Open(ctx, child.LocationFull, vdbackend.OpenInfo, deviceTypeFor(child))
	if err != nil {
		return vderr.Backend("reparent open failed for "+child.LocationFull, err)
	}
	defer func() { _ = backend.Close(ctx, h, false) }()

	if err := backend.SetParentUuid(ctx, h, target.ID.String()); err != nil {
		return vderr.Backend("failed to rewrite parent uuid for "+child.ID.String(), err)
	}
	return nil
}

// commitMerge applies the post-success tree mutation and unregisters every
// discarded medium, deepest-first so no medium is unregistered while it
// still has a registered child. Forward: Target is detached and reparented
// under Source's original parent. Backward: Source is detached and its
// other children reparented under Target.
func (e *Engine) commitMerge(p MergeParams, ms *mergeState) error {
	if ms.dir == forward {
		originalParent, _ := e.Tree.Parent(p.Source)
		if err := e.Tree.Deparent(p.Target); err != nil {
			return err
		}
		if err := e.Tree.SetParent(p.Target, originalParent); err != nil {
			return err
		}
	} else {
		if err := e.Tree.Deparent(p.Source); err != nil {
			return err
		}
		for _, child := range ms.childrenToReparent {
			if err := e.Tree.Deparent(child); err != nil {
				return err
			}
			if err := e.Tree.SetParent(child, p.Target); err != nil {
				return err
			}
		}
	}

	var merr vderr.MultiError
	for i := len(ms.discarded) - 1; i >= 0; i-- {
		m := ms.discarded[i]
		if err := e.Tree.UnregisterMedium(m); err != nil {
			merr.Append(err)
			continue
		}
		if m == p.Source {
			// the initiator is released by reference only, not
			// uninitialized, as the caller may still hold a handle.
			continue
		}
		if err := m.CloseStorage(); err != nil {
			merr.Append(err)
		}
	}
	if merr.HasErrors() {
		return merr.ErrorOrNil()
	}

	e.Log.Info("merged medium chain",
		zap.String("source", p.Source.ID.String()), zap.String("target", p.Target.ID.String()),
		zap.String("direction", dirString(ms.dir)))
	return nil
}

// cancelMergeTo reverts Source and every intermediate back to Created,
// without committing any tree mutation.
func (e *Engine) cancelMergeTo(ms *mergeState) {
	for _, m := range ms.discarded {
		_ = m.UnmarkForDeletion()
	}
}

func dirString(d direction) string {
	if d == forward {
		return "forward"
	}
	return "backward"
}
