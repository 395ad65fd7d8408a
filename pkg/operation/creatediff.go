// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/mediumtree"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// CreateDiffParams configures a CreateDiff task.
type CreateDiffParams struct {
	Parent  *medium.Medium
	Format  string
	Path    string
	Variant medium.Variant
	// SnapshotTake relaxes the "parent attached to current state" rejection
	// for the snapshot-take path.
	SnapshotTake bool
}

// CreateDiff builds a Task that creates a new differencing image atop
// Parent.
func (e *Engine) CreateDiff(plat *platform.Platform, p CreateDiffParams) (*Task, *medium.Medium, error) {
	switch p.Parent.MediumType {
	case medium.Writethrough, medium.Shareable, medium.Readonly:
		return nil, nil, fmt.Errorf("%w: %s parent cannot take a differencing child", vderr.ErrInvalidObjectState, p.Parent.MediumType)
	}
	if !p.SnapshotTake && p.Parent.InCurrentState() {
		return nil, nil, fmt.Errorf("%w: parent is attached to a machine's current state", vderr.ErrObjectInUse)
	}

	depth := e.Tree.Depth(p.Parent) + 1
	if depth > mediumtree.MaxDepth-1 {
		return nil, nil, fmt.Errorf("%w: differencing image would reach depth %d", vderr.ErrExceedsDepthLimit, depth)
	}

	backend, err := plat.Registry.Get(p.Format)
	if err != nil {
		return nil, nil, err
	}
	if !backend.Capabilities().Has(vdbackend.CapDifferencing) {
		return nil, nil, fmt.Errorf("%w: backend %q does not support differencing images", vderr.ErrNotSupported, p.Format)
	}

	_, parentLogical := p.Parent.SizeAndLogicalSize()

	target := medium.New(uuid.New(), p.Parent.DeviceType, p.Format)
	target.LocationFull = p.Path
	target.Variant = p.Variant | medium.VariantDiff
	target.Size = parentLogical
	target.LogicalSize = parentLogical
	if p.Parent.MediumType == medium.Immutable {
		target.AutoReset = true
	}
	if err := target.CreateBegin(); err != nil {
		return nil, nil, err
	}

	progress := NewProgress("create differencing image")
	t := &Task{
		Name:     "CreateDiff",
		Medium:   target,
		Platform: plat,
		Progress: progress,
		Log:      e.Log,
	}
	t.execute = func(ctx context.Context) error {
		sourceList, err := locklist.Build(ctx, e.Tree, p.Parent, e.QueryInfo, locklist.BuildOptions{FailIfInaccessible: true})
		if err != nil {
			_ = target.CreateFail()
			return err
		}
		if err := sourceList.Lock(false); err != nil {
			_ = target.CreateFail()
			return err
		}
		defer sourceList.Unlock()

		h, err := backend.Create(ctx, p.Path, parentLogical, vdbackend.ImageFlagDiff, "",
			vdbackend.Geometry{}, vdbackend.Geometry{}, target.ID.String(), vdbackend.OpenNormal, progress.AsBackendProgress())
		if err != nil {
			_ = target.CreateFail()
			return vderr.Backend("failed to create differencing image "+p.Path, err)
		}
		defer func() { _ = backend.Close(ctx, h, false) }()

		if err := backend.SetParentUuid(ctx, h, p.Parent.ID.String()); err != nil {
			_ = target.CreateFail()
			return vderr.Backend("failed to set parent uuid", err)
		}
		if err := backend.SetParentFilename(ctx, h, p.Parent.LocationFull); err != nil {
			_ = target.CreateFail()
			return vderr.Backend("failed to set parent filename", err)
		}

		target.ParentID = p.Parent.ID
		if _, err := e.Tree.RegisterMedium(target); err != nil {
			_ = target.CreateFail()
			return err
		}
		if err := target.CreateSucceed(); err != nil {
			return err
		}
		e.Log.Info("created differencing image",
			zap.String("id", target.ID.String()), zap.String("parent", p.Parent.ID.String()))
		return nil
	}
	return t, target, nil
}
