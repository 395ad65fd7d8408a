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
)

// Reset builds a Task that discards Target's accumulated diff content and
// recreates it empty with the same id and parent link: used to roll an
// Immutable base's diff back to its pristine state between VM runs when
// AutoReset is set.
func (e *Engine) Reset(plat *platform.Platform, target *medium.Medium) (*Task, error) {
	if !target.IsDiff() {
		return nil, fmt.Errorf("%w: reset target must be a differencing image", vderr.ErrInvalidObjectState)
	}

	backend, err := plat.Registry.Get(target.Format)
	if err != nil {
		return nil, err
	}
	if !backend.Capabilities().Has(vdbackend.CapDifferencing) {
		return nil, fmt.Errorf("%w: backend %q does not support differencing images", vderr.ErrNotSupported, target.Format)
	}

	progress := NewProgress("reset medium")
	t := &Task{Name: "Reset", Medium: target, Platform: plat, Progress: progress, Log: e.Log}
	t.execute = func(ctx context.Context) error {
		list, err := locklist.Build(ctx, e.Tree, target, e.QueryInfo,
			locklist.BuildOptions{LockWriteTarget: target, FailIfInaccessible: true})
		if err != nil {
			return err
		}
		if err := list.Lock(false); err != nil {
			return err
		}
		defer list.Unlock()

		parentID := target.ParentID
		id := target.ID
		path := target.LocationFull
		variant := target.Variant
		_, logicalSize := target.SizeAndLogicalSize()

		h, err := backend.Open(ctx, path, vdbackend.OpenNormal, deviceTypeFor(target))
		if err != nil {
			return vderr.Backend("reset open failed", err)
		}
		if err := backend.Close(ctx, h, true); err != nil {
			return vderr.Backend("reset delete failed", err)
		}

		nh, err := backend.Create(ctx, path, logicalSize, vdbackend.ImageFlagDiff, "",
			vdbackend.Geometry{}, vdbackend.Geometry{}, id.String(), vdbackend.OpenNormal, progress.AsBackendProgress())
		if err != nil {
			return vderr.Backend("reset recreate failed", err)
		}
		defer func() { _ = backend.Close(ctx, nh, false) }()

		if err := backend.SetParentUuid(ctx, nh, parentID.String()); err != nil {
			return vderr.Backend("reset failed to set parent uuid", err)
		}
		if parent, ok := e.Tree.FindByID(parentID); ok {
			if err := backend.SetParentFilename(ctx, nh, parent.LocationFull); err != nil {
				return vderr.Backend("reset failed to set parent filename", err)
			}
		}

		target.SetSize(logicalSize, logicalSize)
		target.Variant = variant
		e.Log.Info("reset differencing image", zap.String("id", id.String()))
		return nil
	}
	return t, nil
}
