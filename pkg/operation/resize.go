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

// ResizeParams configures a Resize task.
type ResizeParams struct {
	Target  *medium.Medium
	NewSize int64
}

// Resize builds a Task that grows Target's leaf image; shrinking is
// rejected.
func (e *Engine) Resize(plat *platform.Platform, p ResizeParams) (*Task, error) {
	size, _ := p.Target.SizeAndLogicalSize()
	if p.NewSize < size {
		return nil, fmt.Errorf("%w: resize to %d would shrink from %d", vderr.ErrShrinkNotSupported, p.NewSize, size)
	}

	progress := NewProgress("resize medium")
	t := &Task{Name: "Resize", Medium: p.Target, Platform: plat, Progress: progress, Log: e.Log}
	t.execute = func(ctx context.Context) error {
		list, err := locklist.Build(ctx, e.Tree, p.Target, e.QueryInfo,
			locklist.BuildOptions{LockWriteTarget: p.Target, FailIfInaccessible: true})
		if err != nil {
			return err
		}
		if err := list.Lock(false); err != nil {
			return err
		}
		defer list.Unlock()

		backend, err := plat.Registry.Get(p.Target.Format)
		if err != nil {
			return err
		}
		h, err := backend.Open(ctx, p.Target.LocationFull, vdbackend.OpenNormal, deviceTypeFor(p.Target))
		if err != nil {
			return vderr.Backend("resize open failed", err)
		}
		defer func() { _ = backend.Close(ctx, h, false) }()

		if err := backend.Resize(ctx, h, p.NewSize, vdbackend.Geometry{}, vdbackend.Geometry{}, progress.AsBackendProgress()); err != nil {
			return vderr.Backend("resize failed", err)
		}
		p.Target.SetSize(p.NewSize, p.NewSize)
		e.Log.Info("resized medium", zap.String("id", p.Target.ID.String()), zap.Int64("newSize", p.NewSize))
		return nil
	}
	return t, nil
}
