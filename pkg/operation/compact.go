// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"

	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// Compact builds a Task that punches holes for unused blocks in Target's
// leaf image.
func (e *Engine) Compact(plat *platform.Platform, target *medium.Medium) (*Task, error) {
	progress := NewProgress("compact medium")
	t := &Task{Name: "Compact", Medium: target, Platform: plat, Progress: progress, Log: e.Log}
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

		backend, err := plat.Registry.Get(target.Format)
		if err != nil {
			return err
		}
		h, err := backend.Open(ctx, target.LocationFull, vdbackend.OpenNormal, deviceTypeFor(target))
		if err != nil {
			return vderr.Backend("compact open failed", err)
		}
		defer func() { _ = backend.Close(ctx, h, false) }()

		if err := backend.Compact(ctx, h, progress.AsBackendProgress()); err != nil {
			return vderr.Backend("compact failed", err)
		}
		e.Log.Info("compacted medium", zap.String("id", target.ID.String()))
		return nil
	}
	return t, nil
}
