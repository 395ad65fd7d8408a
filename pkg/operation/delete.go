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

// Delete builds a Task that closes Target's storage with delete=true and
// unregisters it. The medium is marked Deleting immediately so concurrent
// callers see its true intent; a failure reverts it back to Created.
func (e *Engine) Delete(plat *platform.Platform, target *medium.Medium) (*Task, error) {
	if err := target.MarkForDeletion(); err != nil {
		return nil, err
	}

	progress := NewProgress("delete medium")
	t := &Task{Name: "Delete", Medium: target, Platform: plat, Progress: progress, Log: e.Log}
	t.execute = func(ctx context.Context) error {
		list, err := locklist.Build(ctx, e.Tree, target, e.QueryInfo,
			locklist.BuildOptions{LockAllWrite: true, FailIfInaccessible: true})
		if err != nil {
			_ = target.UnmarkForDeletion()
			return err
		}
		if err := list.Lock(false); err != nil {
			_ = target.UnmarkForDeletion()
			return err
		}
		defer list.Unlock()

		backend, err := plat.Registry.Get(target.Format)
		if err != nil {
			_ = target.UnmarkForDeletion()
			return err
		}
		h, err := backend.Open(ctx, target.LocationFull, vdbackend.OpenNormal, deviceTypeFor(target))
		if err != nil {
			_ = target.UnmarkForDeletion()
			return vderr.Backend("delete open failed", err)
		}
		if err := backend.Close(ctx, h, true); err != nil {
			_ = target.UnmarkForDeletion()
			return vderr.Backend("delete failed", err)
		}

		// Release the chain locks before uninit: unlocking restores the
		// target to Deleting, the state CloseStorage retires it from. The
		// deferred Unlock above then has nothing left to release.
		list.Unlock()

		if err := e.Tree.UnregisterMedium(target); err != nil {
			return err
		}
		if err := target.CloseStorage(); err != nil {
			return err
		}
		e.Log.Info("deleted medium", zap.String("id", target.ID.String()))
		return nil
	}
	return t, nil
}
