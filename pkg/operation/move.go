// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// MoveParams configures a Move task.
type MoveParams struct {
	Target  *medium.Medium
	NewPath string
}

// Move builds a Task that renames a file-backed medium in place; only
// File-capable backends can move this way.
func (e *Engine) Move(plat *platform.Platform, p MoveParams) (*Task, error) {
	backend, err := plat.Registry.Get(p.Target.Format)
	if err != nil {
		return nil, err
	}
	if !backend.Capabilities().Has(vdbackend.CapFile) {
		return nil, fmt.Errorf("%w: backend %q is not file-backed, cannot move in place", vderr.ErrNotSupported, p.Target.Format)
	}

	progress := NewProgress("move medium")
	t := &Task{Name: "Move", Medium: p.Target, Platform: plat, Progress: progress, Log: e.Log}
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

		oldPath := p.Target.LocationFull
		if err := os.Rename(oldPath, p.NewPath); err != nil {
			return vderr.Backend("failed to move "+oldPath+" to "+p.NewPath, err)
		}
		// reindex before the medium forgets its old path
		e.Tree.RenameLocation(p.Target, p.NewPath)
		p.Target.LocationFull = p.NewPath
		e.Log.Info("moved medium", zap.String("id", p.Target.ID.String()), zap.String("from", oldPath), zap.String("to", p.NewPath))
		return nil
	}
	return t, nil
}
