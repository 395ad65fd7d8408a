// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
	"github.com/virtdisk/vdcore/pkg/vdisk"
)

// CloneParams configures a Clone task; setting NewSize to something other
// than the source's current logical size makes this a resize-and-clone.
type CloneParams struct {
	Source       *medium.Medium
	TargetFormat string
	TargetPath   string
	TargetParent *medium.Medium // nil clones to a fresh base
	Variant      medium.Variant
	NewSize      int64 // 0 keeps the source's current logical size
}

// Clone builds a Task that copies Source's full chain content into a new
// target image, optionally resizing and optionally parenting the target
// under TargetParent.
func (e *Engine) Clone(plat *platform.Platform, p CloneParams) (*Task, *medium.Medium, error) {
	backend, err := plat.Registry.Get(p.TargetFormat)
	if err != nil {
		return nil, nil, err
	}

	target := medium.New(uuid.New(), p.Source.DeviceType, p.TargetFormat)
	target.LocationFull = p.TargetPath
	target.Variant = p.Variant
	if err := target.CreateBegin(); err != nil {
		return nil, nil, err
	}

	size, _ := p.Source.SizeAndLogicalSize()
	if p.NewSize != 0 {
		size = p.NewSize
	}
	target.Size = size
	target.LogicalSize = size

	progress := NewProgress("clone medium")
	t := &Task{
		Name:     "Clone",
		Medium:   target,
		Platform: plat,
		Progress: progress,
		Log:      e.Log,
	}
	t.execute = func(ctx context.Context) error {
		sourceList, err := locklist.Build(ctx, e.Tree, p.Source, e.QueryInfo, locklist.BuildOptions{FailIfInaccessible: true})
		if err != nil {
			_ = target.CreateFail()
			return err
		}
		if err := sourceList.Lock(false); err != nil {
			_ = target.CreateFail()
			return err
		}
		defer sourceList.Unlock()

		if p.TargetParent != nil {
			targetList, err := locklist.Build(ctx, e.Tree, p.TargetParent, e.QueryInfo,
				locklist.BuildOptions{LockWriteTarget: p.TargetParent, FailIfInaccessible: true})
			if err != nil {
				_ = target.CreateFail()
				return err
			}
			if err := targetList.Lock(false); err != nil {
				_ = target.CreateFail()
				return err
			}
			defer targetList.Unlock()
		}

		srcLayers, closeSrc, err := openChainLayers(ctx, plat.Registry, sourceList, vdbackend.OpenNormal)
		if err != nil {
			_ = target.CreateFail()
			return err
		}
		defer closeSrc()
		srcDisk, err := vdisk.Open(srcLayers, nil)
		if err != nil {
			_ = target.CreateFail()
			return err
		}

		imageFlags := vdbackend.ImageFlagNone
		switch {
		case p.TargetParent != nil:
			imageFlags = vdbackend.ImageFlagDiff
		case p.Variant.Has(medium.VariantFixed):
			imageFlags = vdbackend.ImageFlagFixed
		}
		h, err := backend.Create(ctx, p.TargetPath, size, imageFlags, "",
			vdbackend.Geometry{}, vdbackend.Geometry{}, target.ID.String(), vdbackend.OpenNormal, progress.AsBackendProgress())
		if err != nil {
			_ = target.CreateFail()
			return vderr.Backend("failed to create clone target "+p.TargetPath, err)
		}
		defer func() { _ = backend.Close(ctx, h, false) }()

		if p.TargetParent != nil {
			if err := backend.SetParentUuid(ctx, h, p.TargetParent.ID.String()); err != nil {
				_ = target.CreateFail()
				return vderr.Backend("failed to set clone parent uuid", err)
			}
		}

		targetDisk, err := vdisk.Open([]vdisk.Layer{{Backend: backend, Handle: h}}, nil)
		if err != nil {
			_ = target.CreateFail()
			return err
		}

		if err := copyDiskRange(ctx, targetDisk, srcDisk, size, progress); err != nil {
			_ = target.CreateFail()
			return err
		}

		if base := chainBase(sourceList); base != nil {
			for _, key := range []string{"CRYPT/KeyStore", "CRYPT/KeyId", "CRYPT/Algorithm"} {
				if v, ok := base.Property(key); ok {
					target.SetProperty(key, v)
				}
			}
		}

		if p.TargetParent != nil {
			target.ParentID = p.TargetParent.ID
		}
		if _, err := e.Tree.RegisterMedium(target); err != nil {
			_ = target.CreateFail()
			return err
		}
		if err := target.CreateSucceed(); err != nil {
			return err
		}
		e.Log.Info("cloned medium", zap.String("source", p.Source.ID.String()), zap.String("target", target.ID.String()))
		return nil
	}
	return t, target, nil
}
