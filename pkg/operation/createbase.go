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
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// CreateBaseParams configures a CreateBase task.
type CreateBaseParams struct {
	Format     string
	Path       string
	Size       int64
	Variant    medium.Variant
	DeviceType medium.DeviceType
	Comment    string
	// ID, if non-nil, pins the new medium's id instead of generating one.
	ID *uuid.UUID
}

// CreateBase builds a Task that creates a brand-new base image and, on
// success, registers it in the tree. On failure the medium remains
// NotCreated and its tentative id is simply discarded.
func (e *Engine) CreateBase(plat *platform.Platform, p CreateBaseParams) (*Task, *medium.Medium, error) {
	backend, err := plat.Registry.Get(p.Format)
	if err != nil {
		return nil, nil, err
	}

	requiredCap := vdbackend.CapCreateFixed
	if p.Variant.Has(medium.VariantDynamic) {
		requiredCap = vdbackend.CapCreateDynamic
	}
	if !backend.Capabilities().Has(requiredCap) {
		return nil, nil, fmt.Errorf("%w: backend %q cannot create the requested variant", vderr.ErrNotSupported, p.Format)
	}

	id := uuid.New()
	if p.ID != nil {
		id = *p.ID
	}

	m := medium.New(id, p.DeviceType, p.Format)
	m.LocationFull = p.Path
	m.Variant = p.Variant
	m.Size = p.Size
	m.LogicalSize = p.Size
	if err := m.CreateBegin(); err != nil {
		return nil, nil, err
	}

	imageFlags := vdbackend.ImageFlagNone
	if p.Variant.Has(medium.VariantFixed) {
		imageFlags |= vdbackend.ImageFlagFixed
	}

	progress := NewProgress("create base image")
	t := &Task{
		Name:     "CreateBase",
		Medium:   m,
		Platform: plat,
		Progress: progress,
		Log:      e.Log,
	}
	t.execute = func(ctx context.Context) error {
		h, err := backend.Create(ctx, p.Path, p.Size, imageFlags, p.Comment,
			vdbackend.Geometry{}, vdbackend.Geometry{}, m.ID.String(), vdbackend.OpenNormal, progress.AsBackendProgress())
		if err != nil {
			_ = m.CreateFail()
			return vderr.Backend("failed to create base image "+p.Path, err)
		}
		defer func() { _ = backend.Close(ctx, h, false) }()

		if _, err := e.Tree.RegisterMedium(m); err != nil {
			_ = m.CreateFail()
			return err
		}
		if err := m.CreateSucceed(); err != nil {
			return err
		}
		e.Log.Info("created base image", zap.String("id", m.ID.String()), zap.String("path", p.Path))
		return nil
	}
	return t, m, nil
}
