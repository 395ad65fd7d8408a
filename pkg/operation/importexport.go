// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
	"github.com/virtdisk/vdcore/pkg/vdisk"
	"github.com/virtdisk/vdcore/pkg/vfsstream"
)

// ImportParams configures an Import task.
type ImportParams struct {
	Format     string
	Path       string
	DeviceType medium.DeviceType
	Stream     vfsstream.Stream
	// Size hints the target's preallocated size; backends that can't
	// preallocate just ignore it and grow as bytes arrive.
	Size int64
}

// Import builds a Task that copies Stream's content into a fresh target
// image.
func (e *Engine) Import(plat *platform.Platform, p ImportParams) (*Task, *medium.Medium, error) {
	backend, err := plat.Registry.Get(p.Format)
	if err != nil {
		return nil, nil, err
	}

	target := medium.New(uuid.New(), p.DeviceType, p.Format)
	target.LocationFull = p.Path
	if err := target.CreateBegin(); err != nil {
		return nil, nil, err
	}

	progress := NewProgress("import medium")
	t := &Task{Name: "Import", Medium: target, Platform: plat, Progress: progress, Log: e.Log}
	t.execute = func(ctx context.Context) error {
		defer func() { _ = p.Stream.Close() }()

		h, err := backend.Create(ctx, p.Path, p.Size, vdbackend.ImageFlagNone, "",
			vdbackend.Geometry{}, vdbackend.Geometry{}, target.ID.String(), vdbackend.OpenNormal, progress.AsBackendProgress())
		if err != nil {
			_ = target.CreateFail()
			return vderr.Backend("failed to create import target "+p.Path, err)
		}
		defer func() { _ = backend.Close(ctx, h, false) }()

		disk, err := vdisk.Open([]vdisk.Layer{{Backend: backend, Handle: h}}, nil)
		if err != nil {
			_ = target.CreateFail()
			return err
		}

		written, err := copyStreamToDisk(ctx, disk, p.Stream)
		if err != nil {
			_ = target.CreateFail()
			return err
		}
		target.SetSize(written, written)

		if _, err := e.Tree.RegisterMedium(target); err != nil {
			_ = target.CreateFail()
			return err
		}
		if err := target.CreateSucceed(); err != nil {
			return err
		}
		e.Log.Info("imported medium", zap.String("id", target.ID.String()), zap.Int64("bytes", written))
		return nil
	}
	return t, target, nil
}

// ExportParams configures an Export task.
type ExportParams struct {
	Source *medium.Medium
	Stream vfsstream.Stream
}

// Export builds a Task that copies Source's full chain content into
// Stream, the inverse of Import.
func (e *Engine) Export(plat *platform.Platform, p ExportParams) (*Task, error) {
	progress := NewProgress("export medium")
	t := &Task{Name: "Export", Medium: p.Source, Platform: plat, Progress: progress, Log: e.Log}
	t.execute = func(ctx context.Context) error {
		defer func() { _ = p.Stream.Close() }()

		list, err := locklist.Build(ctx, e.Tree, p.Source, e.QueryInfo, locklist.BuildOptions{FailIfInaccessible: true})
		if err != nil {
			return err
		}
		if err := list.Lock(false); err != nil {
			return err
		}
		defer list.Unlock()

		layers, closeAll, err := openChainLayers(ctx, plat.Registry, list, vdbackend.OpenReadOnly)
		if err != nil {
			return err
		}
		defer closeAll()

		disk, err := vdisk.Open(layers, nil)
		if err != nil {
			return err
		}

		size, _ := p.Source.SizeAndLogicalSize()
		if err := copyDiskToStream(ctx, p.Stream, disk, size, progress); err != nil {
			return err
		}
		e.Log.Info("exported medium", zap.String("id", p.Source.ID.String()), zap.Int64("bytes", size))
		return nil
	}
	return t, nil
}

// copyStreamToDisk drains src into dst starting at offset 0, returning the
// total bytes written (the final logical size for a freshly imported
// target, whose length isn't known up front).
func copyStreamToDisk(ctx context.Context, dst *vdisk.Disk, src vfsstream.Stream) (int64, error) {
	buf := make([]byte, vdisk.MaxSingleRead)
	var off int64
	for {
		n, err := src.Read(ctx, buf)
		if n > 0 {
			if _, werr := dst.Write(ctx, off, buf[:n], 0); werr != nil {
				return off, werr
			}
			off += int64(n)
		}
		if err == io.EOF {
			return off, nil
		}
		if err != nil {
			return off, err
		}
	}
}

// copyDiskToStream copies size bytes of src's chain content into dst.
func copyDiskToStream(ctx context.Context, dst vfsstream.Stream, src *vdisk.Disk, size int64, progress *Progress) error {
	buf := make([]byte, vdisk.MaxSingleRead)
	var off int64
	for off < size {
		n := len(buf)
		if remaining := size - off; remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := src.Read(ctx, off, buf[:n]); err != nil {
			return err
		}
		if _, err := dst.Write(ctx, buf[:n]); err != nil {
			return err
		}
		off += int64(n)

		if progress != nil {
			if size > 0 {
				progress.UpdateProgress(int(off * 100 / size))
			}
			if progress.IsCanceled() {
				return fmt.Errorf("%w: export canceled", vderr.ErrGeneric)
			}
		}
	}
	return nil
}
