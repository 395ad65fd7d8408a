// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package raw implements the simplest vdbackend.Backend: a flat file
// holding nothing but sector data -- no header, no parent linkage, no
// stored uuid. Because there is nowhere in the file to persist metadata,
// every Get/Set<Property> pair here is purely an in-memory annotation that
// lives only as long as the handle is open; a fresh Open starts from zeros.
package raw

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// Backend is the raw-file image format plugin. It has no state of its own;
// every open image's state lives in its handle.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "raw" }

func (b *Backend) Capabilities() vdbackend.Capabilities {
	return vdbackend.CapCreateFixed | vdbackend.CapFile | vdbackend.CapAsynchronous
}

func (b *Backend) FileExtensions() []string { return []string{"raw", "img", "dd"} }

func (b *Backend) ConfigKeys() []vdbackend.ConfigKeySpec { return nil }

func (b *Backend) Version() vdbackend.Version { return vdbackend.CurrentVersion }

// handle is raw's open-image state: a single os.File plus the in-memory
// metadata fields the format itself has no room to store.
type handle struct {
	mu   sync.Mutex
	f    *os.File
	path string

	pchs, lchs             vdbackend.Geometry
	comment                string
	uuid, modUuid          string
	parentUuid, parentModU string
	parentFilename         string
	openFlags              vdbackend.OpenFlags
}

func (h *handle) Backend() string { return "raw" }

// Probe accepts any regular file as a hard disk image -- raw has no magic
// bytes to check, so it is the catch-all format and should be registered
// last so more specific backends get first refusal.
func (b *Backend) Probe(ctx context.Context, path string, desired vdbackend.DeviceType) (vdbackend.DeviceType, error) {
	info, err := os.Stat(path)
	if err != nil {
		return vdbackend.DeviceUnknown, vderr.Backend("raw probe stat failed", err)
	}
	if info.IsDir() {
		return vdbackend.DeviceUnknown, fmt.Errorf("%w: %s is a directory", vderr.ErrNotSupported, path)
	}
	if desired != vdbackend.DeviceUnknown && desired != vdbackend.DeviceHardDisk {
		return vdbackend.DeviceUnknown, fmt.Errorf("%w: raw only models hard disks", vderr.ErrNotSupported)
	}
	return vdbackend.DeviceHardDisk, nil
}

func (b *Backend) Open(ctx context.Context, path string, flags vdbackend.OpenFlags, deviceType vdbackend.DeviceType) (vdbackend.Handle, error) {
	osFlags := os.O_RDWR
	if flags&vdbackend.OpenReadOnly != 0 {
		osFlags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, osFlags, 0o600)
	if err != nil {
		return nil, vderr.Backend("raw open failed for "+path, err)
	}
	return &handle{f: f, path: path, openFlags: flags}, nil
}

func (b *Backend) Create(ctx context.Context, path string, size int64, imageFlags vdbackend.ImageFlags, comment string, pchs, lchs vdbackend.Geometry, uuidStr string, flags vdbackend.OpenFlags, progress vdbackend.ProgressFn) (vdbackend.Handle, error) {
	if imageFlags&vdbackend.ImageFlagDiff != 0 {
		return nil, fmt.Errorf("%w: raw does not support differencing images", vderr.ErrNotSupported)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, vderr.Backend("raw create failed for "+path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, vderr.Backend("raw truncate failed", err)
	}
	if progress != nil {
		progress(100)
	}
	return &handle{
		f:       f,
		path:    path,
		comment: comment,
		uuid:    uuidStr,
		pchs:    pchs,
		lchs:    lchs,
	}, nil
}

func (b *Backend) Close(ctx context.Context, h vdbackend.Handle, del bool) error {
	hh := h.(*handle)
	hh.mu.Lock()
	defer hh.mu.Unlock()
	path := hh.path
	err := hh.f.Close()
	if del {
		if rmErr := os.Remove(path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	if err != nil {
		return vderr.Backend("raw close failed", err)
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, h vdbackend.Handle, offset int64, p []byte) (int, error) {
	hh := h.(*handle)
	n, err := hh.f.ReadAt(p, offset)
	if err != nil && err != io.EOF {
		return n, vderr.Backend("raw read failed", err)
	}
	for i := n; i < len(p); i++ {
		p[i] = 0 // reading past EOF zero-fills, matching a sparse backing file
	}
	return len(p), nil
}

func (b *Backend) Write(ctx context.Context, h vdbackend.Handle, offset int64, p []byte, process vdbackend.WriteProcessFn, flags vdbackend.WriteFlags) (int, error) {
	hh := h.(*handle)
	if process != nil {
		if err := process(offset, p); err != nil {
			return 0, err
		}
	}
	n, err := hh.f.WriteAt(p, offset)
	if err != nil {
		return n, vderr.Backend("raw write failed", err)
	}
	return n, nil
}

func (b *Backend) Flush(ctx context.Context, h vdbackend.Handle) error {
	if err := h.(*handle).f.Sync(); err != nil {
		return vderr.Backend("raw flush failed", err)
	}
	return nil
}

func (b *Backend) Discard(ctx context.Context, h vdbackend.Handle, offset, size int64, flags vdbackend.DiscardFlags) (int64, error) {
	return 0, fmt.Errorf("%w: raw does not support discard", vderr.ErrNotSupported)
}

func (b *Backend) GetFileSize(ctx context.Context, h vdbackend.Handle) (int64, error) {
	hh := h.(*handle)
	info, err := hh.f.Stat()
	if err != nil {
		return 0, vderr.Backend("raw stat failed", err)
	}
	return info.Size(), nil
}

func (b *Backend) GetPCHSGeometry(ctx context.Context, h vdbackend.Handle) (vdbackend.Geometry, error) {
	return h.(*handle).pchs, nil
}

func (b *Backend) SetPCHSGeometry(ctx context.Context, h vdbackend.Handle, g vdbackend.Geometry) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.pchs = g
	hh.mu.Unlock()
	return nil
}

func (b *Backend) GetLCHSGeometry(ctx context.Context, h vdbackend.Handle) (vdbackend.Geometry, error) {
	return h.(*handle).lchs, nil
}

func (b *Backend) SetLCHSGeometry(ctx context.Context, h vdbackend.Handle, g vdbackend.Geometry) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.lchs = g
	hh.mu.Unlock()
	return nil
}

func (b *Backend) QueryRegions(ctx context.Context, h vdbackend.Handle) (*vdbackend.RegionList, error) {
	return nil, fmt.Errorf("%w: raw has no region metadata", vderr.ErrNotSupported)
}

func (b *Backend) GetImageFlags(ctx context.Context, h vdbackend.Handle) (vdbackend.ImageFlags, error) {
	return vdbackend.ImageFlagFixed, nil
}

func (b *Backend) GetOpenFlags(ctx context.Context, h vdbackend.Handle) (vdbackend.OpenFlags, error) {
	return h.(*handle).openFlags, nil
}

func (b *Backend) SetOpenFlags(ctx context.Context, h vdbackend.Handle, flags vdbackend.OpenFlags) error {
	h.(*handle).openFlags = flags
	return nil
}

func (b *Backend) GetComment(ctx context.Context, h vdbackend.Handle) (string, error) {
	return h.(*handle).comment, nil
}

func (b *Backend) SetComment(ctx context.Context, h vdbackend.Handle, comment string) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.comment = comment
	hh.mu.Unlock()
	return nil
}

func (b *Backend) GetUuid(ctx context.Context, h vdbackend.Handle) (string, error) {
	return h.(*handle).uuid, nil
}

func (b *Backend) SetUuid(ctx context.Context, h vdbackend.Handle, uuid string) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.uuid = uuid
	hh.mu.Unlock()
	return nil
}

func (b *Backend) GetModificationUuid(ctx context.Context, h vdbackend.Handle) (string, error) {
	return h.(*handle).modUuid, nil
}

func (b *Backend) SetModificationUuid(ctx context.Context, h vdbackend.Handle, uuid string) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.modUuid = uuid
	hh.mu.Unlock()
	return nil
}

func (b *Backend) GetParentUuid(ctx context.Context, h vdbackend.Handle) (string, error) {
	return h.(*handle).parentUuid, nil
}

func (b *Backend) SetParentUuid(ctx context.Context, h vdbackend.Handle, uuid string) error {
	return fmt.Errorf("%w: raw does not support parent linkage", vderr.ErrNotSupported)
}

func (b *Backend) GetParentModificationUuid(ctx context.Context, h vdbackend.Handle) (string, error) {
	return h.(*handle).parentModU, nil
}

func (b *Backend) SetParentModificationUuid(ctx context.Context, h vdbackend.Handle, uuid string) error {
	return fmt.Errorf("%w: raw does not support parent linkage", vderr.ErrNotSupported)
}

func (b *Backend) GetParentFilename(ctx context.Context, h vdbackend.Handle) (string, error) {
	return h.(*handle).parentFilename, nil
}

func (b *Backend) SetParentFilename(ctx context.Context, h vdbackend.Handle, filename string) error {
	return fmt.Errorf("%w: raw does not support parent linkage", vderr.ErrNotSupported)
}

func (b *Backend) Compact(ctx context.Context, h vdbackend.Handle, progress vdbackend.ProgressFn) error {
	return fmt.Errorf("%w: raw is always fully allocated", vderr.ErrNotSupported)
}

func (b *Backend) Resize(ctx context.Context, h vdbackend.Handle, newSize int64, pchs, lchs vdbackend.Geometry, progress vdbackend.ProgressFn) error {
	hh := h.(*handle)
	hh.mu.Lock()
	defer hh.mu.Unlock()
	if err := hh.f.Truncate(newSize); err != nil {
		return vderr.Backend("raw resize failed", err)
	}
	hh.pchs, hh.lchs = pchs, lchs
	if progress != nil {
		progress(100)
	}
	return nil
}

// Repair is a no-op: a raw file has no structural metadata that can go
// inconsistent.
func (b *Backend) Repair(ctx context.Context, path string, flags uint32) error {
	return nil
}

func (b *Backend) TraverseMetadata(ctx context.Context, h vdbackend.Handle, flags vdbackend.TraverseFlags) error {
	return fmt.Errorf("%w: raw carries no block metadata to traverse", vderr.ErrNotSupported)
}

var _ vdbackend.Backend = (*Backend)(nil)
