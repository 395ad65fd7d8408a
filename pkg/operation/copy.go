// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"
	"fmt"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
	"github.com/virtdisk/vdcore/pkg/vdisk"
	"github.com/virtdisk/vdcore/pkg/vdregistry"
)

// copyDiskRange linearly copies size bytes from src into dst in
// vdisk.MaxSingleRead chunks, the engine-level copy primitive under Clone
// (Import and Export use their own stream copies, Move renames the file):
// a cross-chain copy naturally lives above the single-image backend
// vtable, not inside it.
func copyDiskRange(ctx context.Context, dst, src *vdisk.Disk, size int64, progress *Progress) error {
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
		if _, err := dst.Write(ctx, off, buf[:n], 0); err != nil {
			return err
		}
		off += int64(n)

		if progress != nil {
			if size > 0 {
				progress.UpdateProgress(int(off * 100 / size))
			}
			if progress.IsCanceled() {
				return fmt.Errorf("%w: copy canceled", vderr.ErrGeneric)
			}
		}
	}
	return nil
}

// openChainLayers opens every medium in list (root-to-leaf order) through
// its registered backend and returns the layers in vdisk's leaf-first
// order, plus a closer that closes every opened handle in reverse.
func openChainLayers(ctx context.Context, registry *vdregistry.Registry, list *locklist.List, extraFlags vdbackend.OpenFlags) ([]vdisk.Layer, func(), error) {
	entries := list.Entries()
	opened := make([]vdisk.Layer, 0, len(entries))
	closeAll := func() {
		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i].Backend.Close(ctx, opened[i].Handle, false)
		}
	}

	for _, en := range entries {
		backend, err := registry.Get(en.Medium.Format)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		flags := extraFlags
		if en.Intent == locklist.Read {
			flags |= vdbackend.OpenReadOnly
		}
		h, err := backend.Open(ctx, en.Medium.LocationFull, flags, deviceTypeFor(en.Medium))
		if err != nil {
			closeAll()
			return nil, nil, vderr.Backend("failed to open "+en.Medium.LocationFull, err)
		}
		opened = append(opened, vdisk.Layer{Backend: backend, Handle: h})
	}

	for i, j := 0, len(opened)-1; i < j; i, j = i+1, j-1 {
		opened[i], opened[j] = opened[j], opened[i]
	}
	return opened, closeAll, nil
}

// chainBase returns the root (base) medium of a root-to-leaf ordered lock list.
func chainBase(list *locklist.List) *medium.Medium {
	entries := list.Entries()
	if len(entries) == 0 {
		return nil
	}
	return entries[0].Medium
}

func deviceTypeFor(m *medium.Medium) vdbackend.DeviceType {
	switch m.DeviceType {
	case medium.DVD:
		return vdbackend.DeviceDVD
	case medium.Floppy:
		return vdbackend.DeviceFloppy
	default:
		return vdbackend.DeviceHardDisk
	}
}
