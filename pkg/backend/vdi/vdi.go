// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vdi

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// Backend is the vdi image-format plugin: dynamic or fixed hard disks,
// with differencing-image parent linkage.
type Backend struct{}

func New() *Backend { return &Backend{} }

func (b *Backend) Name() string { return "vdi" }

func (b *Backend) Capabilities() vdbackend.Capabilities {
	return vdbackend.CapCreateFixed | vdbackend.CapCreateDynamic | vdbackend.CapDifferencing |
		vdbackend.CapFile | vdbackend.CapUuid | vdbackend.CapConfig | vdbackend.CapAsynchronous
}

func (b *Backend) FileExtensions() []string { return []string{"vdi"} }

func (b *Backend) ConfigKeys() []vdbackend.ConfigKeySpec {
	return []vdbackend.ConfigKeySpec{
		{Name: "BlockSize", Type: vdbackend.ConfigInt, Default: fmt.Sprintf("%d", defaultBlock), CreateOnly: true},
	}
}

func (b *Backend) Version() vdbackend.Version { return vdbackend.CurrentVersion }

type handle struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	header   Header
	bat      *bat
	readOnly bool
	openFlgs vdbackend.OpenFlags
}

func (h *handle) Backend() string { return "vdi" }

func (b *Backend) Probe(ctx context.Context, path string, desired vdbackend.DeviceType) (vdbackend.DeviceType, error) {
	f, err := os.Open(path)
	if err != nil {
		return vdbackend.DeviceUnknown, vderr.Backend("vdi probe open failed", err)
	}
	defer f.Close()
	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return vdbackend.DeviceUnknown, vderr.Backend("vdi probe read failed", err)
	}
	if [4]byte(buf) != Magic {
		return vdbackend.DeviceUnknown, fmt.Errorf("%w: not a vdi image", vderr.ErrNotSupported)
	}
	return vdbackend.DeviceHardDisk, nil
}

func (b *Backend) Open(ctx context.Context, path string, flags vdbackend.OpenFlags, deviceType vdbackend.DeviceType) (vdbackend.Handle, error) {
	osFlags := os.O_RDWR
	readOnly := flags&vdbackend.OpenReadOnly != 0
	if readOnly {
		osFlags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, osFlags, 0o600)
	if err != nil {
		return nil, vderr.Backend("vdi open failed for "+path, err)
	}
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, vderr.Backend("vdi header read failed", err)
	}
	var hdr Header
	if err := hdr.Unmarshal(buf); err != nil {
		f.Close()
		return nil, err
	}
	table, err := readBAT(f, hdr.BATOffset, hdr.BlockCount)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &handle{f: f, path: path, header: hdr, bat: table, readOnly: readOnly, openFlgs: flags}, nil
}

func (b *Backend) Create(ctx context.Context, path string, size int64, imageFlags vdbackend.ImageFlags, comment string, pchs, lchs vdbackend.Geometry, uuidStr string, flags vdbackend.OpenFlags, progress vdbackend.ProgressFn) (vdbackend.Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, vderr.Backend("vdi create failed for "+path, err)
	}

	blockCount := int32((size + defaultBlock - 1) / defaultBlock)
	batOffset := int64(headerSize)
	dataOffset := batOffset + int64(blockCount)*batEntrySize
	// round the data area start up to a block boundary.
	if rem := dataOffset % defaultBlock; rem != 0 {
		dataOffset += defaultBlock - rem
	}

	hdr := Header{
		Version:    1,
		ImageType:  uint32(imageFlags),
		DiskSize:   size,
		BlockSize:  defaultBlock,
		BlockCount: blockCount,
		BATOffset:  batOffset,
		DataOffset: dataOffset,
		UUID:       uuidBytes(uuidStr),
	}
	copy(hdr.Comment[:], comment)
	hdr.PCHSCylinders, hdr.PCHSHeads, hdr.PCHSSectors = pchs.Cylinders, pchs.Heads, pchs.Sectors
	hdr.LCHSCylinders, hdr.LCHSHeads, hdr.LCHSSectors = lchs.Cylinders, lchs.Heads, lchs.Sectors

	table := &bat{entries: make([]int64, blockCount)}
	for i := range table.entries {
		table.entries[i] = unallocatedBAT
	}

	if imageFlags&vdbackend.ImageFlagFixed != 0 {
		// a fixed image pre-allocates every block up front, same as
		// raw.Backend.Create's up-front Truncate.
		for i := range table.entries {
			table.entries[i] = dataOffset + int64(i)*defaultBlock
		}
		if err := f.Truncate(dataOffset + int64(blockCount)*defaultBlock); err != nil {
			f.Close()
			return nil, vderr.Backend("vdi preallocate failed", err)
		}
	} else {
		if err := f.Truncate(dataOffset); err != nil {
			f.Close()
			return nil, vderr.Backend("vdi truncate failed", err)
		}
	}

	if _, err := f.WriteAt(hdr.Marshal(), 0); err != nil {
		f.Close()
		return nil, vderr.Backend("vdi header write failed", err)
	}
	if err := table.flush(f, batOffset); err != nil {
		f.Close()
		return nil, err
	}
	if progress != nil {
		progress(100)
	}
	return &handle{f: f, path: path, header: hdr, bat: table}, nil
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
		return vderr.Backend("vdi close failed", err)
	}
	return nil
}

// Read returns a short read for any range the BAT has no block for, which
// vdisk.Disk.readInto treats as "fall through to the parent layer".
func (b *Backend) Read(ctx context.Context, h vdbackend.Handle, offset int64, p []byte) (int, error) {
	hh := h.(*handle)
	hh.mu.Lock()
	defer hh.mu.Unlock()

	idx := offset / int64(hh.header.BlockSize)
	if idx >= int64(len(hh.bat.entries)) || hh.bat.entries[idx] == unallocatedBAT {
		return 0, nil // unallocated: caller falls through to the parent layer
	}
	phys, _, err := hh.bat.blockFor(hh.f, &hh.header, offset, false)
	if err != nil {
		return 0, err
	}
	blockStart := idx * int64(hh.header.BlockSize)
	avail := int(blockStart + int64(hh.header.BlockSize) - offset)
	n := len(p)
	if n > avail {
		n = avail
	}
	read, err := hh.f.ReadAt(p[:n], phys)
	if err != nil && err != io.EOF {
		return read, vderr.Backend("vdi read failed", err)
	}
	// a short read at EOF means the allocated block's tail was never
	// written; the caller falls through to the parent layer for the rest.
	return read, nil
}

// BlockSize reports the image's allocation unit, letting the engine
// materialize whole blocks when writing partially into a differencing
// image.
func (b *Backend) BlockSize(h vdbackend.Handle) int64 {
	return int64(h.(*handle).header.BlockSize)
}

func (b *Backend) Write(ctx context.Context, h vdbackend.Handle, offset int64, p []byte, process vdbackend.WriteProcessFn, flags vdbackend.WriteFlags) (int, error) {
	hh := h.(*handle)
	hh.mu.Lock()
	defer hh.mu.Unlock()

	if process != nil {
		if err := process(offset, p); err != nil {
			return 0, err
		}
	}

	phys, allocated, err := hh.bat.blockFor(hh.f, &hh.header, offset, true)
	if err != nil {
		return 0, err
	}
	if allocated {
		if err := hh.bat.flush(hh.f, hh.header.BATOffset); err != nil {
			return 0, err
		}
	}
	blockStart := (offset / int64(hh.header.BlockSize)) * int64(hh.header.BlockSize)
	avail := int(blockStart + int64(hh.header.BlockSize) - offset)
	n := len(p)
	if n > avail {
		n = avail
	}
	written, err := hh.f.WriteAt(p[:n], phys)
	if err != nil {
		return written, vderr.Backend("vdi write failed", err)
	}
	return written, nil
}

func (b *Backend) Flush(ctx context.Context, h vdbackend.Handle) error {
	if err := h.(*handle).f.Sync(); err != nil {
		return vderr.Backend("vdi flush failed", err)
	}
	return nil
}

func (b *Backend) Discard(ctx context.Context, h vdbackend.Handle, offset, size int64, flags vdbackend.DiscardFlags) (int64, error) {
	hh := h.(*handle)
	hh.mu.Lock()
	defer hh.mu.Unlock()
	if offset%int64(hh.header.BlockSize) != 0 || size%int64(hh.header.BlockSize) != 0 {
		return 0, fmt.Errorf("%w: discard range must be block-aligned", vderr.ErrDiscardAlignmentNotMet)
	}
	start := int(offset / int64(hh.header.BlockSize))
	count := int(size / int64(hh.header.BlockSize))
	var discarded int64
	for i := start; i < start+count && i < len(hh.bat.entries); i++ {
		if hh.bat.entries[i] != unallocatedBAT {
			hh.bat.entries[i] = unallocatedBAT
			discarded += int64(hh.header.BlockSize)
		}
	}
	if err := hh.bat.flush(hh.f, hh.header.BATOffset); err != nil {
		return discarded, err
	}
	return discarded, nil
}

func (b *Backend) GetFileSize(ctx context.Context, h vdbackend.Handle) (int64, error) {
	hh := h.(*handle)
	info, err := hh.f.Stat()
	if err != nil {
		return 0, vderr.Backend("vdi stat failed", err)
	}
	return info.Size(), nil
}

func (b *Backend) GetPCHSGeometry(ctx context.Context, h vdbackend.Handle) (vdbackend.Geometry, error) {
	hdr := h.(*handle).header
	return vdbackend.Geometry{Cylinders: hdr.PCHSCylinders, Heads: hdr.PCHSHeads, Sectors: hdr.PCHSSectors}, nil
}

func (b *Backend) SetPCHSGeometry(ctx context.Context, h vdbackend.Handle, g vdbackend.Geometry) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.header.PCHSCylinders, hh.header.PCHSHeads, hh.header.PCHSSectors = g.Cylinders, g.Heads, g.Sectors
	hh.mu.Unlock()
	return hh.writeHeader()
}

func (b *Backend) GetLCHSGeometry(ctx context.Context, h vdbackend.Handle) (vdbackend.Geometry, error) {
	hdr := h.(*handle).header
	return vdbackend.Geometry{Cylinders: hdr.LCHSCylinders, Heads: hdr.LCHSHeads, Sectors: hdr.LCHSSectors}, nil
}

func (b *Backend) SetLCHSGeometry(ctx context.Context, h vdbackend.Handle, g vdbackend.Geometry) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.header.LCHSCylinders, hh.header.LCHSHeads, hh.header.LCHSSectors = g.Cylinders, g.Heads, g.Sectors
	hh.mu.Unlock()
	return hh.writeHeader()
}

func (b *Backend) QueryRegions(ctx context.Context, h vdbackend.Handle) (*vdbackend.RegionList, error) {
	return nil, fmt.Errorf("%w: vdi has no region metadata", vderr.ErrNotSupported)
}

func (b *Backend) GetImageFlags(ctx context.Context, h vdbackend.Handle) (vdbackend.ImageFlags, error) {
	return vdbackend.ImageFlags(h.(*handle).header.ImageType), nil
}

func (b *Backend) GetOpenFlags(ctx context.Context, h vdbackend.Handle) (vdbackend.OpenFlags, error) {
	return h.(*handle).openFlgs, nil
}

func (b *Backend) SetOpenFlags(ctx context.Context, h vdbackend.Handle, flags vdbackend.OpenFlags) error {
	h.(*handle).openFlgs = flags
	return nil
}

func (b *Backend) GetComment(ctx context.Context, h vdbackend.Handle) (string, error) {
	hdr := h.(*handle).header
	return stringFromBytes(hdr.Comment[:]), nil
}

func (b *Backend) SetComment(ctx context.Context, h vdbackend.Handle, comment string) error {
	hh := h.(*handle)
	hh.mu.Lock()
	var buf [commentSize]byte
	copy(buf[:], comment)
	hh.header.Comment = buf
	hh.mu.Unlock()
	return hh.writeHeader()
}

func (b *Backend) GetUuid(ctx context.Context, h vdbackend.Handle) (string, error) {
	return uuidString(h.(*handle).header.UUID), nil
}

func (b *Backend) SetUuid(ctx context.Context, h vdbackend.Handle, u string) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.header.UUID = uuidBytes(u)
	hh.mu.Unlock()
	return hh.writeHeader()
}

func (b *Backend) GetModificationUuid(ctx context.Context, h vdbackend.Handle) (string, error) {
	return uuidString(h.(*handle).header.ModUUID), nil
}

func (b *Backend) SetModificationUuid(ctx context.Context, h vdbackend.Handle, u string) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.header.ModUUID = uuidBytes(u)
	hh.mu.Unlock()
	return hh.writeHeader()
}

func (b *Backend) GetParentUuid(ctx context.Context, h vdbackend.Handle) (string, error) {
	return uuidString(h.(*handle).header.ParentUUID), nil
}

func (b *Backend) SetParentUuid(ctx context.Context, h vdbackend.Handle, u string) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.header.ParentUUID = uuidBytes(u)
	hh.mu.Unlock()
	return hh.writeHeader()
}

func (b *Backend) GetParentModificationUuid(ctx context.Context, h vdbackend.Handle) (string, error) {
	return uuidString(h.(*handle).header.ParentModUUID), nil
}

func (b *Backend) SetParentModificationUuid(ctx context.Context, h vdbackend.Handle, u string) error {
	hh := h.(*handle)
	hh.mu.Lock()
	hh.header.ParentModUUID = uuidBytes(u)
	hh.mu.Unlock()
	return hh.writeHeader()
}

// GetParentFilename/SetParentFilename: vdi locates its parent purely by
// UUID, so the filename is a caller-side convenience with nothing to
// persist.
func (b *Backend) GetParentFilename(ctx context.Context, h vdbackend.Handle) (string, error) {
	return "", nil
}

func (b *Backend) SetParentFilename(ctx context.Context, h vdbackend.Handle, filename string) error {
	return nil
}

func (b *Backend) Compact(ctx context.Context, h vdbackend.Handle, progress vdbackend.ProgressFn) error {
	return fmt.Errorf("%w: vdi compact is not yet implemented", vderr.ErrNotImplemented)
}

func (b *Backend) Resize(ctx context.Context, h vdbackend.Handle, newSize int64, pchs, lchs vdbackend.Geometry, progress vdbackend.ProgressFn) error {
	hh := h.(*handle)
	hh.mu.Lock()
	defer hh.mu.Unlock()
	if newSize < hh.header.DiskSize {
		return fmt.Errorf("%w: vdi resize cannot shrink", vderr.ErrShrinkNotSupported)
	}

	newBlockCount := int32((newSize + int64(hh.header.BlockSize) - 1) / int64(hh.header.BlockSize))
	if newBlockCount > hh.header.BlockCount {
		grown := make([]int64, newBlockCount)
		copy(grown, hh.bat.entries)
		for i := int(hh.header.BlockCount); i < int(newBlockCount); i++ {
			grown[i] = unallocatedBAT
		}
		hh.bat.entries = grown
		hh.header.BlockCount = newBlockCount
		if err := hh.bat.flush(hh.f, hh.header.BATOffset); err != nil {
			return err
		}
	}

	hh.header.DiskSize = newSize
	hh.header.PCHSCylinders, hh.header.PCHSHeads, hh.header.PCHSSectors = pchs.Cylinders, pchs.Heads, pchs.Sectors
	hh.header.LCHSCylinders, hh.header.LCHSHeads, hh.header.LCHSSectors = lchs.Cylinders, lchs.Heads, lchs.Sectors
	if _, err := hh.f.WriteAt(hh.header.Marshal(), 0); err != nil {
		return vderr.Backend("vdi resize header write failed", err)
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

func (b *Backend) Repair(ctx context.Context, path string, flags uint32) error {
	return fmt.Errorf("%w: vdi repair is not yet implemented", vderr.ErrNotImplemented)
}

func (b *Backend) TraverseMetadata(ctx context.Context, h vdbackend.Handle, flags vdbackend.TraverseFlags) error {
	return fmt.Errorf("%w: vdi carries no block metadata to traverse", vderr.ErrNotSupported)
}

func (hh *handle) writeHeader() error {
	hh.mu.Lock()
	defer hh.mu.Unlock()
	if _, err := hh.f.WriteAt(hh.header.Marshal(), 0); err != nil {
		return vderr.Backend("vdi header write failed", err)
	}
	return nil
}

func stringFromBytes(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

var _ vdbackend.Backend = (*Backend)(nil)
