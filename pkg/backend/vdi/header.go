// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vdi implements a dynamic/differencing image-format backend: a
// fixed header, a flat table mapping logical blocks to physical offsets
// (no two-level lookup, unlike qcow2), and a data area of fixed-size
// blocks allocated on first write.
package vdi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/virtdisk/vdcore/internal/vderr"
)

// Magic identifies a vdi image.
var Magic = [4]byte{0x56, 0x44, 0x49, 0xfb}

const (
	headerSize    = 512
	commentSize   = 256
	defaultBlock  = 1 << 20 // 1 MiB blocks
	batEntrySize  = 8       // int64 offset per BAT entry, -1 == unallocated
	unallocatedBAT int64    = -1
)

// Header is vdi's fixed on-disk header: version/size/geometry fields
// followed by the offsets needed to locate the BAT and the data area.
type Header struct {
	Version       uint32
	ImageType     uint32 // bitmask mirroring vdbackend.ImageFlags
	DiskSize      int64
	BlockSize     int32
	BlockCount    int32
	BATOffset     int64
	DataOffset    int64
	PCHSCylinders uint32
	PCHSHeads     uint32
	PCHSSectors   uint32
	LCHSCylinders uint32
	LCHSHeads     uint32
	LCHSSectors   uint32
	UUID          [16]byte
	ParentUUID    [16]byte
	ModUUID       [16]byte
	ParentModUUID [16]byte
	Comment       [commentSize]byte
}

// Marshal encodes h into a headerSize-byte buffer, magic first.
func (h *Header) Marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.ImageType)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.DiskSize))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.BlockSize))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.BlockCount))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(h.BATOffset))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(h.DataOffset))
	binary.LittleEndian.PutUint32(buf[44:48], h.PCHSCylinders)
	binary.LittleEndian.PutUint32(buf[48:52], h.PCHSHeads)
	binary.LittleEndian.PutUint32(buf[52:56], h.PCHSSectors)
	binary.LittleEndian.PutUint32(buf[56:60], h.LCHSCylinders)
	binary.LittleEndian.PutUint32(buf[60:64], h.LCHSHeads)
	binary.LittleEndian.PutUint32(buf[64:68], h.LCHSSectors)
	copy(buf[68:84], h.UUID[:])
	copy(buf[84:100], h.ParentUUID[:])
	copy(buf[100:116], h.ModUUID[:])
	copy(buf[116:132], h.ParentModUUID[:])
	copy(buf[132:132+commentSize], h.Comment[:])
	return buf
}

// Unmarshal decodes a headerSize-byte buffer produced by Marshal,
// rejecting anything not carrying Magic.
func (h *Header) Unmarshal(buf []byte) error {
	if len(buf) < headerSize {
		return fmt.Errorf("%w: vdi header truncated", vderr.ErrFileError)
	}
	if [4]byte(buf[0:4]) != Magic {
		return fmt.Errorf("%w: not a vdi image", vderr.ErrNotSupported)
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.ImageType = binary.LittleEndian.Uint32(buf[8:12])
	h.DiskSize = int64(binary.LittleEndian.Uint64(buf[12:20]))
	h.BlockSize = int32(binary.LittleEndian.Uint32(buf[20:24]))
	h.BlockCount = int32(binary.LittleEndian.Uint32(buf[24:28]))
	h.BATOffset = int64(binary.LittleEndian.Uint64(buf[28:36]))
	h.DataOffset = int64(binary.LittleEndian.Uint64(buf[36:44]))
	h.PCHSCylinders = binary.LittleEndian.Uint32(buf[44:48])
	h.PCHSHeads = binary.LittleEndian.Uint32(buf[48:52])
	h.PCHSSectors = binary.LittleEndian.Uint32(buf[52:56])
	h.LCHSCylinders = binary.LittleEndian.Uint32(buf[56:60])
	h.LCHSHeads = binary.LittleEndian.Uint32(buf[60:64])
	h.LCHSSectors = binary.LittleEndian.Uint32(buf[64:68])
	copy(h.UUID[:], buf[68:84])
	copy(h.ParentUUID[:], buf[84:100])
	copy(h.ModUUID[:], buf[100:116])
	copy(h.ParentModUUID[:], buf[116:132])
	copy(h.Comment[:], buf[132:132+commentSize])
	return nil
}

func uuidBytes(s string) [16]byte {
	var out [16]byte
	if s == "" {
		return out
	}
	if id, err := uuid.Parse(s); err == nil {
		return [16]byte(id)
	}
	return out
}

func uuidString(b [16]byte) string {
	if b == ([16]byte{}) {
		return ""
	}
	return uuid.UUID(b).String()
}
