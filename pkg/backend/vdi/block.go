// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vdi

import (
	"encoding/binary"
	"os"

	"github.com/virtdisk/vdcore/internal/vderr"
)

// bat is the in-memory block allocation table: bat[i] is the byte offset
// of logical block i's data in the file, or unallocatedBAT if block i has
// never been written.
type bat struct {
	entries []int64
}

func readBAT(f *os.File, offset int64, count int32) (*bat, error) {
	buf := make([]byte, int(count)*batEntrySize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, vderr.Backend("vdi BAT read failed", err)
	}
	b := &bat{entries: make([]int64, count)}
	for i := range b.entries {
		b.entries[i] = int64(binary.LittleEndian.Uint64(buf[i*batEntrySize:]))
	}
	return b, nil
}

func (b *bat) flush(f *os.File, offset int64) error {
	buf := make([]byte, len(b.entries)*batEntrySize)
	for i, v := range b.entries {
		binary.LittleEndian.PutUint64(buf[i*batEntrySize:], uint64(v))
	}
	if _, err := f.WriteAt(buf, offset); err != nil {
		return vderr.Backend("vdi BAT write failed", err)
	}
	return nil
}

// blockFor returns the physical offset within f of logical byte offset,
// allocating a fresh block at the end of the file on first write. Discard
// never shrinks the file back, and nothing reclaims blocks: Compact
// returns ErrNotImplemented for vdi.
func (b *bat) blockFor(f *os.File, h *Header, offset int64, forWrite bool) (physOffset int64, allocated bool, err error) {
	idx := int(offset / int64(h.BlockSize))
	if idx >= len(b.entries) {
		if forWrite {
			return 0, false, vderr.Backend("vdi write beyond image size", nil)
		}
		return 0, false, nil
	}
	blockStart := b.entries[idx]
	if blockStart == unallocatedBAT {
		if !forWrite {
			return 0, false, nil
		}
		info, statErr := f.Stat()
		if statErr != nil {
			return 0, false, vderr.Backend("vdi stat failed", statErr)
		}
		blockStart = info.Size()
		b.entries[idx] = blockStart
		allocated = true
	}
	return blockStart + offset%int64(h.BlockSize), allocated, nil
}
