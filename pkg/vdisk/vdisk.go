// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vdisk implements the VDISK engine: it opens
// a chain of images through their backends and exposes a single linear
// byte-addressable disk to callers, falling through to parent layers for
// unallocated blocks, with the crypto filter (if any) transparently
// wrapping every read and write.
package vdisk

import (
	"context"
	"fmt"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/filter/crypto"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

// MaxSingleRead caps how much one Read call may ask for.
const MaxSingleRead = 256 * 1024

// Layer is one opened image in the chain, ordered leaf-first (index 0 is
// the topmost/differencing-most image; the last entry is the base).
type Layer struct {
	Backend vdbackend.Backend
	Handle  vdbackend.Handle
}

// Disk is the compound handle tying together an open chain plus any
// installed filter.
type Disk struct {
	layers []Layer
	filter *crypto.Filter
}

// Open ties layers (leaf-first) and an optional filter into a Disk. The
// filter, when present, sits between the engine and the whole chain, not
// per layer.
func Open(layers []Layer, filter *crypto.Filter) (*Disk, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: cannot open an empty chain", vderr.ErrInvalidObjectState)
	}
	return &Disk{layers: layers, filter: filter}, nil
}

// Read fills p starting at offset, falling through to parent layers for any
// range the topmost layers don't have allocated, and zero-filling past the
// base (e.g. after a resize-grow).
func (d *Disk) Read(ctx context.Context, offset int64, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: zero-length read", vderr.ErrGeneric)
	}
	if len(p) > MaxSingleRead {
		return 0, fmt.Errorf("%w: read of %d bytes exceeds %d byte cap", vderr.ErrGeneric, len(p), MaxSingleRead)
	}

	if err := d.readInto(ctx, offset, p, 0); err != nil {
		return 0, err
	}

	if d.filter != nil {
		plain, err := d.filter.Decrypt(offset, p)
		if err != nil {
			return 0, err
		}
		copy(p, plain)
	}
	return len(p), nil
}

func (d *Disk) readInto(ctx context.Context, offset int64, p []byte, layerIdx int) error {
	if layerIdx >= len(d.layers) {
		for i := range p {
			p[i] = 0
		}
		return nil
	}

	// Requests are chunked at the layer's own block boundaries so a short
	// read always means "this block is absent (or cut short) here" and only
	// the within-block remainder falls through to the parent; the next
	// block is retried on this layer.
	layer := d.layers[layerIdx]
	for len(p) > 0 {
		n := len(p)
		if bs, ok := layer.Backend.(blockSizer); ok {
			if sz := bs.BlockSize(layer.Handle); sz > 0 {
				if avail := sz - offset%sz; int64(n) > avail {
					n = int(avail)
				}
			}
		}
		rn, err := layer.Backend.Read(ctx, layer.Handle, offset, p[:n])
		if err != nil {
			return vderr.Backend(fmt.Sprintf("read failed at layer %d", layerIdx), err)
		}
		if rn < n {
			if err := d.readInto(ctx, offset+int64(rn), p[rn:n], layerIdx+1); err != nil {
				return err
			}
		}
		offset += int64(n)
		p = p[n:]
	}
	return nil
}

// blockSizer is implemented by backends whose images allocate in fixed
// blocks. Disk.Write uses it to materialize the full enclosing block on
// the leaf when writing partially into a differencing image, so the rest
// of the block keeps the parent chain's content instead of reading back
// as zeros.
type blockSizer interface {
	BlockSize(h vdbackend.Handle) int64
}

// Write encrypts (if a filter is installed) and writes p to the topmost
// (leaf) layer only -- the layer the caller locked for write. A partial
// write into a block-allocating differencing leaf first pulls the
// surrounding block content up through the chain.
func (d *Disk) Write(ctx context.Context, offset int64, p []byte, flags vdbackend.WriteFlags) (int, error) {
	data := p
	if d.filter != nil {
		enc, err := d.filter.Encrypt(offset, p)
		if err != nil {
			return 0, err
		}
		data = enc
	}

	if len(d.layers) > 1 {
		if bs, ok := d.layers[0].Backend.(blockSizer); ok {
			if err := d.writeWithPreRead(ctx, offset, data, flags, bs.BlockSize(d.layers[0].Handle)); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}

	if err := d.writeLeaf(ctx, offset, data, flags); err != nil {
		return 0, err
	}
	return len(p), nil
}

// writeWithPreRead reads the block-aligned range enclosing data through
// the whole chain, merges data into it, and writes the full range to the
// leaf. This keeps every byte of a freshly allocated leaf block honest
// against the parent chain it shadows.
func (d *Disk) writeWithPreRead(ctx context.Context, offset int64, data []byte, flags vdbackend.WriteFlags, blockSize int64) error {
	start := offset - offset%blockSize
	end := offset + int64(len(data))
	if rem := end % blockSize; rem != 0 {
		end += blockSize - rem
	}

	buf := make([]byte, end-start)
	if err := d.readInto(ctx, start, buf, 0); err != nil {
		return err
	}
	copy(buf[offset-start:], data)
	return d.writeLeaf(ctx, start, buf, flags)
}

// writeLeaf writes data to the leaf layer, looping over short writes at
// block boundaries.
func (d *Disk) writeLeaf(ctx context.Context, offset int64, data []byte, flags vdbackend.WriteFlags) error {
	leaf := d.layers[0]
	var off int64
	for off < int64(len(data)) {
		n, err := leaf.Backend.Write(ctx, leaf.Handle, offset+off, data[off:], nil, flags)
		if err != nil {
			return vderr.Backend("write failed", err)
		}
		if n == 0 {
			return vderr.Backend("write made no progress", nil)
		}
		off += int64(n)
	}
	return nil
}

// Flush flushes every opened layer, leaf to base.
func (d *Disk) Flush(ctx context.Context) error {
	for _, layer := range d.layers {
		if err := layer.Backend.Flush(ctx, layer.Handle); err != nil {
			return vderr.Backend("flush failed", err)
		}
	}
	return nil
}

// Close closes every opened layer in reverse (base to leaf) order. Deleting
// underlying storage is the caller's concern for specific layers (the
// Operation Engine closes the layer it's deleting with delete=true itself,
// before calling Close on the rest).
func (d *Disk) Close(ctx context.Context) error {
	var merr vderr.MultiError
	for i := len(d.layers) - 1; i >= 0; i-- {
		layer := d.layers[i]
		if err := layer.Backend.Close(ctx, layer.Handle, false); err != nil {
			merr.Append(err)
		}
	}
	return merr.ErrorOrNil()
}

// Layers exposes the opened chain for operations that need direct backend
// access (Merge's per-layer probe and write).
func (d *Disk) Layers() []Layer { return d.layers }

// ReadFrom resolves p against the chain starting at layer layerIdx,
// falling through to deeper layers exactly as Read does, but without the
// filter or the single-read cap. Merge uses it to compose the content a
// discarded range resolves to.
func (d *Disk) ReadFrom(ctx context.Context, layerIdx int, offset int64, p []byte) error {
	return d.readInto(ctx, offset, p, layerIdx)
}
