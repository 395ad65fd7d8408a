// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vfsstream supplies the byte streams the Import and Export
// operations copy through. The only timed wait at this layer is expressed
// as the caller's ctx deadline.
package vfsstream

import (
	"context"
	"io"
	"os"

	"github.com/virtdisk/vdcore/internal/vderr"
)

// Stream is the minimal read-or-write, context-bounded byte stream Import
// and Export copy through. A single Stream is either a source (Read) or a
// sink (Write), never both.
type Stream interface {
	// Read fills p and returns the number of bytes read. It must respect
	// ctx's deadline.
	Read(ctx context.Context, p []byte) (int, error)
	// Write is only valid on a sink stream.
	Write(ctx context.Context, p []byte) (int, error)
	Close() error
}

// FileStream adapts a local file to the Stream contract.
type FileStream struct {
	f *os.File
}

func OpenFile(path string, write bool) (*FileStream, error) {
	flags := os.O_RDONLY
	if write {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, vderr.Backend("failed to open stream file "+path, err)
	}
	return &FileStream{f: f}, nil
}

func (s *FileStream) Read(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.f.Read(p)
	if err == io.EOF {
		return n, io.EOF
	}
	if err != nil {
		return n, vderr.Backend("stream read failed", err)
	}
	return n, nil
}

func (s *FileStream) Write(ctx context.Context, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.f.Write(p)
	if err != nil {
		return n, vderr.Backend("stream write failed", err)
	}
	return n, nil
}

func (s *FileStream) Close() error {
	return s.f.Close()
}

// CopyAll drains src into dst in chunks no larger than the public IO
// interface's 256 KiB read cap, checking ctx between chunks.
func CopyAll(ctx context.Context, dst, src Stream) (int64, error) {
	const maxChunk = 256 * 1024
	buf := make([]byte, maxChunk)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(ctx, buf)
		if n > 0 {
			if _, werr := dst.Write(ctx, buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
