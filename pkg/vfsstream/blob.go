// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vfsstream

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/tombuildsstuff/giovanni/storage/2020-08-04/blob/blobs"

	"github.com/virtdisk/vdcore/internal/vderr"
)

// BlobStream adapts an Azure Storage block blob to the Stream contract, so
// an Import or Export can point at a
// https://account.blob.core.windows.net/container/blob URI the same way it
// points at a local file.
type BlobStream struct {
	client        blobs.Client
	containerName string
	blobName      string
	write         bool

	readOffset int64
	writeBuf   bytes.Buffer
}

func OpenBlob(client blobs.Client, containerName, blobName string, write bool) *BlobStream {
	return &BlobStream{
		client:        client,
		containerName: containerName,
		blobName:      blobName,
		write:         write,
	}
}

func (b *BlobStream) Read(ctx context.Context, p []byte) (int, error) {
	if b.write {
		return 0, fmt.Errorf("%w: blob stream opened for write", vderr.ErrInvalidObjectState)
	}
	end := b.readOffset + int64(len(p)) - 1
	input := blobs.GetInput{
		StartByte: &b.readOffset,
		EndByte:   &end,
	}

	resp, err := b.client.Get(ctx, b.containerName, b.blobName, input)
	if err != nil {
		return 0, vderr.Backend("blob read failed", err)
	}
	n := copy(p, resp.Contents)
	b.readOffset += int64(n)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (b *BlobStream) Write(ctx context.Context, p []byte) (int, error) {
	if !b.write {
		return 0, fmt.Errorf("%w: blob stream opened for read", vderr.ErrInvalidObjectState)
	}
	n, err := b.writeBuf.Write(p)
	if err != nil {
		return n, vderr.Backend("blob buffer write failed", err)
	}
	return n, nil
}

// Close flushes a buffered write stream as a single block blob.
func (b *BlobStream) Close() error {
	if !b.write {
		return nil
	}
	content := b.writeBuf.Bytes()
	input := blobs.PutBlockBlobInput{
		Content: &content,
	}
	_, err := b.client.PutBlockBlob(context.Background(), b.containerName, b.blobName, input)
	if err != nil {
		return vderr.Backend("blob commit failed", err)
	}
	return nil
}
