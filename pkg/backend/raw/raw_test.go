// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package raw_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtdisk/vdcore/pkg/backend/raw"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

func TestCreateOpenReadWrite(t *testing.T) {
	ctx := context.Background()
	b := raw.New()
	path := filepath.Join(t.TempDir(), "disk.raw")

	h, err := b.Create(ctx, path, 4096, vdbackend.ImageFlagFixed, "test disk",
		vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.NoError(t, err)

	payload := []byte("hello virtual disk")
	n, err := b.Write(ctx, h, 512, payload, nil, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, b.Flush(ctx, h))
	require.NoError(t, b.Close(ctx, h, false))

	h2, err := b.Open(ctx, path, vdbackend.OpenNormal, vdbackend.DeviceHardDisk)
	require.NoError(t, err)
	defer b.Close(ctx, h2, false)

	out := make([]byte, len(payload))
	n, err = b.Read(ctx, h2, 512, out)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	require.Equal(t, payload, out)

	size, err := b.GetFileSize(ctx, h2)
	require.NoError(t, err)
	require.EqualValues(t, 4096, size)
}

func TestReadPastEOFZeroFills(t *testing.T) {
	ctx := context.Background()
	b := raw.New()
	path := filepath.Join(t.TempDir(), "sparse.raw")
	h, err := b.Create(ctx, path, 1024, vdbackend.ImageFlagFixed, "", vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.NoError(t, err)
	defer b.Close(ctx, h, false)

	out := make([]byte, 64)
	for i := range out {
		out[i] = 0xff
	}
	n, err := b.Read(ctx, h, 2000, out)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	for _, v := range out {
		require.Zero(t, v)
	}
}

func TestCreateDiffRejected(t *testing.T) {
	ctx := context.Background()
	b := raw.New()
	path := filepath.Join(t.TempDir(), "diff.raw")
	_, err := b.Create(ctx, path, 1024, vdbackend.ImageFlagDiff, "", vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	b := raw.New()
	require.True(t, b.Capabilities().Has(vdbackend.CapCreateFixed))
	require.False(t, b.Capabilities().Has(vdbackend.CapCreateDynamic))
	require.False(t, b.Capabilities().Has(vdbackend.CapDifferencing))
}
