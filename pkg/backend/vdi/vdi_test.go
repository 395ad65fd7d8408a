// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package vdi_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/virtdisk/vdcore/pkg/backend/vdi"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

func TestDynamicCreateReadsZeroBeforeWrite(t *testing.T) {
	ctx := context.Background()
	b := vdi.New()
	path := filepath.Join(t.TempDir(), "disk.vdi")

	id := uuid.New().String()
	h, err := b.Create(ctx, path, 8<<20, vdbackend.ImageFlagNone, "dyn disk",
		vdbackend.Geometry{}, vdbackend.Geometry{}, id, vdbackend.OpenNormal, nil)
	require.NoError(t, err)
	defer b.Close(ctx, h, false)

	got, err := b.GetUuid(ctx, h)
	require.NoError(t, err)
	require.Equal(t, id, got)

	out := make([]byte, 512)
	n, err := b.Read(ctx, h, 0, out)
	require.NoError(t, err)
	require.Equal(t, 0, n) // unallocated block: short read, falls through to parent
}

func TestWriteAllocatesThenReadsBack(t *testing.T) {
	ctx := context.Background()
	b := vdi.New()
	path := filepath.Join(t.TempDir(), "disk.vdi")
	h, err := b.Create(ctx, path, 8<<20, vdbackend.ImageFlagNone, "", vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.NoError(t, err)
	defer b.Close(ctx, h, false)

	payload := []byte("vdi block content")
	_, err = b.Write(ctx, h, 100, payload, nil, 0)
	require.NoError(t, err)

	out := make([]byte, len(payload))
	n, err := b.Read(ctx, h, 100, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}

func TestParentUuidRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := vdi.New()
	path := filepath.Join(t.TempDir(), "diff.vdi")
	h, err := b.Create(ctx, path, 4<<20, vdbackend.ImageFlagDiff, "", vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.NoError(t, err)
	defer b.Close(ctx, h, false)

	parent := uuid.New().String()
	require.NoError(t, b.SetParentUuid(ctx, h, parent))
	got, err := b.GetParentUuid(ctx, h)
	require.NoError(t, err)
	require.Equal(t, parent, got)
}

func TestResizeGrowsBAT(t *testing.T) {
	ctx := context.Background()
	b := vdi.New()
	path := filepath.Join(t.TempDir(), "grow.vdi")
	h, err := b.Create(ctx, path, 1<<20, vdbackend.ImageFlagNone, "", vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.NoError(t, err)
	defer b.Close(ctx, h, false)

	require.NoError(t, b.Resize(ctx, h, 4<<20, vdbackend.Geometry{}, vdbackend.Geometry{}, nil))

	out := make([]byte, 512)
	n, err := b.Read(ctx, h, 3<<20, out)
	require.NoError(t, err)
	require.Equal(t, 0, n) // newly grown region still reads as unallocated
}

func TestResizeShrinkRejected(t *testing.T) {
	ctx := context.Background()
	b := vdi.New()
	path := filepath.Join(t.TempDir(), "shrink.vdi")
	h, err := b.Create(ctx, path, 4<<20, vdbackend.ImageFlagNone, "", vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.NoError(t, err)
	defer b.Close(ctx, h, false)

	err = b.Resize(ctx, h, 1<<20, vdbackend.Geometry{}, vdbackend.Geometry{}, nil)
	require.Error(t, err)
}

func TestProbeRejectsNonVdi(t *testing.T) {
	ctx := context.Background()
	b := vdi.New()
	path := filepath.Join(t.TempDir(), "notvdi.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a vdi image at all"), 0o600))
	_, err := b.Probe(ctx, path, vdbackend.DeviceHardDisk)
	require.Error(t, err)
}
