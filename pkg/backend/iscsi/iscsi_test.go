// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package iscsi_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtdisk/vdcore/pkg/backend/iscsi"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
)

const (
	testOpRead byte = iota + 1
	testOpWrite
	testOpFlush
	testOpSize
)

// fakeTarget serves the backend's minimal framed protocol against an
// in-memory byte slice, standing in for a real iSCSI LUN the same way
// raw_test.go exercises raw against a real temp file instead of a mock.
func fakeTarget(t *testing.T, lun []byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
		for {
			op, err := rw.ReadByte()
			if err != nil {
				return
			}
			switch op {
			case testOpSize:
				binary.Write(rw, binary.BigEndian, int64(len(lun)))
				rw.Flush()
			case testOpRead:
				var off int64
				var l uint32
				binary.Read(rw, binary.BigEndian, &off)
				binary.Read(rw, binary.BigEndian, &l)
				rw.Write(lun[off : off+int64(l)])
				rw.Flush()
			case testOpWrite:
				var off int64
				var l uint32
				binary.Read(rw, binary.BigEndian, &off)
				binary.Read(rw, binary.BigEndian, &l)
				buf := make([]byte, l)
				io.ReadFull(rw, buf) //nolint:errcheck
				copy(lun[off:], buf)
				rw.WriteByte(1)
				rw.Flush()
			case testOpFlush:
				rw.WriteByte(1)
				rw.Flush()
			}
		}
	}()
	return ln
}

func TestOpenReadWriteFlushAgainstFakeTarget(t *testing.T) {
	ctx := context.Background()
	lun := make([]byte, 4096)
	ln := fakeTarget(t, lun)
	defer ln.Close()

	b := iscsi.New()
	h, err := b.Open(ctx, ln.Addr().String(), vdbackend.OpenNormal, vdbackend.DeviceHardDisk)
	require.NoError(t, err)
	defer b.Close(ctx, h, false)

	size, err := b.GetFileSize(ctx, h)
	require.NoError(t, err)
	require.EqualValues(t, 4096, size)

	payload := []byte("virtual disk over the wire")
	n, err := b.Write(ctx, h, 512, payload, nil, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, b.Flush(ctx, h))

	out := make([]byte, len(payload))
	n, err = b.Read(ctx, h, 512, out)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	require.Equal(t, payload, out)
}

func TestCreateRejectsSizeMismatch(t *testing.T) {
	ctx := context.Background()
	lun := make([]byte, 1024)
	ln := fakeTarget(t, lun)
	defer ln.Close()

	b := iscsi.New()
	_, err := b.Create(ctx, ln.Addr().String(), 2048, vdbackend.ImageFlagFixed, "", vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.Error(t, err)
}

func TestCreateRejectsDifferencingImage(t *testing.T) {
	ctx := context.Background()
	lun := make([]byte, 1024)
	ln := fakeTarget(t, lun)
	defer ln.Close()

	b := iscsi.New()
	_, err := b.Create(ctx, ln.Addr().String(), 1024, vdbackend.ImageFlagDiff, "", vdbackend.Geometry{}, vdbackend.Geometry{}, "", vdbackend.OpenNormal, nil)
	require.Error(t, err)
}

func TestProbeAlwaysRejects(t *testing.T) {
	b := iscsi.New()
	_, err := b.Probe(context.Background(), "127.0.0.1:3260", vdbackend.DeviceHardDisk)
	require.Error(t, err)
}

func TestCapabilities(t *testing.T) {
	b := iscsi.New()
	require.True(t, b.Capabilities().Has(vdbackend.CapTcpNet))
	require.False(t, b.Capabilities().Has(vdbackend.CapFile))
}
