// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vdbackend defines the contract every image-format plugin must
// satisfy. The interface is deliberately "fat" (one method per vtable
// entry) rather than decomposed: the version check (Version) is itself
// part of the contract, and a backend that doesn't implement the full
// interface simply doesn't satisfy it.
package vdbackend

import "context"

// Version pins the interface revision a backend was built against. A
// registry that loads a backend built against a different Version should
// refuse it.
type Version struct {
	Magic uint32
	Major uint16
	Minor uint16
}

var CurrentVersion = Version{Magic: 0xff01, Major: 3, Minor: 0}

// DeviceType is the kind of virtual device a Medium represents.
type DeviceType int

const (
	DeviceUnknown DeviceType = iota
	DeviceHardDisk
	DeviceDVD
	DeviceFloppy
)

func (d DeviceType) String() string {
	switch d {
	case DeviceHardDisk:
		return "HardDisk"
	case DeviceDVD:
		return "DVD"
	case DeviceFloppy:
		return "Floppy"
	default:
		return "Unknown"
	}
}

// OpenFlags modify how a backend opens an image.
type OpenFlags uint32

const OpenNormal OpenFlags = 0

const (
	OpenReadOnly OpenFlags = 1 << iota
	OpenInfo
	OpenSequential
	OpenShareable
	OpenIgnoreFlush
)

// WriteFlags are advisory hints on a single write.
type WriteFlags uint32

const (
	WriteNoAlloc WriteFlags = 1 << iota
)

// DiscardFlags modify Discard behavior.
type DiscardFlags uint32

const (
	DiscardMarkUnused DiscardFlags = 1 << iota
)

// TraverseFlags modify TraverseMetadata coverage.
type TraverseFlags uint32

const (
	TraverseIncludePerBlockMetadata TraverseFlags = 1 << iota
)

// ImageFlags describe what an individual open image is, independent of the
// Medium-level MediumType/Variant the caller sees.
type ImageFlags uint32

const ImageFlagNone ImageFlags = 0

const (
	// ImageFlagDiff marks this image as a differencing image with a parent.
	ImageFlagDiff ImageFlags = 1 << iota
	ImageFlagFixed
	ImageFlagVmdkStreamOptimized
)

func (f ImageFlags) Has(x ImageFlags) bool { return f&x != 0 }

// Capabilities a backend declares at registration.
type Capabilities uint32

const (
	CapCreateFixed Capabilities = 1 << iota
	CapCreateDynamic
	CapDifferencing
	CapFile
	CapUuid
	CapCreateSplit2G
	CapConfig
	CapTcpNet
	CapVFS
	CapAsynchronous
)

func (c Capabilities) Has(f Capabilities) bool { return c&f != 0 }

// Geometry is a CHS (cylinders/heads/sectors) triple.
type Geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
}

// ConfigKeyType is the type tag for a backend config key; kept as a small
// enum here and mapped to a cty.Type by the registry, which is where the
// cty dependency actually does its typing work.
type ConfigKeyType int

const (
	ConfigString ConfigKeyType = iota
	ConfigInt
	ConfigBool
)

// ConfigKeySpec declares one backend-private config key.
type ConfigKeySpec struct {
	Name       string
	Type       ConfigKeyType
	Default    string
	CreateOnly bool
}

// RegionList describes a non-contiguous region layout, used by
// optical-media-shaped backends.
type RegionList struct {
	Regions []Region
}

type Region struct {
	Offset     int64
	Size       int64
	DataSize   int64
	DataOffset int64
	BlockSize  int64
}

// ProgressFn lets a backend report fractional progress and poll for
// cancellation mid-operation.
type ProgressFn func(percent int) (cancel bool)

// WriteProcessFn lets the engine's filter chain transform a buffer before
// it reaches the backend.
type WriteProcessFn func(offset int64, buf []byte) error

// Handle is an opaque backend-private open image handle. Each concrete
// backend defines its own underlying type; callers never look inside it.
type Handle interface {
	Backend() string
}

// Backend is the per-format plugin contract.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	FileExtensions() []string
	ConfigKeys() []ConfigKeySpec
	Version() Version

	Probe(ctx context.Context, path string, desired DeviceType) (DeviceType, error)
	Open(ctx context.Context, path string, flags OpenFlags, deviceType DeviceType) (Handle, error)
	Create(ctx context.Context, path string, size int64, imageFlags ImageFlags, comment string, pchs, lchs Geometry, uuid string, flags OpenFlags, progress ProgressFn) (Handle, error)
	Close(ctx context.Context, h Handle, delete bool) error

	Read(ctx context.Context, h Handle, offset int64, p []byte) (int, error)
	Write(ctx context.Context, h Handle, offset int64, p []byte, process WriteProcessFn, flags WriteFlags) (int, error)
	Flush(ctx context.Context, h Handle) error

	// Discard is optional; backends without it return ErrNotSupported.
	Discard(ctx context.Context, h Handle, offset, size int64, flags DiscardFlags) (int64, error)

	GetFileSize(ctx context.Context, h Handle) (int64, error)

	GetPCHSGeometry(ctx context.Context, h Handle) (Geometry, error)
	SetPCHSGeometry(ctx context.Context, h Handle, g Geometry) error
	GetLCHSGeometry(ctx context.Context, h Handle) (Geometry, error)
	SetLCHSGeometry(ctx context.Context, h Handle, g Geometry) error

	QueryRegions(ctx context.Context, h Handle) (*RegionList, error)

	GetImageFlags(ctx context.Context, h Handle) (ImageFlags, error)
	GetOpenFlags(ctx context.Context, h Handle) (OpenFlags, error)
	SetOpenFlags(ctx context.Context, h Handle, flags OpenFlags) error

	GetComment(ctx context.Context, h Handle) (string, error)
	SetComment(ctx context.Context, h Handle, comment string) error

	GetUuid(ctx context.Context, h Handle) (string, error)
	SetUuid(ctx context.Context, h Handle, uuid string) error
	GetModificationUuid(ctx context.Context, h Handle) (string, error)
	SetModificationUuid(ctx context.Context, h Handle, uuid string) error
	GetParentUuid(ctx context.Context, h Handle) (string, error)
	SetParentUuid(ctx context.Context, h Handle, uuid string) error
	GetParentModificationUuid(ctx context.Context, h Handle) (string, error)
	SetParentModificationUuid(ctx context.Context, h Handle, uuid string) error
	GetParentFilename(ctx context.Context, h Handle) (string, error)
	SetParentFilename(ctx context.Context, h Handle, filename string) error

	// Compact, Resize are optional; backends without them return
	// ErrNotSupported (vdi's Compact returns ErrNotImplemented).
	Compact(ctx context.Context, h Handle, progress ProgressFn) error
	Resize(ctx context.Context, h Handle, newSize int64, pchs, lchs Geometry, progress ProgressFn) error

	// Repair runs out-of-band on a closed image; its semantics are backend-private.
	Repair(ctx context.Context, path string, flags uint32) error

	// TraverseMetadata is optional.
	TraverseMetadata(ctx context.Context, h Handle, flags TraverseFlags) error
}
