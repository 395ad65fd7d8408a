// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package platform holds the process-wide context: a Platform value is
// passed explicitly to every operation instead of being reached through
// package globals.
package platform

import (
	"context"

	"github.com/virtdisk/vdcore/internal/secretstore"
	"github.com/virtdisk/vdcore/pkg/vdregistry"
)

// SystemProperties is the DTO the core exchanges with the external settings
// collaborator. These are the only persisted fields the core owns;
// everything else about machine/snapshot state belongs to the
// settings/registry layer.
type SystemProperties struct {
	DefaultMachineFolder string
	LoggingLevel         string
	DefaultHardDiskFormat string
	VRDEExtPack          string
	CryptoExtPack        string
	WebServiceAuthLibrary string
	LogHistoryCount      uint32
	ExclusiveHwVirt      bool
	ProxyMode            ProxyMode
	ProxyURL             string
	LanguageID           string
	AutostartDBPath      string
	DefaultAdditionsISO  string
	DefaultFrontend      string
}

// ProxyMode selects how outbound network connections are dialed.
type ProxyMode int

const (
	ProxySystem ProxyMode = iota
	ProxyNoProxy
	ProxyManual
)

func (p ProxyMode) String() string {
	switch p {
	case ProxySystem:
		return "System"
	case ProxyNoProxy:
		return "NoProxy"
	case ProxyManual:
		return "Manual"
	default:
		return "Unknown"
	}
}

// HostCapabilities is the narrow read-only host-capability view carried on
// the Platform: the largest logical size the host can address and whether
// it supports LBA-64. No pkg/operation task reads it. No catalog
// enumeration or management lives here.
type HostCapabilities struct {
	MaxLogicalSize int64 // 2 TiB - 1 MiB by default (LBA-32 boot constraint)
	SupportsLBA64  bool
}

// DefaultHostCapabilities caps logical size at the BIOS LBA-32 boot limit.
func DefaultHostCapabilities() HostCapabilities {
	const tebibyte = int64(1) << 40
	const mebibyte = int64(1) << 20
	return HostCapabilities{
		MaxLogicalSize: 2*tebibyte - mebibyte,
		SupportsLBA64:  true,
	}
}

// MachineRef is the opaque handle the out-of-scope object-binding runtime
// uses to identify a machine; the core only ever compares these for
// equality and threads them through BackRef bookkeeping.
type MachineRef struct {
	ID string
}

// ExtPackProbe is the only surface the core needs from extension-pack
// management: is the encryption plugin present, and load it by path.
type ExtPackProbe interface {
	IsEncryptionPluginPresent() bool
	LoadEncryptionPlugin(path string) (CryptoProvider, error)
}

// CryptoProvider is whatever the loaded encryption extension pack hands
// back; the filter package defines the concrete shape it expects.
type CryptoProvider interface {
	Name() string
}

// Registries is the settings/registry persistence layer the core consumes
// as a save/load callback plus an id->machine lookup.
type Registries interface {
	SaveRegistry(ctx context.Context, registryID string, mediums []MediumSettings) error
	LoadRegistry(ctx context.Context, registryID string) ([]MediumSettings, error)
	FindMachineByID(id string) (MachineRef, bool)
}

// MediumSettings is the flattened, persistence-shaped view of a Medium that
// crosses the boundary to the settings/registry layer.
type MediumSettings struct {
	ID           string
	ParentID     string
	Format       string
	Location     string
	Type         string
	DeviceType   string
	Properties   map[string]string
}

// Platform bundles everything that used to be reached through package-level
// globals: the backend registry, the secret store, the persisted
// SystemProperties, host capabilities, the extension-pack probe and the
// settings collaborator. Every operation takes one of these explicitly.
type Platform struct {
	Registry   *vdregistry.Registry
	Secrets    *secretstore.Store
	Properties SystemProperties
	HostCaps   HostCapabilities
	ExtPacks   ExtPackProbe
	Registries Registries
}

func New(reg *vdregistry.Registry, registries Registries, extPacks ExtPackProbe) *Platform {
	return &Platform{
		Registry:   reg,
		Secrets:    secretstore.New(),
		Properties: SystemProperties{DefaultHardDiskFormat: "VDI", LogHistoryCount: 3},
		HostCaps:   DefaultHostCapabilities(),
		ExtPacks:   extPacks,
		Registries: registries,
	}
}
