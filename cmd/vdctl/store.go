// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// vdctl is a thin cobra/viper CLI driving the vdcore engine end-to-end
// (create/clone/merge/resize/encrypt). Every invocation is a single
// process that loads the persisted Medium chain from a local JSON file,
// runs one operation through the engine, then saves the result back --
// vdctl is a CLI client of the library, not the settings store itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/mediumtree"
)

// jsonStore implements platform.Registries by reading/writing a single
// JSON file of platform.MediumSettings, the flattened shape that crosses
// the registry/settings boundary.
type jsonStore struct {
	path string
}

func newJSONStore(path string) *jsonStore {
	return &jsonStore{path: path}
}

func (s *jsonStore) SaveRegistry(ctx context.Context, registryID string, mediums []platform.MediumSettings) error {
	data, err := json.MarshalIndent(mediums, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *jsonStore) LoadRegistry(ctx context.Context, registryID string) ([]platform.MediumSettings, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var out []platform.MediumSettings
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal registry: %w", err)
	}
	return out, nil
}

// FindMachineByID has no backing machine database in the CLI; vdctl only
// ever exercises operations that accept an AllowedMachine string, which it
// passes straight through from a flag.
func (s *jsonStore) FindMachineByID(id string) (platform.MachineRef, bool) {
	return platform.MachineRef{ID: id}, id != ""
}

// noExtPacks reports no crypto extension pack installed; vdctl's Encrypt
// command always uses the built-in filter (pkg/filter/crypto), never an
// external plugin.
type noExtPacks struct{}

func (noExtPacks) IsEncryptionPluginPresent() bool { return false }
func (noExtPacks) LoadEncryptionPlugin(path string) (platform.CryptoProvider, error) {
	return nil, fmt.Errorf("no encryption extension pack loader configured")
}

// loadTree rebuilds a mediumtree.Tree from the store's persisted settings,
// registering bases before diffs so parent lookups always succeed.
func loadTree(ctx context.Context, store *jsonStore) (*mediumtree.Tree, map[string]*medium.Medium, error) {
	settings, err := store.LoadRegistry(ctx, "vdctl")
	if err != nil {
		return nil, nil, err
	}
	tree := mediumtree.New()
	byID := make(map[string]*medium.Medium, len(settings))

	pending := settings
	for len(pending) > 0 {
		progressed := false
		var next []platform.MediumSettings
		for _, s := range pending {
			if s.ParentID != "" {
				if _, ok := byID[s.ParentID]; !ok {
					next = append(next, s)
					continue
				}
			}
			m, err := settingsToMedium(s)
			if err != nil {
				return nil, nil, err
			}
			if _, err := tree.RegisterMedium(m); err != nil {
				return nil, nil, err
			}
			byID[s.ID] = m
			progressed = true
		}
		if !progressed && len(next) > 0 {
			return nil, nil, fmt.Errorf("registry has unresolvable parent references among %d mediums", len(next))
		}
		pending = next
	}
	return tree, byID, nil
}

// saveTree flattens every Medium the tree knows about back into the store.
func saveTree(ctx context.Context, store *jsonStore, tree *mediumtree.Tree) error {
	var out []platform.MediumSettings
	tree.Walk(func(m *medium.Medium) bool {
		out = append(out, mediumToSettings(m))
		return true
	})
	return store.SaveRegistry(ctx, "vdctl", out)
}

func settingsToMedium(s platform.MediumSettings) (*medium.Medium, error) {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return nil, fmt.Errorf("medium %s: %w", s.ID, err)
	}
	dt := medium.HardDisk
	switch s.DeviceType {
	case "DVD":
		dt = medium.DVD
	case "Floppy":
		dt = medium.Floppy
	}
	m := medium.New(id, dt, s.Format)
	if s.ParentID != "" {
		pid, err := uuid.Parse(s.ParentID)
		if err != nil {
			return nil, fmt.Errorf("medium %s parent: %w", s.ID, err)
		}
		m.ParentID = pid
	}
	m.LocationFull = s.Location
	if s.Properties != nil {
		m.Properties = s.Properties
	}
	if err := m.CreateBegin(); err != nil {
		return nil, err
	}
	if err := m.CreateSucceed(); err != nil {
		return nil, err
	}
	return m, nil
}

func mediumToSettings(m *medium.Medium) platform.MediumSettings {
	parentID := ""
	if m.ParentID != uuid.Nil {
		parentID = m.ParentID.String()
	}
	return platform.MediumSettings{
		ID:         m.ID.String(),
		ParentID:   parentID,
		Format:     m.Format,
		Location:   m.LocationFull,
		DeviceType: m.DeviceType.String(),
		Properties: m.Properties,
	}
}
