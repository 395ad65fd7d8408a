// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/pkg/backend/raw"
	"github.com/virtdisk/vdcore/pkg/backend/vdi"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/operation"
	"github.com/virtdisk/vdcore/pkg/queryinfo"
	"github.com/virtdisk/vdcore/pkg/vdregistry"
)

// vdctl is a thin cobra/viper CLI that drives the Operation Engine
// end-to-end against a local JSON registry file (see store.go). It is the
// module's only binary; the engine itself is a library consumed by a
// hypervisor process.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vdctl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vdctl",
		Short: "Drive the vdcore virtual-disk engine from the command line",
	}
	root.PersistentFlags().String("store", "vdctl-registry.json", "path to the local JSON medium registry")
	root.PersistentFlags().String("loglevel", "info", "zap log level (debug, info, warn, error)")
	viper.BindPFlag("store", root.PersistentFlags().Lookup("store"))
	viper.BindPFlag("loglevel", root.PersistentFlags().Lookup("loglevel"))
	viper.SetEnvPrefix("VDCTL")
	viper.AutomaticEnv()

	root.AddCommand(
		newCreateBaseCmd(),
		newCreateDiffCmd(),
		newCloneCmd(),
		newResizeCmd(),
		newCompactCmd(),
		newMergeCmd(),
		newEncryptCmd(),
		newDeleteCmd(),
		newListCmd(),
	)
	return root
}

func newLogger() *zap.Logger {
	level := viper.GetString("loglevel")
	cfg := zap.NewProductionConfig()
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	log, err := cfg.Build()
	if err != nil {
		log = zap.NewNop()
	}
	return log
}

// newEngine assembles an Engine plus Platform against the local store,
// registering the two bundled file-shaped backends (raw, vdi); the
// network/cloud backends (iscsi, azuredisk) are wired by callers that
// import this package as a library rather than by vdctl itself, since they
// need credentials/endpoints this CLI has no flags for.
func newEngine(ctx context.Context) (*operation.Engine, *platform.Platform, *jsonStore, error) {
	store := newJSONStore(viper.GetString("store"))
	reg := vdregistry.New()
	if err := reg.Register(raw.New()); err != nil {
		return nil, nil, nil, err
	}
	if err := reg.Register(vdi.New()); err != nil {
		return nil, nil, nil, err
	}

	tree, _, err := loadTree(ctx, store)
	if err != nil {
		return nil, nil, nil, err
	}
	qi := queryinfo.New(tree, reg)
	log := newLogger()
	eng := operation.New(tree, qi, log)
	plat := platform.New(reg, store, noExtPacks{})
	return eng, plat, store, nil
}

func findMedium(eng *operation.Engine, idStr string) (*medium.Medium, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid medium id %q: %w", idStr, err)
	}
	m, ok := eng.Tree.FindByID(id)
	if !ok {
		return nil, fmt.Errorf("no medium registered with id %s", idStr)
	}
	return m, nil
}

func newCreateBaseCmd() *cobra.Command {
	var format, path, comment string
	var size int64
	var dynamic bool
	cmd := &cobra.Command{
		Use:   "create-base",
		Short: "Create a new base image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, plat, store, err := newEngine(ctx)
			if err != nil {
				return err
			}
			variant := medium.VariantFixed
			if dynamic {
				variant = medium.VariantDynamic
			}
			t, m, err := eng.CreateBase(plat, operation.CreateBaseParams{
				Format: format, Path: path, Size: size, Variant: variant,
				DeviceType: medium.HardDisk, Comment: comment,
			})
			if err != nil {
				return err
			}
			if err := t.RunNow(ctx); err != nil {
				return err
			}
			if err := saveTree(ctx, store, eng.Tree); err != nil {
				return err
			}
			fmt.Println(m.ID.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "vdi", "backend format name")
	cmd.Flags().StringVar(&path, "path", "", "image file path")
	cmd.Flags().Int64Var(&size, "size", 0, "logical size in bytes")
	cmd.Flags().BoolVar(&dynamic, "dynamic", true, "create a dynamically-allocated image")
	cmd.Flags().StringVar(&comment, "comment", "", "image comment")
	cmd.MarkFlagRequired("path")
	cmd.MarkFlagRequired("size")
	return cmd
}

func newCreateDiffCmd() *cobra.Command {
	var parentID, format, path string
	cmd := &cobra.Command{
		Use:   "create-diff",
		Short: "Create a differencing image atop an existing parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, plat, store, err := newEngine(ctx)
			if err != nil {
				return err
			}
			parent, err := findMedium(eng, parentID)
			if err != nil {
				return err
			}
			t, m, err := eng.CreateDiff(plat, operation.CreateDiffParams{
				Parent: parent, Format: format, Path: path, Variant: medium.VariantDynamic | medium.VariantDiff,
			})
			if err != nil {
				return err
			}
			if err := t.RunNow(ctx); err != nil {
				return err
			}
			if err := saveTree(ctx, store, eng.Tree); err != nil {
				return err
			}
			fmt.Println(m.ID.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&parentID, "parent", "", "parent medium id")
	cmd.Flags().StringVar(&format, "format", "vdi", "backend format name")
	cmd.Flags().StringVar(&path, "path", "", "new diff image file path")
	cmd.MarkFlagRequired("parent")
	cmd.MarkFlagRequired("path")
	return cmd
}

func newCloneCmd() *cobra.Command {
	var sourceID, format, path string
	var newSize int64
	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Copy a chain's content into a new image, optionally resizing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, plat, store, err := newEngine(ctx)
			if err != nil {
				return err
			}
			src, err := findMedium(eng, sourceID)
			if err != nil {
				return err
			}
			t, m, err := eng.Clone(plat, operation.CloneParams{
				Source: src, TargetFormat: format, TargetPath: path,
				Variant: medium.VariantFixed, NewSize: newSize,
			})
			if err != nil {
				return err
			}
			if err := t.RunNow(ctx); err != nil {
				return err
			}
			if err := saveTree(ctx, store, eng.Tree); err != nil {
				return err
			}
			fmt.Println(m.ID.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "source medium id")
	cmd.Flags().StringVar(&format, "format", "vdi", "target backend format name")
	cmd.Flags().StringVar(&path, "path", "", "target image file path")
	cmd.Flags().Int64Var(&newSize, "new-size", 0, "target logical size (0 keeps the source's size)")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("path")
	return cmd
}

func newResizeCmd() *cobra.Command {
	var id string
	var newSize int64
	cmd := &cobra.Command{
		Use:   "resize",
		Short: "Grow a medium's logical size",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, plat, store, err := newEngine(ctx)
			if err != nil {
				return err
			}
			target, err := findMedium(eng, id)
			if err != nil {
				return err
			}
			t, err := eng.Resize(plat, operation.ResizeParams{Target: target, NewSize: newSize})
			if err != nil {
				return err
			}
			if err := t.RunNow(ctx); err != nil {
				return err
			}
			return saveTree(ctx, store, eng.Tree)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "medium id")
	cmd.Flags().Int64Var(&newSize, "new-size", 0, "new logical size in bytes")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("new-size")
	return cmd
}

func newCompactCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim unused blocks in a dynamic image",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, plat, store, err := newEngine(ctx)
			if err != nil {
				return err
			}
			target, err := findMedium(eng, id)
			if err != nil {
				return err
			}
			t, err := eng.Compact(plat, target)
			if err != nil {
				return err
			}
			if err := t.RunNow(ctx); err != nil {
				return err
			}
			return saveTree(ctx, store, eng.Tree)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "medium id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newMergeCmd() *cobra.Command {
	var sourceID, targetID, allowedMachine string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge one chain segment into another",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, plat, store, err := newEngine(ctx)
			if err != nil {
				return err
			}
			src, err := findMedium(eng, sourceID)
			if err != nil {
				return err
			}
			tgt, err := findMedium(eng, targetID)
			if err != nil {
				return err
			}
			t, err := eng.Merge(plat, operation.MergeParams{Source: src, Target: tgt, AllowedMachine: allowedMachine})
			if err != nil {
				return err
			}
			if err := t.RunNow(ctx); err != nil {
				return err
			}
			return saveTree(ctx, store, eng.Tree)
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "merged-away medium id")
	cmd.Flags().StringVar(&targetID, "target", "", "surviving medium id")
	cmd.Flags().StringVar(&allowedMachine, "allowed-machine", "", "machine id permitted to own source's sole back-reference")
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("target")
	return cmd
}

func newEncryptCmd() *cobra.Command {
	var id, oldPassword, newPassword, cipher, keyID string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt, re-key, or decrypt a chain's base",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, plat, store, err := newEngine(ctx)
			if err != nil {
				return err
			}
			target, err := findMedium(eng, id)
			if err != nil {
				return err
			}
			t, err := eng.Encrypt(plat, operation.EncryptParams{
				Target: target, OldPassword: []byte(oldPassword), NewPassword: []byte(newPassword),
				NewCipher: cipher, NewKeyID: keyID,
			})
			if err != nil {
				return err
			}
			if err := t.RunNow(ctx); err != nil {
				return err
			}
			return saveTree(ctx, store, eng.Tree)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "base medium id")
	cmd.Flags().StringVar(&oldPassword, "old-password", "", "current password, required if already encrypted")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "new password; omit with empty --cipher to decrypt")
	cmd.Flags().StringVar(&cipher, "cipher", "AES-XTS256-PLAIN64", "cipher name, empty to decrypt")
	cmd.Flags().StringVar(&keyID, "key-id", "", "key id for the new password")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a medium's storage and unregister it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, plat, store, err := newEngine(ctx)
			if err != nil {
				return err
			}
			target, err := findMedium(eng, id)
			if err != nil {
				return err
			}
			t, err := eng.Delete(plat, target)
			if err != nil {
				return err
			}
			if err := t.RunNow(ctx); err != nil {
				return err
			}
			return saveTree(ctx, store, eng.Tree)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "medium id")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every medium in the local registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, _, _, err := newEngine(ctx)
			if err != nil {
				return err
			}
			eng.Tree.Walk(func(m *medium.Medium) bool {
				fmt.Printf("%s\t%s\t%s\t%s\n", m.ID, m.State(), m.Format, m.LocationFull)
				return true
			})
			return nil
		},
	}
}
