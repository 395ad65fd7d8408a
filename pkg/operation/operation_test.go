// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/backend/raw"
	"github.com/virtdisk/vdcore/pkg/backend/vdi"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/mediumtree"
	"github.com/virtdisk/vdcore/pkg/operation"
	"github.com/virtdisk/vdcore/pkg/queryinfo"
	"github.com/virtdisk/vdcore/pkg/vdbackend"
	"github.com/virtdisk/vdcore/pkg/vdisk"
	"github.com/virtdisk/vdcore/pkg/vdregistry"
	"github.com/virtdisk/vdcore/pkg/vfsstream"
)

// noRegistries is a no-op platform.Registries for tests that never persist.
type noRegistries struct{}

func (noRegistries) SaveRegistry(ctx context.Context, registryID string, mediums []platform.MediumSettings) error {
	return nil
}
func (noRegistries) LoadRegistry(ctx context.Context, registryID string) ([]platform.MediumSettings, error) {
	return nil, nil
}
func (noRegistries) FindMachineByID(id string) (platform.MachineRef, bool) { return platform.MachineRef{}, false }

type noExtPacks struct{}

func (noExtPacks) IsEncryptionPluginPresent() bool { return false }
func (noExtPacks) LoadEncryptionPlugin(path string) (platform.CryptoProvider, error) {
	return nil, nil
}

func newEngine(t *testing.T) (*operation.Engine, *platform.Platform) {
	t.Helper()
	reg := vdregistry.New()
	require.NoError(t, reg.Register(raw.New()))
	require.NoError(t, reg.Register(vdi.New()))

	tree := mediumtree.New()
	qi := queryinfo.New(tree, reg)
	eng := operation.New(tree, qi, nil)
	plat := platform.New(reg, noRegistries{}, noExtPacks{})
	return eng, plat
}

// TestCreateBaseDynamicVDI creates a 64MiB dynamic VDI base image and
// checks it lands registered in Created state.
func TestCreateBaseDynamicVDI(t *testing.T) {
	eng, plat := newEngine(t)
	path := filepath.Join(t.TempDir(), "base.vdi")

	task, m, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format:     "vdi",
		Path:       path,
		Size:       64 << 20,
		Variant:    medium.VariantDynamic,
		DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, task.RunNow(context.Background()))
	require.Equal(t, medium.Created, m.State())

	found, ok := eng.Tree.FindByID(m.ID)
	require.True(t, ok)
	require.Same(t, m, found)
}

// TestCreateDiffChainParentageAndDepth builds a base->diff1->diff2 chain
// and checks each link's parentage and depth.
func TestCreateDiffChainParentageAndDepth(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: filepath.Join(dir, "base.vdi"), Size: 8 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))

	diff1Task, diff1, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: base, Format: "vdi", Path: filepath.Join(dir, "diff1.vdi"),
	})
	require.NoError(t, err)
	require.NoError(t, diff1Task.RunNow(context.Background()))
	require.Equal(t, base.ID, diff1.ParentID)

	diff2Task, diff2, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: diff1, Format: "vdi", Path: filepath.Join(dir, "diff2.vdi"),
	})
	require.NoError(t, err)
	require.NoError(t, diff2Task.RunNow(context.Background()))
	require.Equal(t, diff1.ID, diff2.ParentID)

	require.Len(t, eng.Tree.Children(base), 1)
	require.Len(t, eng.Tree.Children(diff1), 1)
	require.Equal(t, 2, eng.Tree.Depth(diff2))
}

// TestMergeForwardDiscardsSourceIntoTarget runs a forward merge of diff1
// into diff2 (diff1 is an ancestor of diff2): diff1 must end up
// unregistered and diff2 reparented under the base.
func TestMergeForwardDiscardsSourceIntoTarget(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: filepath.Join(dir, "base.vdi"), Size: 4 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))

	diff1Task, diff1, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: base, Format: "vdi", Path: filepath.Join(dir, "diff1.vdi"),
	})
	require.NoError(t, err)
	require.NoError(t, diff1Task.RunNow(context.Background()))

	diff2Task, diff2, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: diff1, Format: "vdi", Path: filepath.Join(dir, "diff2.vdi"),
	})
	require.NoError(t, err)
	require.NoError(t, diff2Task.RunNow(context.Background()))

	mergeTask, err := eng.Merge(plat, operation.MergeParams{Source: diff1, Target: diff2})
	require.NoError(t, err)
	require.NoError(t, mergeTask.RunNow(context.Background()))

	_, stillThere := eng.Tree.FindByID(diff1.ID)
	require.False(t, stillThere)

	parent, ok := eng.Tree.Parent(diff2)
	require.True(t, ok)
	require.Equal(t, base.ID, parent.ID)
}

// TestResizeRejectsShrink: growing is allowed, shrinking is not.
func TestResizeRejectsShrink(t *testing.T) {
	eng, plat := newEngine(t)
	path := filepath.Join(t.TempDir(), "base.vdi")

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: path, Size: 8 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))

	resizeTask, err := eng.Resize(plat, operation.ResizeParams{Target: base, NewSize: 16 << 20})
	require.NoError(t, err)
	require.NoError(t, resizeTask.RunNow(context.Background()))
	size, _ := base.SizeAndLogicalSize()
	require.EqualValues(t, 16<<20, size)

	_, err = eng.Resize(plat, operation.ResizeParams{Target: base, NewSize: 4 << 20})
	require.Error(t, err)
}

// TestResizeAndClone clones a base to a larger target in one step.
func TestResizeAndClone(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: filepath.Join(dir, "base.vdi"), Size: 4 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))

	cloneTask, clone, err := eng.Clone(plat, operation.CloneParams{
		Source: base, TargetFormat: "vdi", TargetPath: filepath.Join(dir, "clone.vdi"),
		Variant: medium.VariantDynamic, NewSize: 8 << 20,
	})
	require.NoError(t, err)
	require.NoError(t, cloneTask.RunNow(context.Background()))

	size, _ := clone.SizeAndLogicalSize()
	require.EqualValues(t, 8<<20, size)
	require.Equal(t, medium.Created, clone.State())
}

// TestEncryptThenWrongThenCorrectPassword encrypts a base, fails to re-key
// with a wrong password, and decrypts with the correct one.
func TestEncryptThenWrongThenCorrectPassword(t *testing.T) {
	eng, plat := newEngine(t)
	path := filepath.Join(t.TempDir(), "base.vdi")

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: path, Size: 2 << 20,
		Variant: medium.VariantFixed, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))

	encTask, err := eng.Encrypt(plat, operation.EncryptParams{
		Target: base, NewPassword: []byte("hunter2"), NewCipher: "AES-XTS256-PLAIN64", NewKeyID: "key-1",
	})
	require.NoError(t, err)
	require.NoError(t, encTask.RunNow(context.Background()))

	keyStore, ok := base.Property("CRYPT/KeyStore")
	require.True(t, ok)
	require.NotEmpty(t, keyStore)

	// wrong password: Encrypt itself validates the old password up front.
	_, err = eng.Encrypt(plat, operation.EncryptParams{
		Target: base, OldPassword: []byte("wrong"), NewCipher: "", NewPassword: nil,
	})
	require.Error(t, err)

	// correct password decrypts successfully.
	decTask, err := eng.Encrypt(plat, operation.EncryptParams{
		Target: base, OldPassword: []byte("hunter2"), NewCipher: "",
	})
	require.NoError(t, err)
	require.NoError(t, decTask.RunNow(context.Background()))
	_, ok = base.Property("CRYPT/KeyStore")
	require.False(t, ok)
}

// TestDeleteUnregistersMedium deletes a base's storage and checks it is
// gone from the tree.
func TestDeleteUnregistersMedium(t *testing.T) {
	eng, plat := newEngine(t)
	path := filepath.Join(t.TempDir(), "base.vdi")

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: path, Size: 2 << 20,
		Variant: medium.VariantFixed, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))

	delTask, err := eng.Delete(plat, base)
	require.NoError(t, err)
	require.NoError(t, delTask.RunNow(context.Background()))

	_, ok := eng.Tree.FindByID(base.ID)
	require.False(t, ok)
}

// TestCompactOnVDIReturnsNotImplemented documents the current backend
// shape: the Compact task plumbs through, but vdi has no hole-punch
// support yet.
func TestCompactOnVDIReturnsNotImplemented(t *testing.T) {
	eng, plat := newEngine(t)
	path := filepath.Join(t.TempDir(), "base.vdi")

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: path, Size: 2 << 20,
		Variant: medium.VariantFixed, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))

	compactTask, err := eng.Compact(plat, base)
	require.NoError(t, err)
	err = compactTask.RunNow(context.Background())
	require.Error(t, err)
}

// TestInaccessibleSiblingToleratedAtStartup: one medium in the tree being
// Inaccessible must not block an operation on an unrelated, healthy
// medium.
func TestInaccessibleSiblingToleratedAtStartup(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()

	healthyTask, healthy, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "raw", Path: filepath.Join(dir, "healthy.raw"), Size: 1 << 20,
		Variant: medium.VariantFixed, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, healthyTask.RunNow(context.Background()))

	broken := medium.New(uuid.New(), medium.HardDisk, "raw")
	broken.LocationFull = filepath.Join(dir, "does-not-exist.raw")
	require.NoError(t, broken.CreateBegin())
	require.NoError(t, broken.CreateSucceed())
	require.NoError(t, broken.QueryInfoFail())
	_, err = eng.Tree.RegisterMedium(broken)
	require.NoError(t, err)
	require.Equal(t, medium.Inaccessible, broken.State())

	resizeTask, err := eng.Resize(plat, operation.ResizeParams{Target: healthy, NewSize: 2 << 20})
	require.NoError(t, err)
	require.NoError(t, resizeTask.RunNow(context.Background()))
}

// TestMergeBackwardReparentsChildren runs a backward merge of diff1 into
// the base (the base absorbs diff1's content): diff1 must end up
// unregistered, and diff2 -- formerly diff1's child -- must be reparented
// under the base both in the tree and in its on-disk parent uuid.
func TestMergeBackwardReparentsChildren(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()
	ctx := context.Background()

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: filepath.Join(dir, "base.vdi"), Size: 4 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(ctx))

	diff1Task, diff1, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: base, Format: "vdi", Path: filepath.Join(dir, "diff1.vdi"),
	})
	require.NoError(t, err)
	require.NoError(t, diff1Task.RunNow(ctx))

	diff2Task, diff2, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: diff1, Format: "vdi", Path: filepath.Join(dir, "diff2.vdi"),
	})
	require.NoError(t, err)
	require.NoError(t, diff2Task.RunNow(ctx))

	mergeTask, err := eng.Merge(plat, operation.MergeParams{Source: diff1, Target: base})
	require.NoError(t, err)
	require.NoError(t, mergeTask.RunNow(ctx))

	_, stillThere := eng.Tree.FindByID(diff1.ID)
	require.False(t, stillThere)

	parent, ok := eng.Tree.Parent(diff2)
	require.True(t, ok)
	require.Equal(t, base.ID, parent.ID)

	b := vdi.New()
	h, err := b.Open(ctx, diff2.LocationFull, vdbackend.OpenReadOnly, vdbackend.DeviceHardDisk)
	require.NoError(t, err)
	defer b.Close(ctx, h, false)
	onDiskParent, err := b.GetParentUuid(ctx, h)
	require.NoError(t, err)
	require.Equal(t, base.ID.String(), onDiskParent)
}

// openChain ties the given image files (leaf first) into a vdisk chain
// through the real vdi backend.
func openChain(t *testing.T, paths ...string) *vdisk.Disk {
	t.Helper()
	ctx := context.Background()
	b := vdi.New()
	layers := make([]vdisk.Layer, 0, len(paths))
	for _, p := range paths {
		h, err := b.Open(ctx, p, vdbackend.OpenNormal, vdbackend.DeviceHardDisk)
		require.NoError(t, err)
		layers = append(layers, vdisk.Layer{Backend: b, Handle: h})
	}
	disk, err := vdisk.Open(layers, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close(ctx) })
	return disk
}

// writePattern writes one 512-byte sector of pattern at off through the
// chain; requirePattern asserts a read at off returns it.
func writePattern(t *testing.T, d *vdisk.Disk, off int64, pattern byte) {
	t.Helper()
	sector := make([]byte, 512)
	for i := range sector {
		sector[i] = pattern
	}
	_, err := d.Write(context.Background(), off, sector, 0)
	require.NoError(t, err)
}

func requirePattern(t *testing.T, d *vdisk.Disk, off int64, pattern byte) {
	t.Helper()
	out := make([]byte, 512)
	_, err := d.Read(context.Background(), off, out)
	require.NoError(t, err)
	for i, v := range out {
		require.Equalf(t, pattern, v, "byte %d at offset %d", i, off)
	}
}

// TestMergeForwardPreservesContentAcrossRange writes distinct patterns
// into overlapping offsets across a base<-diff1<-diff2<-diff3 chain, then
// forward-merges diff1 into diff3 across the diff2 intermediate. Reading
// the merged chain must return exactly what the pre-merge chain returned
// at diff3: the target's own blocks win over every discarded layer, an
// intermediate's blocks win over the source's and survive the merge, and
// base-only ranges still fall through to the base.
func TestMergeForwardPreservesContentAcrossRange(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()
	ctx := context.Background()

	basePath := filepath.Join(dir, "base.vdi")
	diff1Path := filepath.Join(dir, "diff1.vdi")
	diff2Path := filepath.Join(dir, "diff2.vdi")
	diff3Path := filepath.Join(dir, "diff3.vdi")

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: basePath, Size: 8 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(ctx))

	diff1Task, diff1, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: base, Format: "vdi", Path: diff1Path,
	})
	require.NoError(t, err)
	require.NoError(t, diff1Task.RunNow(ctx))

	diff2Task, diff2, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: diff1, Format: "vdi", Path: diff2Path,
	})
	require.NoError(t, err)
	require.NoError(t, diff2Task.RunNow(ctx))

	diff3Task, diff3, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: diff2, Format: "vdi", Path: diff3Path,
	})
	require.NoError(t, err)
	require.NoError(t, diff3Task.RunNow(ctx))

	// base: blocks 0 and 3; diff1 overwrites block 0 and claims block 1;
	// diff2 overwrites block 1 and claims block 2; diff3 overwrites block 0.
	writePattern(t, openChain(t, basePath), 0, 0xAA)
	writePattern(t, openChain(t, basePath), 3<<20+512, 0xAA)
	d1 := openChain(t, diff1Path, basePath)
	writePattern(t, d1, 0, 0xBB)
	writePattern(t, d1, 1<<20, 0xB1)
	d2 := openChain(t, diff2Path, diff1Path, basePath)
	writePattern(t, d2, 1<<20, 0xDD)
	writePattern(t, d2, 2<<20, 0xD2)
	writePattern(t, openChain(t, diff3Path, diff2Path, diff1Path, basePath), 0, 0xCC)

	pre := openChain(t, diff3Path, diff2Path, diff1Path, basePath)
	requirePattern(t, pre, 0, 0xCC)
	requirePattern(t, pre, 1<<20, 0xDD)
	requirePattern(t, pre, 2<<20, 0xD2)
	requirePattern(t, pre, 3<<20+512, 0xAA)

	mergeTask, err := eng.Merge(plat, operation.MergeParams{Source: diff1, Target: diff3})
	require.NoError(t, err)
	require.NoError(t, mergeTask.RunNow(ctx))

	_, stillThere := eng.Tree.FindByID(diff1.ID)
	require.False(t, stillThere)
	_, stillThere = eng.Tree.FindByID(diff2.ID)
	require.False(t, stillThere)
	parent, ok := eng.Tree.Parent(diff3)
	require.True(t, ok)
	require.Equal(t, base.ID, parent.ID)

	post := openChain(t, diff3Path, basePath)
	requirePattern(t, post, 0, 0xCC)        // target's own block won over diff1's 0xBB
	requirePattern(t, post, 1<<20, 0xDD)    // diff2 won over diff1's 0xB1
	requirePattern(t, post, 2<<20, 0xD2)    // diff2's unique block survived
	requirePattern(t, post, 3<<20+512, 0xAA) // base-only range still falls through
}

// TestMergeBackwardAbsorbsSourceContent checks the other direction of the
// content law: the base (target) absorbs the source's blocks -- the
// source's bytes win over the target's own where they overlap -- while
// untouched target blocks survive.
func TestMergeBackwardAbsorbsSourceContent(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()
	ctx := context.Background()

	basePath := filepath.Join(dir, "base.vdi")
	diff1Path := filepath.Join(dir, "diff1.vdi")

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: basePath, Size: 4 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(ctx))

	diff1Task, diff1, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: base, Format: "vdi", Path: diff1Path,
	})
	require.NoError(t, err)
	require.NoError(t, diff1Task.RunNow(ctx))

	b := openChain(t, basePath)
	writePattern(t, b, 0, 0xAA)
	writePattern(t, b, 1<<20, 0xA1)
	writePattern(t, openChain(t, diff1Path, basePath), 0, 0xBB)

	mergeTask, err := eng.Merge(plat, operation.MergeParams{Source: diff1, Target: base})
	require.NoError(t, err)
	require.NoError(t, mergeTask.RunNow(ctx))

	_, stillThere := eng.Tree.FindByID(diff1.ID)
	require.False(t, stillThere)

	post := openChain(t, basePath)
	requirePattern(t, post, 0, 0xBB)     // source's block absorbed into the base
	requirePattern(t, post, 1<<20, 0xA1) // base's untouched block survived
}

// TestMoveRenamesFileInPlace moves a file-backed medium and checks the
// bytes, the medium's location, and the tree's path index all follow.
func TestMoveRenamesFileInPlace(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "a.vdi")
	newPath := filepath.Join(dir, "b.vdi")

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: oldPath, Size: 1 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))

	moveTask, err := eng.Move(plat, operation.MoveParams{Target: base, NewPath: newPath})
	require.NoError(t, err)
	require.NoError(t, moveTask.RunNow(context.Background()))

	require.NoFileExists(t, oldPath)
	require.FileExists(t, newPath)
	require.Equal(t, newPath, base.LocationFull)

	found, ok := eng.Tree.FindByPath(newPath)
	require.True(t, ok)
	require.Same(t, base, found)
	_, ok = eng.Tree.FindByPath(oldPath)
	require.False(t, ok)
}

// TestResetRecreatesEmptyDiff writes into a diff, resets it, and checks
// the content is gone while the id and parent linkage survive.
func TestResetRecreatesEmptyDiff(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()
	ctx := context.Background()

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: filepath.Join(dir, "base.vdi"), Size: 4 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(ctx))

	diffTask, diff, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: base, Format: "vdi", Path: filepath.Join(dir, "diff.vdi"),
	})
	require.NoError(t, err)
	require.NoError(t, diffTask.RunNow(ctx))

	b := vdi.New()
	h, err := b.Open(ctx, diff.LocationFull, vdbackend.OpenNormal, vdbackend.DeviceHardDisk)
	require.NoError(t, err)
	_, err = b.Write(ctx, h, 0, []byte("diff content to discard"), nil, 0)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx, h, false))

	resetTask, err := eng.Reset(plat, diff)
	require.NoError(t, err)
	require.NoError(t, resetTask.RunNow(ctx))

	h2, err := b.Open(ctx, diff.LocationFull, vdbackend.OpenReadOnly, vdbackend.DeviceHardDisk)
	require.NoError(t, err)
	defer b.Close(ctx, h2, false)

	gotID, err := b.GetUuid(ctx, h2)
	require.NoError(t, err)
	require.Equal(t, diff.ID.String(), gotID)
	gotParent, err := b.GetParentUuid(ctx, h2)
	require.NoError(t, err)
	require.Equal(t, base.ID.String(), gotParent)

	out := make([]byte, 512)
	n, err := b.Read(ctx, h2, 0, out)
	require.NoError(t, err)
	require.Equal(t, 0, n) // back to unallocated
}

// TestImportThenExportRoundTrip streams a payload into a fresh image and
// streams it back out, expecting identical bytes.
func TestImportThenExportRoundTrip(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()
	ctx := context.Background()

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	inPath := filepath.Join(dir, "in.bin")
	require.NoError(t, os.WriteFile(inPath, payload, 0o600))

	src, err := vfsstream.OpenFile(inPath, false)
	require.NoError(t, err)

	impTask, imported, err := eng.Import(plat, operation.ImportParams{
		Format: "vdi", Path: filepath.Join(dir, "imported.vdi"),
		DeviceType: medium.HardDisk, Stream: src, Size: int64(len(payload)),
	})
	require.NoError(t, err)
	require.NoError(t, impTask.RunNow(ctx))

	size, _ := imported.SizeAndLogicalSize()
	require.EqualValues(t, len(payload), size)

	outPath := filepath.Join(dir, "out.bin")
	sink, err := vfsstream.OpenFile(outPath, true)
	require.NoError(t, err)

	expTask, err := eng.Export(plat, operation.ExportParams{Source: imported, Stream: sink})
	require.NoError(t, err)
	require.NoError(t, expTask.RunNow(ctx))

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestCreateDiffSnapshotTakeAllowsAttachedParent: a parent attached to a
// machine's current state rejects a plain CreateDiff but accepts one
// running as part of a snapshot take.
func TestCreateDiffSnapshotTakeAllowsAttachedParent(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: filepath.Join(dir, "base.vdi"), Size: 1 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(context.Background()))
	require.NoError(t, base.AddBackRef("vm-1", ""))

	_, _, err = eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: base, Format: "vdi", Path: filepath.Join(dir, "rejected.vdi"),
	})
	require.ErrorIs(t, err, vderr.ErrObjectInUse)

	diffTask, diff, err := eng.CreateDiff(plat, operation.CreateDiffParams{
		Parent: base, Format: "vdi", Path: filepath.Join(dir, "snap.vdi"),
		SnapshotTake: true,
	})
	require.NoError(t, err)
	require.NoError(t, diffTask.RunNow(context.Background()))
	require.Equal(t, base.ID, diff.ParentID)
}

// TestCloneWithTargetParentCreatesDiff clones a source base into a diff
// parented under another base and checks linkage and content both took.
func TestCloneWithTargetParentCreatesDiff(t *testing.T) {
	eng, plat := newEngine(t)
	dir := t.TempDir()
	ctx := context.Background()

	srcTask, src, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: filepath.Join(dir, "src.vdi"), Size: 1 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, srcTask.RunNow(ctx))

	payload := []byte("content to carry into the clone")
	b := vdi.New()
	h, err := b.Open(ctx, src.LocationFull, vdbackend.OpenNormal, vdbackend.DeviceHardDisk)
	require.NoError(t, err)
	_, err = b.Write(ctx, h, 0, payload, nil, 0)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx, h, false))

	parentTask, parentBase, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: filepath.Join(dir, "parent.vdi"), Size: 1 << 20,
		Variant: medium.VariantDynamic, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, parentTask.RunNow(ctx))

	cloneTask, clone, err := eng.Clone(plat, operation.CloneParams{
		Source: src, TargetFormat: "vdi", TargetPath: filepath.Join(dir, "clone.vdi"),
		TargetParent: parentBase, Variant: medium.VariantDynamic,
	})
	require.NoError(t, err)
	require.NoError(t, cloneTask.RunNow(ctx))

	require.Equal(t, parentBase.ID, clone.ParentID)
	treeParent, ok := eng.Tree.Parent(clone)
	require.True(t, ok)
	require.Same(t, parentBase, treeParent)

	h2, err := b.Open(ctx, clone.LocationFull, vdbackend.OpenReadOnly, vdbackend.DeviceHardDisk)
	require.NoError(t, err)
	defer b.Close(ctx, h2, false)

	onDiskParent, err := b.GetParentUuid(ctx, h2)
	require.NoError(t, err)
	require.Equal(t, parentBase.ID.String(), onDiskParent)

	out := make([]byte, len(payload))
	n, err := b.Read(ctx, h2, 0, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}

// TestEncryptDecryptResolvesOldPasswordFromStore decrypts without passing
// the old password: the task must resolve it by the stored CRYPT/KeyId
// through the platform's secret store, where the encrypt pass parked it.
func TestEncryptDecryptResolvesOldPasswordFromStore(t *testing.T) {
	eng, plat := newEngine(t)
	path := filepath.Join(t.TempDir(), "base.vdi")
	ctx := context.Background()

	baseTask, base, err := eng.CreateBase(plat, operation.CreateBaseParams{
		Format: "vdi", Path: path, Size: 2 << 20,
		Variant: medium.VariantFixed, DeviceType: medium.HardDisk,
	})
	require.NoError(t, err)
	require.NoError(t, baseTask.RunNow(ctx))

	encTask, err := eng.Encrypt(plat, operation.EncryptParams{
		Target: base, NewPassword: []byte("hunter2"), NewCipher: "AES-XTS256-PLAIN64", NewKeyID: "key-1",
	})
	require.NoError(t, err)
	require.NoError(t, encTask.RunNow(ctx))

	decTask, err := eng.Encrypt(plat, operation.EncryptParams{Target: base, NewCipher: ""})
	require.NoError(t, err)
	require.NoError(t, decTask.RunNow(ctx))

	_, ok := base.Property("CRYPT/KeyStore")
	require.False(t, ok)
	_, ok = base.Property("CRYPT/KeyId")
	require.False(t, ok)
}
