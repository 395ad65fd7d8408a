// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package mediumtree_test

import (
	"testing"

	approvaltests "github.com/approvals/go-approval-tests"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/mediumtree"
)

func createdMedium(format string) *medium.Medium {
	m := medium.New(uuid.New(), medium.HardDisk, format)
	_ = m.CreateBegin()
	_ = m.CreateSucceed()
	return m
}

func TestRegisterMediumMergeOnLoad(t *testing.T) {
	tree := mediumtree.New()
	m := createdMedium("vdi")

	first, err := tree.RegisterMedium(m)
	require.NoError(t, err)
	require.Same(t, m, first)

	dup := medium.New(m.ID, medium.HardDisk, "vdi")
	second, err := tree.RegisterMedium(dup)
	require.NoError(t, err)
	require.Same(t, m, second) // existing wins, dup discarded
}

func TestRegisterMediumHardDiskMultipleRegistriesRejected(t *testing.T) {
	tree := mediumtree.New()
	m := createdMedium("vdi")
	m.Registries = []string{"machine-a", "machine-b"}

	_, err := tree.RegisterMedium(m)
	require.Error(t, err)
}

func TestRegisterMediumParentNotFound(t *testing.T) {
	tree := mediumtree.New()
	child := createdMedium("vdi")
	child.ParentID = uuid.New()

	_, err := tree.RegisterMedium(child)
	require.Error(t, err)
}

func TestRegisterMediumExceedsDepthLimit(t *testing.T) {
	tree := mediumtree.New()
	prev := createdMedium("vdi")
	_, err := tree.RegisterMedium(prev)
	require.NoError(t, err)

	for i := 0; i < mediumtree.MaxDepth; i++ {
		next := createdMedium("vdi")
		next.ParentID = prev.ID
		_, err := tree.RegisterMedium(next)
		require.NoError(t, err)
		prev = next
	}

	tooDeep := createdMedium("vdi")
	tooDeep.ParentID = prev.ID
	_, err = tree.RegisterMedium(tooDeep)
	require.Error(t, err)
}

func TestUnregisterMediumRejectsWithChildren(t *testing.T) {
	tree := mediumtree.New()
	base := createdMedium("vdi")
	_, err := tree.RegisterMedium(base)
	require.NoError(t, err)

	diff := createdMedium("vdi")
	diff.ParentID = base.ID
	_, err = tree.RegisterMedium(diff)
	require.NoError(t, err)

	require.Error(t, tree.UnregisterMedium(base))
	require.NoError(t, tree.UnregisterMedium(diff))
	require.NoError(t, tree.UnregisterMedium(base))

	_, ok := tree.FindByID(base.ID)
	require.False(t, ok)
}

func TestSetParentAndDeparent(t *testing.T) {
	tree := mediumtree.New()
	base1 := createdMedium("vdi")
	base2 := createdMedium("vdi")
	child := createdMedium("vdi")
	require.NoError(t, registerAll(tree, base1, base2, child))

	require.NoError(t, tree.SetParent(child, base1))
	require.Equal(t, base1.ID, child.ParentID)
	require.Contains(t, base1.ChildIDs, child.ID)

	require.NoError(t, tree.SetParent(child, base2))
	require.Equal(t, base2.ID, child.ParentID)
	require.NotContains(t, base1.ChildIDs, child.ID)
	require.Contains(t, base2.ChildIDs, child.ID)

	require.NoError(t, tree.Deparent(child))
	require.Equal(t, uuid.Nil, child.ParentID)
	require.NotContains(t, base2.ChildIDs, child.ID)
}

func TestFindByPathAndRenameLocation(t *testing.T) {
	tree := mediumtree.New()
	m := createdMedium("vdi")
	m.LocationFull = "/disks/a.vdi"
	require.NoError(t, registerAll(tree, m))

	found, ok := tree.FindByPath("/disks/a.vdi")
	require.True(t, ok)
	require.Equal(t, m.ID, found.ID)

	// reindex while m still carries its old path, as Move does
	tree.RenameLocation(m, "/disks/a-renamed.vdi")
	m.LocationFull = "/disks/a-renamed.vdi"

	_, ok = tree.FindByPath("/disks/a.vdi")
	require.False(t, ok)
	found, ok = tree.FindByPath("/disks/a-renamed.vdi")
	require.True(t, ok)
	require.Equal(t, m.ID, found.ID)
}

func TestParentChildrenAndDepth(t *testing.T) {
	tree := mediumtree.New()
	base := createdMedium("vdi")
	diff1 := createdMedium("vdi")
	diff2 := createdMedium("vdi")
	diff1.ParentID = base.ID
	diff2.ParentID = diff1.ID
	require.NoError(t, registerAll(tree, base, diff1, diff2))

	require.Equal(t, 0, tree.Depth(base))
	require.Equal(t, 1, tree.Depth(diff1))
	require.Equal(t, 2, tree.Depth(diff2))

	parent, ok := tree.Parent(diff2)
	require.True(t, ok)
	require.Equal(t, diff1.ID, parent.ID)

	children := tree.Children(base)
	require.Len(t, children, 1)
	require.Equal(t, diff1.ID, children[0].ID)
}

func TestWalkVisitsEveryRegisteredMedium(t *testing.T) {
	tree := mediumtree.New()
	base := createdMedium("vdi")
	diff1 := createdMedium("vdi")
	diff2 := createdMedium("vdi")
	diff1.ParentID = base.ID
	diff2.ParentID = base.ID
	require.NoError(t, registerAll(tree, base, diff1, diff2))

	seen := map[uuid.UUID]bool{}
	tree.Walk(func(m *medium.Medium) bool {
		seen[m.ID] = true
		return true
	})
	require.True(t, seen[base.ID])
	require.True(t, seen[diff1.ID])
	require.True(t, seen[diff2.ID])
}

func TestWalkStopDescentSkipsChildren(t *testing.T) {
	tree := mediumtree.New()
	base := createdMedium("vdi")
	diff1 := createdMedium("vdi")
	diff1.ParentID = base.ID
	require.NoError(t, registerAll(tree, base, diff1))

	seen := map[uuid.UUID]bool{}
	tree.Walk(func(m *medium.Medium) bool {
		seen[m.ID] = true
		return m.ID != base.ID // refuse to descend past base
	})
	require.True(t, seen[base.ID])
	require.False(t, seen[diff1.ID])
}

// TestDumpRendersOrderedChainApproval exercises Tree.Dump on a small fixed
// base<-diff1<-diff2 chain, approval-tested against a checked-in fixture.
func TestDumpRendersOrderedChainApproval(t *testing.T) {
	tree := mediumtree.New()
	base := medium.New(uuid.MustParse("00000000-0000-0000-0000-000000000001"), medium.HardDisk, "vdi")
	diff1 := medium.New(uuid.MustParse("00000000-0000-0000-0000-000000000002"), medium.HardDisk, "vdi")
	diff2 := medium.New(uuid.MustParse("00000000-0000-0000-0000-000000000003"), medium.HardDisk, "vdi")
	diff1.ParentID = base.ID
	diff2.ParentID = diff1.ID

	for _, m := range []*medium.Medium{base, diff1, diff2} {
		require.NoError(t, m.CreateBegin())
		require.NoError(t, m.CreateSucceed())
		m.SetSize(0, 0)
	}
	base.SetSize(67108864, 67108864)

	require.NoError(t, registerAll(tree, base, diff1, diff2))

	approvaltests.VerifyString(t, tree.Dump())
}

func registerAll(tree *mediumtree.Tree, ms ...*medium.Medium) error {
	for _, m := range ms {
		if _, err := tree.RegisterMedium(m); err != nil {
			return err
		}
	}
	return nil
}
