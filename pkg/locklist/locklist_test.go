// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package locklist_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/mediumtree"
)

// chain builds a base<-diff1<-diff2 (0->1->2) registered into tree, all
// already Created.
func chain(t *testing.T, tree *mediumtree.Tree) (base, diff1, diff2 *medium.Medium) {
	t.Helper()
	newCreated := func() *medium.Medium {
		m := medium.New(uuid.New(), medium.HardDisk, "vdi")
		require.NoError(t, m.CreateBegin())
		require.NoError(t, m.CreateSucceed())
		return m
	}
	base = newCreated()
	diff1 = newCreated()
	diff2 = newCreated()
	diff1.ParentID = base.ID
	diff2.ParentID = diff1.ID

	_, err := tree.RegisterMedium(base)
	require.NoError(t, err)
	_, err = tree.RegisterMedium(diff1)
	require.NoError(t, err)
	_, err = tree.RegisterMedium(diff2)
	require.NoError(t, err)
	return base, diff1, diff2
}

func TestBuildOrdersRootToLeaf(t *testing.T) {
	tree := mediumtree.New()
	base, diff1, diff2 := chain(t, tree)

	list, err := locklist.Build(context.Background(), tree, diff2, nil, locklist.BuildOptions{})
	require.NoError(t, err)

	entries := list.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, base.ID, entries[0].Medium.ID)
	require.Equal(t, diff1.ID, entries[1].Medium.ID)
	require.Equal(t, diff2.ID, entries[2].Medium.ID)
	for _, e := range entries {
		require.Equal(t, locklist.Read, e.Intent)
	}
}

func TestBuildLockWriteTargetOnlyMarksThatEntry(t *testing.T) {
	tree := mediumtree.New()
	base, diff1, diff2 := chain(t, tree)

	list, err := locklist.Build(context.Background(), tree, diff2, nil, locklist.BuildOptions{LockWriteTarget: diff2})
	require.NoError(t, err)

	entries := list.Entries()
	require.Equal(t, locklist.Read, entries[0].Intent)
	require.Equal(t, locklist.Read, entries[1].Intent)
	require.Equal(t, locklist.Write, entries[2].Intent)
	_ = base
	_ = diff1
}

func TestLockThenUnlockRestoresStates(t *testing.T) {
	tree := mediumtree.New()
	_, _, diff2 := chain(t, tree)

	list, err := locklist.Build(context.Background(), tree, diff2, nil, locklist.BuildOptions{LockWriteTarget: diff2})
	require.NoError(t, err)

	require.NoError(t, list.Lock(false))
	for _, e := range list.Entries() {
		if e.Intent == locklist.Write {
			require.Equal(t, medium.LockedWrite, e.Medium.State())
		} else {
			require.Equal(t, medium.LockedRead, e.Medium.State())
		}
	}

	list.Unlock()
	for _, e := range list.Entries() {
		require.Equal(t, medium.Created, e.Medium.State())
	}
}

func TestLockFailurePartwayReleasesAllAcquired(t *testing.T) {
	tree := mediumtree.New()
	base, diff1, diff2 := chain(t, tree)

	// Pre-lock the leaf for write so the list read-locks base and diff1
	// first and then fails on diff2.
	require.NoError(t, diff2.LockWriteMedium())

	list, err := locklist.Build(context.Background(), tree, diff2, nil, locklist.BuildOptions{})
	require.NoError(t, err)

	err = list.Lock(false)
	require.Error(t, err)

	// Everything the list itself acquired before failing must be released;
	// diff2 keeps its pre-existing write lock since the list never acquired it.
	require.Equal(t, medium.Created, base.State())
	require.Equal(t, medium.Created, diff1.State())
	require.Equal(t, medium.LockedWrite, diff2.State())
}

func TestSkipOverLockedAcceptsAlreadyHeldState(t *testing.T) {
	tree := mediumtree.New()
	base, _, diff2 := chain(t, tree)
	require.NoError(t, base.LockReadMedium())

	list, err := locklist.Build(context.Background(), tree, diff2, nil, locklist.BuildOptions{})
	require.NoError(t, err)

	require.NoError(t, list.Lock(true))
	require.Equal(t, 1, base.Readers()) // skip-over: not double-incremented

	// the list never acquired base, so unlocking it leaves the caller's
	// original read lock in place
	list.Unlock()
	require.Equal(t, medium.LockedRead, base.State())
	require.NoError(t, base.UnlockMedium())
	require.Equal(t, medium.Created, base.State())
}

// refreshFailer always reports the medium as still Inaccessible.
type refreshFailer struct{}

func (refreshFailer) Refresh(ctx context.Context, m *medium.Medium) error { return nil }

func TestFailIfInaccessibleFalseOmitsMissingLeaf(t *testing.T) {
	tree := mediumtree.New()
	base, diff1, diff2 := chain(t, tree)
	require.NoError(t, diff2.QueryInfoFail())
	require.Equal(t, medium.Inaccessible, diff2.State())

	list, err := locklist.Build(context.Background(), tree, diff2, refreshFailer{}, locklist.BuildOptions{FailIfInaccessible: false})
	require.NoError(t, err)

	entries := list.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, base.ID, entries[0].Medium.ID)
	require.Equal(t, diff1.ID, entries[1].Medium.ID)
}

func TestFailIfInaccessibleTrueErrors(t *testing.T) {
	tree := mediumtree.New()
	_, _, diff2 := chain(t, tree)
	require.NoError(t, diff2.QueryInfoFail())

	_, err := locklist.Build(context.Background(), tree, diff2, refreshFailer{}, locklist.BuildOptions{FailIfInaccessible: true})
	require.Error(t, err)
}
