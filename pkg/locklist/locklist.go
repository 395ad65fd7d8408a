// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package locklist implements the ordered lock-list protocol: an
// atomically-acquired set of read/write intents over an entire parent
// chain, built root-to-leaf so that every lock list in the system shares a
// single global lock order and lock lists alone can never deadlock.
package locklist

import (
	"context"
	"fmt"

	"github.com/virtdisk/vdcore/internal/vderr"
	"github.com/virtdisk/vdcore/pkg/medium"
	"github.com/virtdisk/vdcore/pkg/mediumtree"
)

// Intent is the lock mode requested for one entry.
type Intent int

const (
	Read Intent = iota
	Write
)

// Entry is one (Medium, intent) pair and tracks whether this list actually
// holds the lock on it (so Unlock only releases what Lock acquired).
type Entry struct {
	Medium *medium.Medium
	Intent Intent
	locked bool
}

// Refresher is the caller-supplied hook Build uses to retry Inaccessible
// nodes before including them. Kept as an interface rather than a direct
// dependency on package queryinfo so the two packages don't need to know
// about each other.
type Refresher interface {
	Refresh(ctx context.Context, m *medium.Medium) error
}

// List is an ordered, root-to-leaf collection of lock entries.
type List struct {
	entries []*Entry
}

// BuildOptions configures Build.
type BuildOptions struct {
	// LockWriteTarget, if set, receives Write intent; all others get Read
	// unless LockAllWrite is set.
	LockWriteTarget *medium.Medium
	LockAllWrite    bool
	// ParentToBe extends the walk past start's (possibly absent) parent,
	// used when prepping for a diff that doesn't have a parent pointer yet.
	ParentToBe *medium.Medium
	// FailIfInaccessible: if false, a node that is still Inaccessible after
	// refresh is silently omitted instead of failing the whole build (used
	// at VM startup so a missing ISO doesn't abort the VM).
	FailIfInaccessible bool
}

// Build walks start -> parents (via tree) and returns the ordered list,
// refreshing any Inaccessible node it encounters through refresh.
func Build(ctx context.Context, tree *mediumtree.Tree, start *medium.Medium, refresh Refresher, opts BuildOptions) (*List, error) {
	// Walk root-to-leaf: first collect leaf-to-root, then reverse.
	chain := []*medium.Medium{}
	cur := start
	for cur != nil {
		chain = append(chain, cur)
		parent, ok := tree.Parent(cur)
		if !ok {
			break
		}
		cur = parent
	}
	if opts.ParentToBe != nil {
		chain = append(chain, opts.ParentToBe)
	}

	// reverse in place: chain was leaf->root(->parentToBe); lock order is root->leaf.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	l := &List{}
	for _, m := range chain {
		if m.State() == medium.Inaccessible && refresh != nil {
			if err := refresh.Refresh(ctx, m); err != nil && opts.FailIfInaccessible {
				return nil, err
			}
			if m.State() == medium.Inaccessible {
				if opts.FailIfInaccessible {
					return nil, fmt.Errorf("%w: medium %s is inaccessible", vderr.ErrObjectNotFound, m.ID)
				}
				continue // still inaccessible, omit
			}
		}

		intent := Read
		if opts.LockAllWrite || (opts.LockWriteTarget != nil && m == opts.LockWriteTarget) {
			intent = Write
		}
		l.entries = append(l.entries, &Entry{Medium: m, Intent: intent})
	}
	return l, nil
}

// Entries exposes the ordered entries for callers that need to inspect
// roles (Operation Engine's Merge asserting Deleting/LockedRead/LockedWrite).
func (l *List) Entries() []*Entry { return l.entries }

func (l *List) Contains(m *medium.Medium) bool {
	for _, e := range l.entries {
		if e.Medium == m {
			return true
		}
	}
	return false
}

// Lock acquires every entry's lock in list order. If skipOverLocked is set,
// a node already in the desired locked state is accepted without bumping
// its counter, for lists that overlap another list already held by the
// caller. Any failure releases everything this call acquired, in reverse
// order, and returns the first error.
func (l *List) Lock(skipOverLocked bool) error {
	for i, e := range l.entries {
		if skipOverLocked {
			st := e.Medium.State()
			if (e.Intent == Read && st == medium.LockedRead) || (e.Intent == Write && st == medium.LockedWrite) {
				continue // already locked by an overlapping list; don't double-acquire
			}
		}

		var err error
		if e.Intent == Write {
			err = e.Medium.LockWriteMedium()
		} else {
			err = e.Medium.LockReadMedium()
		}
		if err != nil {
			l.unlockThrough(i - 1)
			return err
		}
		e.locked = true
	}
	return nil
}

// Unlock releases every entry this list locked, in reverse order.
func (l *List) Unlock() {
	l.unlockThrough(len(l.entries) - 1)
}

func (l *List) unlockThrough(last int) {
	for i := last; i >= 0; i-- {
		e := l.entries[i]
		if !e.locked {
			continue
		}
		_ = e.Medium.UnlockMedium()
		e.locked = false
	}
}
