// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package medium

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/virtdisk/vdcore/internal/vderr"
)

// BackRef tracks one machine's attachments to a Medium: whether it's
// attached to the machine's current state, its plain reference count, and
// per-snapshot reference counts.
type BackRef struct {
	InCurrentState bool
	RefCount       int
	SnapshotRefs   map[string]int // snapshotId -> refCount
}

// Medium is a single image node. Parent/child links are stored as ids
// rather than pointers; the owning arena is mediumtree.Tree, which alone
// may mutate ParentID/ChildIDs, under its own write lock.
type Medium struct {
	mu sync.Mutex

	ID uuid.UUID

	// ParentID is the zero UUID for a base medium.
	ParentID uuid.UUID
	ChildIDs []uuid.UUID

	state        State
	preLockState State // meaningful only while state is LockedRead/LockedWrite
	readers      int

	DeviceType DeviceType
	MediumType MediumType
	Variant    Variant
	Format     string

	LocationFull string
	Size         int64
	LogicalSize  int64

	BackRefs   map[string]*BackRef
	Registries []string
	Properties map[string]string

	QueryInfoRunning bool
	LastAccessError  error
	AutoReset        bool

	FClosing           bool
	FMoveThisMedium    bool
	StrNewLocationFull string
}

// New constructs a Medium in NotCreated state, the starting point for
// CreateBase/CreateDiff.
func New(id uuid.UUID, deviceType DeviceType, format string) *Medium {
	return &Medium{
		ID:         id,
		state:      NotCreated,
		DeviceType: deviceType,
		Format:     format,
		BackRefs:   make(map[string]*BackRef),
		Properties: make(map[string]string),
	}
}

func (m *Medium) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Medium) Readers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readers
}

// Lock exposes the raw per-medium object lock for callers (QueryInfo,
// property setters) that need to hold it across several field reads/writes
// without going through one of the named transitions below. A goroutine
// that holds this lock must not then take the Tree lock.
func (m *Medium) Lock()      { m.mu.Lock() }
func (m *Medium) UnlockRaw() { m.mu.Unlock() } // named distinctly from the state-machine UnlockMedium below

// --- state machine transitions ---

func (m *Medium) CreateBegin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != NotCreated {
		return vderr.State("create", m.state)
	}
	m.state = Creating
	return nil
}

func (m *Medium) CreateSucceed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Creating {
		return vderr.State("finish create", m.state)
	}
	m.state = Created
	return nil
}

func (m *Medium) CreateFail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Creating {
		return vderr.State("fail create", m.state)
	}
	m.state = NotCreated
	return nil
}

// LockReadMedium acquires a read lock, entering LockedRead and bumping the
// reader count. Zero-reader entry records the state to restore on unlock;
// a medium already marked Deleting keeps that mark as its pre-lock state.
func (m *Medium) LockReadMedium() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case LockedRead:
		m.readers++
		return nil
	case Created, Inaccessible, Deleting:
		m.preLockState = m.state
		m.state = LockedRead
		m.readers = 1
		return nil
	default:
		return vderr.State("lock for read", m.state)
	}
}

// LockWriteMedium acquires the exclusive write lock, entering LockedWrite.
// As with LockReadMedium, a Deleting medium stays marked through the lock.
func (m *Medium) LockWriteMedium() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Created && m.state != Inaccessible && m.state != Deleting {
		return vderr.State("lock for write", m.state)
	}
	m.preLockState = m.state
	m.state = LockedWrite
	return nil
}

// UnlockMedium releases one read lock (or the write lock) and, once the
// reader count drops to zero, restores preLockState -- which may itself be
// Deleting if MarkLockedForDeletion ran while the lock was held.
func (m *Medium) UnlockMedium() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case LockedWrite:
		m.state = m.preLockState
		return nil
	case LockedRead:
		if m.readers == 0 {
			return vderr.State("unlock", m.state)
		}
		m.readers--
		if m.readers == 0 {
			m.state = m.preLockState
		}
		return nil
	default:
		return vderr.State("unlock", m.state)
	}
}

// MarkForDeletion transitions Created directly to Deleting, or -- if the
// medium is currently locked -- stages Deleting as the state to restore to
// on unlock.
func (m *Medium) MarkForDeletion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Created:
		m.state = Deleting
		return nil
	case LockedRead, LockedWrite:
		m.preLockState = Deleting
		return nil
	default:
		return vderr.State("mark for deletion", m.state)
	}
}

// UnmarkForDeletion reverts a Deleting (or staged-Deleting) medium back to
// Created, used by cancel paths such as an aborted merge.
func (m *Medium) UnmarkForDeletion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Deleting:
		m.state = Created
		return nil
	case LockedRead, LockedWrite:
		if m.preLockState == Deleting {
			m.preLockState = Created
			return nil
		}
		return nil
	default:
		return vderr.State("unmark for deletion", m.state)
	}
}

// DeletionPending reports whether this medium is marked for deletion,
// either directly (Deleting) or staged behind an outstanding lock.
func (m *Medium) DeletionPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Deleting:
		return true
	case LockedRead, LockedWrite:
		return m.preLockState == Deleting
	default:
		return false
	}
}

// RevertDeleting restores a Deleting medium to the given state directly,
// used when the owning Operation rolls back before the lock-list protocol
// ever locked it.
func (m *Medium) RevertDeleting(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Deleting {
		return vderr.State("revert deleting", m.state)
	}
	m.state = to
	return nil
}

func (m *Medium) QueryInfoFail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Created && m.state != Inaccessible {
		return vderr.State("queryInfo", m.state)
	}
	m.state = Inaccessible
	return nil
}

func (m *Medium) QueryInfoOk() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Created && m.state != Inaccessible {
		return vderr.State("queryInfo", m.state)
	}
	m.state = Created
	return nil
}

// CloseStorage asserts the medium is closable (Created, Inaccessible, or
// Deleting via a delete/merge commit, with no children -- enforced by the
// caller/tree) and marks it uninitialized. The medium is not usable after
// this returns nil.
func (m *Medium) CloseStorage() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Created && m.state != Inaccessible && m.state != Deleting {
		return vderr.State("close", m.state)
	}
	m.state = NotCreated
	return nil
}

// --- property / back-reference helpers ---

func (m *Medium) SetProperty(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Properties[key] = value
}

func (m *Medium) Property(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.Properties[key]
	return v, ok
}

func (m *Medium) DeleteProperty(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Properties, key)
}

// AddBackRef records an attachment from machineID, optionally scoped to a
// snapshot. Immutable/MultiAttach mediums may not be
// attached to a machine's *current* state.
func (m *Medium) AddBackRef(machineID string, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snapshotID == "" && (m.MediumType == Immutable || m.MediumType == MultiAttach) {
		return fmt.Errorf("%w: %s mediums cannot attach to a machine's current state", vderr.ErrInvalidObjectState, m.MediumType)
	}

	ref, ok := m.BackRefs[machineID]
	if !ok {
		ref = &BackRef{SnapshotRefs: make(map[string]int)}
		m.BackRefs[machineID] = ref
	}
	if snapshotID == "" {
		ref.InCurrentState = true
		ref.RefCount++
	} else {
		ref.SnapshotRefs[snapshotID]++
	}
	return nil
}

func (m *Medium) RemoveBackRef(machineID string, snapshotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.BackRefs[machineID]
	if !ok {
		return
	}
	if snapshotID == "" {
		ref.InCurrentState = false
		if ref.RefCount > 0 {
			ref.RefCount--
		}
	} else if ref.SnapshotRefs[snapshotID] > 0 {
		ref.SnapshotRefs[snapshotID]--
		if ref.SnapshotRefs[snapshotID] == 0 {
			delete(ref.SnapshotRefs, snapshotID)
		}
	}
	if !ref.InCurrentState && ref.RefCount == 0 && len(ref.SnapshotRefs) == 0 {
		delete(m.BackRefs, machineID)
	}
}

// BackRefCount is the total number of attachments across all machines,
// used by Delete/Merge for in-use checks.
func (m *Medium) BackRefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, r := range m.BackRefs {
		total += r.RefCount
		for _, c := range r.SnapshotRefs {
			total += c
		}
	}
	return total
}

// InCurrentState reports whether any machine has this medium attached to
// its current (non-snapshot) state. CreateDiff rejects such a parent
// unless it is running as part of a snapshot take.
func (m *Medium) InCurrentState() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range m.BackRefs {
		if ref.InCurrentState {
			return true
		}
	}
	return false
}

// HasOnlyBackRef reports whether this medium's sole attachment belongs to
// machineID. Merge requires this of the medium it discards.
func (m *Medium) HasOnlyBackRef(machineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.BackRefs) != 1 {
		return false
	}
	_, ok := m.BackRefs[machineID]
	return ok
}

// IsDiff reports whether this medium has a parent.
func (m *Medium) IsDiff() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ParentID != uuid.Nil
}

func (m *Medium) ChildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ChildIDs)
}

// SetSize updates the cached byte size and logical size. Only QueryInfo
// and completed operations call this.
func (m *Medium) SetSize(size, logicalSize int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Size = size
	m.LogicalSize = logicalSize
}

func (m *Medium) SizeAndLogicalSize() (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Size, m.LogicalSize
}

// SetQueryInfoRunning flips the single-flight flag under the object lock
// and returns whether it actually changed (false means it was already at
// that value, letting callers detect a race).
func (m *Medium) SetQueryInfoRunning(running bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueryInfoRunning == running {
		return false
	}
	m.QueryInfoRunning = running
	return true
}

func (m *Medium) SetLastAccessError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastAccessError = err
}

func (m *Medium) GetLastAccessError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastAccessError
}
