// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package vderr declares the sentinel errors that make up the core's error
// taxonomy and a MultiError for collecting sub-errors from multi-step
// commits. Callers wrap these with fmt.Errorf("%w: ...") and match with
// errors.Is at the boundary.
package vderr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidObjectState: operation not permitted in the Medium's current state.
	ErrInvalidObjectState = errors.New("invalid object state")
	// ErrObjectInUse: a medium has attachments, children, or outstanding tasks blocking the action.
	ErrObjectInUse = errors.New("object in use")
	// ErrObjectNotFound: no medium with the given id/path, or missing parent during open.
	ErrObjectNotFound = errors.New("object not found")
	// ErrFileError: backend I/O failure.
	ErrFileError = errors.New("file error")
	// ErrGeometryNotSet: backend supports CHS but no geometry is recorded.
	ErrGeometryNotSet = errors.New("geometry not set")
	// ErrDiscardAlignmentNotMet: partial-discard response.
	ErrDiscardAlignmentNotMet = errors.New("discard alignment not met")
	// ErrPasswordIncorrect: crypto filter rejected the password.
	ErrPasswordIncorrect = errors.New("password incorrect")
	// ErrPasswordRequired: encrypted medium opened without a password.
	ErrPasswordRequired = errors.New("password required")
	// ErrExceedsDepthLimit: chain depth would exceed the configured maximum.
	ErrExceedsDepthLimit = errors.New("exceeds depth limit")
	// ErrNotSupported: capability absent.
	ErrNotSupported = errors.New("not supported")
	// ErrNotImplemented: reserved for placeholders.
	ErrNotImplemented = errors.New("not implemented")
	// ErrTimeout: only on the DataStream read path.
	ErrTimeout = errors.New("timeout")
	// ErrFileTooBig.
	ErrFileTooBig = errors.New("file too big")
	// ErrGeneric is the catch-all for backend errors that don't map onto a named category.
	ErrGeneric = errors.New("generic error")

	// ErrUnrelated: merge source/target share no ancestor relationship.
	ErrUnrelated = errors.New("mediums are unrelated")
	// ErrShrinkNotSupported: resize to a smaller logical size was requested.
	ErrShrinkNotSupported = errors.New("shrink not supported")
)

// State wraps ErrInvalidObjectState naming the offending state.
func State(op string, current fmt.Stringer) error {
	return fmt.Errorf("%w: cannot %s while in state %s", ErrInvalidObjectState, op, current)
}

// Backend wraps a backend's own error text under a local reason line:
// "<local reason>.\n<backend details>".
func Backend(reason string, backendErr error) error {
	if backendErr == nil {
		return errors.New(reason)
	}
	return fmt.Errorf("%s.\n%w", reason, fmt.Errorf("%w: %v", ErrFileError, backendErr))
}

// MultiError collects sub-errors during a multi-step operation commit
// (Merge, Import): the first error wins for Is/As/Unwrap purposes but every
// error appended is preserved for the caller to inspect.
type MultiError struct {
	Errors []error
}

func (m *MultiError) Append(err error) {
	if err == nil {
		return
	}
	m.Errors = append(m.Errors, err)
}

func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

func (m *MultiError) ErrorOrNil() error {
	if !m.HasErrors() {
		return nil
	}
	return m
}

func (m *MultiError) Error() string {
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}
	parts := make([]string, len(m.Errors))
	for i, e := range m.Errors {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d errors occurred:\n\t* %s", len(m.Errors), strings.Join(parts, "\n\t* "))
}

// Unwrap lets errors.Is/As see the first (triggering) error.
func (m *MultiError) Unwrap() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m.Errors[0]
}
