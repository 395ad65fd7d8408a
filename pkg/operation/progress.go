// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package operation implements the Operation Engine: the Task/Progress
// async framework and every task shape (CreateBase, CreateDiff, Clone,
// Merge, Resize, Compact, Delete, Import, Export, Move, Reset, Encrypt).
package operation

import "sync"

// Progress is the client-observable handle for a running Task: percentage,
// cancellation, multi-operation sequencing, and completion notification.
type Progress struct {
	mu sync.Mutex

	operations []string
	opIndex    int
	opPercent  int

	canceled bool
	done     bool
	err      error
	waiters  []chan struct{}
}

// NewProgress creates a Progress with the given named sub-operations. A
// task with a single phase passes no operations and gets one named by
// description.
func NewProgress(description string, operations ...string) *Progress {
	if len(operations) == 0 {
		operations = []string{description}
	}
	return &Progress{operations: operations}
}

func (p *Progress) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = true
}

func (p *Progress) IsCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

func (p *Progress) UpdateProgress(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opPercent = percent
}

func (p *Progress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opPercent
}

// NextOperation advances to the next named sub-operation, resetting
// percentage.
func (p *Progress) NextOperation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opIndex < len(p.operations)-1 {
		p.opIndex++
		p.opPercent = 0
	}
}

func (p *Progress) OperationDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.operations[p.opIndex]
}

// complete marks the progress finished and wakes every waiter, called by
// the Task's RunNow/CreateThread paths on return.
func (p *Progress) complete(err error) {
	p.mu.Lock()
	p.done = true
	p.err = err
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Wait blocks until the task completes and returns its terminal error.
func (p *Progress) Wait() error {
	p.mu.Lock()
	if p.done {
		err := p.err
		p.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	<-ch

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Progress) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// AsBackendProgress adapts this Progress to vdbackend.ProgressFn, the
// callback a backend polls between I/O chunks.
func (p *Progress) AsBackendProgress() func(percent int) bool {
	return func(percent int) bool {
		p.UpdateProgress(percent)
		return p.IsCanceled()
	}
}
