// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"context"

	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/internal/platform"
	"github.com/virtdisk/vdcore/pkg/locklist"
	"github.com/virtdisk/vdcore/pkg/medium"
)

// Task bundles everything one Operation Engine job needs to run: the
// owning Medium handle, a strong Platform reference (keeps the process
// alive mid-op), an optional Progress, an optional lock list the task
// owns outright (some tasks instead borrow one built by a caller), and
// the execute closure itself.
type Task struct {
	Name     string
	Medium   *medium.Medium
	Platform *platform.Platform
	Progress *Progress
	Locks    *locklist.List
	Log      *zap.Logger

	execute func(ctx context.Context) error
}

// RunNow executes synchronously on the calling goroutine, releasing its
// Progress on return.
func (t *Task) RunNow(ctx context.Context) error {
	err := t.execute(ctx)
	if t.Progress != nil {
		t.Progress.complete(err)
	}
	return err
}

// CreateThread spawns a worker goroutine that runs execute and notifies
// Progress on completion; it returns immediately, leaving the caller to
// poll or Wait on Progress.
func (t *Task) CreateThread(ctx context.Context) {
	go func() {
		err := t.execute(ctx)
		if t.Progress != nil {
			t.Progress.complete(err)
		}
	}()
}
