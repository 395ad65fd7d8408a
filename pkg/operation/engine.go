// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package operation

import (
	"go.uber.org/zap"

	"github.com/virtdisk/vdcore/pkg/mediumtree"
	"github.com/virtdisk/vdcore/pkg/queryinfo"
)

// Engine constructs Tasks for every operation kind, holding the
// collaborators every task needs in common: the medium tree, the
// QueryInfo protocol (used both directly and as a locklist.Refresher),
// and a structured logger.
type Engine struct {
	Tree      *mediumtree.Tree
	QueryInfo *queryinfo.Protocol
	Log       *zap.Logger
}

func New(tree *mediumtree.Tree, qi *queryinfo.Protocol, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Tree: tree, QueryInfo: qi, Log: log}
}
