// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package compute

import (
	"github.com/RobinClowers/materialize/pkg/compute/computepb"
	"github.com/RobinClowers/materialize/pkg/settings"
)

// MaxResultSize caps the byte size of a single peek's finished result.
// A peek exceeding it fails fast instead of exhausting memory.
var MaxResultSize = settings.RegisterByteSizeSetting(
	"compute.peek.result_size_limit",
	"maximum size in bytes of a single peek result",
	1<<30,
)

// DataflowMaxInflightBytes bounds the bytes a dataflow may hold
// buffered before ingestion is pushed back.
var DataflowMaxInflightBytes = settings.RegisterByteSizeSetting(
	"compute.dataflow.max_inflight_bytes",
	"maximum number of in-flight bytes buffered per dataflow",
	256<<20,
)

// EnableDeltaJoin toggles the alternate join strategy in newly created
// dataflows.
var EnableDeltaJoin = settings.RegisterBoolSetting(
	"compute.join.enable_delta",
	"use the delta join strategy for newly created dataflows",
	false,
)

// ApplyParams folds an UpdateConfiguration payload into sv. Nil fields
// leave their setting untouched. The new values govern subsequently
// issued commands only.
func ApplyParams(sv *settings.Values, p computepb.Params) {
	if p.MaxResultSize != nil {
		MaxResultSize.Override(sv, *p.MaxResultSize)
	}
	if p.DataflowMaxInflightBytes != nil {
		DataflowMaxInflightBytes.Override(sv, *p.DataflowMaxInflightBytes)
	}
	if p.EnableDeltaJoin != nil {
		EnableDeltaJoin.Override(sv, *p.EnableDeltaJoin)
	}
}
