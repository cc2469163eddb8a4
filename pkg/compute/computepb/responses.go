// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package computepb

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/RobinClowers/materialize/pkg/compute/rowset"
)

// ComputeResponse is the closed set of messages a replica sends back to
// the coordinator.
type ComputeResponse interface {
	fmt.Stringer
	computeResponse()
}

var (
	_ ComputeResponse = (*FrontierUppers)(nil)
	_ ComputeResponse = (*PeekResult)(nil)
)

// FrontierUpper reports the advanced write frontier of one collection.
type FrontierUpper struct {
	ID    GlobalID     `msgpack:"id"`
	Upper TimeFrontier `msgpack:"upper"`
}

// FrontierUppers notifies the coordinator of write-frontier progress.
// Uppers only ever advance; the coordinator folds them in by join.
type FrontierUppers struct {
	Updates []FrontierUpper `msgpack:"updates"`
}

func (r *FrontierUppers) computeResponse() {}

func (r *FrontierUppers) String() string {
	return fmt.Sprintf("FrontierUppers(%d updates)", len(r.Updates))
}

// PeekErrorCode classifies failed peek outcomes.
type PeekErrorCode uint8

const (
	// PeekErrorInternal is an unclassified failure.
	PeekErrorInternal PeekErrorCode = iota
	// PeekErrorEvaluation reports a captured per-row evaluation error.
	PeekErrorEvaluation
	// PeekErrorTimestampUnavailable reports a timestamp outside
	// [since, upper). The caller must choose a new timestamp; the
	// system does not retry on its own.
	PeekErrorTimestampUnavailable
	// PeekErrorResultSize reports a result exceeding the configured
	// byte budget.
	PeekErrorResultSize
)

func (c PeekErrorCode) String() string {
	switch c {
	case PeekErrorInternal:
		return "internal"
	case PeekErrorEvaluation:
		return "evaluation"
	case PeekErrorTimestampUnavailable:
		return "timestamp unavailable"
	case PeekErrorResultSize:
		return "result size"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// PeekResponse is the tagged outcome of one peek: rows, an error, or a
// cancellation acknowledgment. Exactly one arrives per issued peek.
type PeekResponse interface {
	fmt.Stringer
	peekResponse()
}

var (
	_ PeekResponse = (*PeekRows)(nil)
	_ PeekResponse = (*PeekError)(nil)
	_ PeekResponse = (*PeekCanceled)(nil)
)

// PeekRows is a successful outcome: the finished, ordered result rows.
type PeekRows struct {
	Rows []rowset.Row `msgpack:"rows"`
}

// PeekError is a failed outcome.
type PeekError struct {
	Code    PeekErrorCode `msgpack:"code"`
	Message string        `msgpack:"message"`
}

// PeekCanceled acknowledges a cancellation.
type PeekCanceled struct{}

func (*PeekRows) peekResponse()     {}
func (*PeekError) peekResponse()    {}
func (*PeekCanceled) peekResponse() {}

func (r *PeekRows) String() string { return fmt.Sprintf("Rows(%d)", len(r.Rows)) }

func (r *PeekError) String() string {
	return fmt.Sprintf("Error(%s: %s)", r.Code, r.Message)
}

func (*PeekCanceled) String() string { return "Canceled" }

// PeekResult delivers a peek's terminal outcome, matched to its request
// by UUID.
type PeekResult struct {
	UUID     uuid.UUID
	Response PeekResponse
}

func (r *PeekResult) computeResponse() {}

func (r *PeekResult) String() string {
	return fmt.Sprintf("PeekResult(%s: %s)", r.UUID, r.Response)
}
