// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package computepb

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/RobinClowers/materialize/pkg/compute/mfp"
	"github.com/RobinClowers/materialize/pkg/compute/rowset"
)

// ComputeCommand is the closed set of control messages a coordinator
// sends to a replica. It is sealed: adding a variant forces review of
// every exhaustive switch over commands.
type ComputeCommand interface {
	fmt.Stringer
	computeCommand()
}

var (
	_ ComputeCommand = (*CreateTimely)(nil)
	_ ComputeCommand = (*CreateInstance)(nil)
	_ ComputeCommand = (*CreateDataflows)(nil)
	_ ComputeCommand = (*DropDataflows)(nil)
	_ ComputeCommand = (*AllowCompaction)(nil)
	_ ComputeCommand = (*Peek)(nil)
	_ ComputeCommand = (*CancelPeeks)(nil)
	_ ComputeCommand = (*InitializationComplete)(nil)
	_ ComputeCommand = (*UpdateConfiguration)(nil)
)

// InstanceConfig configures the replica's execution substrate.
type InstanceConfig struct {
	// Workers is the number of worker threads to run dataflows on.
	Workers int `msgpack:"workers"`
}

// LoggingConfig configures a compute instance's introspection logging.
type LoggingConfig struct {
	// IntervalMillis is the introspection update granularity.
	IntervalMillis uint64 `msgpack:"interval_ms"`
	// LogLogging, if set, also introspects the introspection dataflows.
	LogLogging bool `msgpack:"log_logging"`
}

// CreateTimely bootstraps the replica's execution substrate under a new
// epoch. It must be the first command of an epoch; a stale embedded
// epoch makes the whole command a rejected no-op.
type CreateTimely struct {
	Config InstanceConfig      `msgpack:"config"`
	Epoch  ClusterStartupEpoch `msgpack:"epoch"`
}

// CreateInstance initializes a compute instance's introspection
// machinery. Exactly once per instance lifetime.
type CreateInstance struct {
	Logging LoggingConfig `msgpack:"logging"`
}

// ImportDesc binds an imported collection id to its storage metadata.
type ImportDesc struct {
	ID   GlobalID           `msgpack:"id"`
	Meta CollectionMetadata `msgpack:"meta"`
}

// ExportDesc names a collection exported by a dataflow along with the
// arity of its rows.
type ExportDesc struct {
	ID    GlobalID `msgpack:"id"`
	Arity int      `msgpack:"arity"`
}

// DataflowDescription is a compiled dataflow plan: which collections it
// reads, which it produces, and the opaque rendered operator graph.
// Immutable once installed; changing a dataflow means dropping and
// recreating it.
type DataflowDescription struct {
	DebugName string       `msgpack:"debug_name"`
	Imports   []ImportDesc `msgpack:"imports"`
	Exports   []ExportDesc `msgpack:"exports"`
	// AsOf is the initial read frontier of the exported collections.
	AsOf TimeFrontier `msgpack:"as_of"`
	// Plan is the rendered operator graph. The control plane never
	// introspects it.
	Plan []byte `msgpack:"plan"`
}

// ImportMeta returns the storage metadata for an imported id.
func (d *DataflowDescription) ImportMeta(id GlobalID) (CollectionMetadata, bool) {
	for _, imp := range d.Imports {
		if imp.ID == id {
			return imp.Meta, true
		}
	}
	return CollectionMetadata{}, false
}

// ExportsID reports whether the dataflow exports the given id.
func (d *DataflowDescription) ExportsID(id GlobalID) bool {
	for _, exp := range d.Exports {
		if exp.ID == id {
			return true
		}
	}
	return false
}

// CreateDataflows installs one or more dataflows. Installation is
// all-or-nothing per command: if any description is unsatisfiable the
// whole batch is rejected with no partial state.
type CreateDataflows struct {
	Dataflows []DataflowDescription `msgpack:"dataflows"`
}

// DropDataflows releases the dataflows exporting the given ids. An id
// is only releasable once no other installed dataflow imports it and no
// outstanding peek targets it. Dropped ids are never reused.
type DropDataflows struct {
	IDs []GlobalID `msgpack:"ids"`
}

// AllowCompaction advances a collection's since frontier, letting the
// replica trim history below it. The new frontier must dominate the
// current since and not exceed the current upper.
type AllowCompaction struct {
	ID       GlobalID     `msgpack:"id"`
	Frontier TimeFrontier `msgpack:"frontier"`
}

// PeekRequest is a one-shot point-in-time read of a collection.
type PeekRequest struct {
	// UUID uniquely identifies the peek among all outstanding peeks;
	// responses are matched to requests by it, not by order.
	UUID uuid.UUID `msgpack:"uuid"`
	// Target is the collection to read.
	Target GlobalID `msgpack:"target"`
	// KeySelection, if non-empty, restricts the lookup to rows whose
	// leading columns equal one of the literal keys.
	KeySelection []rowset.Row `msgpack:"key_selection"`
	// Timestamp is the logical time to evaluate at; it must lie in
	// [since, upper) of the target.
	Timestamp Timestamp `msgpack:"timestamp"`
	// Finishing is applied to the result set after the plan.
	Finishing rowset.RowSetFinishing `msgpack:"finishing"`
	// Plan is the map-filter-project pipeline applied row-by-row.
	Plan mfp.SafeMfpPlan `msgpack:"plan"`
}

// Peek issues a point-in-time read. The response arrives out-of-band,
// tagged with the request's UUID.
type Peek struct {
	Peek PeekRequest `msgpack:"peek"`
}

// CancelPeeks requests best-effort abandonment of outstanding peeks.
// Each named peek must still eventually produce exactly one terminal
// response (a cancellation outcome) so no request state leaks.
type CancelPeeks struct {
	UUIDs []uuid.UUID `msgpack:"uuids"`
}

// InitializationComplete signals that startup command replay has
// finished and steady-state command processing may begin.
type InitializationComplete struct{}

// Params carries runtime tunables. Nil fields leave the corresponding
// setting unchanged. Updates apply to subsequently issued commands, not
// retroactively.
type Params struct {
	// MaxResultSize caps the byte size of one peek's finished result.
	MaxResultSize *int64 `msgpack:"max_result_size"`
	// DataflowMaxInflightBytes bounds bytes buffered per dataflow.
	DataflowMaxInflightBytes *int64 `msgpack:"dataflow_max_inflight_bytes"`
	// EnableDeltaJoin toggles the alternate join strategy.
	EnableDeltaJoin *bool `msgpack:"enable_delta_join"`
}

// UpdateConfiguration adjusts runtime tunables without a restart.
type UpdateConfiguration struct {
	Params Params `msgpack:"params"`
}

func (*CreateTimely) computeCommand()           {}
func (*CreateInstance) computeCommand()         {}
func (*CreateDataflows) computeCommand()        {}
func (*DropDataflows) computeCommand()          {}
func (*AllowCompaction) computeCommand()        {}
func (*Peek) computeCommand()                   {}
func (*CancelPeeks) computeCommand()            {}
func (*InitializationComplete) computeCommand() {}
func (*UpdateConfiguration) computeCommand()    {}

func (c *CreateTimely) String() string {
	return fmt.Sprintf("CreateTimely(workers=%d, epoch=%s)", c.Config.Workers, c.Epoch)
}

func (c *CreateInstance) String() string {
	return fmt.Sprintf("CreateInstance(interval=%dms)", c.Logging.IntervalMillis)
}

func (c *CreateDataflows) String() string {
	return fmt.Sprintf("CreateDataflows(%d dataflows)", len(c.Dataflows))
}

func (c *DropDataflows) String() string {
	return fmt.Sprintf("DropDataflows(%v)", c.IDs)
}

func (c *AllowCompaction) String() string {
	return fmt.Sprintf("AllowCompaction(%s to %s)", c.ID, c.Frontier)
}

func (c *Peek) String() string {
	return fmt.Sprintf("Peek(%s at %s, uuid=%s)", c.Peek.Target, c.Peek.Timestamp, c.Peek.UUID)
}

func (c *CancelPeeks) String() string {
	return fmt.Sprintf("CancelPeeks(%d uuids)", len(c.UUIDs))
}

func (*InitializationComplete) String() string { return "InitializationComplete" }

func (*UpdateConfiguration) String() string { return "UpdateConfiguration" }
