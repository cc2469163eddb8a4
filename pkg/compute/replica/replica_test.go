// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package replica

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/RobinClowers/materialize/pkg/compute"
	"github.com/RobinClowers/materialize/pkg/compute/computepb"
	"github.com/RobinClowers/materialize/pkg/compute/mfp"
	"github.com/RobinClowers/materialize/pkg/compute/rowset"
	"github.com/RobinClowers/materialize/pkg/settings"
)

var epoch1 = computepb.ClusterStartupEpoch{Envelope: 1, Replica: 1}

func handle(
	t *testing.T, r *Replica, cmd computepb.ComputeCommand,
) []computepb.ComputeResponse {
	t.Helper()
	responses, err := r.HandleCommand(context.Background(), cmd, epoch1)
	require.NoError(t, err)
	return responses
}

// newReplica returns a bootstrapped replica with one single-column
// collection installed as of ts 0.
func newReplica(t *testing.T, id computepb.GlobalID) *Replica {
	t.Helper()
	r := New(settings.NewValues())
	handle(t, r, &computepb.CreateTimely{Epoch: epoch1})
	handle(t, r, &computepb.CreateInstance{})
	handle(t, r, &computepb.CreateDataflows{
		Dataflows: []computepb.DataflowDescription{{
			DebugName: "df-" + id.String(),
			Exports:   []computepb.ExportDesc{{ID: id, Arity: 1}},
			AsOf:      computepb.FrontierFrom(0),
		}},
	})
	handle(t, r, &computepb.InitializationComplete{})
	return r
}

func ingest(
	t *testing.T, r *Replica, id computepb.GlobalID, upper computepb.Timestamp, updates ...Update,
) []computepb.ComputeResponse {
	t.Helper()
	responses, err := r.Ingest(context.Background(), id, updates, computepb.FrontierFrom(upper))
	require.NoError(t, err)
	return responses
}

func at(v int64, ts computepb.Timestamp) Update {
	return Update{Row: rowset.NewRow(rowset.MakeInt(v)), Timestamp: ts}
}

func peekCmd(id computepb.GlobalID, ts computepb.Timestamp) *computepb.Peek {
	return &computepb.Peek{Peek: computepb.PeekRequest{
		UUID:      uuid.New(),
		Target:    id,
		Timestamp: ts,
		Plan:      mfp.Identity(1),
	}}
}

func requirePeekRows(
	t *testing.T, responses []computepb.ComputeResponse, id uuid.UUID, want ...int64,
) {
	t.Helper()
	require.Len(t, responses, 1)
	result, ok := responses[0].(*computepb.PeekResult)
	require.True(t, ok, "got %s", responses[0])
	require.Equal(t, id, result.UUID)
	rows, ok := result.Response.(*computepb.PeekRows)
	require.True(t, ok, "got %s", result.Response)
	require.Len(t, rows.Rows, len(want))
	for i, v := range want {
		require.True(t, rowset.NewRow(rowset.MakeInt(v)).Equal(rows.Rows[i]),
			"row %d: got %s", i, rows.Rows[i])
	}
}

func TestIngestReportsProgress(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)

	responses := ingest(t, r, u1, 5, at(1, 0), at(2, 3))
	require.Len(t, responses, 1)
	uppers, ok := responses[0].(*computepb.FrontierUppers)
	require.True(t, ok)
	require.Len(t, uppers.Updates, 1)
	require.Equal(t, u1, uppers.Updates[0].ID)
	require.True(t, uppers.Updates[0].Upper.Equal(computepb.FrontierFrom(5)))

	// Writing into the closed past is a bug, not data.
	_, err := r.Ingest(context.Background(), u1,
		[]Update{at(3, 2)}, computepb.FrontierFrom(6))
	require.Error(t, err)

	// As is regressing the upper.
	_, err = r.Ingest(context.Background(), u1, nil, computepb.FrontierFrom(3))
	require.Error(t, err)
}

func TestPeekImmediate(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 10, at(1, 2), at(2, 4), at(3, 8))

	cmd := peekCmd(u1, 5)
	responses := handle(t, r, cmd)
	requirePeekRows(t, responses, cmd.Peek.UUID, 1, 2)
}

func TestPeekParkedUntilComplete(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 5, at(1, 1))

	// ts 7 is not yet complete (upper is 5): the peek parks.
	cmd := peekCmd(u1, 7)
	require.Empty(t, handle(t, r, cmd))

	// Advancing to 7 is not enough; the peek needs upper beyond 7.
	responses := ingest(t, r, u1, 7, at(2, 6))
	require.Len(t, responses, 1)

	responses = ingest(t, r, u1, 8, at(3, 7))
	require.Len(t, responses, 2)
	requirePeekRows(t, responses[1:], cmd.Peek.UUID, 1, 2, 3)
}

func TestPeekBelowSince(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 10, at(1, 1))
	handle(t, r, &computepb.AllowCompaction{ID: u1, Frontier: computepb.FrontierFrom(5)})

	cmd := peekCmd(u1, 3)
	responses := handle(t, r, cmd)
	require.Len(t, responses, 1)
	result := responses[0].(*computepb.PeekResult)
	perr, ok := result.Response.(*computepb.PeekError)
	require.True(t, ok)
	require.Equal(t, computepb.PeekErrorTimestampUnavailable, perr.Code)
}

func TestPeekUnknownCollection(t *testing.T) {
	r := newReplica(t, computepb.UserID(1))
	cmd := peekCmd(computepb.UserID(9), 3)
	responses := handle(t, r, cmd)
	require.Len(t, responses, 1)
	perr, ok := responses[0].(*computepb.PeekResult).Response.(*computepb.PeekError)
	require.True(t, ok)
	require.Equal(t, computepb.PeekErrorInternal, perr.Code)
}

func TestCompactionPreservesAccumulation(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 10, at(1, 1), at(2, 3), at(3, 9))

	handle(t, r, &computepb.AllowCompaction{ID: u1, Frontier: computepb.FrontierFrom(5)})

	// Distinctions below the since are gone, but reads at or beyond it
	// still see the full accumulation.
	cmd := peekCmd(u1, 5)
	requirePeekRows(t, handle(t, r, cmd), cmd.Peek.UUID, 1, 2)

	cmd = peekCmd(u1, 9)
	requirePeekRows(t, handle(t, r, cmd), cmd.Peek.UUID, 1, 2, 3)

	// Invalid compaction requests are rejected outright.
	_, err := r.HandleCommand(context.Background(),
		&computepb.AllowCompaction{ID: u1, Frontier: computepb.FrontierFrom(3)}, epoch1)
	require.True(t, errors.Is(err, compute.ErrInvalidCompaction))
}

func TestCancelParkedPeek(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 5, at(1, 1))

	cmd := peekCmd(u1, 7)
	require.Empty(t, handle(t, r, cmd))

	responses := handle(t, r, &computepb.CancelPeeks{UUIDs: []uuid.UUID{cmd.Peek.UUID}})
	require.Len(t, responses, 1)
	result := responses[0].(*computepb.PeekResult)
	require.Equal(t, cmd.Peek.UUID, result.UUID)
	_, ok := result.Response.(*computepb.PeekCanceled)
	require.True(t, ok)

	// The cancelled peek does not resurface when its time completes.
	responses = ingest(t, r, u1, 10, at(2, 7))
	require.Len(t, responses, 1)

	// Cancelling a completed or unknown peek produces nothing here; its
	// terminal response already exists.
	require.Empty(t, handle(t, r, &computepb.CancelPeeks{UUIDs: []uuid.UUID{uuid.New()}}))
}

func TestPeekEvaluationError(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 10, at(4, 1), at(0, 1))

	cmd := peekCmd(u1, 5)
	cmd.Peek.Plan = mfp.SafeMfpPlan{
		InputArity: 1,
		Exprs: []mfp.ScalarExpr{
			mfp.Binary(mfp.BinaryDiv, mfp.Literal(rowset.MakeInt(8)), mfp.Column(0)),
		},
		Projection: []int{1},
	}
	responses := handle(t, r, cmd)
	require.Len(t, responses, 1)
	perr, ok := responses[0].(*computepb.PeekResult).Response.(*computepb.PeekError)
	require.True(t, ok)
	require.Equal(t, computepb.PeekErrorEvaluation, perr.Code)
}

func TestPeekResultSizeLimit(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 10, at(1, 1), at(2, 1), at(3, 1))

	size := int64(30)
	handle(t, r, &computepb.UpdateConfiguration{
		Params: computepb.Params{MaxResultSize: &size},
	})

	cmd := peekCmd(u1, 5)
	responses := handle(t, r, cmd)
	require.Len(t, responses, 1)
	perr, ok := responses[0].(*computepb.PeekResult).Response.(*computepb.PeekError)
	require.True(t, ok)
	require.Equal(t, computepb.PeekErrorResultSize, perr.Code)
}

func TestPeekKeySelection(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 10, at(1, 1), at(2, 1), at(1, 2))

	cmd := peekCmd(u1, 5)
	cmd.Peek.KeySelection = []rowset.Row{rowset.NewRow(rowset.MakeInt(1))}
	requirePeekRows(t, handle(t, r, cmd), cmd.Peek.UUID, 1, 1)
}

func TestPeekFinishing(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 10, at(3, 1), at(1, 1), at(2, 1))

	limit := uint64(2)
	cmd := peekCmd(u1, 5)
	cmd.Peek.Finishing = rowset.RowSetFinishing{
		OrderBy: []rowset.ColumnOrder{{Column: 0}},
		Limit:   &limit,
	}
	requirePeekRows(t, handle(t, r, cmd), cmd.Peek.UUID, 1, 2)
}

func TestIngestInflightBudget(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)

	budget := int64(100)
	handle(t, r, &computepb.UpdateConfiguration{
		Params: computepb.Params{DataflowMaxInflightBytes: &budget},
	})

	// Each single-int row retains 24 bytes; the fifth exceeds 100.
	ingest(t, r, u1, 2, at(1, 1), at(2, 1), at(3, 1), at(4, 1))
	_, err := r.Ingest(context.Background(), u1,
		[]Update{at(5, 2)}, computepb.FrontierFrom(3))
	require.Error(t, err)
}

func TestDropDataflows(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	handle(t, r, &computepb.DropDataflows{IDs: []computepb.GlobalID{u1}})

	_, err := r.Ingest(context.Background(), u1, nil, computepb.FrontierFrom(1))
	require.True(t, errors.Is(err, compute.ErrUnknownCollection))

	// Retired ids are never reused.
	_, err = r.HandleCommand(context.Background(), &computepb.CreateDataflows{
		Dataflows: []computepb.DataflowDescription{{
			Exports: []computepb.ExportDesc{{ID: u1, Arity: 1}},
		}},
	}, epoch1)
	require.True(t, errors.Is(err, compute.ErrDuplicateCollection))
}

func TestStaleCommandRejected(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)

	epoch2 := computepb.ClusterStartupEpoch{Envelope: 2, Replica: 1}
	_, err := r.HandleCommand(context.Background(), &computepb.CreateTimely{Epoch: epoch2}, epoch2)
	require.NoError(t, err)

	_, err = r.HandleCommand(context.Background(), &computepb.InitializationComplete{}, epoch1)
	require.True(t, errors.Is(err, compute.ErrStaleEpoch))
}

func TestEpochSupersessionAbandonsGeneration(t *testing.T) {
	u1 := computepb.UserID(1)
	r := newReplica(t, u1)
	ingest(t, r, u1, 5, at(1, 1))

	// Park a peek, then bootstrap a newer epoch.
	cmd := peekCmd(u1, 7)
	require.Empty(t, handle(t, r, cmd))

	epoch2 := computepb.ClusterStartupEpoch{Envelope: 2, Replica: 1}
	responses, err := r.HandleCommand(context.Background(),
		&computepb.CreateTimely{Epoch: epoch2}, epoch2)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	result := responses[0].(*computepb.PeekResult)
	require.Equal(t, cmd.Peek.UUID, result.UUID)
	_, ok := result.Response.(*computepb.PeekCanceled)
	require.True(t, ok)

	// The previous generation's dataflows are gone, awaiting replay.
	_, err = r.Ingest(context.Background(), u1, nil, computepb.FrontierFrom(1))
	require.True(t, errors.Is(err, compute.ErrUnknownCollection))

	cur, ok := r.Epoch()
	require.True(t, ok)
	require.Equal(t, epoch2, cur)
}
