// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package replica_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/RobinClowers/materialize/pkg/compute"
	"github.com/RobinClowers/materialize/pkg/compute/computepb"
	"github.com/RobinClowers/materialize/pkg/compute/controller"
	"github.com/RobinClowers/materialize/pkg/compute/mfp"
	"github.com/RobinClowers/materialize/pkg/compute/replica"
	"github.com/RobinClowers/materialize/pkg/compute/rowset"
	"github.com/RobinClowers/materialize/pkg/settings"
)

// harness wires a controller and an in-process replica through the
// frame pipe, with both pumps running.
type harness struct {
	ctrl *controller.Controller
	conn *controller.Conn
	sess *replica.Session

	cancel  context.CancelFunc
	connErr chan error
	sessErr chan error
}

func newHarness(t *testing.T) (*harness, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := controller.New(settings.NewValues())
	rep := replica.New(settings.NewValues())

	epoch := computepb.ClusterStartupEpoch{Envelope: 1, Replica: 1}
	coordEnd, replicaEnd := controller.NewPipe(32)
	h := &harness{
		ctrl:    ctrl,
		conn:    ctrl.Dial(coordEnd, epoch, 32),
		sess:    rep.NewSession(replicaEnd, 32),
		cancel:  cancel,
		connErr: make(chan error, 1),
		sessErr: make(chan error, 1),
	}
	go func() { h.connErr <- h.conn.Run(ctx) }()
	go func() { h.sessErr <- h.sess.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-h.connErr)
		require.NoError(t, <-h.sessErr)
	})

	// Startup sequence: bootstrap, instance, dataflow as of 5, ready.
	send := func(cmd computepb.ComputeCommand, err error) {
		t.Helper()
		require.NoError(t, err)
		require.NoError(t, h.conn.Send(ctx, cmd))
	}
	cmd1, err := ctrl.CreateTimely(ctx, computepb.InstanceConfig{Workers: 1}, epoch)
	send(cmd1, err)
	cmd2, err := ctrl.CreateInstance(ctx, computepb.LoggingConfig{IntervalMillis: 1000})
	send(cmd2, err)
	cmd3, err := ctrl.CreateDataflows(ctx, computepb.DataflowDescription{
		DebugName: "mv1",
		Exports:   []computepb.ExportDesc{{ID: computepb.UserID(1), Arity: 1}},
		AsOf:      computepb.FrontierFrom(5),
	})
	send(cmd3, err)
	cmd4, err := ctrl.InitializationComplete(ctx)
	send(cmd4, err)

	// The pipe delivers commands asynchronously. Wait until the replica
	// has applied CreateDataflows before handing the harness to the
	// test; an empty ingest at the current upper is a no-op once the
	// collection exists.
	require.Eventually(t, func() bool {
		return h.sess.Ingest(ctx, computepb.UserID(1), nil, computepb.FrontierFrom(5)) == nil
	}, 5*time.Second, time.Millisecond)
	return h, ctx
}

func (h *harness) waitForUpper(
	t *testing.T, id computepb.GlobalID, upper computepb.Timestamp,
) {
	t.Helper()
	require.Eventually(t, func() bool {
		cf, err := h.ctrl.CollectionFrontiers(id)
		return err == nil && cf.Upper.Equal(computepb.FrontierFrom(upper))
	}, 5*time.Second, time.Millisecond)
}

func (h *harness) peek(
	ctx context.Context, t *testing.T, id computepb.GlobalID, ts computepb.Timestamp,
) computepb.PeekResponse {
	t.Helper()
	pending, cmd, err := h.ctrl.Peek(ctx, computepb.PeekRequest{
		UUID:      uuid.New(),
		Target:    id,
		Timestamp: ts,
		Plan:      mfp.Identity(1),
		Finishing: rowset.RowSetFinishing{OrderBy: []rowset.ColumnOrder{{Column: 0}}},
	})
	require.NoError(t, err)
	require.NoError(t, h.conn.Send(ctx, cmd))
	select {
	case resp := <-pending.Done():
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for peek response")
		return nil
	}
}

func TestControllerReplicaPeekFlow(t *testing.T) {
	h, ctx := newHarness(t)
	u1 := computepb.UserID(1)

	require.NoError(t, h.sess.Ingest(ctx, u1, []replica.Update{
		{Row: rowset.NewRow(rowset.MakeInt(20)), Timestamp: 6},
		{Row: rowset.NewRow(rowset.MakeInt(10)), Timestamp: 5},
		{Row: rowset.NewRow(rowset.MakeInt(30)), Timestamp: 9},
	}, computepb.FrontierFrom(10)))
	h.waitForUpper(t, u1, 10)

	// since=5, upper=10: a peek at 7 is answerable and sees the rows at
	// or before 7, in finished order.
	resp := h.peek(ctx, t, u1, 7)
	rows, ok := resp.(*computepb.PeekRows)
	require.True(t, ok, "got %s", resp)
	require.Len(t, rows.Rows, 2)
	require.True(t, rowset.NewRow(rowset.MakeInt(10)).Equal(rows.Rows[0]))
	require.True(t, rowset.NewRow(rowset.MakeInt(20)).Equal(rows.Rows[1]))

	// A peek at 12 is beyond the upper and rejected before it is sent.
	_, _, err := h.ctrl.Peek(ctx, computepb.PeekRequest{
		UUID: uuid.New(), Target: u1, Timestamp: 12, Plan: mfp.Identity(1),
	})
	require.True(t, errors.Is(err, compute.ErrTimestampUnavailable))
}

func TestControllerReplicaCompactionFlow(t *testing.T) {
	h, ctx := newHarness(t)
	u1 := computepb.UserID(1)

	require.NoError(t, h.sess.Ingest(ctx, u1, []replica.Update{
		{Row: rowset.NewRow(rowset.MakeInt(1)), Timestamp: 5},
	}, computepb.FrontierFrom(10)))
	h.waitForUpper(t, u1, 10)

	cmd, err := h.ctrl.AllowCompaction(ctx, u1, computepb.FrontierFrom(8))
	require.NoError(t, err)
	require.NoError(t, h.conn.Send(ctx, cmd))

	// After compaction to 8, a peek at 6 is below the since.
	_, _, err = h.ctrl.Peek(ctx, computepb.PeekRequest{
		UUID: uuid.New(), Target: u1, Timestamp: 6, Plan: mfp.Identity(1),
	})
	require.True(t, errors.Is(err, compute.ErrTimestampUnavailable))

	// A peek within the compacted window still accumulates history.
	resp := h.peek(ctx, t, u1, 8)
	rows, ok := resp.(*computepb.PeekRows)
	require.True(t, ok, "got %s", resp)
	require.Len(t, rows.Rows, 1)
}

func TestControllerReplicaProgressOnly(t *testing.T) {
	h, ctx := newHarness(t)
	u1 := computepb.UserID(1)

	// An empty ingest that only advances the frontier still reports.
	require.NoError(t, h.sess.Ingest(ctx, u1, nil, computepb.FrontierFrom(7)))
	h.waitForUpper(t, u1, 7)

	cf, err := h.ctrl.CollectionFrontiers(u1)
	require.NoError(t, err)
	require.True(t, cf.Since.Equal(computepb.FrontierFrom(5)))
}
