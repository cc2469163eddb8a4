// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package compute

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/RobinClowers/materialize/pkg/compute/computepb"
)

func TestEpochCompare(t *testing.T) {
	e := func(env int64, rep uint64) computepb.ClusterStartupEpoch {
		return computepb.ClusterStartupEpoch{Envelope: env, Replica: rep}
	}
	require.True(t, e(1, 5).Less(e(2, 0)), "envelope dominates")
	require.True(t, e(1, 1).Less(e(1, 2)))
	require.False(t, e(1, 2).Less(e(1, 2)))
	require.Equal(t, 0, e(3, 4).Compare(e(3, 4)))
}

func TestEpochTrackerObserve(t *testing.T) {
	var tr EpochTracker
	_, ok := tr.Current()
	require.False(t, ok)

	e1 := computepb.ClusterStartupEpoch{Envelope: 1, Replica: 1}
	superseded, err := tr.Observe(e1)
	require.NoError(t, err)
	require.False(t, superseded, "first epoch supersedes nothing")

	// Re-observing the current epoch is accepted but not superseding.
	superseded, err = tr.Observe(e1)
	require.NoError(t, err)
	require.False(t, superseded)

	e2 := computepb.ClusterStartupEpoch{Envelope: 1, Replica: 2}
	superseded, err = tr.Observe(e2)
	require.NoError(t, err)
	require.True(t, superseded)

	_, err = tr.Observe(e1)
	require.True(t, errors.Is(err, ErrStaleEpoch))

	cur, ok := tr.Current()
	require.True(t, ok)
	require.Equal(t, e2, cur)
}

func TestEpochTrackerCheck(t *testing.T) {
	var tr EpochTracker
	e1 := computepb.ClusterStartupEpoch{Envelope: 1, Replica: 1}
	e2 := computepb.ClusterStartupEpoch{Envelope: 2, Replica: 0}

	// Before bootstrap everything passes; nothing is recorded.
	require.NoError(t, tr.Check(e1))
	_, ok := tr.Current()
	require.False(t, ok)

	_, err := tr.Observe(e1)
	require.NoError(t, err)

	require.NoError(t, tr.Check(e1))

	// A response cannot advance the epoch, only commands can.
	require.NoError(t, tr.Check(e2))
	cur, _ := tr.Current()
	require.Equal(t, e1, cur)

	err = tr.Check(computepb.ClusterStartupEpoch{Envelope: 0, Replica: 9})
	require.True(t, errors.Is(err, ErrStaleEpoch))
}
