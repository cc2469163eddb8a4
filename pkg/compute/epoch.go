// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package compute

import (
	"github.com/RobinClowers/materialize/pkg/compute/computepb"
	"github.com/RobinClowers/materialize/pkg/util/syncutil"
)

// EpochTracker maintains the highest ClusterStartupEpoch observed by
// this process and rejects traffic from superseded generations. It is
// the single place the "is this stale" decision is made; handlers tag
// messages, the tracker judges them.
//
// The tracker is ephemeral: epochs are not persisted, and a restarted
// process starts fresh (its peers' strictly increasing epochs are what
// protect them from its past traffic).
type EpochTracker struct {
	mu struct {
		syncutil.Mutex
		initialized bool
		current     computepb.ClusterStartupEpoch
	}
}

// Observe validates an inbound epoch. An epoch is accepted iff it is ≥
// the highest epoch previously accepted; on acceptance it becomes the
// new high-water mark. superseded is true when the accepted epoch is
// strictly greater than the previous one, in which case the caller must
// invalidate all in-flight state tied to older epochs.
func (t *EpochTracker) Observe(e computepb.ClusterStartupEpoch) (superseded bool, _ error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mu.initialized {
		t.mu.initialized = true
		t.mu.current = e
		return false, nil
	}
	if e.Less(t.mu.current) {
		return false, NewStaleEpochError(e, t.mu.current)
	}
	superseded = t.mu.current.Less(e)
	t.mu.current = e
	return superseded, nil
}

// Check validates an inbound epoch without advancing the high-water
// mark. Responses use this: a response cannot start a new generation,
// only commands can.
func (t *EpochTracker) Check(e computepb.ClusterStartupEpoch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mu.initialized && e.Less(t.mu.current) {
		return NewStaleEpochError(e, t.mu.current)
	}
	return nil
}

// Current returns the highest observed epoch, if any.
func (t *EpochTracker) Current() (computepb.ClusterStartupEpoch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mu.current, t.mu.initialized
}
