// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package compute holds state and helpers shared by both ends of the
// compute control-plane protocol: the epoch tracker, the protocol
// error taxonomy, and the runtime settings the protocol can update.
package compute

import (
	"github.com/cockroachdb/errors"

	"github.com/RobinClowers/materialize/pkg/compute/computepb"
)

// The protocol-violation taxonomy. Each violation is rejected
// synchronously at the point of receipt, mutates no state, and is
// surfaced as a structured error marked with one of these sentinels so
// callers can classify with errors.Is.
var (
	// ErrStaleEpoch marks traffic tagged with a superseded epoch.
	ErrStaleEpoch = errors.New("stale epoch")
	// ErrUnknownCollection marks references to ids never created or
	// already dropped.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrDuplicateCollection marks installation of an id that already
	// exists or existed; ids are never reused.
	ErrDuplicateCollection = errors.New("duplicate collection")
	// ErrInvalidCompaction marks compaction requests that regress the
	// since, exceed the upper, or would orphan an outstanding peek.
	ErrInvalidCompaction = errors.New("invalid compaction")
	// ErrTimestampUnavailable marks peeks at timestamps outside
	// [since, upper).
	ErrTimestampUnavailable = errors.New("timestamp unavailable")
	// ErrUnknownPeek marks cancellation of a peek that was never issued.
	ErrUnknownPeek = errors.New("unknown peek")
	// ErrCollectionInUse marks drops of collections still referenced by
	// other dataflows or outstanding peeks.
	ErrCollectionInUse = errors.New("collection in use")
	// ErrInstanceExists marks a second CreateInstance in one lifetime.
	ErrInstanceExists = errors.New("instance already exists")
	// ErrNotReady marks steady-state commands issued before
	// initialization completed.
	ErrNotReady = errors.New("initialization incomplete")
)

// NewStaleEpochError returns the rejection for traffic tagged with an
// epoch older than the highest one observed.
func NewStaleEpochError(got, current computepb.ClusterStartupEpoch) error {
	return errors.Mark(
		errors.Newf("epoch %s superseded by %s", got, current),
		ErrStaleEpoch)
}

// NewUnknownCollectionError returns the rejection for a reference to a
// collection id that is not installed.
func NewUnknownCollectionError(id computepb.GlobalID) error {
	return errors.Mark(
		errors.Newf("collection %s does not exist", id),
		ErrUnknownCollection)
}

// NewDuplicateCollectionError returns the rejection for installing an
// id that has already been used.
func NewDuplicateCollectionError(id computepb.GlobalID) error {
	return errors.Mark(
		errors.Newf("collection %s already created", id),
		ErrDuplicateCollection)
}

// NewInvalidCompactionError returns the rejection for a compaction
// request violating the since ≤ new since ≤ upper invariant.
func NewInvalidCompactionError(
	id computepb.GlobalID, next computepb.TimeFrontier, cf computepb.CollectionFrontiers,
) error {
	return errors.Mark(
		errors.Newf("cannot compact %s to %s, have %s", id, next, cf),
		ErrInvalidCompaction)
}

// NewTimestampUnavailableError returns the distinct peek outcome for a
// timestamp outside the readable window. The caller must retry with an
// adjusted timestamp; the core never retries on its own.
func NewTimestampUnavailableError(
	id computepb.GlobalID, ts computepb.Timestamp, cf computepb.CollectionFrontiers,
) error {
	return errors.Mark(
		errors.Newf("timestamp %s not available for %s, readable window is %s", ts, id, cf),
		ErrTimestampUnavailable)
}
