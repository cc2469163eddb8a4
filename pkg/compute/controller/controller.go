// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package controller implements the coordinator-side state machine of
// the compute control plane: the dataflow registry with per-collection
// read and write frontiers, the peek coordinator, and the compaction
// manager. The controller validates every command before it is sent,
// so a replica that plays by the protocol never observes an invariant
// violation.
package controller

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/RobinClowers/materialize/pkg/compute"
	"github.com/RobinClowers/materialize/pkg/compute/computepb"
	"github.com/RobinClowers/materialize/pkg/settings"
	"github.com/RobinClowers/materialize/pkg/util/log"
	"github.com/RobinClowers/materialize/pkg/util/syncutil"
)

// collectionEntry is the registry's per-collection state. Entries are
// mutated only while holding the controller mutex, preserving the
// single-logical-writer discipline per collection id.
type collectionEntry struct {
	id    computepb.GlobalID
	arity int
	// desc is the description of the dataflow that exports this
	// collection. Immutable after installation.
	desc computepb.DataflowDescription

	since computepb.TimeFrontier
	upper computepb.TimeFrontier

	// importers counts installed export entries whose dataflow imports
	// this collection. The entry cannot be dropped while nonzero.
	importers int
	// peeks tracks the timestamps of outstanding peeks against this
	// collection, to clamp compaction and gate drops.
	peeks map[uuid.UUID]computepb.Timestamp
}

func (e *collectionEntry) Less(o btree.Item) bool {
	return e.id.Less(o.(*collectionEntry).id)
}

// PendingPeek is an issued peek awaiting its terminal outcome. Exactly
// one response is ever delivered on Done, whether the peek completes,
// is cancelled, or is superseded by a new epoch.
type PendingPeek struct {
	UUID      uuid.UUID
	Target    computepb.GlobalID
	Timestamp computepb.Timestamp

	ch chan computepb.PeekResponse
}

// Done returns the channel carrying the peek's terminal response.
func (p *PendingPeek) Done() <-chan computepb.PeekResponse { return p.ch }

// Controller is the coordinator's handle on one compute instance. Its
// methods validate a requested operation against the registry and
// epoch state and, when legal, return the wire command to ship to the
// replica. Responses are folded back in through AbsorbResponse.
type Controller struct {
	sv    *settings.Values
	epoch compute.EpochTracker

	mu struct {
		syncutil.Mutex
		bootstrapped bool
		instance     bool
		ready        bool
		collections  *btree.BTree
		// retired holds ids of dropped collections; ids are never reused.
		retired map[computepb.GlobalID]struct{}
		// peeks holds outstanding peeks; issued additionally remembers
		// every uuid ever issued, so cancelling an unknown uuid can be
		// distinguished from cancelling a completed one.
		peeks  map[uuid.UUID]*PendingPeek
		issued map[uuid.UUID]struct{}
	}
}

// New returns a Controller reading its tunables from sv.
func New(sv *settings.Values) *Controller {
	c := &Controller{sv: sv}
	c.mu.collections = btree.New(8)
	c.mu.retired = make(map[computepb.GlobalID]struct{})
	c.mu.peeks = make(map[uuid.UUID]*PendingPeek)
	c.mu.issued = make(map[uuid.UUID]struct{})
	return c
}

// Settings returns the controller's settings container.
func (c *Controller) Settings() *settings.Values { return c.sv }

func (c *Controller) entryLocked(id computepb.GlobalID) (*collectionEntry, error) {
	c.mu.AssertHeld()
	if item := c.mu.collections.Get(&collectionEntry{id: id}); item != nil {
		return item.(*collectionEntry), nil
	}
	return nil, compute.NewUnknownCollectionError(id)
}

// CreateTimely bootstraps the instance under the given epoch. It must
// precede every other command of that epoch. Re-bootstrapping with a
// greater epoch supersedes the previous generation: all outstanding
// peeks resolve as cancelled and readiness is reset, while installed
// dataflow state carries over for command replay.
func (c *Controller) CreateTimely(
	ctx context.Context, cfg computepb.InstanceConfig, epoch computepb.ClusterStartupEpoch,
) (*computepb.CreateTimely, error) {
	superseded, err := c.epoch.Observe(epoch)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if superseded {
		log.Infof(ctx, "epoch advanced to %s, cancelling %d outstanding peeks",
			epoch, len(c.mu.peeks))
		c.cancelAllPeeksLocked()
		c.mu.ready = false
	}
	c.mu.bootstrapped = true
	return &computepb.CreateTimely{Config: cfg, Epoch: epoch}, nil
}

// CreateInstance initializes introspection logging, exactly once per
// instance lifetime.
func (c *Controller) CreateInstance(
	ctx context.Context, logging computepb.LoggingConfig,
) (*computepb.CreateInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mu.bootstrapped {
		return nil, errors.Mark(errors.New("instance not bootstrapped"), compute.ErrNotReady)
	}
	if c.mu.instance {
		return nil, errors.Mark(
			errors.New("compute instance already created"), compute.ErrInstanceExists)
	}
	c.mu.instance = true
	return &computepb.CreateInstance{Logging: logging}, nil
}

// InitializationComplete marks the end of startup command replay,
// after which steady-state commands (peeks in particular) are allowed.
func (c *Controller) InitializationComplete(
	ctx context.Context,
) (*computepb.InitializationComplete, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mu.bootstrapped {
		return nil, errors.Mark(errors.New("instance not bootstrapped"), compute.ErrNotReady)
	}
	c.mu.ready = true
	return &computepb.InitializationComplete{}, nil
}

// UpdateConfiguration applies runtime tunables. The new values govern
// subsequently issued commands; nothing is re-evaluated retroactively.
func (c *Controller) UpdateConfiguration(
	ctx context.Context, params computepb.Params,
) (*computepb.UpdateConfiguration, error) {
	compute.ApplyParams(c.sv, params)
	log.VEventf(ctx, 1, "configuration updated")
	return &computepb.UpdateConfiguration{Params: params}, nil
}

// CreateDataflows installs a batch of dataflow descriptions,
// all-or-nothing: every import must resolve to an installed collection
// or to an export appearing earlier in the same batch, and every export
// id must be fresh. On any violation the registry is left untouched.
func (c *Controller) CreateDataflows(
	ctx context.Context, descs ...computepb.DataflowDescription,
) (*computepb.CreateDataflows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mu.bootstrapped || !c.mu.instance {
		return nil, errors.Mark(errors.New("instance not bootstrapped"), compute.ErrNotReady)
	}

	// Validation pass; no state changes in here.
	inBatch := make(map[computepb.GlobalID]struct{})
	for i := range descs {
		desc := &descs[i]
		for _, imp := range desc.Imports {
			if _, ok := inBatch[imp.ID]; ok {
				continue
			}
			if _, err := c.entryLocked(imp.ID); err != nil {
				return nil, errors.Wrapf(err, "dataflow %q import", desc.DebugName)
			}
		}
		for _, exp := range desc.Exports {
			if _, ok := inBatch[exp.ID]; ok {
				return nil, compute.NewDuplicateCollectionError(exp.ID)
			}
			if _, retired := c.mu.retired[exp.ID]; retired {
				return nil, compute.NewDuplicateCollectionError(exp.ID)
			}
			if c.mu.collections.Has(&collectionEntry{id: exp.ID}) {
				return nil, compute.NewDuplicateCollectionError(exp.ID)
			}
			inBatch[exp.ID] = struct{}{}
		}
	}

	// Installation pass; cannot fail.
	for i := range descs {
		desc := descs[i]
		asOf := desc.AsOf
		if asOf.IsEmpty() {
			asOf = computepb.FrontierFrom(computepb.MinTimestamp)
		}
		for _, exp := range desc.Exports {
			entry := &collectionEntry{
				id:    exp.ID,
				arity: exp.Arity,
				desc:  desc,
				since: asOf,
				upper: asOf,
				peeks: make(map[uuid.UUID]computepb.Timestamp),
			}
			c.mu.collections.ReplaceOrInsert(entry)
			for _, imp := range desc.Imports {
				if imported, err := c.entryLocked(imp.ID); err == nil {
					imported.importers++
				}
			}
		}
		log.VEventf(ctx, 1, "installed dataflow %q (%d exports)", desc.DebugName, len(desc.Exports))
	}
	return &computepb.CreateDataflows{Dataflows: descs}, nil
}

// DropDataflows releases the collections exported under the given ids.
// An id is releasable only once no installed dataflow imports it and no
// outstanding peek targets it; dropped ids are retired forever.
func (c *Controller) DropDataflows(
	ctx context.Context, ids ...computepb.GlobalID,
) (*computepb.DropDataflows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mu.bootstrapped {
		return nil, errors.Mark(errors.New("instance not bootstrapped"), compute.ErrNotReady)
	}
	entries := make([]*collectionEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := c.entryLocked(id)
		if err != nil {
			return nil, err
		}
		if entry.importers > 0 {
			return nil, errors.Mark(
				errors.Newf("collection %s is imported by %d dataflows", id, entry.importers),
				compute.ErrCollectionInUse)
		}
		if len(entry.peeks) > 0 {
			return nil, errors.Mark(
				errors.Newf("collection %s has %d outstanding peeks", id, len(entry.peeks)),
				compute.ErrCollectionInUse)
		}
		entries = append(entries, entry)
	}
	for _, entry := range entries {
		c.mu.collections.Delete(entry)
		c.mu.retired[entry.id] = struct{}{}
		for _, imp := range entry.desc.Imports {
			if imported, err := c.entryLocked(imp.ID); err == nil {
				imported.importers--
			}
		}
	}
	return &computepb.DropDataflows{IDs: ids}, nil
}

// AllowCompaction advances the since frontier of a collection. The new
// frontier must dominate the current since, must not exceed the current
// upper, and must not strand any outstanding peek below it; a request
// violating any of these is rejected without side effects. Compaction
// never goes backward, and once since equals upper the collection is
// fully compacted.
func (c *Controller) AllowCompaction(
	ctx context.Context, id computepb.GlobalID, next computepb.TimeFrontier,
) (*computepb.AllowCompaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mu.bootstrapped {
		return nil, errors.Mark(errors.New("instance not bootstrapped"), compute.ErrNotReady)
	}
	entry, err := c.entryLocked(id)
	if err != nil {
		return nil, err
	}
	cf := computepb.CollectionFrontiers{Since: entry.since, Upper: entry.upper}
	if !entry.since.LessEqualFrontier(next) || !next.LessEqualFrontier(entry.upper) {
		return nil, compute.NewInvalidCompactionError(id, next, cf)
	}
	for peekID, ts := range entry.peeks {
		if !next.LessEqual(ts) {
			return nil, errors.Mark(
				errors.Newf("compacting %s to %s would orphan peek %s at %s",
					id, next, peekID, ts),
				compute.ErrInvalidCompaction)
		}
	}
	entry.since = next
	log.VEventf(ctx, 2, "allowed compaction of %s to %s", id, next)
	return &computepb.AllowCompaction{ID: id, Frontier: next}, nil
}

// Peek issues a point-in-time read. The request is validated against
// the registry (target installed, timestamp within [since, upper), plan
// and finishing consistent with the collection's arity) and registered
// as outstanding; the returned PendingPeek resolves exactly once.
func (c *Controller) Peek(
	ctx context.Context, req computepb.PeekRequest,
) (*PendingPeek, *computepb.Peek, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mu.ready {
		return nil, nil, errors.Mark(errors.New("instance not ready"), compute.ErrNotReady)
	}
	entry, err := c.entryLocked(req.Target)
	if err != nil {
		return nil, nil, err
	}
	if req.Plan.InputArity != entry.arity {
		return nil, nil, errors.Newf(
			"peek plan expects %d columns, collection %s has %d",
			req.Plan.InputArity, req.Target, entry.arity)
	}
	if err := req.Plan.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "peek plan")
	}
	if err := req.Finishing.Validate(req.Plan.OutputArity()); err != nil {
		return nil, nil, errors.Wrap(err, "peek finishing")
	}
	cf := computepb.CollectionFrontiers{Since: entry.since, Upper: entry.upper}
	if !entry.since.LessEqual(req.Timestamp) || entry.upper.LessEqual(req.Timestamp) {
		return nil, nil, compute.NewTimestampUnavailableError(req.Target, req.Timestamp, cf)
	}
	if _, ok := c.mu.issued[req.UUID]; ok {
		return nil, nil, errors.AssertionFailedf("peek uuid %s already issued", req.UUID)
	}

	pending := &PendingPeek{
		UUID:      req.UUID,
		Target:    req.Target,
		Timestamp: req.Timestamp,
		ch:        make(chan computepb.PeekResponse, 1),
	}
	c.mu.peeks[req.UUID] = pending
	c.mu.issued[req.UUID] = struct{}{}
	entry.peeks[req.UUID] = req.Timestamp
	log.VEventf(ctx, 2, "issued peek %s against %s at %s", req.UUID, req.Target, req.Timestamp)
	return pending, &computepb.Peek{Peek: req}, nil
}

// CancelPeeks requests cancellation of the named peeks. Cancelling a
// peek that has already resolved is a no-op; cancelling a uuid that was
// never issued is an error. The peeks themselves resolve when the
// replica's cancellation acknowledgment arrives.
func (c *Controller) CancelPeeks(
	ctx context.Context, uuids ...uuid.UUID,
) (*computepb.CancelPeeks, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range uuids {
		if _, ok := c.mu.issued[id]; !ok {
			return nil, errors.Mark(
				errors.Newf("peek %s was never issued", id), compute.ErrUnknownPeek)
		}
	}
	return &computepb.CancelPeeks{UUIDs: uuids}, nil
}

// AbsorbResponse folds a replica response into controller state.
// Responses tagged with a stale epoch are rejected; responses for
// unknown or already-resolved peeks are dropped, keeping resolution
// exactly-once.
func (c *Controller) AbsorbResponse(
	ctx context.Context, resp computepb.ComputeResponse, epoch computepb.ClusterStartupEpoch,
) error {
	if err := c.epoch.Check(epoch); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch r := resp.(type) {
	case *computepb.FrontierUppers:
		for _, update := range r.Updates {
			entry, err := c.entryLocked(update.ID)
			if err != nil {
				// Progress for a dropped collection can race with the drop.
				log.VEventf(ctx, 2, "ignoring frontier update for %s", update.ID)
				continue
			}
			entry.upper = entry.upper.Join(update.Upper)
		}
		return nil
	case *computepb.PeekResult:
		pending, ok := c.mu.peeks[r.UUID]
		if !ok {
			log.VEventf(ctx, 2, "dropping response for resolved peek %s", r.UUID)
			return nil
		}
		c.resolvePeekLocked(pending, r.Response)
		return nil
	default:
		return errors.AssertionFailedf("unhandled response type %T", resp)
	}
}

// resolvePeekLocked delivers a peek's terminal response and removes it
// from the outstanding tables.
func (c *Controller) resolvePeekLocked(p *PendingPeek, resp computepb.PeekResponse) {
	c.mu.AssertHeld()
	delete(c.mu.peeks, p.UUID)
	if entry, err := c.entryLocked(p.Target); err == nil {
		delete(entry.peeks, p.UUID)
	}
	p.ch <- resp
}

func (c *Controller) cancelAllPeeksLocked() {
	c.mu.AssertHeld()
	for _, pending := range c.mu.peeks {
		c.resolvePeekLocked(pending, &computepb.PeekCanceled{})
	}
}

// Shutdown resolves every outstanding peek as cancelled so that no
// caller waits forever on a connection that is going away.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.mu.peeks); n > 0 {
		log.Infof(ctx, "shutting down with %d outstanding peeks", n)
	}
	c.cancelAllPeeksLocked()
}

// CollectionFrontiers returns the current read and write frontiers of
// a collection.
func (c *Controller) CollectionFrontiers(
	id computepb.GlobalID,
) (computepb.CollectionFrontiers, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, err := c.entryLocked(id)
	if err != nil {
		return computepb.CollectionFrontiers{}, err
	}
	return computepb.CollectionFrontiers{Since: entry.since, Upper: entry.upper}, nil
}

// OutstandingPeeks returns the number of unresolved peeks.
func (c *Controller) OutstandingPeeks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mu.peeks)
}
