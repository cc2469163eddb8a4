// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package replica implements the replica-side state machine of the
// compute control plane: it consumes commands strictly in order within
// an epoch, maintains per-collection timestamped histories, answers
// peeks once their timestamp is complete, and trims history as
// compaction allows.
package replica

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/RobinClowers/materialize/pkg/compute"
	"github.com/RobinClowers/materialize/pkg/compute/computepb"
	"github.com/RobinClowers/materialize/pkg/compute/rowset"
	"github.com/RobinClowers/materialize/pkg/settings"
	"github.com/RobinClowers/materialize/pkg/util/log"
	"github.com/RobinClowers/materialize/pkg/util/syncutil"
)

// Update is one timestamped row of a collection's history.
type Update struct {
	Row       rowset.Row
	Timestamp computepb.Timestamp
}

// collection is the replica-side state of one exported collection.
type collection struct {
	arity   int
	since   computepb.TimeFrontier
	upper   computepb.TimeFrontier
	updates []Update
	// bytes approximates the retained history size, checked against the
	// per-dataflow inflight budget.
	bytes int64
}

// Replica consumes the command stream of one compute instance.
// Commands are processed in the order received within an epoch; peeks
// whose timestamp is not yet complete are parked and served when the
// write frontier passes them.
type Replica struct {
	sv    *settings.Values
	epoch compute.EpochTracker

	mu struct {
		syncutil.Mutex
		instance    bool
		collections map[computepb.GlobalID]*collection
		retired     map[computepb.GlobalID]struct{}
		// parked holds peeks waiting for their timestamp to complete,
		// in arrival order.
		parked []computepb.PeekRequest
	}
}

// New returns a Replica reading its tunables from sv.
func New(sv *settings.Values) *Replica {
	r := &Replica{sv: sv}
	r.mu.collections = make(map[computepb.GlobalID]*collection)
	r.mu.retired = make(map[computepb.GlobalID]struct{})
	return r
}

// HandleCommand applies one command and returns the responses it
// produces, if any. A stale epoch rejects the command as a whole with
// no side effects.
func (r *Replica) HandleCommand(
	ctx context.Context, cmd computepb.ComputeCommand, epoch computepb.ClusterStartupEpoch,
) ([]computepb.ComputeResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if create, ok := cmd.(*computepb.CreateTimely); ok {
		return r.createTimelyLocked(ctx, create)
	}
	if err := r.epoch.Check(epoch); err != nil {
		return nil, err
	}
	if _, ok := r.epoch.Current(); !ok {
		return nil, errors.Mark(
			errors.New("replica not bootstrapped"), compute.ErrNotReady)
	}

	switch c := cmd.(type) {
	case *computepb.CreateInstance:
		if r.mu.instance {
			return nil, errors.Mark(
				errors.New("compute instance already created"), compute.ErrInstanceExists)
		}
		r.mu.instance = true
		log.VEventf(ctx, 1, "created instance, introspection interval %dms",
			c.Logging.IntervalMillis)
		return nil, nil
	case *computepb.CreateDataflows:
		return nil, r.createDataflowsLocked(ctx, c.Dataflows)
	case *computepb.DropDataflows:
		return nil, r.dropDataflowsLocked(c.IDs)
	case *computepb.AllowCompaction:
		return nil, r.allowCompactionLocked(ctx, c.ID, c.Frontier)
	case *computepb.Peek:
		return r.peekLocked(ctx, c.Peek), nil
	case *computepb.CancelPeeks:
		return r.cancelPeeksLocked(ctx, c.UUIDs), nil
	case *computepb.InitializationComplete:
		log.VEventf(ctx, 1, "initialization complete")
		return nil, nil
	case *computepb.UpdateConfiguration:
		compute.ApplyParams(r.sv, c.Params)
		return nil, nil
	default:
		return nil, errors.AssertionFailedf("unhandled command type %T", cmd)
	}
}

// createTimelyLocked bootstraps the replica under a new epoch. A
// superseding epoch abandons the previous generation wholesale: parked
// peeks resolve as cancelled and installed dataflows are discarded,
// ready for the coordinator's command replay.
func (r *Replica) createTimelyLocked(
	ctx context.Context, cmd *computepb.CreateTimely,
) ([]computepb.ComputeResponse, error) {
	r.mu.AssertHeld()
	superseded, err := r.epoch.Observe(cmd.Epoch)
	if err != nil {
		return nil, err
	}
	var responses []computepb.ComputeResponse
	if superseded {
		log.Infof(ctx, "bootstrapping epoch %s, abandoning previous generation", cmd.Epoch)
		for i := range r.mu.parked {
			responses = append(responses, &computepb.PeekResult{
				UUID:     r.mu.parked[i].UUID,
				Response: &computepb.PeekCanceled{},
			})
		}
		r.mu.parked = nil
		r.mu.collections = make(map[computepb.GlobalID]*collection)
		r.mu.instance = false
	}
	return responses, nil
}

func (r *Replica) createDataflowsLocked(
	ctx context.Context, descs []computepb.DataflowDescription,
) error {
	r.mu.AssertHeld()
	// Validate the batch before touching any state.
	inBatch := make(map[computepb.GlobalID]struct{})
	for i := range descs {
		desc := &descs[i]
		for _, imp := range desc.Imports {
			if _, ok := inBatch[imp.ID]; ok {
				continue
			}
			if _, ok := r.mu.collections[imp.ID]; !ok {
				return errors.Wrapf(
					compute.NewUnknownCollectionError(imp.ID), "dataflow %q import", desc.DebugName)
			}
		}
		for _, exp := range desc.Exports {
			_, installed := r.mu.collections[exp.ID]
			_, retired := r.mu.retired[exp.ID]
			if installed || retired {
				return compute.NewDuplicateCollectionError(exp.ID)
			}
			if _, ok := inBatch[exp.ID]; ok {
				return compute.NewDuplicateCollectionError(exp.ID)
			}
			inBatch[exp.ID] = struct{}{}
		}
	}
	for i := range descs {
		desc := &descs[i]
		asOf := desc.AsOf
		if asOf.IsEmpty() {
			asOf = computepb.FrontierFrom(computepb.MinTimestamp)
		}
		for _, exp := range desc.Exports {
			r.mu.collections[exp.ID] = &collection{
				arity: exp.Arity,
				since: asOf,
				upper: asOf,
			}
		}
		log.VEventf(ctx, 1, "rendered dataflow %q", desc.DebugName)
	}
	return nil
}

func (r *Replica) dropDataflowsLocked(ids []computepb.GlobalID) error {
	r.mu.AssertHeld()
	for _, id := range ids {
		if _, ok := r.mu.collections[id]; !ok {
			return compute.NewUnknownCollectionError(id)
		}
	}
	for _, id := range ids {
		delete(r.mu.collections, id)
		r.mu.retired[id] = struct{}{}
	}
	return nil
}

// allowCompactionLocked advances a collection's since and trims
// history: updates below the new frontier are advanced to it, so reads
// at or beyond the since still accumulate correctly while the
// distinctions below it are forgotten.
func (r *Replica) allowCompactionLocked(
	ctx context.Context, id computepb.GlobalID, next computepb.TimeFrontier,
) error {
	r.mu.AssertHeld()
	coll, ok := r.mu.collections[id]
	if !ok {
		return compute.NewUnknownCollectionError(id)
	}
	cf := computepb.CollectionFrontiers{Since: coll.since, Upper: coll.upper}
	if !coll.since.LessEqualFrontier(next) || !next.LessEqualFrontier(coll.upper) {
		return compute.NewInvalidCompactionError(id, next, cf)
	}
	coll.since = next
	for i := range coll.updates {
		coll.updates[i].Timestamp = advanceBy(coll.updates[i].Timestamp, next)
	}
	log.VEventf(ctx, 2, "compacted %s to %s", id, next)
	return nil
}

// advanceBy advances ts to the earliest time at or beyond the frontier
// that is an upper bound of ts, leaving it unchanged if already beyond.
func advanceBy(ts computepb.Timestamp, f computepb.TimeFrontier) computepb.Timestamp {
	if f.LessEqual(ts) || f.IsEmpty() {
		return ts
	}
	elems := f.Elements()
	best := ts.Join(elems[0])
	for _, e := range elems[1:] {
		if j := ts.Join(e); j.LessEqual(best) {
			best = j
		}
	}
	return best
}

// peekLocked validates a peek and either serves it immediately or
// parks it until its timestamp completes. Every accepted peek produces
// exactly one terminal response.
func (r *Replica) peekLocked(
	ctx context.Context, req computepb.PeekRequest,
) []computepb.ComputeResponse {
	r.mu.AssertHeld()
	coll, ok := r.mu.collections[req.Target]
	if !ok {
		return []computepb.ComputeResponse{peekError(req.UUID,
			computepb.PeekErrorInternal,
			compute.NewUnknownCollectionError(req.Target).Error())}
	}
	if !coll.since.LessEqual(req.Timestamp) {
		cf := computepb.CollectionFrontiers{Since: coll.since, Upper: coll.upper}
		return []computepb.ComputeResponse{peekError(req.UUID,
			computepb.PeekErrorTimestampUnavailable,
			compute.NewTimestampUnavailableError(req.Target, req.Timestamp, cf).Error())}
	}
	if coll.upper.LessEqual(req.Timestamp) {
		// Not yet complete at the requested time; serve once the write
		// frontier passes it.
		log.VEventf(ctx, 2, "parking peek %s until %s completes", req.UUID, req.Timestamp)
		r.mu.parked = append(r.mu.parked, req)
		return nil
	}
	return []computepb.ComputeResponse{r.servePeekLocked(req, coll)}
}

// servePeekLocked evaluates an answerable peek against the collection's
// history at the peek timestamp.
func (r *Replica) servePeekLocked(
	req computepb.PeekRequest, coll *collection,
) computepb.ComputeResponse {
	r.mu.AssertHeld()
	var input []rowset.Row
	for i := range coll.updates {
		if coll.updates[i].Timestamp.LessEqual(req.Timestamp) {
			input = append(input, coll.updates[i].Row)
		}
	}
	if len(req.KeySelection) > 0 {
		input = filterByKeys(input, req.KeySelection)
	}

	// Expression failures are data: the batch keeps going and the first
	// captured error fails the peek's outcome, never the replica.
	out, evalErr := req.Plan.Evaluate(input)
	if evalErr != nil {
		return peekError(req.UUID, computepb.PeekErrorEvaluation, evalErr.Message)
	}
	finished, err := req.Finishing.Finish(out, compute.MaxResultSize.Get(r.sv))
	if err != nil {
		code := computepb.PeekErrorInternal
		if errors.Is(err, rowset.ErrResultSizeExceeded) {
			code = computepb.PeekErrorResultSize
		}
		return peekError(req.UUID, code, err.Error())
	}
	return &computepb.PeekResult{
		UUID:     req.UUID,
		Response: &computepb.PeekRows{Rows: finished},
	}
}

// filterByKeys keeps rows whose leading columns equal one of the
// literal keys.
func filterByKeys(rows []rowset.Row, keys []rowset.Row) []rowset.Row {
	var out []rowset.Row
	for _, row := range rows {
		for _, key := range keys {
			if len(key) <= len(row) && rowset.Row(row[:len(key)]).Equal(key) {
				out = append(out, row)
				break
			}
		}
	}
	return out
}

// cancelPeeksLocked abandons parked peeks. Peeks that already produced
// a response are unaffected; cancelling them is a no-op here because
// their terminal response has been emitted.
func (r *Replica) cancelPeeksLocked(
	ctx context.Context, uuids []uuid.UUID,
) []computepb.ComputeResponse {
	r.mu.AssertHeld()
	cancel := make(map[uuid.UUID]struct{}, len(uuids))
	for _, id := range uuids {
		cancel[id] = struct{}{}
	}
	var responses []computepb.ComputeResponse
	kept := r.mu.parked[:0]
	for _, req := range r.mu.parked {
		if _, ok := cancel[req.UUID]; ok {
			log.VEventf(ctx, 2, "cancelled parked peek %s", req.UUID)
			responses = append(responses, &computepb.PeekResult{
				UUID:     req.UUID,
				Response: &computepb.PeekCanceled{},
			})
			continue
		}
		kept = append(kept, req)
	}
	r.mu.parked = kept
	return responses
}

// Ingest appends timestamped rows to a collection and advances its
// write frontier. Every update must be beyond the current upper, and
// newUpper must dominate it; progress is reported to the coordinator
// and any parked peek whose timestamp completes is served.
func (r *Replica) Ingest(
	ctx context.Context,
	id computepb.GlobalID,
	updates []Update,
	newUpper computepb.TimeFrontier,
) ([]computepb.ComputeResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	coll, ok := r.mu.collections[id]
	if !ok {
		return nil, compute.NewUnknownCollectionError(id)
	}
	if !coll.upper.LessEqualFrontier(newUpper) {
		return nil, errors.AssertionFailedf(
			"upper of %s cannot regress from %s to %s", id, coll.upper, newUpper)
	}
	var added int64
	for i := range updates {
		if !coll.upper.LessEqual(updates[i].Timestamp) {
			return nil, errors.AssertionFailedf(
				"update for %s at closed time %s (upper %s)", id, updates[i].Timestamp, coll.upper)
		}
		added += updates[i].Row.Size()
	}
	if budget := compute.DataflowMaxInflightBytes.Get(r.sv); budget > 0 &&
		coll.bytes+added > budget {
		return nil, errors.Newf(
			"ingesting %d bytes into %s exceeds inflight budget of %d bytes",
			added, id, budget)
	}
	coll.updates = append(coll.updates, updates...)
	coll.bytes += added
	coll.upper = coll.upper.Join(newUpper)

	responses := []computepb.ComputeResponse{
		&computepb.FrontierUppers{
			Updates: []computepb.FrontierUpper{{ID: id, Upper: coll.upper}},
		},
	}
	responses = append(responses, r.serveParkedLocked()...)
	return responses, nil
}

// serveParkedLocked serves every parked peek whose timestamp has
// completed.
func (r *Replica) serveParkedLocked() []computepb.ComputeResponse {
	r.mu.AssertHeld()
	var responses []computepb.ComputeResponse
	kept := r.mu.parked[:0]
	for _, req := range r.mu.parked {
		coll, ok := r.mu.collections[req.Target]
		if ok && !coll.upper.LessEqual(req.Timestamp) {
			responses = append(responses, r.servePeekLocked(req, coll))
			continue
		}
		kept = append(kept, req)
	}
	r.mu.parked = kept
	return responses
}

// Epoch returns the replica's current epoch, if bootstrapped.
func (r *Replica) Epoch() (computepb.ClusterStartupEpoch, bool) {
	return r.epoch.Current()
}

func peekError(id uuid.UUID, code computepb.PeekErrorCode, msg string) computepb.ComputeResponse {
	return &computepb.PeekResult{
		UUID:     id,
		Response: &computepb.PeekError{Code: code, Message: msg},
	}
}
