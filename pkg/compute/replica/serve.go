// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package replica

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/RobinClowers/materialize/pkg/compute"
	"github.com/RobinClowers/materialize/pkg/compute/computepb"
	"github.com/RobinClowers/materialize/pkg/util/log"
)

// Transport moves encoded protocol frames to and from the coordinator.
// Frames are already self-delimited; the physical stream is a
// collaborator's concern.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Session pumps one replica over a transport: inbound frames are
// decoded and applied in order, outbound responses are sent as they
// are produced, whether by command handling or by ingestion.
type Session struct {
	r         *Replica
	transport Transport
	out       chan computepb.ComputeResponse

	// staleCommands rate limits logging about commands from superseded
	// epochs, which arrive in bursts during a reconnection.
	staleCommands log.EveryN
}

// NewSession wraps the replica for the given transport. buffer bounds
// how many responses may be queued before producers block.
func (r *Replica) NewSession(transport Transport, buffer int) *Session {
	return &Session{
		r:             r,
		transport:     transport,
		out:           make(chan computepb.ComputeResponse, buffer),
		staleCommands: log.Every(5 * time.Second),
	}
}

// Ingest feeds rows into a collection and queues the resulting
// progress and peek responses for transmission.
func (s *Session) Ingest(
	ctx context.Context,
	id computepb.GlobalID,
	updates []Update,
	newUpper computepb.TimeFrontier,
) error {
	responses, err := s.r.Ingest(ctx, id, updates, newUpper)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, responses)
}

func (s *Session) enqueue(ctx context.Context, responses []computepb.ComputeResponse) error {
	for _, resp := range responses {
		select {
		case s.out <- resp:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "enqueueing response")
		}
	}
	return nil
}

// Run pumps the session until ctx is cancelled or the transport fails.
// Commands tagged with a superseded epoch are dropped; any other
// protocol violation tears the session down, since the coordinator is
// the trusted end of this stream.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			frame, err := s.transport.Recv(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return errors.Wrap(err, "receiving command")
			}
			cmd, epoch, err := computepb.DecodeCommand(frame)
			if err != nil {
				return err
			}
			responses, err := s.r.HandleCommand(ctx, cmd, epoch)
			if err != nil {
				if errors.Is(err, compute.ErrStaleEpoch) {
					if s.staleCommands.ShouldLog() {
						log.Warningf(ctx, "dropping stale command %s: %v", cmd, err)
					}
					continue
				}
				return errors.Wrapf(err, "handling %s", cmd)
			}
			if err := s.enqueue(ctx, responses); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case resp := <-s.out:
				epoch, ok := s.r.Epoch()
				if !ok {
					return errors.AssertionFailedf("response %s produced before bootstrap", resp)
				}
				frame, err := computepb.EncodeResponse(resp, epoch)
				if err != nil {
					return err
				}
				if err := s.transport.Send(ctx, frame); err != nil {
					return errors.Wrapf(err, "sending %s", resp)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
