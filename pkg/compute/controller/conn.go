// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package controller

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/logtags"
	"golang.org/x/sync/errgroup"

	"github.com/RobinClowers/materialize/pkg/compute"
	"github.com/RobinClowers/materialize/pkg/compute/computepb"
	"github.com/RobinClowers/materialize/pkg/util/log"
)

// Transport moves encoded protocol frames to and from one replica. The
// physical encoding of the stream (gRPC, unix socket, in-process pipe)
// is a collaborator's concern; frames are already self-delimited.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// Conn drives one replica connection. Commands are encoded and sent
// strictly in the order enqueued; responses are decoded and absorbed
// into the controller as they arrive, with no ordering assumed across
// concurrently outstanding peeks.
type Conn struct {
	ctrl      *Controller
	transport Transport
	epoch     computepb.ClusterStartupEpoch
	cmds      chan computepb.ComputeCommand
}

// Dial returns a Conn that tags outbound commands with the given
// epoch. buffer bounds how many commands may be queued before Send
// blocks; enqueueing never blocks on a peek resolving.
func (c *Controller) Dial(
	transport Transport, epoch computepb.ClusterStartupEpoch, buffer int,
) *Conn {
	return &Conn{
		ctrl:      c,
		transport: transport,
		epoch:     epoch,
		cmds:      make(chan computepb.ComputeCommand, buffer),
	}
}

// Send enqueues a command for transmission.
func (cn *Conn) Send(ctx context.Context, cmd computepb.ComputeCommand) error {
	select {
	case cn.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueueing command")
	}
}

// Run pumps the connection until ctx is cancelled or the transport
// fails. On exit every outstanding peek is resolved as cancelled, so
// no caller is left waiting on a connection that is gone.
func (cn *Conn) Run(ctx context.Context) error {
	ctx = logtags.AddTag(ctx, "epoch", cn.epoch)
	defer cn.ctrl.Shutdown(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case cmd := <-cn.cmds:
				frame, err := computepb.EncodeCommand(cmd, cn.epoch)
				if err != nil {
					return err
				}
				if err := cn.transport.Send(ctx, frame); err != nil {
					return errors.Wrapf(err, "sending %s", cmd)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	g.Go(func() error {
		for {
			frame, err := cn.transport.Recv(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return errors.Wrap(err, "receiving response")
			}
			resp, epoch, err := computepb.DecodeResponse(frame)
			if err != nil {
				return err
			}
			if err := cn.ctrl.AbsorbResponse(ctx, resp, epoch); err != nil {
				if errors.Is(err, compute.ErrStaleEpoch) {
					log.VEventf(ctx, 1, "dropping stale response %s: %v", resp, err)
					continue
				}
				return err
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
