// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package controller

import (
	"context"

	"github.com/cockroachdb/errors"
)

// NewPipe returns two connected in-process transports: frames sent on
// one end are received on the other. Both directions are buffered to
// the given depth. Useful for tests and for replicas hosted in the
// same process as the coordinator.
func NewPipe(buffer int) (a, b Transport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	return &pipeEnd{send: ab, recv: ba}, &pipeEnd{send: ba, recv: ab}
}

type pipeEnd struct {
	send chan []byte
	recv chan []byte
}

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case p.send <- frame:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "pipe send")
	}
}

func (p *pipeEnd) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.recv:
		return frame, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "pipe recv")
	}
}
