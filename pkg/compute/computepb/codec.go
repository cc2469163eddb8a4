// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package computepb

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// codecVersion is the wire format version. It is independent of the
// logical schema of the rows the messages carry.
const codecVersion = 1

// messageKind tags the concrete variant inside an envelope.
type messageKind uint8

const (
	kindCreateTimely messageKind = iota + 1
	kindCreateInstance
	kindCreateDataflows
	kindDropDataflows
	kindAllowCompaction
	kindPeek
	kindCancelPeeks
	kindInitializationComplete
	kindUpdateConfiguration

	kindFrontierUppers
	kindPeekResult
)

// envelope is the self-delimited wire frame: version, variant tag, the
// originating epoch, and the msgpack-encoded payload.
type envelope struct {
	Version uint8               `msgpack:"v"`
	Kind    uint8               `msgpack:"k"`
	Epoch   ClusterStartupEpoch `msgpack:"e"`
	Payload msgpack.RawMessage  `msgpack:"p"`
}

func commandKind(cmd ComputeCommand) (messageKind, error) {
	switch cmd.(type) {
	case *CreateTimely:
		return kindCreateTimely, nil
	case *CreateInstance:
		return kindCreateInstance, nil
	case *CreateDataflows:
		return kindCreateDataflows, nil
	case *DropDataflows:
		return kindDropDataflows, nil
	case *AllowCompaction:
		return kindAllowCompaction, nil
	case *Peek:
		return kindPeek, nil
	case *CancelPeeks:
		return kindCancelPeeks, nil
	case *InitializationComplete:
		return kindInitializationComplete, nil
	case *UpdateConfiguration:
		return kindUpdateConfiguration, nil
	default:
		return 0, errors.AssertionFailedf("unhandled command type %T", cmd)
	}
}

func encode(kind messageKind, epoch ClusterStartupEpoch, msg interface{}) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %T", msg)
	}
	return msgpack.Marshal(envelope{
		Version: codecVersion,
		Kind:    uint8(kind),
		Epoch:   epoch,
		Payload: payload,
	})
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return envelope{}, errors.Wrap(err, "decoding envelope")
	}
	if env.Version != codecVersion {
		return envelope{}, errors.Newf("unsupported wire version %d", env.Version)
	}
	return env, nil
}

// EncodeCommand encodes a command tagged with its originating epoch.
func EncodeCommand(cmd ComputeCommand, epoch ClusterStartupEpoch) ([]byte, error) {
	kind, err := commandKind(cmd)
	if err != nil {
		return nil, err
	}
	return encode(kind, epoch, cmd)
}

// DecodeCommand decodes a command and the epoch it was sent under.
// Unknown variants and unsupported versions are structured errors,
// never panics.
func DecodeCommand(b []byte) (ComputeCommand, ClusterStartupEpoch, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return nil, ClusterStartupEpoch{}, err
	}
	var cmd ComputeCommand
	switch messageKind(env.Kind) {
	case kindCreateTimely:
		cmd = &CreateTimely{}
	case kindCreateInstance:
		cmd = &CreateInstance{}
	case kindCreateDataflows:
		cmd = &CreateDataflows{}
	case kindDropDataflows:
		cmd = &DropDataflows{}
	case kindAllowCompaction:
		cmd = &AllowCompaction{}
	case kindPeek:
		cmd = &Peek{}
	case kindCancelPeeks:
		cmd = &CancelPeeks{}
	case kindInitializationComplete:
		cmd = &InitializationComplete{}
	case kindUpdateConfiguration:
		cmd = &UpdateConfiguration{}
	default:
		return nil, ClusterStartupEpoch{}, errors.Newf("unknown command kind %d", env.Kind)
	}
	if err := msgpack.Unmarshal(env.Payload, cmd); err != nil {
		return nil, ClusterStartupEpoch{}, errors.Wrapf(err, "decoding %T", cmd)
	}
	return cmd, env.Epoch, nil
}

// EncodeResponse encodes a response tagged with its originating epoch.
func EncodeResponse(resp ComputeResponse, epoch ClusterStartupEpoch) ([]byte, error) {
	switch resp.(type) {
	case *FrontierUppers:
		return encode(kindFrontierUppers, epoch, resp)
	case *PeekResult:
		return encode(kindPeekResult, epoch, resp)
	default:
		return nil, errors.AssertionFailedf("unhandled response type %T", resp)
	}
}

// DecodeResponse decodes a response and the epoch it was sent under.
func DecodeResponse(b []byte) (ComputeResponse, ClusterStartupEpoch, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return nil, ClusterStartupEpoch{}, err
	}
	var resp ComputeResponse
	switch messageKind(env.Kind) {
	case kindFrontierUppers:
		resp = &FrontierUppers{}
	case kindPeekResult:
		resp = &PeekResult{}
	default:
		return nil, ClusterStartupEpoch{}, errors.Newf("unknown response kind %d", env.Kind)
	}
	if err := msgpack.Unmarshal(env.Payload, resp); err != nil {
		return nil, ClusterStartupEpoch{}, errors.Wrapf(err, "decoding %T", resp)
	}
	return resp, env.Epoch, nil
}

// peekResponseKind tags the variant inside a PeekResult.
type peekResponseKind uint8

const (
	prKindRows peekResponseKind = iota + 1
	prKindError
	prKindCanceled
)

// EncodeMsgpack implements msgpack.CustomEncoder. PeekResult holds an
// interface-typed outcome, so it carries its own variant tag.
func (r *PeekResult) EncodeMsgpack(enc *msgpack.Encoder) error {
	var kind peekResponseKind
	switch r.Response.(type) {
	case *PeekRows:
		kind = prKindRows
	case *PeekError:
		kind = prKindError
	case *PeekCanceled:
		kind = prKindCanceled
	default:
		return errors.AssertionFailedf("unhandled peek response type %T", r.Response)
	}
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeBytes(r.UUID[:]); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(kind)); err != nil {
		return err
	}
	return enc.Encode(r.Response)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (r *PeekResult) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return errors.Newf("malformed peek result: array of %d elements", n)
	}
	raw, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return errors.Wrap(err, "malformed peek uuid")
	}
	r.UUID = id
	kind, err := dec.DecodeInt64()
	if err != nil {
		return err
	}
	switch peekResponseKind(kind) {
	case prKindRows:
		resp := &PeekRows{}
		if err := dec.Decode(resp); err != nil {
			return err
		}
		r.Response = resp
	case prKindError:
		resp := &PeekError{}
		if err := dec.Decode(resp); err != nil {
			return err
		}
		r.Response = resp
	case prKindCanceled:
		resp := &PeekCanceled{}
		if err := dec.Decode(resp); err != nil {
			return err
		}
		r.Response = resp
	default:
		return errors.Newf("unknown peek response kind %d", kind)
	}
	return nil
}
