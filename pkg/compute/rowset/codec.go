// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package rowset

import (
	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Datums travel on the wire as a two-element array [kind, value].
// Decimals are carried as their exact text form so precision survives
// the round trip.

// EncodeMsgpack implements msgpack.CustomEncoder.
func (d Datum) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeInt(int64(d.kind)); err != nil {
		return err
	}
	switch d.kind {
	case KindNull:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(d.b)
	case KindInt:
		return enc.EncodeInt(d.i)
	case KindFloat:
		return enc.EncodeFloat64(d.f)
	case KindString:
		return enc.EncodeString(d.s)
	case KindBytes:
		return enc.EncodeBytes(d.raw)
	case KindDecimal:
		return enc.EncodeString(d.dec.Text('G'))
	default:
		return errors.AssertionFailedf("unknown datum kind %d", d.kind)
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (d *Datum) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return errors.Newf("malformed datum: array of %d elements", n)
	}
	k, err := dec.DecodeInt64()
	if err != nil {
		return err
	}
	switch DatumKind(k) {
	case KindNull:
		if err := dec.DecodeNil(); err != nil {
			return err
		}
		*d = Null()
	case KindBool:
		b, err := dec.DecodeBool()
		if err != nil {
			return err
		}
		*d = MakeBool(b)
	case KindInt:
		i, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		*d = MakeInt(i)
	case KindFloat:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return err
		}
		*d = MakeFloat(f)
	case KindString:
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*d = MakeString(s)
	case KindBytes:
		b, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		*d = MakeBytes(b)
	case KindDecimal:
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		v, _, err := apd.NewFromString(s)
		if err != nil {
			return errors.Wrapf(err, "malformed decimal datum %q", s)
		}
		*d = MakeDecimal(v)
	default:
		return errors.Newf("unknown datum kind %d", k)
	}
	return nil
}
