// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package frontier

import "github.com/vmihailenco/msgpack/v5"

// EncodeMsgpack implements msgpack.CustomEncoder. A frontier travels on
// the wire as the plain slice of its elements.
func (f Frontier[E]) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(f.elems)
}

// DecodeMsgpack implements msgpack.CustomDecoder. Decoded elements are
// re-minimized, so a hostile or buggy peer cannot smuggle in a
// non-antichain.
func (f *Frontier[E]) DecodeMsgpack(dec *msgpack.Decoder) error {
	var elems []E
	if err := dec.Decode(&elems); err != nil {
		return err
	}
	*f = Make(elems...)
	return nil
}
