// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package rowset

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDatumWireRoundTrip(t *testing.T) {
	dec, err := ParseDecimal("123456789.000000001")
	require.NoError(t, err)
	datums := []Datum{
		Null(),
		MakeBool(true),
		MakeInt(-42),
		MakeFloat(2.5),
		MakeString("héllo"),
		MakeBytes([]byte{0x00, 0xff}),
		dec,
	}
	for _, d := range datums {
		b, err := msgpack.Marshal(d)
		require.NoError(t, err)
		var got Datum
		require.NoError(t, msgpack.Unmarshal(b, &got))
		require.Equal(t, d.Kind(), got.Kind())
		require.True(t, d.Equal(got), "want %s, got %s", d, got)
	}
}

func TestRowWireRoundTrip(t *testing.T) {
	row := NewRow(MakeInt(1), Null(), MakeString("x"))
	b, err := msgpack.Marshal(row)
	require.NoError(t, err)
	var got Row
	require.NoError(t, msgpack.Unmarshal(b, &got))
	require.True(t, row.Equal(got))
}

func TestDatumDecodeMalformed(t *testing.T) {
	// A one-element array is not a datum.
	b, err := msgpack.Marshal([]int{1})
	require.NoError(t, err)
	var d Datum
	require.Error(t, msgpack.Unmarshal(b, &d))
}
