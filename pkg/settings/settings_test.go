// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package settings

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var testInt = RegisterIntSetting("test.int", "test integer setting", 42)
var testBytes = RegisterByteSizeSetting("test.bytes", "test byte size setting", 1<<20)
var testBool = RegisterBoolSetting("test.bool", "test boolean setting", true)

func TestDefaults(t *testing.T) {
	sv := NewValues()
	require.Equal(t, int64(42), testInt.Get(sv))
	require.Equal(t, int64(1<<20), testBytes.Get(sv))
	require.True(t, testBool.Get(sv))
}

func TestOverride(t *testing.T) {
	sv := NewValues()
	testInt.Override(sv, 7)
	testBool.Override(sv, false)
	require.Equal(t, int64(7), testInt.Get(sv))
	require.False(t, testBool.Get(sv))

	// Containers are independent.
	other := NewValues()
	require.Equal(t, int64(42), testInt.Get(other))
	require.True(t, testBool.Get(other))
}

func TestLookup(t *testing.T) {
	s, ok := Lookup("test.int")
	require.True(t, ok)
	require.Equal(t, "test.int", s.Key())
	require.Equal(t, "i", s.Typ())

	_, ok = Lookup("test.missing")
	require.False(t, ok)

	require.Contains(t, Keys(), "test.bytes")
}

func TestRender(t *testing.T) {
	sv := NewValues()
	require.Equal(t, "42", testInt.String(sv))
	require.Equal(t, "1.0 MiB", testBytes.String(sv))
	require.Equal(t, "true", testBool.String(sv))
}
