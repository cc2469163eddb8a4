// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package log

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/stretchr/testify/require"
)

func TestOutputCarriesTags(t *testing.T) {
	var buf bytes.Buffer
	defer SetDestination(&buf)()

	ctx := context.Background()
	Infof(ctx, "plain %d", 1)
	ctx = logtags.AddTag(ctx, "replica", 3)
	Warningf(ctx, "tagged")

	out := buf.String()
	require.Contains(t, out, "I plain 1\n")
	require.Contains(t, out, "W [replica=3] tagged\n")
}

func TestVerbosityGating(t *testing.T) {
	var buf bytes.Buffer
	defer SetDestination(&buf)()
	defer SetVModule(0)

	ctx := context.Background()
	VEventf(ctx, 1, "dropped")
	require.Empty(t, buf.String())

	SetVModule(1)
	require.True(t, V(1))
	require.False(t, V(2))
	VEventf(ctx, 1, "kept")
	require.Contains(t, buf.String(), "kept")
}

func TestEveryN(t *testing.T) {
	defer SetVModule(0)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := Every(time.Minute)

	require.True(t, e.shouldLog(start))
	require.False(t, e.shouldLog(start.Add(30*time.Second)))
	require.True(t, e.shouldLog(start.Add(time.Minute)))

	// High verbosity disables the rate limit.
	SetVModule(2)
	require.True(t, e.shouldLog(start.Add(61*time.Second)))
}

func TestZeroEveryNAlwaysLogs(t *testing.T) {
	var e EveryN
	now := time.Now()
	require.True(t, e.shouldLog(now))
	require.True(t, e.shouldLog(now))
}
