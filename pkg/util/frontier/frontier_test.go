// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package frontier_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/RobinClowers/materialize/pkg/util/frontier"
)

// tick is a totally ordered test element.
type tick uint64

func (t tick) LessEqual(o tick) bool { return t <= o }

func (t tick) Join(o tick) tick {
	if t < o {
		return o
	}
	return t
}

// point is a partially ordered test element; (1,2) and (2,1) are
// incomparable. Fields are exported so the wire codec sees them.
type point struct{ X, Y int }

func (p point) LessEqual(o point) bool { return p.X <= o.X && p.Y <= o.Y }

func (p point) Join(o point) point {
	q := p
	if o.X > q.X {
		q.X = o.X
	}
	if o.Y > q.Y {
		q.Y = o.Y
	}
	return q
}

func (p point) String() string { return fmt.Sprintf("(%d, %d)", p.X, p.Y) }

func TestMakeMinimizes(t *testing.T) {
	f := frontier.Make[tick](5, 3, 7, 3)
	require.Equal(t, 1, f.Len())
	require.Equal(t, []tick{3}, f.Elements())

	g := frontier.Make(point{1, 2}, point{2, 1}, point{3, 3})
	require.Equal(t, 2, g.Len())
}

func TestInsertRedundant(t *testing.T) {
	f := frontier.Make[tick](3)
	require.False(t, f.Insert(5), "dominated element must be redundant")
	require.False(t, f.Insert(3))
	require.True(t, f.Insert(1))
	require.Equal(t, []tick{1}, f.Elements())
}

func TestLessEqual(t *testing.T) {
	f := frontier.Make[tick](3)
	require.True(t, f.LessEqual(3))
	require.True(t, f.LessEqual(10))
	require.False(t, f.LessEqual(2))

	var empty frontier.Frontier[tick]
	require.False(t, empty.LessEqual(0), "empty frontier is beyond every time")
}

func TestFrontierOrder(t *testing.T) {
	lo := frontier.Make[tick](3)
	hi := frontier.Make[tick](7)
	var empty frontier.Frontier[tick]

	require.True(t, lo.LessEqualFrontier(lo), "reflexive")
	require.True(t, lo.LessEqualFrontier(hi))
	require.False(t, hi.LessEqualFrontier(lo))

	// The empty frontier is the maximum of the order.
	require.True(t, lo.LessEqualFrontier(empty))
	require.False(t, empty.LessEqualFrontier(lo))
	require.True(t, empty.LessEqualFrontier(empty))
}

func TestJoin(t *testing.T) {
	f := frontier.Make[tick](3)
	g := frontier.Make[tick](7)
	require.Equal(t, []tick{7}, f.Join(g).Elements())

	var empty frontier.Frontier[tick]
	require.True(t, f.Join(empty).IsEmpty())
	require.True(t, empty.Join(f).IsEmpty())

	// Joins of incomparable elements re-minimize.
	a := frontier.Make(point{1, 2}, point{2, 1})
	b := frontier.Make(point{2, 2})
	require.Equal(t, []point{{2, 2}}, a.Join(b).Elements())
}

func TestEqual(t *testing.T) {
	require.True(t, frontier.Make[tick](3, 5).Equal(frontier.Make[tick](3)))
	require.False(t, frontier.Make[tick](3).Equal(frontier.Make[tick](4)))
}

// TestDecodeReMinimizes feeds the codec a non-antichain and verifies it
// comes out minimal; the wire form is the plain element slice.
func TestDecodeReMinimizes(t *testing.T) {
	b, err := msgpack.Marshal([]tick{5, 2, 9})
	require.NoError(t, err)
	var f frontier.Frontier[tick]
	require.NoError(t, msgpack.Unmarshal(b, &f))
	require.Equal(t, []tick{2}, f.Elements())
}

func TestEncodeRoundTrip(t *testing.T) {
	f := frontier.Make(point{1, 2}, point{2, 1})
	b, err := msgpack.Marshal(f)
	require.NoError(t, err)
	var g frontier.Frontier[point]
	require.NoError(t, msgpack.Unmarshal(b, &g))
	require.True(t, f.Equal(g))
}

func TestDataDriven(t *testing.T) {
	datadriven.RunTest(t, "testdata/frontier", func(t *testing.T, d *datadriven.TestData) string {
		lines := strings.Split(strings.TrimSpace(d.Input), "\n")
		switch d.Cmd {
		case "make":
			return frontier.Make(parsePoints(t, lines[0])...).String()
		case "less-equal":
			require.Len(t, lines, 2)
			f := frontier.Make(parsePoints(t, lines[0])...)
			pts := parsePoints(t, lines[1])
			require.Len(t, pts, 1)
			return fmt.Sprint(f.LessEqual(pts[0]))
		case "leq-frontier":
			require.Len(t, lines, 2)
			f := frontier.Make(parsePoints(t, lines[0])...)
			g := frontier.Make(parsePoints(t, lines[1])...)
			return fmt.Sprint(f.LessEqualFrontier(g))
		case "join":
			require.Len(t, lines, 2)
			f := frontier.Make(parsePoints(t, lines[0])...)
			g := frontier.Make(parsePoints(t, lines[1])...)
			return f.Join(g).String()
		default:
			t.Fatalf("unknown command %q", d.Cmd)
			return ""
		}
	})
}

// parsePoints parses "x,y x,y ..."; a lone "-" denotes the empty
// frontier.
func parsePoints(t *testing.T, line string) []point {
	t.Helper()
	if strings.TrimSpace(line) == "-" {
		return nil
	}
	var pts []point
	for _, field := range strings.Fields(line) {
		var p point
		_, err := fmt.Sscanf(field, "%d,%d", &p.X, &p.Y)
		require.NoError(t, err)
		pts = append(pts, p)
	}
	return pts
}
