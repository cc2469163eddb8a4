// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package rowset

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// ErrResultSizeExceeded is reported when materializing a finished
// result set would exceed the configured byte budget. It fails the one
// read that tripped it, nothing else.
var ErrResultSizeExceeded = errors.New("result size exceeded")

// NullOrdering selects where NULLs sort relative to non-NULL values for
// one ordering column.
type NullOrdering uint8

const (
	// NullsDefault places NULLs last for ascending columns and first for
	// descending columns.
	NullsDefault NullOrdering = iota
	// NullsFirst places NULLs before all non-NULL values.
	NullsFirst
	// NullsLast places NULLs after all non-NULL values.
	NullsLast
)

// ColumnOrder describes one element of an ordering key.
type ColumnOrder struct {
	// Column is the index of the column to order by.
	Column int `msgpack:"col"`
	// Desc inverts the datum order for this column.
	Desc bool `msgpack:"desc"`
	// Nulls overrides the default null placement.
	Nulls NullOrdering `msgpack:"nulls"`
}

// nullsFirst resolves the effective null placement for this column.
func (c ColumnOrder) nullsFirst() bool {
	switch c.Nulls {
	case NullsFirst:
		return true
	case NullsLast:
		return false
	default:
		return c.Desc
	}
}

// RowSetFinishing describes post-query work on a peek's result set:
// sort by an ordering key, skip an offset, take a limit, and project
// output columns, in that order. It is applied strictly after the
// peek's map-filter-project plan.
type RowSetFinishing struct {
	// OrderBy is the ordering key; earlier elements are more significant.
	OrderBy []ColumnOrder `msgpack:"order_by"`
	// Limit, if non-nil, caps the number of returned rows.
	Limit *uint64 `msgpack:"limit"`
	// Offset is the number of rows to skip after sorting.
	Offset uint64 `msgpack:"offset"`
	// Project selects and orders the output columns.
	Project []int `msgpack:"project"`
}

// compareRows orders two rows by the ordering key. The sort is stable,
// so rows equal under the key keep their relative order.
func (f *RowSetFinishing) compareRows(a, b Row) int {
	for _, co := range f.OrderBy {
		da, db := a[co.Column], b[co.Column]
		if da.IsNull() || db.IsNull() {
			if da.IsNull() && db.IsNull() {
				continue
			}
			if da.IsNull() == co.nullsFirst() {
				return -1
			}
			return 1
		}
		c := da.Compare(db)
		if c == 0 {
			continue
		}
		if co.Desc {
			c = -c
		}
		return c
	}
	return 0
}

// Validate checks that the finishing's column references fit rows of
// the given arity.
func (f *RowSetFinishing) Validate(arity int) error {
	for _, co := range f.OrderBy {
		if co.Column < 0 || co.Column >= arity {
			return errors.Newf("ordering column %d out of range for %d columns", co.Column, arity)
		}
	}
	for _, col := range f.Project {
		if col < 0 || col >= arity {
			return errors.Newf("projected column %d out of range for %d columns", col, arity)
		}
	}
	return nil
}

// Finish applies the finishing to rows and returns the result. The
// input slice is not modified. If the materialized output would exceed
// maxResultSize bytes, Finish fails with ErrResultSizeExceeded; a
// non-positive maxResultSize means no budget. Finishing is a fixed
// point: applying the same finishing to its own output (with Offset
// zeroed having already been consumed, as callers of a finished set do
// not re-skip) returns an equal result.
func (f *RowSetFinishing) Finish(rows []Row, maxResultSize int64) ([]Row, error) {
	if len(rows) > 0 {
		if err := f.Validate(len(rows[0])); err != nil {
			return nil, err
		}
	}

	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	if len(f.OrderBy) > 0 {
		sort.SliceStable(sorted, func(i, j int) bool {
			return f.compareRows(sorted[i], sorted[j]) < 0
		})
	}

	if f.Offset >= uint64(len(sorted)) {
		sorted = nil
	} else {
		sorted = sorted[f.Offset:]
	}
	if f.Limit != nil && uint64(len(sorted)) > *f.Limit {
		sorted = sorted[:*f.Limit]
	}

	var total int64
	out := make([]Row, 0, len(sorted))
	for _, row := range sorted {
		projected := row
		if f.Project != nil {
			projected = make(Row, len(f.Project))
			for i, col := range f.Project {
				projected[i] = row[col]
			}
		}
		total += projected.Size()
		if maxResultSize > 0 && total > maxResultSize {
			return nil, errors.Mark(
				errors.Newf("result exceeds max size of %s", humanize.IBytes(uint64(maxResultSize))),
				ErrResultSizeExceeded)
		}
		out = append(out, projected)
	}
	return out, nil
}
