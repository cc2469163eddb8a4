// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package rowset defines the row and datum model that peek results are
// expressed in, along with the post-query finishing (sort, offset,
// limit, projection) applied to result sets.
package rowset

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"
)

// DatumKind identifies the type of value held by a Datum.
type DatumKind uint8

const (
	// KindNull is the SQL NULL value.
	KindNull DatumKind = iota
	// KindBool holds a boolean.
	KindBool
	// KindInt holds a 64-bit signed integer.
	KindInt
	// KindFloat holds a 64-bit float.
	KindFloat
	// KindString holds a string.
	KindString
	// KindBytes holds an opaque byte string.
	KindBytes
	// KindDecimal holds an arbitrary-precision decimal.
	KindDecimal
)

func (k DatumKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDecimal:
		return "decimal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Datum is a single value in a row. The zero value is NULL.
type Datum struct {
	kind DatumKind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	dec  *apd.Decimal
}

// Null returns the NULL datum.
func Null() Datum { return Datum{kind: KindNull} }

// MakeBool returns a bool datum.
func MakeBool(b bool) Datum { return Datum{kind: KindBool, b: b} }

// MakeInt returns an int datum.
func MakeInt(i int64) Datum { return Datum{kind: KindInt, i: i} }

// MakeFloat returns a float datum.
func MakeFloat(f float64) Datum { return Datum{kind: KindFloat, f: f} }

// MakeString returns a string datum.
func MakeString(s string) Datum { return Datum{kind: KindString, s: s} }

// MakeBytes returns a bytes datum.
func MakeBytes(b []byte) Datum { return Datum{kind: KindBytes, raw: b} }

// MakeDecimal returns a decimal datum.
func MakeDecimal(d *apd.Decimal) Datum { return Datum{kind: KindDecimal, dec: d} }

// ParseDecimal returns a decimal datum parsed from s.
func ParseDecimal(s string) (Datum, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Datum{}, errors.Wrapf(err, "parsing decimal %q", s)
	}
	return MakeDecimal(d), nil
}

// Kind returns the datum's kind.
func (d Datum) Kind() DatumKind { return d.kind }

// IsNull reports whether the datum is NULL.
func (d Datum) IsNull() bool { return d.kind == KindNull }

// Bool returns the boolean value. The datum must be a bool.
func (d Datum) Bool() bool { return d.b }

// Int returns the integer value. The datum must be an int.
func (d Datum) Int() int64 { return d.i }

// Float returns the float value. The datum must be a float.
func (d Datum) Float() float64 { return d.f }

// Str returns the string value. The datum must be a string.
func (d Datum) Str() string { return d.s }

// BytesVal returns the byte string. The datum must be bytes.
func (d Datum) BytesVal() []byte { return d.raw }

// Decimal returns the decimal value. The datum must be a decimal.
func (d Datum) Decimal() *apd.Decimal { return d.dec }

// Compare returns -1, 0, or +1 according to the total order on datums.
// NULL orders before every non-NULL value; datums of different kinds
// order by kind. Finishing applies its own null-ordering policy on top
// of this.
func (d Datum) Compare(o Datum) int {
	if d.kind != o.kind {
		if d.kind < o.kind {
			return -1
		}
		return 1
	}
	switch d.kind {
	case KindNull:
		return 0
	case KindBool:
		if d.b == o.b {
			return 0
		} else if !d.b {
			return -1
		}
		return 1
	case KindInt:
		switch {
		case d.i < o.i:
			return -1
		case d.i > o.i:
			return 1
		}
		return 0
	case KindFloat:
		switch {
		case d.f < o.f:
			return -1
		case d.f > o.f:
			return 1
		}
		return 0
	case KindString:
		return strings.Compare(d.s, o.s)
	case KindBytes:
		return bytes.Compare(d.raw, o.raw)
	case KindDecimal:
		return d.dec.Cmp(o.dec)
	default:
		panic(errors.AssertionFailedf("unknown datum kind %d", d.kind))
	}
}

// Equal reports whether two datums compare as equal.
func (d Datum) Equal(o Datum) bool { return d.Compare(o) == 0 }

// Size returns the approximate in-memory size of the datum in bytes,
// used to enforce result-size budgets.
func (d Datum) Size() int64 {
	const fixed = 16
	switch d.kind {
	case KindString:
		return fixed + int64(len(d.s))
	case KindBytes:
		return fixed + int64(len(d.raw))
	case KindDecimal:
		return fixed + int64(len(d.dec.String()))
	default:
		return fixed
	}
}

func (d Datum) String() string {
	switch d.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return fmt.Sprintf("%t", d.b)
	case KindInt:
		return fmt.Sprintf("%d", d.i)
	case KindFloat:
		return fmt.Sprintf("%g", d.f)
	case KindString:
		return fmt.Sprintf("%q", d.s)
	case KindBytes:
		return fmt.Sprintf("%x", d.raw)
	case KindDecimal:
		return d.dec.String()
	default:
		return fmt.Sprintf("<unknown kind %d>", d.kind)
	}
}

// Row is a sequence of datums.
type Row []Datum

// NewRow returns a row of the given datums.
func NewRow(datums ...Datum) Row { return Row(datums) }

// Size returns the approximate in-memory size of the row in bytes.
func (r Row) Size() int64 {
	var n int64 = 8
	for _, d := range r {
		n += d.Size()
	}
	return n
}

// Equal reports whether two rows are datum-wise equal.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, d := range r {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(d.String())
	}
	sb.WriteByte(')')
	return sb.String()
}
