// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package frontier implements antichains of partially ordered elements.
//
// A frontier describes a boundary of progress for a timestamped
// collection: timestamps not greater or equal to any frontier element
// are "closed" and will see no further updates. Frontiers are kept as
// minimal antichains, i.e. sets of pairwise-incomparable elements, and
// only ever advance through the exported operations.
package frontier

import (
	"strings"

	"github.com/cockroachdb/redact"
)

// Element is the constraint on frontier element types. Implementations
// must form a join-semilattice: LessEqual is a partial order and Join
// returns the least upper bound of the receiver and the argument.
type Element[E any] interface {
	// LessEqual reports whether the receiver precedes or equals other in
	// the partial order.
	LessEqual(other E) bool
	// Join returns the least upper bound of the receiver and other.
	Join(other E) E
}

// Frontier is a minimal antichain of elements. The zero value is the
// empty frontier, which is the maximal frontier: it is reached only
// when a collection is closed and admits no further timestamps.
type Frontier[E Element[E]] struct {
	elems []E
}

// Make returns the minimal antichain containing the given elements.
// Elements dominated by other inputs are discarded.
func Make[E Element[E]](elems ...E) Frontier[E] {
	var f Frontier[E]
	for _, e := range elems {
		f.Insert(e)
	}
	return f
}

// Insert adds e to the frontier, discarding elements that e dominates.
// It returns false if e was redundant, i.e. some existing element
// already precedes or equals it.
func (f *Frontier[E]) Insert(e E) bool {
	for _, x := range f.elems {
		if x.LessEqual(e) {
			return false
		}
	}
	kept := f.elems[:0]
	for _, x := range f.elems {
		if !e.LessEqual(x) {
			kept = append(kept, x)
		}
	}
	f.elems = append(kept, e)
	return true
}

// LessEqual reports whether some element of the frontier precedes or
// equals t, i.e. whether t is still open ("beyond" the boundary). The
// empty frontier returns false for every t.
func (f Frontier[E]) LessEqual(t E) bool {
	for _, e := range f.elems {
		if e.LessEqual(t) {
			return true
		}
	}
	return false
}

// LessEqualFrontier reports whether f precedes or equals g in the
// frontier partial order: every element of g must be preceded by some
// element of f. Under this order the empty frontier is the maximum,
// matching the "closed collection" reading of emptiness.
func (f Frontier[E]) LessEqualFrontier(g Frontier[E]) bool {
	for _, x := range g.elems {
		if !f.LessEqual(x) {
			return false
		}
	}
	return true
}

// Join returns the least upper bound of f and g: the minimal antichain
// of pairwise element joins. Joining with the empty frontier yields the
// empty frontier.
func (f Frontier[E]) Join(g Frontier[E]) Frontier[E] {
	if len(f.elems) == 0 || len(g.elems) == 0 {
		return Frontier[E]{}
	}
	var out Frontier[E]
	for _, a := range f.elems {
		for _, b := range g.elems {
			out.Insert(a.Join(b))
		}
	}
	return out
}

// Equal reports whether f and g contain the same boundary, i.e. each
// dominates the other.
func (f Frontier[E]) Equal(g Frontier[E]) bool {
	return f.LessEqualFrontier(g) && g.LessEqualFrontier(f)
}

// IsEmpty reports whether the frontier has no elements.
func (f Frontier[E]) IsEmpty() bool {
	return len(f.elems) == 0
}

// Elements returns a copy of the frontier's elements. The order is not
// significant beyond determinism for a given construction sequence.
func (f Frontier[E]) Elements() []E {
	out := make([]E, len(f.elems))
	copy(out, f.elems)
	return out
}

// Len returns the number of elements in the antichain.
func (f Frontier[E]) Len() int {
	return len(f.elems)
}

func (f Frontier[E]) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, e := range f.elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(redact.Sprintf("%v", e).StripMarkers())
	}
	sb.WriteByte('}')
	return sb.String()
}

// SafeFormat implements the redact.SafeFormatter interface.
func (f Frontier[E]) SafeFormat(s redact.SafePrinter, _ rune) {
	s.SafeString("{")
	for i, e := range f.elems {
		if i > 0 {
			s.SafeString(", ")
		}
		s.Printf("%v", e)
	}
	s.SafeString("}")
}
