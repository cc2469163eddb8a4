// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

package mfp

import (
	"github.com/cockroachdb/errors"

	"github.com/RobinClowers/materialize/pkg/compute/rowset"
)

// SafeMfpPlan is a map-filter-project pipeline over rows.
//
// Map expressions are appended to the input row as new columns, in
// order, each seeing the columns produced before it. Predicates then
// filter: a row survives only if every predicate evaluates to TRUE
// (FALSE and NULL both drop the row). Finally the projection selects
// output columns from the extended row.
type SafeMfpPlan struct {
	// InputArity is the number of columns in input rows.
	InputArity int `msgpack:"input_arity"`
	// Exprs are the map expressions.
	Exprs []ScalarExpr `msgpack:"exprs"`
	// Predicates are the filter expressions.
	Predicates []ScalarExpr `msgpack:"predicates"`
	// Projection selects output columns from the extended row.
	Projection []int `msgpack:"projection"`
}

// Identity returns a plan that passes rows of the given arity through
// unchanged.
func Identity(arity int) SafeMfpPlan {
	proj := make([]int, arity)
	for i := range proj {
		proj[i] = i
	}
	return SafeMfpPlan{InputArity: arity, Projection: proj}
}

// OutputArity returns the number of columns in output rows.
func (p *SafeMfpPlan) OutputArity() int { return len(p.Projection) }

// Validate checks that the plan's column references are consistent with
// its input arity. This is the structural check applied when a peek is
// issued; expression failures at evaluation time are data, not
// validation errors.
func (p *SafeMfpPlan) Validate() error {
	if p.InputArity < 0 {
		return errors.Newf("negative input arity %d", p.InputArity)
	}
	arity := p.InputArity
	for i := range p.Exprs {
		if err := p.Exprs[i].checkForm(); err != nil {
			return errors.Wrapf(err, "map expression %d", i)
		}
		if c := p.Exprs[i].maxColumn(); c >= arity {
			return errors.Newf("map expression %d references column %d, have %d columns", i, c, arity)
		}
		arity++
	}
	for i := range p.Predicates {
		if err := p.Predicates[i].checkForm(); err != nil {
			return errors.Wrapf(err, "predicate %d", i)
		}
		if c := p.Predicates[i].maxColumn(); c >= arity {
			return errors.Newf("predicate %d references column %d, have %d columns", i, c, arity)
		}
	}
	for i, col := range p.Projection {
		if col < 0 || col >= arity {
			return errors.Newf("projection %d references column %d, have %d columns", i, col, arity)
		}
	}
	return nil
}

// EvalRow applies the plan to one row. It returns the projected output
// row and whether the row survived filtering. An expression failure is
// returned as an *EvalError value; per the safety contract it never
// panics and the caller's batch keeps going.
func (p *SafeMfpPlan) EvalRow(row rowset.Row) (rowset.Row, bool, *EvalError) {
	extended := make(rowset.Row, len(row), len(row)+len(p.Exprs))
	copy(extended, row)
	for i := range p.Exprs {
		d, err := p.Exprs[i].Eval(extended)
		if err != nil {
			return nil, false, err
		}
		extended = append(extended, d)
	}
	for i := range p.Predicates {
		d, err := p.Predicates[i].Eval(extended)
		if err != nil {
			return nil, false, err
		}
		switch d.Kind() {
		case rowset.KindBool:
			if !d.Bool() {
				return nil, false, nil
			}
		case rowset.KindNull:
			return nil, false, nil
		default:
			return nil, false, evalErrf(ErrCodeTypeMismatch,
				"predicate returned %s, want boolean", d.Kind())
		}
	}
	out := make(rowset.Row, len(p.Projection))
	for i, col := range p.Projection {
		out[i] = extended[col]
	}
	return out, true, nil
}

// Evaluate applies the plan to a batch of rows. Surviving rows are
// returned along with the first per-row evaluation error, if any; later
// rows are still processed, matching the errors-as-data contract. The
// caller decides whether a captured error fails the overall operation.
func (p *SafeMfpPlan) Evaluate(rows []rowset.Row) ([]rowset.Row, *EvalError) {
	var firstErr *EvalError
	out := make([]rowset.Row, 0, len(rows))
	for _, row := range rows {
		res, keep, err := p.EvalRow(row)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if keep {
			out = append(out, res)
		}
	}
	return out, firstErr
}
