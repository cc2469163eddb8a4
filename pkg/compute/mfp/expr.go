// Copyright Materialize, Inc. and contributors. All rights reserved.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package mfp implements safe map-filter-project plans over rows.
//
// "Safe" is a contract, not an optimization: evaluating a plan against
// a row never panics and never aborts the surrounding batch. Any
// expression failure (division by zero, overflow, type mismatch) is
// captured as an EvalError value attached to that row's outcome, and
// the remaining rows keep processing.
package mfp

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
	"github.com/cockroachdb/errors"

	"github.com/RobinClowers/materialize/pkg/compute/rowset"
)

// decimalCtx is the context for decimal arithmetic.
var decimalCtx = apd.BaseContext.WithPrecision(38)

// EvalErrorCode classifies expression evaluation failures.
type EvalErrorCode uint8

const (
	// ErrCodeInternal is an unclassified evaluation failure.
	ErrCodeInternal EvalErrorCode = iota
	// ErrCodeDivisionByZero reports division or modulus by zero.
	ErrCodeDivisionByZero
	// ErrCodeNumericOverflow reports arithmetic out of range.
	ErrCodeNumericOverflow
	// ErrCodeTypeMismatch reports operands of unsupported types.
	ErrCodeTypeMismatch
	// ErrCodeColumnOutOfRange reports a column reference beyond the row.
	ErrCodeColumnOutOfRange
)

// EvalError is an expression failure represented as data. It implements
// error for convenience, but it is a value that flows through results,
// not a control-flow signal.
type EvalError struct {
	Code    EvalErrorCode `msgpack:"code"`
	Message string        `msgpack:"message"`
}

func (e *EvalError) Error() string { return e.Message }

func evalErrf(code EvalErrorCode, format string, args ...interface{}) *EvalError {
	return &EvalError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExprKind identifies a scalar expression variant.
type ExprKind uint8

const (
	// ExprColumn references an input column.
	ExprColumn ExprKind = iota
	// ExprLiteral is a constant datum.
	ExprLiteral
	// ExprCallUnary applies a unary function.
	ExprCallUnary
	// ExprCallBinary applies a binary function.
	ExprCallBinary
	// ExprIf is a conditional: Args are condition, then, else.
	ExprIf
)

// UnaryFunc identifies a unary scalar function.
type UnaryFunc uint8

const (
	// UnaryNot is boolean negation.
	UnaryNot UnaryFunc = iota
	// UnaryNeg is arithmetic negation.
	UnaryNeg
	// UnaryIsNull tests for NULL; it never returns NULL itself.
	UnaryIsNull
	// UnaryCastIntToFloat converts an int to a float.
	UnaryCastIntToFloat
	// UnaryCastIntToDecimal converts an int to a decimal.
	UnaryCastIntToDecimal
)

// BinaryFunc identifies a binary scalar function.
type BinaryFunc uint8

const (
	// BinaryAdd is addition.
	BinaryAdd BinaryFunc = iota
	// BinarySub is subtraction.
	BinarySub
	// BinaryMul is multiplication.
	BinaryMul
	// BinaryDiv is division.
	BinaryDiv
	// BinaryMod is modulus.
	BinaryMod
	// BinaryEq through BinaryGte are comparisons.
	BinaryEq
	// BinaryNe is not-equal.
	BinaryNe
	// BinaryLt is less-than.
	BinaryLt
	// BinaryLte is less-or-equal.
	BinaryLte
	// BinaryGt is greater-than.
	BinaryGt
	// BinaryGte is greater-or-equal.
	BinaryGte
	// BinaryAnd is SQL three-valued AND.
	BinaryAnd
	// BinaryOr is SQL three-valued OR.
	BinaryOr
)

// ScalarExpr is a scalar expression tree. It is a closed tagged variant
// set: evaluation switches exhaustively on Kind, and the struct form
// keeps the type directly serializable for the wire.
type ScalarExpr struct {
	Kind ExprKind     `msgpack:"kind"`
	Col  int          `msgpack:"col"`
	Lit  rowset.Datum `msgpack:"lit"`
	Un   UnaryFunc    `msgpack:"un"`
	Bin  BinaryFunc   `msgpack:"bin"`
	Args []ScalarExpr `msgpack:"args"`
}

// Column returns an expression referencing input column i.
func Column(i int) ScalarExpr { return ScalarExpr{Kind: ExprColumn, Col: i} }

// Literal returns a constant expression.
func Literal(d rowset.Datum) ScalarExpr { return ScalarExpr{Kind: ExprLiteral, Lit: d} }

// Unary returns a unary function call.
func Unary(fn UnaryFunc, arg ScalarExpr) ScalarExpr {
	return ScalarExpr{Kind: ExprCallUnary, Un: fn, Args: []ScalarExpr{arg}}
}

// Binary returns a binary function call.
func Binary(fn BinaryFunc, a, b ScalarExpr) ScalarExpr {
	return ScalarExpr{Kind: ExprCallBinary, Bin: fn, Args: []ScalarExpr{a, b}}
}

// If returns a conditional expression.
func If(cond, then, els ScalarExpr) ScalarExpr {
	return ScalarExpr{Kind: ExprIf, Args: []ScalarExpr{cond, then, els}}
}

// argCount returns the argument count an expression kind requires, or
// an error for an unknown kind.
func argCount(k ExprKind) (int, error) {
	switch k {
	case ExprColumn, ExprLiteral:
		return 0, nil
	case ExprCallUnary:
		return 1, nil
	case ExprCallBinary:
		return 2, nil
	case ExprIf:
		return 3, nil
	default:
		return 0, errors.Newf("unknown expression kind %d", k)
	}
}

// checkForm verifies the expression tree is structurally well formed:
// every node carries exactly the arguments its kind requires. This is
// what lets Eval uphold the no-panic contract against expressions that
// arrived off the wire.
func (e *ScalarExpr) checkForm() error {
	want, err := argCount(e.Kind)
	if err != nil {
		return err
	}
	if len(e.Args) != want {
		return errors.Newf("expression kind %d has %d arguments, want %d", e.Kind, len(e.Args), want)
	}
	for i := range e.Args {
		if err := e.Args[i].checkForm(); err != nil {
			return err
		}
	}
	return nil
}

// maxColumn returns the largest column index referenced by the
// expression, or -1 if none.
func (e *ScalarExpr) maxColumn() int {
	max := -1
	if e.Kind == ExprColumn {
		max = e.Col
	}
	for i := range e.Args {
		if c := e.Args[i].maxColumn(); c > max {
			max = c
		}
	}
	return max
}

// Eval evaluates the expression against a row. A failure is returned as
// an *EvalError value; Eval itself never panics on any input row, nor
// on any expression tree, however malformed.
func (e *ScalarExpr) Eval(row rowset.Row) (rowset.Datum, *EvalError) {
	if want, err := argCount(e.Kind); err != nil || len(e.Args) != want {
		return rowset.Datum{}, evalErrf(ErrCodeInternal,
			"malformed expression: kind %d with %d arguments", e.Kind, len(e.Args))
	}
	switch e.Kind {
	case ExprColumn:
		if e.Col < 0 || e.Col >= len(row) {
			return rowset.Datum{}, evalErrf(ErrCodeColumnOutOfRange,
				"column %d out of range for row of %d columns", e.Col, len(row))
		}
		return row[e.Col], nil
	case ExprLiteral:
		return e.Lit, nil
	case ExprCallUnary:
		arg, err := e.Args[0].Eval(row)
		if err != nil {
			return rowset.Datum{}, err
		}
		return evalUnary(e.Un, arg)
	case ExprCallBinary:
		// AND/OR need unevaluated access for three-valued shortcuts.
		if e.Bin == BinaryAnd || e.Bin == BinaryOr {
			return e.evalVariadicBool(row)
		}
		a, err := e.Args[0].Eval(row)
		if err != nil {
			return rowset.Datum{}, err
		}
		b, err := e.Args[1].Eval(row)
		if err != nil {
			return rowset.Datum{}, err
		}
		return evalBinary(e.Bin, a, b)
	case ExprIf:
		cond, err := e.Args[0].Eval(row)
		if err != nil {
			return rowset.Datum{}, err
		}
		switch cond.Kind() {
		case rowset.KindBool:
			if cond.Bool() {
				return e.Args[1].Eval(row)
			}
			return e.Args[2].Eval(row)
		case rowset.KindNull:
			// A NULL condition is not true: take the else branch.
			return e.Args[2].Eval(row)
		default:
			return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch,
				"IF condition must be a boolean, got %s", cond.Kind())
		}
	default:
		return rowset.Datum{}, evalErrf(ErrCodeInternal, "unknown expression kind %d", e.Kind)
	}
}

// evalVariadicBool implements SQL three-valued AND/OR. A dominating
// operand (FALSE for AND, TRUE for OR) decides the result even if the
// other operand is NULL.
func (e *ScalarExpr) evalVariadicBool(row rowset.Row) (rowset.Datum, *EvalError) {
	and := e.Bin == BinaryAnd
	sawNull := false
	for i := range e.Args {
		d, err := e.Args[i].Eval(row)
		if err != nil {
			return rowset.Datum{}, err
		}
		switch d.Kind() {
		case rowset.KindNull:
			sawNull = true
		case rowset.KindBool:
			if d.Bool() != and {
				return rowset.MakeBool(!and), nil
			}
		default:
			return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch,
				"boolean operand required, got %s", d.Kind())
		}
	}
	if sawNull {
		return rowset.Null(), nil
	}
	return rowset.MakeBool(and), nil
}

func evalUnary(fn UnaryFunc, d rowset.Datum) (rowset.Datum, *EvalError) {
	if fn == UnaryIsNull {
		return rowset.MakeBool(d.IsNull()), nil
	}
	if d.IsNull() {
		return rowset.Null(), nil
	}
	switch fn {
	case UnaryNot:
		if d.Kind() != rowset.KindBool {
			return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch, "NOT requires a boolean, got %s", d.Kind())
		}
		return rowset.MakeBool(!d.Bool()), nil
	case UnaryNeg:
		switch d.Kind() {
		case rowset.KindInt:
			if d.Int() == minInt64 {
				return rowset.Datum{}, evalErrf(ErrCodeNumericOverflow, "integer out of range")
			}
			return rowset.MakeInt(-d.Int()), nil
		case rowset.KindFloat:
			return rowset.MakeFloat(-d.Float()), nil
		case rowset.KindDecimal:
			var out apd.Decimal
			if _, err := decimalCtx.Neg(&out, d.Decimal()); err != nil {
				return rowset.Datum{}, evalErrf(ErrCodeNumericOverflow, "decimal out of range")
			}
			return rowset.MakeDecimal(&out), nil
		default:
			return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch, "cannot negate %s", d.Kind())
		}
	case UnaryCastIntToFloat:
		if d.Kind() != rowset.KindInt {
			return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch, "cast requires an int, got %s", d.Kind())
		}
		return rowset.MakeFloat(float64(d.Int())), nil
	case UnaryCastIntToDecimal:
		if d.Kind() != rowset.KindInt {
			return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch, "cast requires an int, got %s", d.Kind())
		}
		var out apd.Decimal
		out.SetInt64(d.Int())
		return rowset.MakeDecimal(&out), nil
	default:
		return rowset.Datum{}, evalErrf(ErrCodeInternal, "unknown unary function %d", fn)
	}
}

const (
	minInt64 = -1 << 63
)

func evalBinary(fn BinaryFunc, a, b rowset.Datum) (rowset.Datum, *EvalError) {
	if a.IsNull() || b.IsNull() {
		return rowset.Null(), nil
	}
	switch fn {
	case BinaryAdd, BinarySub, BinaryMul, BinaryDiv, BinaryMod:
		return evalArith(fn, a, b)
	case BinaryEq, BinaryNe, BinaryLt, BinaryLte, BinaryGt, BinaryGte:
		if a.Kind() != b.Kind() {
			return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch,
				"cannot compare %s to %s", a.Kind(), b.Kind())
		}
		c := a.Compare(b)
		switch fn {
		case BinaryEq:
			return rowset.MakeBool(c == 0), nil
		case BinaryNe:
			return rowset.MakeBool(c != 0), nil
		case BinaryLt:
			return rowset.MakeBool(c < 0), nil
		case BinaryLte:
			return rowset.MakeBool(c <= 0), nil
		case BinaryGt:
			return rowset.MakeBool(c > 0), nil
		default:
			return rowset.MakeBool(c >= 0), nil
		}
	default:
		return rowset.Datum{}, evalErrf(ErrCodeInternal, "unknown binary function %d", fn)
	}
}

func evalArith(fn BinaryFunc, a, b rowset.Datum) (rowset.Datum, *EvalError) {
	if a.Kind() != b.Kind() {
		return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch,
			"mismatched operand types %s and %s", a.Kind(), b.Kind())
	}
	switch a.Kind() {
	case rowset.KindInt:
		return evalIntArith(fn, a.Int(), b.Int())
	case rowset.KindFloat:
		return evalFloatArith(fn, a.Float(), b.Float())
	case rowset.KindDecimal:
		return evalDecimalArith(fn, a.Decimal(), b.Decimal())
	default:
		return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch, "cannot apply arithmetic to %s", a.Kind())
	}
}

func evalIntArith(fn BinaryFunc, a, b int64) (rowset.Datum, *EvalError) {
	overflow := evalErrf(ErrCodeNumericOverflow, "integer out of range")
	switch fn {
	case BinaryAdd:
		r := a + b
		if (r > a) != (b > 0) {
			return rowset.Datum{}, overflow
		}
		return rowset.MakeInt(r), nil
	case BinarySub:
		r := a - b
		if (r < a) != (b > 0) {
			return rowset.Datum{}, overflow
		}
		return rowset.MakeInt(r), nil
	case BinaryMul:
		if a != 0 && b != 0 {
			r := a * b
			if r/b != a || (a == minInt64 && b == -1) {
				return rowset.Datum{}, overflow
			}
			return rowset.MakeInt(r), nil
		}
		return rowset.MakeInt(0), nil
	case BinaryDiv:
		if b == 0 {
			return rowset.Datum{}, evalErrf(ErrCodeDivisionByZero, "division by zero")
		}
		if a == minInt64 && b == -1 {
			return rowset.Datum{}, overflow
		}
		return rowset.MakeInt(a / b), nil
	case BinaryMod:
		if b == 0 {
			return rowset.Datum{}, evalErrf(ErrCodeDivisionByZero, "division by zero")
		}
		if b == -1 {
			return rowset.MakeInt(0), nil
		}
		return rowset.MakeInt(a % b), nil
	default:
		return rowset.Datum{}, evalErrf(ErrCodeInternal, "unknown arithmetic function %d", fn)
	}
}

func evalFloatArith(fn BinaryFunc, a, b float64) (rowset.Datum, *EvalError) {
	switch fn {
	case BinaryAdd:
		return rowset.MakeFloat(a + b), nil
	case BinarySub:
		return rowset.MakeFloat(a - b), nil
	case BinaryMul:
		return rowset.MakeFloat(a * b), nil
	case BinaryDiv:
		if b == 0 {
			return rowset.Datum{}, evalErrf(ErrCodeDivisionByZero, "division by zero")
		}
		return rowset.MakeFloat(a / b), nil
	case BinaryMod:
		return rowset.Datum{}, evalErrf(ErrCodeTypeMismatch, "modulus is not defined on floats")
	default:
		return rowset.Datum{}, evalErrf(ErrCodeInternal, "unknown arithmetic function %d", fn)
	}
}

func evalDecimalArith(fn BinaryFunc, a, b *apd.Decimal) (rowset.Datum, *EvalError) {
	var out apd.Decimal
	var err error
	switch fn {
	case BinaryAdd:
		_, err = decimalCtx.Add(&out, a, b)
	case BinarySub:
		_, err = decimalCtx.Sub(&out, a, b)
	case BinaryMul:
		_, err = decimalCtx.Mul(&out, a, b)
	case BinaryDiv:
		if b.IsZero() {
			return rowset.Datum{}, evalErrf(ErrCodeDivisionByZero, "division by zero")
		}
		_, err = decimalCtx.Quo(&out, a, b)
	case BinaryMod:
		if b.IsZero() {
			return rowset.Datum{}, evalErrf(ErrCodeDivisionByZero, "division by zero")
		}
		_, err = decimalCtx.Rem(&out, a, b)
	default:
		return rowset.Datum{}, evalErrf(ErrCodeInternal, "unknown arithmetic function %d", fn)
	}
	if err != nil {
		return rowset.Datum{}, evalErrf(ErrCodeNumericOverflow, "decimal out of range: %v", err)
	}
	return rowset.MakeDecimal(&out), nil
}
