// Package model translates a declarative optimization problem (variables,
// affine, quadratic or nonlinear functions and comparison sets) onto an
// NLopt optimizer, and reports the outcome with modeling-layer statuses.
package model

import (
	"fmt"
	"math"
)

// VariableIndex identifies a decision variable of an Optimizer.
type VariableIndex int

// ConstraintIndex identifies a constraint added with AddConstraint.
type ConstraintIndex int

// Set is the right-hand side of a constraint f(x) in S.
type Set interface {
	fmt.Stringer
	// normalize returns the components of f(x) in S as g(x) <= 0 or
	// g(x) = 0 terms of the form sign*f(x) + offset.
	normalize() []row
}

// LessThan is f(x) <= Upper.
type LessThan struct{ Upper float64 }

// GreaterThan is f(x) >= Lower.
type GreaterThan struct{ Lower float64 }

// EqualTo is f(x) = Value.
type EqualTo struct{ Value float64 }

// Interval is Lower <= f(x) <= Upper.
type Interval struct{ Lower, Upper float64 }

func (s LessThan) String() string    { return fmt.Sprintf("<= %g", s.Upper) }
func (s GreaterThan) String() string { return fmt.Sprintf(">= %g", s.Lower) }
func (s EqualTo) String() string     { return fmt.Sprintf("== %g", s.Value) }
func (s Interval) String() string    { return fmt.Sprintf("in [%g, %g]", s.Lower, s.Upper) }

// row is sign*f(x) + offset, constrained <= 0 or = 0.
type row struct {
	sign   float64
	offset float64
	eq     bool
}

func (s LessThan) normalize() []row    { return []row{{sign: 1, offset: -s.Upper}} }
func (s GreaterThan) normalize() []row { return []row{{sign: -1, offset: s.Lower}} }
func (s EqualTo) normalize() []row     { return []row{{sign: 1, offset: -s.Value, eq: true}} }

// An infinite side of an Interval does not produce a constraint.
func (s Interval) normalize() []row {
	var rows []row
	if !math.IsInf(s.Lower, -1) {
		rows = append(rows, row{sign: -1, offset: s.Lower})
	}
	if !math.IsInf(s.Upper, 1) {
		rows = append(rows, row{sign: 1, offset: -s.Upper})
	}
	return rows
}

// ScalarFunction is a function of the decision variables with an exact
// gradient.
type ScalarFunction interface {
	// Value evaluates the function at x.
	Value(x []float64) float64
	// AddGradient adds the gradient at x into grad.
	AddGradient(grad, x []float64)
	variables() []VariableIndex
}

// AffineTerm is Coefficient * x[Variable].
type AffineTerm struct {
	Coefficient float64
	Variable    VariableIndex
}

// AffineFunction is sum(Terms) + Constant.
type AffineFunction struct {
	Terms    []AffineTerm
	Constant float64
}

func (f AffineFunction) Value(x []float64) float64 {
	v := f.Constant
	for _, t := range f.Terms {
		v += t.Coefficient * x[t.Variable]
	}
	return v
}

func (f AffineFunction) AddGradient(grad, x []float64) {
	for _, t := range f.Terms {
		grad[t.Variable] += t.Coefficient
	}
}

func (f AffineFunction) variables() []VariableIndex {
	out := make([]VariableIndex, 0, len(f.Terms))
	for _, t := range f.Terms {
		out = append(out, t.Variable)
	}
	return out
}

// QuadraticTerm is Coefficient * x[Row] * x[Col].
type QuadraticTerm struct {
	Coefficient float64
	Row, Col    VariableIndex
}

// QuadraticFunction is sum(Quadratic) + Affine.
type QuadraticFunction struct {
	Quadratic []QuadraticTerm
	Affine    AffineFunction
}

func (f QuadraticFunction) Value(x []float64) float64 {
	v := f.Affine.Value(x)
	for _, t := range f.Quadratic {
		v += t.Coefficient * x[t.Row] * x[t.Col]
	}
	return v
}

func (f QuadraticFunction) AddGradient(grad, x []float64) {
	f.Affine.AddGradient(grad, x)
	for _, t := range f.Quadratic {
		grad[t.Row] += t.Coefficient * x[t.Col]
		grad[t.Col] += t.Coefficient * x[t.Row]
	}
}

func (f QuadraticFunction) variables() []VariableIndex {
	out := f.Affine.variables()
	for _, t := range f.Quadratic {
		out = append(out, t.Row, t.Col)
	}
	return out
}

// Evaluator computes a nonlinear objective and nonlinear constraint rows.
// Slices passed in are owned by the caller and must not be retained.
type Evaluator interface {
	// Objective returns f(x).
	Objective(x []float64) (float64, error)
	// ObjectiveGradient writes the gradient of f at x into grad.
	ObjectiveGradient(grad, x []float64) error
	// Constraints writes every constraint row g(x) into g.
	Constraints(g, x []float64) error
	// ConstraintJacobian writes the dense row-major len(g) x len(x)
	// Jacobian of g at x into jac.
	ConstraintJacobian(jac, x []float64) error
}

// NLPBlock attaches nonlinear rows to an Optimizer. ConstraintSets has one
// entry per row the Evaluator computes. When HasObjective is set the
// Evaluator's objective replaces any affine or quadratic objective.
type NLPBlock struct {
	Evaluator      Evaluator
	ConstraintSets []Set
	HasObjective   bool
}

// ObjectiveSense is the direction of the objective.
type ObjectiveSense int

const (
	// Feasibility searches for any point satisfying the constraints.
	Feasibility ObjectiveSense = iota
	Minimize
	Maximize
)

func (s ObjectiveSense) String() string {
	switch s {
	case Minimize:
		return "min"
	case Maximize:
		return "max"
	default:
		return "feasibility"
	}
}
