package optimization

import (
	"math"

	"github.com/copyleftdev/nloptd/internal/native"
)

// ConstraintKind distinguishes c(x) <= 0 from c(x) = 0.
type ConstraintKind int

const (
	Inequality ConstraintKind = iota
	Equality
)

func (k ConstraintKind) String() string {
	if k == Equality {
		return "equality"
	}
	return "inequality"
}

// ConstraintInfo describes one registered constraint.
type ConstraintInfo struct {
	Kind ConstraintKind
	// Dimension is 1 for scalar constraints and the number of components
	// for vector ones.
	Dimension  int
	Tolerances []float64
	Vector     bool
}

type constraint struct {
	kind   ConstraintKind
	scalar Func
	vector VectorFunc
	tol    []float64
}

// AddInequalityConstraint adds fc(x) <= 0, satisfied within tol.
func (o *Opt) AddInequalityConstraint(fc Func, tol float64) error {
	return o.addScalar("add_inequality_constraint", Inequality, fc, tol)
}

// AddEqualityConstraint adds fc(x) = 0, satisfied within tol.
func (o *Opt) AddEqualityConstraint(fc Func, tol float64) error {
	return o.addScalar("add_equality_constraint", Equality, fc, tol)
}

// AddInequalityMConstraint adds len(tol) inequality components computed
// together by fc.
func (o *Opt) AddInequalityMConstraint(fc VectorFunc, tol []float64) error {
	return o.addVector("add_inequality_mconstraint", Inequality, fc, tol)
}

// AddEqualityMConstraint adds len(tol) equality components computed
// together by fc.
func (o *Opt) AddEqualityMConstraint(fc VectorFunc, tol []float64) error {
	return o.addVector("add_equality_mconstraint", Equality, fc, tol)
}

func (o *Opt) addScalar(op string, kind ConstraintKind, fc Func, tol float64) error {
	if err := o.usable(op); err != nil {
		return err
	}
	if fc == nil {
		return invalidArgument(op, "constraint must not be nil")
	}
	if err := checkTolerance(op, tol); err != nil {
		return err
	}
	return o.addConstraint(constraint{kind: kind, scalar: fc, tol: []float64{tol}})
}

func (o *Opt) addVector(op string, kind ConstraintKind, fc VectorFunc, tol []float64) error {
	if err := o.usable(op); err != nil {
		return err
	}
	if fc == nil {
		return invalidArgument(op, "constraint must not be nil")
	}
	if len(tol) == 0 {
		return invalidArgument(op, "vector constraint needs at least one tolerance")
	}
	for _, t := range tol {
		if err := checkTolerance(op, t); err != nil {
			return err
		}
	}
	return o.addConstraint(constraint{kind: kind, vector: fc, tol: clone(tol)})
}

func checkTolerance(op string, tol float64) error {
	if tol < 0 || math.IsNaN(tol) {
		return invalidArgument(op, "tolerance must be non-negative, got %g", tol)
	}
	return nil
}

func (o *Opt) addConstraint(c constraint) error {
	var (
		op string
		r  native.Result
	)
	switch {
	case c.vector != nil && c.kind == Equality:
		op = "add_equality_mconstraint"
		r = o.handle.AddEqualityMConstraint(&vectorAdapter{state: o.state, f: c.vector}, c.tol)
	case c.vector != nil:
		op = "add_inequality_mconstraint"
		r = o.handle.AddInequalityMConstraint(&vectorAdapter{state: o.state, f: c.vector}, c.tol)
	case c.kind == Equality:
		op = "add_equality_constraint"
		r = o.handle.AddEqualityConstraint(&scalarAdapter{state: o.state, f: c.scalar}, c.tol[0])
	default:
		op = "add_inequality_constraint"
		r = o.handle.AddInequalityConstraint(&scalarAdapter{state: o.state, f: c.scalar}, c.tol[0])
	}
	if err := o.apply(op, r); err != nil {
		return err
	}
	o.constraints = append(o.constraints, c)
	return nil
}

// RemoveConstraints drops every inequality and equality constraint.
func (o *Opt) RemoveConstraints() error {
	const op = "remove_constraints"
	if err := o.usable(op); err != nil {
		return err
	}
	o.constraints = nil
	if err := o.apply(op, o.handle.RemoveInequalityConstraints()); err != nil {
		return err
	}
	return o.apply(op, o.handle.RemoveEqualityConstraints())
}

// Constraints returns a snapshot of the registered constraints in the order
// they were added.
func (o *Opt) Constraints() []ConstraintInfo {
	out := make([]ConstraintInfo, 0, len(o.constraints))
	for _, c := range o.constraints {
		out = append(out, ConstraintInfo{
			Kind:       c.kind,
			Dimension:  len(c.tol),
			Tolerances: clone(c.tol),
			Vector:     c.vector != nil,
		})
	}
	return out
}

// NumConstraints returns the number of scalar constraint components of kind.
func (o *Opt) NumConstraints(kind ConstraintKind) int {
	n := 0
	for _, c := range o.constraints {
		if c.kind == kind {
			n += len(c.tol)
		}
	}
	return n
}
