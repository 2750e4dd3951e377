package problem

import (
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/nloptd/internal/model"
)

// Evaluator computes compiled expressions and their central finite
// difference derivatives. It implements model.Evaluator and is not safe
// for concurrent use.
type Evaluator struct {
	scope       *scope
	objective   *expression
	constraints []*expression

	gradient fd.Settings
	jacobian fd.JacobianSettings
}

var _ model.Evaluator = (*Evaluator)(nil)

// NewEvaluator compiles the objective and constraint expressions of d.
func NewEvaluator(d *Definition) (*Evaluator, error) {
	s, err := newScope(d.names())
	if err != nil {
		return nil, err
	}
	e := &Evaluator{
		scope:    s,
		gradient: fd.Settings{Formula: fd.Central},
		jacobian: fd.JacobianSettings{Formula: fd.Central},
	}
	if d.Objective != "" {
		if e.objective, err = compile(d.Objective, s); err != nil {
			return nil, err
		}
	}
	for _, c := range d.Constraints {
		ex, err := compile(c.Expression, s)
		if err != nil {
			return nil, err
		}
		e.constraints = append(e.constraints, ex)
	}
	return e, nil
}

// HasObjective reports whether an objective expression was compiled.
func (e *Evaluator) HasObjective() bool { return e.objective != nil }

// Dimension returns the number of variables.
func (e *Evaluator) Dimension() int { return len(e.scope.names) }

// NumConstraints returns the number of constraint rows.
func (e *Evaluator) NumConstraints() int { return len(e.constraints) }

func (e *Evaluator) Objective(x []float64) (float64, error) {
	if e.objective == nil {
		return 0, nil
	}
	e.scope.bind(x)
	return e.objective.eval(e.scope)
}

func (e *Evaluator) ObjectiveGradient(grad, x []float64) error {
	if e.objective == nil {
		for i := range grad {
			grad[i] = 0
		}
		return nil
	}
	var failure error
	fd.Gradient(grad, func(y []float64) float64 {
		v, err := e.Objective(y)
		if err != nil && failure == nil {
			failure = err
		}
		return v
	}, x, &e.gradient)
	return failure
}

func (e *Evaluator) Constraints(g, x []float64) error {
	e.scope.bind(x)
	for i, c := range e.constraints {
		v, err := c.eval(e.scope)
		if err != nil {
			return err
		}
		g[i] = v
	}
	return nil
}

// ConstraintJacobian writes the row-major Jacobian into jac in place.
func (e *Evaluator) ConstraintJacobian(jac, x []float64) error {
	m, n := len(e.constraints), len(x)
	if m == 0 {
		return nil
	}
	var failure error
	dst := mat.NewDense(m, n, jac[:m*n])
	fd.Jacobian(dst, func(y, x []float64) {
		if err := e.Constraints(y, x); err != nil && failure == nil {
			failure = err
		}
	}, x, &e.jacobian)
	return failure
}
