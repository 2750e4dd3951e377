package model

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/native"
	"github.com/copyleftdev/nloptd/internal/optimization"
)

const component = "model"

// Phase is the lifecycle state of an Optimizer.
type Phase int

const (
	// Empty has no variables, objective or constraints.
	Empty Phase = iota
	// Built holds a problem that has not been solved since its last change.
	Built
	// Solved holds the cached result of the last Solve.
	Solved
)

func (p Phase) String() string {
	switch p {
	case Built:
		return "built"
	case Solved:
		return "solved"
	default:
		return "empty"
	}
}

type variable struct {
	lower, upper float64
	start        *float64
}

type scalarConstraint struct {
	f   ScalarFunction
	set Set
}

// Solution is the cached outcome of a Solve.
type Solution struct {
	Termination TerminationStatus `json:"termination_status" yaml:"termination_status"`
	Primal      ResultStatus      `json:"primal_status" yaml:"primal_status"`
	Objective   float64           `json:"objective_value" yaml:"objective_value"`
	X           []float64         `json:"x,omitempty" yaml:"x,omitempty"`
	Raw         string            `json:"raw_status" yaml:"raw_status"`
	NumEvals    int               `json:"evaluations" yaml:"evaluations"`
	SolveTime   time.Duration     `json:"solve_time" yaml:"solve_time"`
}

// Optimizer is a modeling-layer front end to NLopt. A fresh native
// optimizer is built for every Solve, so an Optimizer can be solved
// repeatedly, but not concurrently.
type Optimizer struct {
	logger *zap.Logger

	vars        []variable
	sense       ObjectiveSense
	objective   ScalarFunction
	constraints []scalarConstraint
	nlp         *NLPBlock
	attrs       map[string]any

	phase    Phase
	solution *Solution
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger handed to every native optimizer the
// Optimizer builds.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Optimizer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewOptimizer returns an empty Optimizer.
func NewOptimizer(opts ...Option) *Optimizer {
	m := &Optimizer{
		logger: zap.NewNop(),
		attrs:  make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Phase returns the lifecycle state.
func (m *Optimizer) Phase() Phase { return m.phase }

// IsEmpty reports whether no problem is loaded.
func (m *Optimizer) IsEmpty() bool { return m.phase == Empty }

// Empty drops the problem and any cached result. Attributes are kept.
func (m *Optimizer) Empty() {
	m.vars = nil
	m.sense = Feasibility
	m.objective = nil
	m.constraints = nil
	m.nlp = nil
	m.solution = nil
	m.phase = Empty
}

func (m *Optimizer) modified() {
	m.solution = nil
	m.phase = Built
}

// AddVariable adds a free variable.
func (m *Optimizer) AddVariable() VariableIndex {
	m.vars = append(m.vars, variable{lower: math.Inf(-1), upper: math.Inf(1)})
	m.modified()
	return VariableIndex(len(m.vars) - 1)
}

// AddVariables adds n free variables.
func (m *Optimizer) AddVariables(n int) []VariableIndex {
	out := make([]VariableIndex, n)
	for i := range out {
		out[i] = m.AddVariable()
	}
	return out
}

// NumVariables returns the number of variables.
func (m *Optimizer) NumVariables() int { return len(m.vars) }

func (m *Optimizer) checkVariable(op string, v VariableIndex) error {
	if v < 0 || int(v) >= len(m.vars) {
		return errors.Errorf(errors.InvalidArgument, "variable %d does not exist", v).
			WithOperation(op).
			WithComponent(component)
	}
	return nil
}

// SetLowerBound sets the lower bound of v.
func (m *Optimizer) SetLowerBound(v VariableIndex, lb float64) error {
	if err := m.checkVariable("set_lower_bound", v); err != nil {
		return err
	}
	m.vars[v].lower = lb
	m.modified()
	return nil
}

// SetUpperBound sets the upper bound of v.
func (m *Optimizer) SetUpperBound(v VariableIndex, ub float64) error {
	if err := m.checkVariable("set_upper_bound", v); err != nil {
		return err
	}
	m.vars[v].upper = ub
	m.modified()
	return nil
}

// Bounds returns the bounds of v.
func (m *Optimizer) Bounds(v VariableIndex) (lower, upper float64, err error) {
	if err := m.checkVariable("bounds", v); err != nil {
		return 0, 0, err
	}
	return m.vars[v].lower, m.vars[v].upper, nil
}

// SetStart sets the starting value of v. Without one, v starts at 0
// clamped into its bounds.
func (m *Optimizer) SetStart(v VariableIndex, x float64) error {
	if err := m.checkVariable("set_start", v); err != nil {
		return err
	}
	m.vars[v].start = &x
	m.modified()
	return nil
}

// ClearStart restores the default starting value of v.
func (m *Optimizer) ClearStart(v VariableIndex) error {
	if err := m.checkVariable("clear_start", v); err != nil {
		return err
	}
	m.vars[v].start = nil
	m.modified()
	return nil
}

// SetObjectiveSense sets the direction of the objective.
func (m *Optimizer) SetObjectiveSense(s ObjectiveSense) {
	m.sense = s
	m.modified()
}

// ObjectiveSense returns the direction of the objective.
func (m *Optimizer) ObjectiveSense() ObjectiveSense { return m.sense }

func (m *Optimizer) checkFunction(op string, f ScalarFunction) error {
	if f == nil {
		return errors.New(errors.InvalidArgument, "function must not be nil").
			WithOperation(op).
			WithComponent(component)
	}
	for _, v := range f.variables() {
		if err := m.checkVariable(op, v); err != nil {
			return err
		}
	}
	return nil
}

// SetObjective sets an affine or quadratic objective. An NLP block with an
// objective takes precedence.
func (m *Optimizer) SetObjective(f ScalarFunction) error {
	if err := m.checkFunction("set_objective", f); err != nil {
		return err
	}
	m.objective = f
	m.modified()
	return nil
}

// AddConstraint adds f(x) in s.
func (m *Optimizer) AddConstraint(f ScalarFunction, s Set) (ConstraintIndex, error) {
	const op = "add_constraint"
	if err := m.checkFunction(op, f); err != nil {
		return -1, err
	}
	if s == nil {
		return -1, errors.New(errors.InvalidArgument, "set must not be nil").
			WithOperation(op).
			WithComponent(component)
	}
	m.constraints = append(m.constraints, scalarConstraint{f: f, set: s})
	m.modified()
	return ConstraintIndex(len(m.constraints) - 1), nil
}

// NumConstraints returns the number of constraints added with
// AddConstraint plus the rows of the NLP block.
func (m *Optimizer) NumConstraints() int {
	n := len(m.constraints)
	if m.nlp != nil {
		n += len(m.nlp.ConstraintSets)
	}
	return n
}

// SetNLPBlock attaches nonlinear rows and, optionally, a nonlinear
// objective.
func (m *Optimizer) SetNLPBlock(b NLPBlock) error {
	if b.Evaluator == nil {
		return errors.New(errors.InvalidArgument, "nlp block needs an evaluator").
			WithOperation("set_nlp_block").
			WithComponent(component)
	}
	for i, s := range b.ConstraintSets {
		if s == nil {
			return errors.Errorf(errors.InvalidArgument, "nlp row %d has no set", i).
				WithOperation("set_nlp_block").
				WithComponent(component)
		}
	}
	b.ConstraintSets = append([]Set(nil), b.ConstraintSets...)
	m.nlp = &b
	m.modified()
	return nil
}

// SetAttribute sets a raw solver attribute. A nil value restores the
// default.
func (m *Optimizer) SetAttribute(key string, value any) error {
	if value == nil {
		if !knownAttribute(key) {
			return attrError(key, "unknown attribute %q", key)
		}
		delete(m.attrs, key)
		m.invalidate()
		return nil
	}
	v, err := normalizeAttribute(key, value)
	if err != nil {
		return err
	}
	m.attrs[key] = v
	m.invalidate()
	return nil
}

// Attribute returns the value of a raw attribute, falling back to its
// default.
func (m *Optimizer) Attribute(key string) (any, bool) {
	if v, ok := m.attrs[key]; ok {
		return v, true
	}
	v, ok := attributeDefaults[key]
	return v, ok
}

// SetTimeLimit sets the maxtime attribute in seconds; <= 0 removes it.
func (m *Optimizer) SetTimeLimit(seconds float64) error {
	if seconds <= 0 {
		return m.SetAttribute(AttrMaxTime, nil)
	}
	return m.SetAttribute(AttrMaxTime, seconds)
}

// TimeLimit returns the maxtime attribute, or 0 when unset.
func (m *Optimizer) TimeLimit() float64 {
	if v, ok := m.attrs[AttrMaxTime]; ok {
		return v.(float64)
	}
	return 0
}

func (m *Optimizer) invalidate() {
	if m.phase == Solved {
		m.modified()
	}
}

func (m *Optimizer) float(key string) float64 {
	v, _ := m.Attribute(key)
	f, _ := v.(float64)
	return f
}

// Solve builds a native optimizer from the problem and runs it.
//
// A native failure code is recorded as OtherError and is not returned.
// An error raised by an evaluator, including ErrForcedStop, is recorded and
// returned unchanged. Configuration problems are returned without touching
// the cached result.
func (m *Optimizer) Solve(ctx context.Context) error {
	const op = "solve"
	n := len(m.vars)
	if n == 0 {
		return errors.New(errors.InvalidArgument, "problem has no variables").
			WithOperation(op).
			WithComponent(component)
	}
	algValue, ok := m.attrs[AttrAlgorithm]
	if !ok {
		return errors.New(errors.InvalidArgument, "no algorithm set").
			WithOperation(op).
			WithComponent(component)
	}
	alg := algValue.(native.Algorithm)

	o, err := optimization.New(alg, n, optimization.WithLogger(m.logger))
	if err != nil {
		return err
	}
	defer o.Close()

	if err := m.load(o); err != nil {
		return err
	}
	if seed, ok := m.attrs[AttrSeed]; ok {
		optimization.SetSeed(seed.(int64))
	}

	start := time.Now()
	res, err := o.Optimize(ctx, m.startingPoint())
	elapsed := time.Since(start)

	sol := &Solution{Objective: math.NaN(), SolveTime: elapsed, NumEvals: o.NumEvals()}
	switch {
	case err == nil:
		sol.Termination, sol.Primal = statusOf(res.Status)
		sol.Objective = res.Value
		sol.X = res.X
		sol.Raw = res.Status.String()
	case errors.KindOf(err) == errors.SolverFailure:
		sol.Termination, sol.Primal = OtherError, NoSolution
		sol.Raw = err.Error()
	default:
		sol.Termination, sol.Primal = failureStatus(err), NoSolution
		sol.Raw = err.Error()
	}
	m.solution = sol
	m.phase = Solved

	m.logger.Debug("model solved",
		zap.Stringer("algorithm", alg),
		zap.Stringer("termination", sol.Termination),
		zap.Stringer("primal", sol.Primal),
		zap.Int("evaluations", sol.NumEvals))

	if err != nil && errors.KindOf(err) != errors.SolverFailure {
		return err
	}
	return nil
}

// load registers bounds, objective, constraints and attributes on o.
func (m *Optimizer) load(o *optimization.Opt) error {
	n := len(m.vars)
	lb := make([]float64, n)
	ub := make([]float64, n)
	for i, v := range m.vars {
		lb[i], ub[i] = v.lower, v.upper
	}
	if err := o.SetLowerBounds(lb); err != nil {
		return err
	}
	if err := o.SetUpperBounds(ub); err != nil {
		return err
	}

	obj := m.objectiveFunc()
	var err error
	if m.sense == Maximize {
		err = o.SetMaxObjective(obj)
	} else {
		err = o.SetMinObjective(obj)
	}
	if err != nil {
		return err
	}

	tol := m.float(AttrConstrTolAbs)
	for _, c := range m.constraints {
		for _, r := range c.set.normalize() {
			fc := scalarRow(c.f, r)
			if r.eq {
				err = o.AddEqualityConstraint(fc, tol)
			} else {
				err = o.AddInequalityConstraint(fc, tol)
			}
			if err != nil {
				return err
			}
		}
	}
	if err := m.loadNLP(o, tol); err != nil {
		return err
	}
	return applyAttributes(o, withDefaults(m.attrs), m.logger)
}

func (m *Optimizer) objectiveFunc() optimization.Func {
	switch {
	case m.sense == Feasibility:
		return func(x, grad []float64) (float64, error) {
			for i := range grad {
				grad[i] = 0
			}
			return 0, nil
		}
	case m.nlp != nil && m.nlp.HasObjective:
		ev := m.nlp.Evaluator
		return func(x, grad []float64) (float64, error) {
			if grad != nil {
				if err := ev.ObjectiveGradient(grad, x); err != nil {
					return 0, err
				}
			}
			return ev.Objective(x)
		}
	case m.objective != nil:
		f := m.objective
		return func(x, grad []float64) (float64, error) {
			if grad != nil {
				for i := range grad {
					grad[i] = 0
				}
				f.AddGradient(grad, x)
			}
			return f.Value(x), nil
		}
	default:
		return func(x, grad []float64) (float64, error) {
			for i := range grad {
				grad[i] = 0
			}
			return 0, nil
		}
	}
}

// scalarRow is sign*f(x) + offset.
func scalarRow(f ScalarFunction, r row) optimization.Func {
	return func(x, grad []float64) (float64, error) {
		if grad != nil {
			for i := range grad {
				grad[i] = 0
			}
			f.AddGradient(grad, x)
			for i := range grad {
				grad[i] *= r.sign
			}
		}
		return r.sign*f.Value(x) + r.offset, nil
	}
}

type nlpRow struct {
	index int
	row
}

// loadNLP registers the NLP rows as one vector inequality constraint and
// one vector equality constraint.
func (m *Optimizer) loadNLP(o *optimization.Opt, tol float64) error {
	if m.nlp == nil || len(m.nlp.ConstraintSets) == 0 {
		return nil
	}
	var ineq, eq []nlpRow
	for i, s := range m.nlp.ConstraintSets {
		for _, r := range s.normalize() {
			if r.eq {
				eq = append(eq, nlpRow{index: i, row: r})
			} else {
				ineq = append(ineq, nlpRow{index: i, row: r})
			}
		}
	}

	rows := len(m.nlp.ConstraintSets)
	if len(ineq) > 0 {
		if err := o.AddInequalityMConstraint(nlpRows(m.nlp.Evaluator, ineq, rows, len(m.vars)), fill(len(ineq), tol)); err != nil {
			return err
		}
	}
	if len(eq) > 0 {
		if err := o.AddEqualityMConstraint(nlpRows(m.nlp.Evaluator, eq, rows, len(m.vars)), fill(len(eq), tol)); err != nil {
			return err
		}
	}
	return nil
}

func nlpRows(ev Evaluator, rows []nlpRow, m, n int) optimization.VectorFunc {
	g := make([]float64, m)
	var jac []float64
	return func(result, x, grad []float64) error {
		if err := ev.Constraints(g, x); err != nil {
			return err
		}
		if grad != nil {
			if jac == nil {
				jac = make([]float64, m*n)
			}
			if err := ev.ConstraintJacobian(jac, x); err != nil {
				return err
			}
		}
		for k, r := range rows {
			result[k] = r.sign*g[r.index] + r.offset
			if grad != nil {
				src := jac[r.index*n : (r.index+1)*n]
				dst := grad[k*n : (k+1)*n]
				for j := range dst {
					dst[j] = r.sign * src[j]
				}
			}
		}
		return nil
	}
}

func (m *Optimizer) startingPoint() []float64 {
	x := make([]float64, len(m.vars))
	for i, v := range m.vars {
		if v.start != nil {
			x[i] = *v.start
			continue
		}
		x[i] = math.Max(v.lower, math.Min(v.upper, 0))
	}
	return x
}

// TerminationStatus returns why the last Solve stopped.
func (m *Optimizer) TerminationStatus() TerminationStatus {
	if m.solution == nil {
		return OptimizeNotCalled
	}
	return m.solution.Termination
}

// PrimalStatus describes the point returned by the last Solve.
func (m *Optimizer) PrimalStatus() ResultStatus {
	if m.solution == nil {
		return NoSolution
	}
	return m.solution.Primal
}

// DualStatus is always NoSolution; NLopt computes no duals.
func (m *Optimizer) DualStatus() ResultStatus { return NoSolution }

// ResultCount is 1 when the last Solve produced a point.
func (m *Optimizer) ResultCount() int {
	if m.solution == nil || m.solution.X == nil {
		return 0
	}
	return 1
}

// ObjectiveValue returns the objective at the solution, or NaN.
func (m *Optimizer) ObjectiveValue() float64 {
	if m.solution == nil {
		return math.NaN()
	}
	return m.solution.Objective
}

// VariablePrimal returns the value of v at the solution.
func (m *Optimizer) VariablePrimal(v VariableIndex) (float64, error) {
	if err := m.checkVariable("variable_primal", v); err != nil {
		return 0, err
	}
	if m.ResultCount() == 0 {
		return 0, errors.New(errors.InvalidArgument, "no primal solution available").
			WithOperation("variable_primal").
			WithComponent(component)
	}
	return m.solution.X[v], nil
}

// PrimalSolution returns a copy of the solution point, or nil.
func (m *Optimizer) PrimalSolution() []float64 {
	if m.ResultCount() == 0 {
		return nil
	}
	return append([]float64(nil), m.solution.X...)
}

// RawStatusString returns the native termination symbol or the failure
// message of the last Solve.
func (m *Optimizer) RawStatusString() string {
	if m.solution == nil {
		return ""
	}
	return m.solution.Raw
}

// SolveTime returns the wall time of the last Solve.
func (m *Optimizer) SolveTime() time.Duration {
	if m.solution == nil {
		return 0
	}
	return m.solution.SolveTime
}

// NumEvals returns the objective evaluations of the last Solve.
func (m *Optimizer) NumEvals() int {
	if m.solution == nil {
		return 0
	}
	return m.solution.NumEvals
}

// Solution returns a copy of the cached result, or nil before Solve.
func (m *Optimizer) Solution() *Solution {
	if m.solution == nil {
		return nil
	}
	s := *m.solution
	if s.X != nil {
		s.X = append([]float64(nil), s.X...)
	}
	if math.IsNaN(s.Objective) {
		s.Objective = 0
	}
	return &s
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
