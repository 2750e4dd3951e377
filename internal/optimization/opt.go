// Package optimization wraps a native NLopt optimizer in a validated,
// explicitly owned configuration object.
//
// An Opt holds the full problem description: bounds, objective, constraints,
// stopping criteria and an optional local optimizer for meta-algorithms. Every
// setter validates its argument before touching the native handle and keeps a
// Go-side copy, which is what Clone replays into a fresh handle.
//
// An Opt must not be used from more than one goroutine at a time. Build one
// Opt per problem to solve concurrently.
package optimization

import (
	"math"
	"runtime"

	"go.uber.org/zap"

	"github.com/copyleftdev/nloptd/internal/native"
)

// Opt is an NLopt optimizer configuration. The zero value is not usable;
// construct with New.
type Opt struct {
	handle *native.Handle
	alg    Algorithm
	dim    int
	base   *zap.Logger
	logger *zap.Logger

	// state is shared with the callback adapters. It must not point back to
	// the Opt so that an unreachable Opt can still be finalized.
	state *callbackState

	lower []float64
	upper []float64

	sense     Sense
	objective Func

	constraints []constraint

	stopVal     float64
	ftolRel     float64
	ftolAbs     float64
	xtolRel     float64
	xtolAbs     []float64
	maxEval     int
	maxTime     float64
	initialStep []float64
	population  uint
	vecStorage  uint
	params      map[string]float64

	// local is never handed out, so it cannot be mutated behind the
	// native copy or reach back to o.
	local *Opt

	running bool
	closed  bool
}

// Option configures an Opt at construction.
type Option func(*Opt)

// WithLogger routes debug output of the optimizer to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Opt) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an optimizer for dim variables using algorithm alg. All
// stopping criteria start disabled and the bounds start at ±Inf.
func New(alg Algorithm, dim int, opts ...Option) (*Opt, error) {
	if dim <= 0 {
		return nil, invalidArgument("create", "dimension must be positive, got %d", dim)
	}
	if !alg.Valid() {
		return nil, invalidArgument("create", "unrecognized algorithm %d", int(alg))
	}

	h := native.Create(alg, dim)
	if h == nil {
		return nil, invalidArgument("create", "nlopt refused %s with dimension %d", alg, dim)
	}

	o := &Opt{
		handle:  h,
		alg:     alg,
		dim:     dim,
		logger:  zap.NewNop(),
		state:   &callbackState{handle: h},
		lower:   fill(dim, math.Inf(-1)),
		upper:   fill(dim, math.Inf(1)),
		stopVal: math.Inf(-1),
		xtolAbs: make([]float64, dim),
		params:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.base = o.logger
	o.logger = o.logger.With(zap.Stringer("algorithm", alg), zap.Int("dimension", dim))
	o.state.logger = o.logger

	runtime.SetFinalizer(o, (*Opt).Close)
	return o, nil
}

// Close releases the native handle, every registered callback and the owned
// local optimizer. It is safe to call Close more than once.
func (o *Opt) Close() {
	if o == nil || o.closed {
		return
	}
	o.closed = true
	o.handle.Destroy()
	if o.local != nil {
		o.local.Close()
		o.local = nil
	}
	o.objective = nil
	o.constraints = nil
	runtime.SetFinalizer(o, nil)
}

// Algorithm returns the algorithm chosen at construction.
func (o *Opt) Algorithm() Algorithm { return o.alg }

// AlgorithmName returns the library's descriptive algorithm name.
func (o *Opt) AlgorithmName() string { return o.alg.Name() }

// Dimension returns the number of decision variables.
func (o *Opt) Dimension() int { return o.dim }

// NumEvals returns how many times the objective was evaluated during the
// most recent optimize call.
func (o *Opt) NumEvals() int { return o.state.numEvals }

// ErrorMessage returns the native library's message for its last failure.
func (o *Opt) ErrorMessage() string {
	if o.closed {
		return ""
	}
	return o.handle.ErrorMessage()
}

func (o *Opt) usable(op string) error {
	if o.closed {
		return invalidArgument(op, "optimizer is closed")
	}
	if o.running {
		return invalidArgument(op, "optimizer is running")
	}
	return nil
}

func (o *Opt) apply(op string, r native.Result) error {
	if r < 0 {
		return nativeError(op, r, o.handle.ErrorMessage())
	}
	return nil
}

// SetLowerBounds sets per-variable lower bounds. -Inf disables a bound.
// lower > upper is not rejected here; the solver reports INVALID_ARGS when
// Optimize runs.
func (o *Opt) SetLowerBounds(lb []float64) error {
	const op = "set_lower_bounds"
	if err := o.usable(op); err != nil {
		return err
	}
	if len(lb) != o.dim {
		return dimensionMismatch(op, "lower bounds", len(lb), o.dim)
	}
	v := clone(lb)
	if err := o.apply(op, o.handle.SetLowerBounds(v)); err != nil {
		return err
	}
	o.lower = v
	return nil
}

// SetLowerBound sets every lower bound to lb.
func (o *Opt) SetLowerBound(lb float64) error {
	return o.SetLowerBounds(fill(o.dim, lb))
}

// LowerBounds returns a copy of the lower bounds.
func (o *Opt) LowerBounds() []float64 { return clone(o.lower) }

// SetUpperBounds sets per-variable upper bounds. +Inf disables a bound.
func (o *Opt) SetUpperBounds(ub []float64) error {
	const op = "set_upper_bounds"
	if err := o.usable(op); err != nil {
		return err
	}
	if len(ub) != o.dim {
		return dimensionMismatch(op, "upper bounds", len(ub), o.dim)
	}
	v := clone(ub)
	if err := o.apply(op, o.handle.SetUpperBounds(v)); err != nil {
		return err
	}
	o.upper = v
	return nil
}

// SetUpperBound sets every upper bound to ub.
func (o *Opt) SetUpperBound(ub float64) error {
	return o.SetUpperBounds(fill(o.dim, ub))
}

// UpperBounds returns a copy of the upper bounds.
func (o *Opt) UpperBounds() []float64 { return clone(o.upper) }

// SetMinObjective makes f the objective to minimise, replacing any previous
// objective including a maximisation one.
func (o *Opt) SetMinObjective(f Func) error {
	return o.setObjective("set_min_objective", f, Minimize)
}

// SetMaxObjective makes f the objective to maximise, replacing any previous
// objective including a minimisation one.
func (o *Opt) SetMaxObjective(f Func) error {
	return o.setObjective("set_max_objective", f, Maximize)
}

func (o *Opt) setObjective(op string, f Func, sense Sense) error {
	if err := o.usable(op); err != nil {
		return err
	}
	if f == nil {
		return invalidArgument(op, "objective must not be nil")
	}
	adapter := &scalarAdapter{state: o.state, f: f, objective: true}
	var r native.Result
	if sense == Maximize {
		r = o.handle.SetMaxObjective(adapter)
	} else {
		r = o.handle.SetMinObjective(adapter)
	}
	if err := o.apply(op, r); err != nil {
		return err
	}
	// The library flips an unset stopval to the infinity matching the sense.
	if math.IsInf(o.stopVal, 0) {
		if sense == Maximize {
			o.stopVal = math.Inf(1)
		} else {
			o.stopVal = math.Inf(-1)
		}
	}
	o.sense = sense
	o.objective = f
	return nil
}

// Sense reports whether the objective is minimised, maximised or unset.
func (o *Opt) Sense() Sense { return o.sense }

// SetStopVal stops the search once the objective reaches v.
func (o *Opt) SetStopVal(v float64) error {
	const op = "set_stopval"
	if err := o.usable(op); err != nil {
		return err
	}
	if err := o.apply(op, o.handle.SetStopVal(v)); err != nil {
		return err
	}
	o.stopVal = v
	return nil
}

// StopVal returns the stopval criterion; ±Inf means disabled.
func (o *Opt) StopVal() float64 { return o.stopVal }

// SetFtolRel sets the relative objective tolerance; <= 0 disables it.
func (o *Opt) SetFtolRel(tol float64) error {
	const op = "set_ftol_rel"
	if err := o.usable(op); err != nil {
		return err
	}
	if err := o.apply(op, o.handle.SetFtolRel(tol)); err != nil {
		return err
	}
	o.ftolRel = tol
	return nil
}

// FtolRel returns the relative objective tolerance.
func (o *Opt) FtolRel() float64 { return o.ftolRel }

// SetFtolAbs sets the absolute objective tolerance; <= 0 disables it.
func (o *Opt) SetFtolAbs(tol float64) error {
	const op = "set_ftol_abs"
	if err := o.usable(op); err != nil {
		return err
	}
	if err := o.apply(op, o.handle.SetFtolAbs(tol)); err != nil {
		return err
	}
	o.ftolAbs = tol
	return nil
}

// FtolAbs returns the absolute objective tolerance.
func (o *Opt) FtolAbs() float64 { return o.ftolAbs }

// SetXtolRel sets the relative parameter tolerance; <= 0 disables it.
func (o *Opt) SetXtolRel(tol float64) error {
	const op = "set_xtol_rel"
	if err := o.usable(op); err != nil {
		return err
	}
	if err := o.apply(op, o.handle.SetXtolRel(tol)); err != nil {
		return err
	}
	o.xtolRel = tol
	return nil
}

// XtolRel returns the relative parameter tolerance.
func (o *Opt) XtolRel() float64 { return o.xtolRel }

// SetXtolAbs sets per-variable absolute parameter tolerances.
func (o *Opt) SetXtolAbs(tol []float64) error {
	const op = "set_xtol_abs"
	if err := o.usable(op); err != nil {
		return err
	}
	if len(tol) != o.dim {
		return dimensionMismatch(op, "xtol_abs", len(tol), o.dim)
	}
	v := clone(tol)
	if err := o.apply(op, o.handle.SetXtolAbs(v)); err != nil {
		return err
	}
	o.xtolAbs = v
	return nil
}

// SetXtolAbs1 sets every absolute parameter tolerance to tol.
func (o *Opt) SetXtolAbs1(tol float64) error {
	return o.SetXtolAbs(fill(o.dim, tol))
}

// XtolAbs returns a copy of the absolute parameter tolerances.
func (o *Opt) XtolAbs() []float64 { return clone(o.xtolAbs) }

// SetMaxEval caps the number of objective evaluations; <= 0 disables it.
func (o *Opt) SetMaxEval(n int) error {
	const op = "set_maxeval"
	if err := o.usable(op); err != nil {
		return err
	}
	if n > math.MaxInt32 {
		return invalidArgument(op, "maxeval %d exceeds %d", n, math.MaxInt32)
	}
	if err := o.apply(op, o.handle.SetMaxEval(n)); err != nil {
		return err
	}
	o.maxEval = n
	return nil
}

// MaxEval returns the evaluation cap.
func (o *Opt) MaxEval() int { return o.maxEval }

// SetMaxTime caps the wall time in seconds; <= 0 disables it.
func (o *Opt) SetMaxTime(seconds float64) error {
	const op = "set_maxtime"
	if err := o.usable(op); err != nil {
		return err
	}
	if err := o.apply(op, o.handle.SetMaxTime(seconds)); err != nil {
		return err
	}
	o.maxTime = seconds
	return nil
}

// MaxTime returns the time cap in seconds.
func (o *Opt) MaxTime() float64 { return o.maxTime }

// SetInitialStep sets per-variable initial steps for derivative-free
// algorithms. nil restores the library heuristics.
func (o *Opt) SetInitialStep(dx []float64) error {
	const op = "set_initial_step"
	if err := o.usable(op); err != nil {
		return err
	}
	if dx != nil && len(dx) != o.dim {
		return dimensionMismatch(op, "initial step", len(dx), o.dim)
	}
	v := clone(dx)
	if err := o.apply(op, o.handle.SetInitialStep(v)); err != nil {
		return err
	}
	o.initialStep = v
	return nil
}

// SetInitialStep1 sets every initial step to dx.
func (o *Opt) SetInitialStep1(dx float64) error {
	return o.SetInitialStep(fill(o.dim, dx))
}

// InitialStep returns the step the solver would take from x: the configured
// one, or the heuristic default when none was set.
func (o *Opt) InitialStep(x []float64) ([]float64, error) {
	const op = "get_initial_step"
	if err := o.usable(op); err != nil {
		return nil, err
	}
	if len(x) != o.dim {
		return nil, dimensionMismatch(op, "x", len(x), o.dim)
	}
	dx, r := o.handle.InitialStep(clone(x))
	if err := o.apply(op, r); err != nil {
		return nil, err
	}
	return dx, nil
}

// SetPopulation sets the initial population size of stochastic algorithms;
// 0 lets the algorithm decide.
func (o *Opt) SetPopulation(n uint) error {
	const op = "set_population"
	if err := o.usable(op); err != nil {
		return err
	}
	if err := o.apply(op, o.handle.SetPopulation(n)); err != nil {
		return err
	}
	o.population = n
	return nil
}

// Population returns the population size.
func (o *Opt) Population() uint { return o.population }

// SetVectorStorage sets the number of stored gradients for limited-memory
// quasi-Newton algorithms; 0 lets the algorithm decide.
func (o *Opt) SetVectorStorage(n uint) error {
	const op = "set_vector_storage"
	if err := o.usable(op); err != nil {
		return err
	}
	if err := o.apply(op, o.handle.SetVectorStorage(n)); err != nil {
		return err
	}
	o.vecStorage = n
	return nil
}

// VectorStorage returns the vector storage size.
func (o *Opt) VectorStorage() uint { return o.vecStorage }

// SetParam sets an algorithm-specific parameter such as "inner_maxeval".
// Unknown names are accepted and ignored by the algorithm.
func (o *Opt) SetParam(name string, v float64) error {
	const op = "set_param"
	if err := o.usable(op); err != nil {
		return err
	}
	if name == "" {
		return invalidArgument(op, "parameter name must not be empty")
	}
	if err := o.apply(op, o.handle.SetParam(name, v)); err != nil {
		return err
	}
	o.params[name] = v
	return nil
}

// Param returns the named parameter, or def if it was never set.
func (o *Opt) Param(name string, def float64) float64 {
	if v, ok := o.params[name]; ok {
		return v
	}
	return def
}

// Params returns a copy of every parameter set with SetParam.
func (o *Opt) Params() map[string]float64 {
	out := make(map[string]float64, len(o.params))
	for k, v := range o.params {
		out[k] = v
	}
	return out
}

// SetLocalOptimizer stores a deep copy of local for meta-algorithms such as
// AUGLAG and MLSL. Only the copy's algorithm and stopping criteria matter.
// Later changes to local do not affect the stored copy.
func (o *Opt) SetLocalOptimizer(local *Opt) error {
	const op = "set_local_optimizer"
	if err := o.usable(op); err != nil {
		return err
	}
	if local == nil {
		return invalidArgument(op, "local optimizer must not be nil")
	}
	if local == o {
		return invalidArgument(op, "local optimizer must not be the optimizer itself")
	}
	if local.closed {
		return invalidArgument(op, "local optimizer is closed")
	}
	if local.dim != o.dim {
		return dimensionMismatch(op, "local optimizer", local.dim, o.dim)
	}

	c, err := local.Clone()
	if err != nil {
		return err
	}
	if err := o.apply(op, o.handle.SetLocalOptimizer(c.handle)); err != nil {
		c.Close()
		return err
	}
	if o.local != nil {
		o.local.Close()
	}
	o.local = c
	return nil
}

// LocalOptimizer returns a copy of the stored local optimizer, or nil when
// none is set. The caller owns the copy; changing it does not affect o.
func (o *Opt) LocalOptimizer() (*Opt, error) {
	if o.closed {
		return nil, invalidArgument("get_local_optimizer", "optimizer is closed")
	}
	if o.local == nil {
		return nil, nil
	}
	return o.local.Clone()
}

// Clone returns an independent deep copy with its own native handle. The
// objective, constraints and local optimizer are re-registered on the copy;
// the evaluation count is carried over.
func (o *Opt) Clone() (*Opt, error) {
	if o.closed {
		return nil, invalidArgument("clone", "optimizer is closed")
	}
	c, err := New(o.alg, o.dim, WithLogger(o.base))
	if err != nil {
		return nil, err
	}
	if err := c.copyFrom(o); err != nil {
		c.Close()
		return nil, err
	}
	c.state.numEvals = o.state.numEvals
	return c, nil
}

func (o *Opt) copyFrom(src *Opt) error {
	steps := []func() error{
		func() error { return o.SetLowerBounds(src.lower) },
		func() error { return o.SetUpperBounds(src.upper) },
		func() error { return o.SetFtolRel(src.ftolRel) },
		func() error { return o.SetFtolAbs(src.ftolAbs) },
		func() error { return o.SetXtolRel(src.xtolRel) },
		func() error { return o.SetXtolAbs(src.xtolAbs) },
		func() error { return o.SetMaxEval(src.maxEval) },
		func() error { return o.SetMaxTime(src.maxTime) },
		func() error { return o.SetPopulation(src.population) },
		func() error { return o.SetVectorStorage(src.vecStorage) },
	}
	if src.initialStep != nil {
		steps = append(steps, func() error { return o.SetInitialStep(src.initialStep) })
	}
	switch src.sense {
	case Minimize:
		steps = append(steps, func() error { return o.SetMinObjective(src.objective) })
	case Maximize:
		steps = append(steps, func() error { return o.SetMaxObjective(src.objective) })
	}
	// stopval after the objective, which may have flipped its sign.
	steps = append(steps, func() error { return o.SetStopVal(src.stopVal) })
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	for name, v := range src.params {
		if err := o.SetParam(name, v); err != nil {
			return err
		}
	}
	for _, c := range src.constraints {
		if err := o.addConstraint(c); err != nil {
			return err
		}
	}
	if src.local != nil {
		return o.SetLocalOptimizer(src.local)
	}
	return nil
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func clone(v []float64) []float64 {
	if v == nil {
		return nil
	}
	return append([]float64(nil), v...)
}
