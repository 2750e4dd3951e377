package problem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/model"
	"github.com/copyleftdev/nloptd/internal/optimization"
)

// Result is the outcome of solving a Definition from one starting point.
type Result struct {
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Algorithm string `json:"algorithm" yaml:"algorithm"`
	model.Solution `yaml:",inline"`
	Variables map[string]float64 `json:"variables,omitempty" yaml:"variables,omitempty"`
	Start     []float64          `json:"start" yaml:"start"`
	// StartIndex is the position of Start among multistart points.
	StartIndex int `json:"start_index" yaml:"start_index"`
}

// HasPoint reports whether the solver returned a point.
func (r *Result) HasPoint() bool { return r.X != nil }

// Instance is a Definition compiled onto a model.Optimizer.
type Instance struct {
	def       *Definition
	Optimizer *model.Optimizer
	Evaluator *Evaluator
	vars      []model.VariableIndex
	start     []float64
	local     *optimization.Opt
}

// Build compiles d into a ready-to-solve model. Close the instance when
// done with it.
func Build(d *Definition, logger *zap.Logger) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	ev, err := NewEvaluator(d)
	if err != nil {
		return nil, err
	}

	m := model.NewOptimizer(model.WithLogger(logger))
	inst := &Instance{def: d, Optimizer: m, Evaluator: ev, vars: m.AddVariables(len(d.Variables))}
	inst.start = defaultStart(d)
	for i, v := range d.Variables {
		if v.Lower != nil {
			if err := m.SetLowerBound(inst.vars[i], *v.Lower); err != nil {
				return nil, err
			}
		}
		if v.Upper != nil {
			if err := m.SetUpperBound(inst.vars[i], *v.Upper); err != nil {
				return nil, err
			}
		}
		if v.Start != nil {
			if err := m.SetStart(inst.vars[i], *v.Start); err != nil {
				return nil, err
			}
		}
	}

	m.SetObjectiveSense(d.sense())
	sets := make([]model.Set, len(d.Constraints))
	for i, c := range d.Constraints {
		set, err := setOf(c)
		if err != nil {
			return nil, invalid("constraint %d: %v", i, err)
		}
		sets[i] = set
	}
	if err := m.SetNLPBlock(model.NLPBlock{
		Evaluator:      ev,
		ConstraintSets: sets,
		HasObjective:   ev.HasObjective(),
	}); err != nil {
		return nil, err
	}

	if d.Algorithm != "" {
		if err := m.SetAttribute(model.AttrAlgorithm, d.Algorithm); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(d.Options))
	for k := range d.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.SetAttribute(k, d.Options[k]); err != nil {
			return nil, err
		}
	}

	if lo := d.LocalOptimizer; lo != nil {
		alg, err := optimization.ParseAlgorithm(lo.Algorithm)
		if err != nil {
			return nil, err
		}
		if len(lo.Options) == 0 {
			err = m.SetAttribute(model.AttrLocalOptimizer, alg)
		} else {
			inst.local, err = model.NewLocalOptimizer(alg, len(d.Variables), lo.Options, logger)
			if err == nil {
				err = m.SetAttribute(model.AttrLocalOptimizer, inst.local)
			}
		}
		if err != nil {
			inst.Close()
			return nil, err
		}
	}
	return inst, nil
}

// Close releases the local optimizer template, if any.
func (inst *Instance) Close() {
	if inst.local != nil {
		inst.local.Close()
		inst.local = nil
	}
}

// SetStart overrides the starting point.
func (inst *Instance) SetStart(x []float64) error {
	if len(x) != len(inst.vars) {
		return errors.Errorf(errors.DimensionMismatch, "start has %d entries, want %d", len(x), len(inst.vars)).
			WithOperation("set_start").
			WithComponent(component)
	}
	for i, v := range inst.vars {
		if err := inst.Optimizer.SetStart(v, x[i]); err != nil {
			return err
		}
	}
	inst.start = append(inst.start[:0], x...)
	return nil
}

// Start returns a copy of the point Solve will start from.
func (inst *Instance) Start() []float64 {
	return append([]float64(nil), inst.start...)
}

func defaultStart(d *Definition) []float64 {
	x := make([]float64, len(d.Variables))
	for i, v := range d.Variables {
		if v.Start != nil {
			x[i] = *v.Start
			continue
		}
		lo, hi := bounds(v)
		x[i] = math.Max(lo, math.Min(hi, 0))
	}
	return x
}

// Solve runs the model once. Evaluator failures are returned as errors;
// solver failures are reported through the result statuses.
func (inst *Instance) Solve(ctx context.Context) (*Result, error) {
	start := inst.Start()
	if err := inst.Optimizer.Solve(ctx); err != nil {
		return nil, err
	}
	sol := inst.Optimizer.Solution()
	alg, _ := inst.Optimizer.Attribute(model.AttrAlgorithm)
	res := &Result{
		Name:      inst.def.Name,
		Algorithm: fmt.Sprint(alg),
		Solution:  *sol,
		Start:     start,
	}
	if sol.X != nil {
		res.Variables = make(map[string]float64, len(sol.X))
		for i, name := range inst.def.names() {
			res.Variables[name] = sol.X[i]
		}
	}
	return res, nil
}

// Solve builds d and solves it from its own starting point.
func Solve(ctx context.Context, d *Definition, logger *zap.Logger) (*Result, error) {
	inst, err := Build(d, logger)
	if err != nil {
		return nil, err
	}
	defer inst.Close()

	began := time.Now()
	res, err := inst.Solve(ctx)
	if logger != nil {
		logger.Info("problem solved",
			zap.String("problem", d.Name),
			zap.Duration("elapsed", time.Since(began)),
			zap.Error(err))
	}
	return res, err
}

func bounds(v Variable) (lo, hi float64) {
	lo, hi = math.Inf(-1), math.Inf(1)
	if v.Lower != nil {
		lo = *v.Lower
	}
	if v.Upper != nil {
		hi = *v.Upper
	}
	return lo, hi
}
