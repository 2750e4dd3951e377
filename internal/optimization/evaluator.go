package optimization

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/copyleftdev/nloptd/internal/native"
)

// callbackState is the part of an Opt the native callbacks need. It holds
// the first failure raised by a user function during an optimize call.
type callbackState struct {
	handle   *native.Handle
	ctx      context.Context
	numEvals int
	failure  error
	logger   *zap.Logger
}

// fail records err and asks the solver to stop at its next check. A later
// failure overwrites an earlier one.
func (s *callbackState) fail(err error) {
	s.failure = err
	s.handle.ForceStop()
}

// stopped reports whether a failure is already captured or the optimize
// context is done, recording the context's error as the failure. User
// functions are not called once stopped.
func (s *callbackState) stopped() bool {
	if s.failure != nil {
		return true
	}
	if s.ctx == nil {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.fail(err)
		return true
	}
	return false
}

func (s *callbackState) recover(kind string) {
	if v := recover(); v != nil {
		s.logger.Debug("evaluator panicked", zap.String("callback", kind), zap.Any("panic", v))
		s.fail(panicError(v))
	}
}

// scalarAdapter bridges a Func to native.ScalarFunc.
type scalarAdapter struct {
	state     *callbackState
	f         Func
	objective bool
}

func (a *scalarAdapter) Evaluate(x, grad []float64) (v float64) {
	v = math.NaN()
	if a.state.stopped() {
		return v
	}
	kind := "constraint"
	if a.objective {
		kind = "objective"
		a.state.numEvals++
	}
	defer a.state.recover(kind)

	out, err := a.f(x, grad)
	if err != nil {
		a.state.fail(err)
		return math.NaN()
	}
	return out
}

// vectorAdapter bridges a VectorFunc to native.VectorFunc.
type vectorAdapter struct {
	state *callbackState
	f     VectorFunc
}

func (a *vectorAdapter) EvaluateVector(result, x, grad []float64) {
	defer func() {
		if v := recover(); v != nil {
			a.state.logger.Debug("evaluator panicked", zap.String("callback", "vector constraint"), zap.Any("panic", v))
			a.state.fail(panicError(v))
			fillNaN(result)
		}
	}()

	if a.state.stopped() {
		fillNaN(result)
		return
	}
	if err := a.f(result, x, grad); err != nil {
		a.state.fail(err)
		fillNaN(result)
	}
}

func fillNaN(v []float64) {
	for i := range v {
		v[i] = math.NaN()
	}
}
