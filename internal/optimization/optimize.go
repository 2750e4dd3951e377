package optimization

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/nloptd/internal/native"
)

// Optimize runs the solver from a copy of x0.
//
// An error returned by an evaluator (including ErrForcedStop, a recovered
// panic or the context's error) is returned unchanged. A native failure
// code other than FORCED_STOP becomes a SolverFailure carrying the code.
// Every other outcome, including MAXEVAL_REACHED and FORCED_STOP from
// ForceStop, is reported through Result.Status.
func (o *Opt) Optimize(ctx context.Context, x0 []float64) (*Result, error) {
	const op = "optimize"
	if o.closed {
		return nil, invalidArgument(op, "optimizer is closed")
	}
	if len(x0) != o.dim {
		return nil, dimensionMismatch(op, "x0", len(x0), o.dim)
	}
	if o.sense == NoObjective {
		return nil, invalidArgument(op, "no objective set")
	}
	if o.running {
		return nil, invalidArgument(op, "optimize already running on this optimizer")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x := clone(x0)
	o.running = true
	o.state.ctx = ctx
	o.state.numEvals = 0
	o.state.failure = nil
	defer func() {
		o.running = false
		o.state.ctx = nil
	}()

	start := time.Now()
	value, code := o.handle.Optimize(x)
	elapsed := time.Since(start)

	o.logger.Debug("optimize finished",
		zap.Stringer("status", code),
		zap.Float64("value", value),
		zap.Int("evaluations", o.state.numEvals),
		zap.Duration("duration", elapsed))

	if failure := o.state.failure; failure != nil {
		o.state.failure = nil
		return nil, failure
	}
	if code < 0 && code != native.ForcedStop {
		return nil, solverFailure(code, o.handle.ErrorMessage())
	}

	return &Result{
		Value:    value,
		X:        x,
		Status:   code,
		NumEvals: o.state.numEvals,
		Duration: elapsed,
	}, nil
}

// OptimizeInPlace behaves like Optimize and, on success, overwrites x with
// the final iterate.
func (o *Opt) OptimizeInPlace(ctx context.Context, x []float64) (*Result, error) {
	res, err := o.Optimize(ctx, x)
	if err != nil {
		return nil, err
	}
	copy(x, res.X)
	return res, nil
}

// ForceStop asks a running optimize call to return FORCED_STOP at its next
// check. It is the only method that may be called from inside an evaluator.
// Cancellation of the optimize context is observed at the next evaluation.
func (o *Opt) ForceStop() {
	if o.closed {
		return
	}
	o.handle.ForceStop()
}

// SetSeed fixes the seed of NLopt's process-wide random generator used by
// stochastic algorithms.
func SetSeed(seed int64) {
	native.Srand(uint64(seed))
}

// ResetSeedFromSystemTime reseeds NLopt's generator from the clock.
func ResetSeedFromSystemTime() {
	native.SrandTime()
}
