package optimization

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/native"
)

// tutorialOpt builds the constrained problem of the NLopt tutorial:
// minimise sqrt(x1) subject to x1 >= (2*x0)^3 and x1 >= (-x0+1)^3.
func tutorialOpt(t *testing.T) *Opt {
	t.Helper()
	o := newTestOpt(t, native.LD_MMA, 2)
	require.NoError(t, o.SetLowerBounds([]float64{math.Inf(-1), 0}))
	require.NoError(t, o.SetMinObjective(sqrtObjective))
	require.NoError(t, o.AddInequalityConstraint(cubicConstraint(2, 0), 1e-8))
	require.NoError(t, o.AddInequalityConstraint(cubicConstraint(-1, 1), 1e-8))
	require.NoError(t, o.SetXtolRel(1e-4))
	return o
}

func TestOptimizeTutorial(t *testing.T) {
	o := tutorialOpt(t)

	x0 := []float64{1.234, 5.678}
	res, err := o.Optimize(t.Context(), x0)
	require.NoError(t, err)

	assert.InDelta(t, 0.5443310476200902, res.Value, 1e-6)
	assertFloat64SlicesEqual(t, res.X, []float64{0.3333333346933468, 0.29629628940318486}, 1e-5)
	assert.Equal(t, native.XtolReached, res.Status)
	assert.Greater(t, res.NumEvals, 0)
	assert.Equal(t, res.NumEvals, o.NumEvals())
	assert.Equal(t, []float64{1.234, 5.678}, x0, "Optimize must not modify x0")
}

func TestOptimizeInPlace(t *testing.T) {
	o := tutorialOpt(t)

	x := []float64{1.234, 5.678}
	res, err := o.OptimizeInPlace(t.Context(), x)
	require.NoError(t, err)
	assert.Equal(t, res.X, x)
}

func TestOptimizeVectorConstraint(t *testing.T) {
	o := newTestOpt(t, native.LD_MMA, 2)
	require.NoError(t, o.SetLowerBounds([]float64{math.Inf(-1), 0}))
	require.NoError(t, o.SetMinObjective(sqrtObjective))
	require.NoError(t, o.SetXtolRel(1e-4))

	params := [][2]float64{{2, 0}, {-1, 1}}
	require.NoError(t, o.AddInequalityMConstraint(func(result, x, grad []float64) error {
		for i, p := range params {
			var g []float64
			if grad != nil {
				g = grad[i*len(x) : (i+1)*len(x)]
			}
			v, err := cubicConstraint(p[0], p[1])(x, g)
			if err != nil {
				return err
			}
			result[i] = v
		}
		return nil
	}, []float64{1e-8, 1e-8}))

	info := o.Constraints()
	require.Len(t, info, 1)
	assert.Equal(t, 2, info[0].Dimension)
	assert.True(t, info[0].Vector)
	assert.Equal(t, 2, o.NumConstraints(Inequality))
	assert.Zero(t, o.NumConstraints(Equality))

	res, err := o.Optimize(t.Context(), []float64{1.234, 5.678})
	require.NoError(t, err)
	assert.InDelta(t, 0.5443310476200902, res.Value, 1e-6)
}

func TestOptimizeEqualityConstraint(t *testing.T) {
	o := newTestOpt(t, native.LD_SLSQP, 2)
	require.NoError(t, o.SetMinObjective(sphere))
	require.NoError(t, o.SetXtolRel(1e-10))
	// x0 + x1 = 1
	require.NoError(t, o.AddEqualityConstraint(func(x, grad []float64) (float64, error) {
		if grad != nil {
			grad[0], grad[1] = 1, 1
		}
		return x[0] + x[1] - 1, nil
	}, 1e-10))

	res, err := o.Optimize(t.Context(), []float64{3, -1})
	require.NoError(t, err)
	assertFloat64SlicesEqual(t, res.X, []float64{0.5, 0.5}, 1e-6)
	assert.InDelta(t, 0.5, res.Value, 1e-8)
}

func TestRemoveConstraintsRestoresUnconstrainedResult(t *testing.T) {
	unconstrained := newTestOpt(t, native.LD_SLSQP, 2)
	require.NoError(t, unconstrained.SetMinObjective(sphere))
	require.NoError(t, unconstrained.SetXtolRel(1e-8))
	want, err := unconstrained.Optimize(t.Context(), []float64{2, 2})
	require.NoError(t, err)

	o := newTestOpt(t, native.LD_SLSQP, 2)
	require.NoError(t, o.SetMinObjective(sphere))
	require.NoError(t, o.SetXtolRel(1e-8))
	require.NoError(t, o.AddInequalityConstraint(func(x, grad []float64) (float64, error) {
		if grad != nil {
			grad[0], grad[1] = -1, 0
		}
		return 1 - x[0], nil
	}, 1e-8))
	require.NoError(t, o.AddEqualityMConstraint(func(result, x, grad []float64) error {
		result[0] = x[1] - 1
		if grad != nil {
			grad[0], grad[1] = 0, 1
		}
		return nil
	}, []float64{1e-8}))

	constrained, err := o.Optimize(t.Context(), []float64{2, 2})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, constrained.Value, 1e-6)

	require.NoError(t, o.RemoveConstraints())
	assert.Empty(t, o.Constraints())

	got, err := o.Optimize(t.Context(), []float64{2, 2})
	require.NoError(t, err)
	assert.InDelta(t, want.Value, got.Value, 1e-10)
	assertFloat64SlicesEqual(t, got.X, want.X, 1e-8)
}

func TestConstraintValidation(t *testing.T) {
	o := newTestOpt(t, native.LD_MMA, 2)
	noop := func(result, x, grad []float64) error { return nil }

	tests := []struct {
		name string
		add  func() error
	}{
		{"nil scalar", func() error { return o.AddInequalityConstraint(nil, 0) }},
		{"negative tolerance", func() error { return o.AddEqualityConstraint(sphere, -1) }},
		{"NaN tolerance", func() error { return o.AddInequalityConstraint(sphere, math.NaN()) }},
		{"nil vector", func() error { return o.AddInequalityMConstraint(nil, []float64{0}) }},
		{"empty tolerances", func() error { return o.AddEqualityMConstraint(noop, nil) }},
		{"negative vector tolerance", func() error { return o.AddInequalityMConstraint(noop, []float64{0, -1}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.add(), errors.ErrInvalidArgument)
		})
	}
	assert.Empty(t, o.Constraints())
}

func TestOptimizeArgumentErrors(t *testing.T) {
	t.Run("no objective", func(t *testing.T) {
		o := newTestOpt(t, native.LD_MMA, 2)
		_, err := o.Optimize(t.Context(), []float64{0, 0})
		assert.ErrorIs(t, err, errors.ErrInvalidArgument)
	})

	t.Run("wrong dimension", func(t *testing.T) {
		o := newTestOpt(t, native.LD_MMA, 2)
		require.NoError(t, o.SetMinObjective(sphere))
		_, err := o.Optimize(t.Context(), []float64{0, 0, 0})
		assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
	})

	t.Run("reentrant call", func(t *testing.T) {
		o := newTestOpt(t, native.LN_NELDERMEAD, 2)
		var inner error
		require.NoError(t, o.SetMinObjective(func(x, grad []float64) (float64, error) {
			if inner == nil {
				_, inner = o.Optimize(context.Background(), x)
				_ = o.SetXtolRel(1)
			}
			return sphere(x, grad)
		}))
		require.NoError(t, o.SetMaxEval(20))
		_, err := o.Optimize(t.Context(), []float64{1, 1})
		require.NoError(t, err)
		assert.ErrorIs(t, inner, errors.ErrInvalidArgument)
		assert.Zero(t, o.XtolRel(), "setters are rejected while running")
	})
}

func TestOptimizeBoundsInverted(t *testing.T) {
	o := newTestOpt(t, native.LN_COBYLA, 2)
	require.NoError(t, o.SetMinObjective(sphere))
	require.NoError(t, o.SetLowerBounds([]float64{1, 1}))
	require.NoError(t, o.SetUpperBounds([]float64{0, 0}), "inverted bounds are accepted until optimize")

	_, err := o.Optimize(t.Context(), []float64{0.5, 0.5})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSolverFailure)
	assert.Equal(t, "INVALID_ARGS", errors.CodeOf(err))
}

func TestOptimizeEvaluatorErrors(t *testing.T) {
	sentinel := fmt.Errorf("objective diverged")

	t.Run("error on third evaluation", func(t *testing.T) {
		o := newTestOpt(t, native.LN_NELDERMEAD, 2)
		calls := 0
		require.NoError(t, o.SetMinObjective(func(x, grad []float64) (float64, error) {
			calls++
			if calls == 3 {
				return 0, sentinel
			}
			return sphere(x, grad)
		}))
		require.NoError(t, o.SetMaxEval(100))

		_, err := o.Optimize(t.Context(), []float64{1, 1})
		assert.Same(t, sentinel, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, 3, o.NumEvals())
	})

	t.Run("no user function runs after a failure", func(t *testing.T) {
		o := newTestOpt(t, native.LN_COBYLA, 2)
		failed, after := false, 0
		require.NoError(t, o.SetMinObjective(func(x, grad []float64) (float64, error) {
			if failed {
				after++
			}
			failed = true
			return 0, sentinel
		}))
		require.NoError(t, o.AddInequalityConstraint(func(x, grad []float64) (float64, error) {
			if failed {
				after++
			}
			return x[0] - 2, nil
		}, 1e-8))
		require.NoError(t, o.AddInequalityMConstraint(func(result, x, grad []float64) error {
			if failed {
				after++
			}
			result[0] = x[1] - 2
			return nil
		}, []float64{1e-8}))
		require.NoError(t, o.SetMaxEval(100))

		_, err := o.Optimize(t.Context(), []float64{1, 1})
		assert.Same(t, sentinel, err)
		assert.Zero(t, after)
		assert.Equal(t, 1, o.NumEvals())
	})

	t.Run("forced stop sentinel", func(t *testing.T) {
		o := newTestOpt(t, native.LD_LBFGS, 2)
		require.NoError(t, o.SetMinObjective(func(x, grad []float64) (float64, error) {
			return 0, fmt.Errorf("halt: %w", ErrForcedStop)
		}))

		_, err := o.Optimize(t.Context(), []float64{1, 1})
		assert.ErrorIs(t, err, ErrForcedStop)
		assert.Equal(t, errors.ForcedStop, errors.KindOf(err))
	})

	t.Run("constraint error", func(t *testing.T) {
		o := newTestOpt(t, native.LD_MMA, 2)
		require.NoError(t, o.SetMinObjective(sphere))
		require.NoError(t, o.AddInequalityConstraint(func(x, grad []float64) (float64, error) {
			return 0, sentinel
		}, 0))

		_, err := o.Optimize(t.Context(), []float64{1, 1})
		assert.Same(t, sentinel, err)
	})

	t.Run("panic", func(t *testing.T) {
		o := newTestOpt(t, native.LN_COBYLA, 2)
		require.NoError(t, o.SetMinObjective(func(x, grad []float64) (float64, error) {
			panic("index out of range")
		}))

		_, err := o.Optimize(t.Context(), []float64{1, 1})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrEvaluatorFailure)
		assert.Contains(t, err.Error(), "index out of range")
	})

	t.Run("vector constraint panic", func(t *testing.T) {
		o := newTestOpt(t, native.LN_COBYLA, 2)
		require.NoError(t, o.SetMinObjective(sphere))
		require.NoError(t, o.AddInequalityMConstraint(func(result, x, grad []float64) error {
			panic(sentinel)
		}, []float64{0}))

		_, err := o.Optimize(t.Context(), []float64{1, 1})
		assert.ErrorIs(t, err, errors.ErrEvaluatorFailure)
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("failure slot is cleared", func(t *testing.T) {
		o := newTestOpt(t, native.LN_NELDERMEAD, 2)
		fail := true
		require.NoError(t, o.SetMinObjective(func(x, grad []float64) (float64, error) {
			if fail {
				return 0, sentinel
			}
			return sphere(x, grad)
		}))
		require.NoError(t, o.SetMaxEval(50))

		_, err := o.Optimize(t.Context(), []float64{1, 1})
		assert.Same(t, sentinel, err)

		fail = false
		res, err := o.Optimize(t.Context(), []float64{1, 1})
		require.NoError(t, err)
		assert.Equal(t, native.MaxevalReached, res.Status)
	})
}

func TestOptimizeForceStop(t *testing.T) {
	o := newTestOpt(t, native.LN_NELDERMEAD, 2)
	calls := 0
	require.NoError(t, o.SetMinObjective(func(x, grad []float64) (float64, error) {
		calls++
		if calls == 5 {
			o.ForceStop()
		}
		return sphere(x, grad)
	}))

	res, err := o.Optimize(t.Context(), []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, native.ForcedStop, res.Status)
}

func TestOptimizeContext(t *testing.T) {
	t.Run("already cancelled", func(t *testing.T) {
		o := newTestOpt(t, native.LD_MMA, 2)
		require.NoError(t, o.SetMinObjective(sphere))
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := o.Optimize(ctx, []float64{1, 1})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, o.NumEvals())
	})

	t.Run("cancelled while running", func(t *testing.T) {
		o := newTestOpt(t, native.LN_NELDERMEAD, 2)
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		calls := 0
		require.NoError(t, o.SetMinObjective(func(x, grad []float64) (float64, error) {
			calls++
			if calls == 4 {
				cancel()
			}
			return sphere(x, grad)
		}))

		_, err := o.Optimize(ctx, []float64{1, 1})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 4, calls)
	})
}

func TestMaximize(t *testing.T) {
	o := newTestOpt(t, native.LD_MMA, 2)
	require.NoError(t, o.SetLowerBound(-1))
	require.NoError(t, o.SetUpperBound(2))
	require.NoError(t, o.SetXtolRel(1e-8))
	require.NoError(t, o.SetMaxObjective(func(x, grad []float64) (float64, error) {
		v, err := sphere(x, grad)
		return -v, err
	}))

	res, err := o.Optimize(t.Context(), []float64{1.5, -0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0, res.Value, 1e-8)
	assert.True(t, res.Status.IsSuccess())
}

func TestAugLagWithLocalOptimizer(t *testing.T) {
	o := newTestOpt(t, native.LD_AUGLAG, 2)
	require.NoError(t, o.SetMinObjective(sphere))
	require.NoError(t, o.AddEqualityConstraint(func(x, grad []float64) (float64, error) {
		if grad != nil {
			grad[0], grad[1] = 1, 1
		}
		return x[0] + x[1] - 1, nil
	}, 1e-8))
	require.NoError(t, o.SetXtolRel(1e-8))
	require.NoError(t, o.SetMaxEval(5000))

	local := newTestOpt(t, native.LD_LBFGS, 2)
	require.NoError(t, local.SetXtolRel(1e-10))
	require.NoError(t, o.SetLocalOptimizer(local))

	res, err := o.Optimize(t.Context(), []float64{2, -3})
	require.NoError(t, err)
	assertFloat64SlicesEqual(t, res.X, []float64{0.5, 0.5}, 1e-4)
}

func TestSeedReproducibility(t *testing.T) {
	run := func() []float64 {
		o := newTestOpt(t, native.GN_CRS2_LM, 2)
		require.NoError(t, o.SetMinObjective(sphere))
		require.NoError(t, o.SetLowerBound(-3))
		require.NoError(t, o.SetUpperBound(3))
		require.NoError(t, o.SetMaxEval(200))
		SetSeed(42)
		res, err := o.Optimize(t.Context(), []float64{1, 1})
		require.NoError(t, err)
		return res.X
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
	ResetSeedFromSystemTime()
}

func BenchmarkOptimizeSphere(b *testing.B) {
	o, err := New(native.LD_LBFGS, 10)
	require.NoError(b, err)
	defer o.Close()
	require.NoError(b, o.SetMinObjective(sphere))
	require.NoError(b, o.SetXtolRel(1e-8))

	x0 := make([]float64, 10)
	for i := range x0 {
		x0[i] = float64(i) - 5
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := o.Optimize(context.Background(), x0); err != nil {
			b.Fatal(err)
		}
	}
}
