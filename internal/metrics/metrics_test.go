package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/model"
	"github.com/copyleftdev/nloptd/internal/problem"
)

func TestObserveResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	res := &problem.Result{
		Algorithm: "LD_MMA",
		Solution: model.Solution{
			Termination: model.LocallySolved,
			NumEvals:    12,
			SolveTime:   20 * time.Millisecond,
		},
	}
	m.ObserveResult(res)
	m.ObserveResult(res)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.solves.WithLabelValues("LD_MMA", "LOCALLY_SOLVED")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	n, err := testutil.GatherAndCount(reg, "nloptd_objective_evaluations")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestObserveError(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveError(errors.New(errors.InvalidArgument, "bad"))
	m.ObserveError(fmt.Errorf("wrapped: %w", errors.ErrForcedStop))
	m.ObserveError(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("invalid argument")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("forced stop")))
}

func TestJobStarted(t *testing.T) {
	m := New(nil)

	done1 := m.JobStarted()
	done2 := m.JobStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))
	done1()
	done2()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveResult(&problem.Result{})
	m.ObserveError(errors.ErrSolverFailure)
	m.JobStarted()()
}
