package optimization

import (
	"math"
	"testing"
)

// sphere is sum(x_i^2) with its analytic gradient.
func sphere(x, grad []float64) (float64, error) {
	sum := 0.0
	for i, v := range x {
		sum += v * v
		if grad != nil {
			grad[i] = 2 * v
		}
	}
	return sum, nil
}

// sqrtObjective is sqrt(x[1]), the objective of the NLopt tutorial problem.
func sqrtObjective(x, grad []float64) (float64, error) {
	if grad != nil {
		grad[0] = 0
		grad[1] = 0.5 / math.Sqrt(x[1])
	}
	return math.Sqrt(x[1]), nil
}

// cubicConstraint returns (a*x0 + b)^3 - x1, the tutorial's constraints.
func cubicConstraint(a, b float64) Func {
	return func(x, grad []float64) (float64, error) {
		if grad != nil {
			grad[0] = 3 * a * (a*x[0] + b) * (a*x[0] + b)
			grad[1] = -1
		}
		return (a*x[0]+b)*(a*x[0]+b)*(a*x[0]+b) - x[1], nil
	}
}

// assertFloat64SlicesEqual checks if two float64 slices are approximately equal
func assertFloat64SlicesEqual(t *testing.T, got, want []float64, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("at index %d: got %v, want %v (tolerance %v)", i, got[i], want[i], tol)
		}
	}
}

// newTestOpt creates an optimizer and closes it when the test ends.
func newTestOpt(t *testing.T, alg Algorithm, dim int) *Opt {
	t.Helper()
	o, err := New(alg, dim)
	if err != nil {
		t.Fatalf("New(%s, %d): %v", alg, dim, err)
	}
	t.Cleanup(o.Close)
	return o
}
