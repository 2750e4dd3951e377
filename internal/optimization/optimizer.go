package optimization

import (
	"time"

	"github.com/copyleftdev/nloptd/internal/native"
)

// Algorithm is an NLopt algorithm tag such as native.LD_MMA.
type Algorithm = native.Algorithm

// Termination is the symbol describing why an optimize call stopped.
type Termination = native.Result

// Func is an objective or scalar constraint. grad is nil unless the active
// algorithm needs derivatives, in which case it has len(x) entries and must
// be filled in place. x must not be modified or retained.
//
// Returning a non-nil error stops the optimization; Optimize then returns
// that exact error.
type Func func(x, grad []float64) (float64, error)

// VectorFunc is a vector-valued constraint writing len(result) components.
// grad, when non-nil, is the row-major len(result) x len(x) Jacobian:
// grad[i*len(x)+j] = d result[i] / d x[j].
type VectorFunc func(result, x, grad []float64) error

// Sense is the optimization direction of the objective.
type Sense int

const (
	// NoObjective means neither SetMinObjective nor SetMaxObjective was called.
	NoObjective Sense = iota
	Minimize
	Maximize
)

func (s Sense) String() string {
	switch s {
	case Minimize:
		return "min"
	case Maximize:
		return "max"
	default:
		return "none"
	}
}

// Result contains the outcome of a successful optimize call.
type Result struct {
	// Value is the objective at X.
	Value float64
	// X is the final iterate.
	X []float64
	// Status is the native termination symbol.
	Status Termination
	// NumEvals counts objective evaluations during the call.
	NumEvals int
	// Duration is the wall time spent inside the native solver.
	Duration time.Duration
}
