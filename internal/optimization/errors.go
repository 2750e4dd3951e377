package optimization

import (
	"fmt"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/native"
)

const component = "optimization"

// ErrForcedStop can be returned from an evaluator (directly or wrapped) to
// halt the optimization. Optimize returns the evaluator's error unchanged,
// so callers test for it with errors.Is.
var ErrForcedStop = errors.ErrForcedStop

func invalidArgument(op, format string, args ...interface{}) error {
	return errors.Errorf(errors.InvalidArgument, format, args...).
		WithOperation(op).
		WithComponent(component)
}

func dimensionMismatch(op, what string, got, want int) error {
	return errors.Errorf(errors.DimensionMismatch, "%s has %d entries, want %d", what, got, want).
		WithOperation(op).
		WithComponent(component)
}

// nativeError converts a failing setter code. Out-of-memory is the only code
// a setter can return that is not the caller's fault.
func nativeError(op string, r native.Result, msg string) error {
	kind := errors.InvalidArgument
	if r == native.OutOfMemory {
		kind = errors.SolverFailure
	}
	if msg == "" {
		msg = fmt.Sprintf("nlopt rejected %s", op)
	}
	return errors.New(kind, msg).
		WithOperation(op).
		WithComponent(component).
		WithCode(r.String())
}

func solverFailure(r native.Result, msg string) error {
	if msg == "" {
		msg = "nlopt failed"
	}
	return errors.New(errors.SolverFailure, msg).
		WithOperation("optimize").
		WithComponent(component).
		WithCode(r.String())
}

// panicError turns a recovered evaluator panic into an EvaluatorFailure.
func panicError(v any) error {
	if err, ok := v.(error); ok {
		return errors.Wrap(err, errors.EvaluatorFailure, "evaluator panicked").
			WithComponent(component)
	}
	e := errors.Errorf(errors.EvaluatorFailure, "evaluator panicked: %v", v).WithComponent(component)
	e.Value = v
	return e
}

// ParseAlgorithm resolves an algorithm tag such as "LD_MMA".
func ParseAlgorithm(tag string) (Algorithm, error) {
	a, err := native.ParseAlgorithm(tag)
	if err != nil {
		return a, errors.Wrap(err, errors.InvalidArgument, fmt.Sprintf("unknown algorithm %q", tag)).
			WithComponent(component)
	}
	return a, nil
}
