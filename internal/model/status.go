package model

import (
	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/native"
)

// TerminationStatus says why the last Solve stopped.
type TerminationStatus int

const (
	OptimizeNotCalled TerminationStatus = iota
	LocallySolved
	IterationLimit
	Interrupted
	OtherError
)

func (s TerminationStatus) String() string {
	switch s {
	case LocallySolved:
		return "LOCALLY_SOLVED"
	case IterationLimit:
		return "ITERATION_LIMIT"
	case Interrupted:
		return "INTERRUPTED"
	case OtherError:
		return "OTHER_ERROR"
	default:
		return "OPTIMIZE_NOT_CALLED"
	}
}

// MarshalText renders the status symbol in JSON and YAML output.
func (s TerminationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ResultStatus describes the primal or dual point of the last Solve.
type ResultStatus int

const (
	NoSolution ResultStatus = iota
	FeasiblePoint
	UnknownResultStatus
)

func (s ResultStatus) String() string {
	switch s {
	case FeasiblePoint:
		return "FEASIBLE_POINT"
	case UnknownResultStatus:
		return "UNKNOWN_RESULT_STATUS"
	default:
		return "NO_SOLUTION"
	}
}

// MarshalText renders the status symbol in JSON and YAML output.
func (s ResultStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// statusOf maps a native termination symbol. Infeasibility and
// unboundedness are not detected; they surface as whatever the solver
// reports.
func statusOf(code native.Result) (TerminationStatus, ResultStatus) {
	switch {
	case code.IsSuccess() && code != native.MaxevalReached && code != native.MaxtimeReached:
		return LocallySolved, FeasiblePoint
	case code == native.MaxevalReached, code == native.MaxtimeReached:
		return IterationLimit, UnknownResultStatus
	case code == native.ForcedStop:
		return Interrupted, UnknownResultStatus
	default:
		return OtherError, NoSolution
	}
}

// failureStatus maps an error returned by the driver.
func failureStatus(err error) TerminationStatus {
	switch errors.KindOf(err) {
	case errors.ForcedStop:
		return Interrupted
	case errors.SolverFailure:
		return OtherError
	}
	if isContextError(err) {
		return Interrupted
	}
	return OtherError
}
