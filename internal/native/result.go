package native

import "fmt"

// Result is an NLopt return code. Positive values are the success family,
// negative values the failure family.
type Result int

const (
	Failure         Result = -1
	InvalidArgs     Result = -2
	OutOfMemory     Result = -3
	RoundoffLimited Result = -4
	ForcedStop      Result = -5

	Success        Result = 1
	StopvalReached Result = 2
	FtolReached    Result = 3
	XtolReached    Result = 4
	MaxevalReached Result = 5
	MaxtimeReached Result = 6
)

var resultNames = map[Result]string{
	Failure:         "FAILURE",
	InvalidArgs:     "INVALID_ARGS",
	OutOfMemory:     "OUT_OF_MEMORY",
	RoundoffLimited: "ROUNDOFF_LIMITED",
	ForcedStop:      "FORCED_STOP",
	Success:         "SUCCESS",
	StopvalReached:  "STOPVAL_REACHED",
	FtolReached:     "FTOL_REACHED",
	XtolReached:     "XTOL_REACHED",
	MaxevalReached:  "MAXEVAL_REACHED",
	MaxtimeReached:  "MAXTIME_REACHED",
}

// String returns the termination symbol, e.g. "XTOL_REACHED".
func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// IsSuccess reports whether r belongs to the success family.
func (r Result) IsSuccess() bool {
	return r > 0
}

// ParseResult is the inverse of String.
func ParseResult(s string) (Result, bool) {
	for r, name := range resultNames {
		if name == s {
			return r, true
		}
	}
	return 0, false
}
