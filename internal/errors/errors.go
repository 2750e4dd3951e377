// Package errors provides the error taxonomy shared by the optimization
// packages and the nloptd service.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error.
type Kind uint8

const (
	// Other is used for errors that do not fit any other kind.
	Other Kind = iota
	// InvalidArgument covers bad dimensions, bad shapes and unknown algorithm tags.
	InvalidArgument
	// DimensionMismatch covers point, bound and local-optimizer length mismatches.
	DimensionMismatch
	// EvaluatorFailure marks a failure raised inside a user evaluator.
	EvaluatorFailure
	// SolverFailure is a failure-family return code from the native solver.
	SolverFailure
	// ForcedStop is an explicit request to halt the optimization.
	ForcedStop
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid argument"
	case DimensionMismatch:
		return "dimension mismatch"
	case EvaluatorFailure:
		return "evaluator failure"
	case SolverFailure:
		return "solver failure"
	case ForcedStop:
		return "forced stop"
	default:
		return "other"
	}
}

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrInvalidArgument   = &Error{Kind: InvalidArgument}
	ErrDimensionMismatch = &Error{Kind: DimensionMismatch}
	ErrEvaluatorFailure  = &Error{Kind: EvaluatorFailure}
	ErrSolverFailure     = &Error{Kind: SolverFailure}
	ErrForcedStop        = &Error{Kind: ForcedStop, Message: "forced stop"}
)

// Error represents an error with context and stack trace.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// Code is the native termination symbol for SolverFailure errors.
	Code string
	// Value holds a non-error panic value recovered from an evaluator.
	Value any
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder

	if e.Component != "" {
		builder.WriteString(e.Component)
		builder.WriteString(": ")
	}
	if e.Operation != "" {
		builder.WriteString(e.Operation)
		builder.WriteString(": ")
	}

	switch {
	case e.Message != "":
		builder.WriteString(e.Message)
	default:
		builder.WriteString(e.Kind.String())
	}

	if e.Code != "" {
		builder.WriteString(" (")
		builder.WriteString(e.Code)
		builder.WriteString(")")
	}

	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels of the same Kind. A sentinel with a Code only matches
// errors carrying that Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// WithMessage adds a message to the error.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithCode attaches a native termination symbol.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps an error with additional context. Errors that are already of
// type *Error keep their kind and stack.
func Wrap(err error, kind Kind, msg string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if !stderrors.As(err, &e) {
		return &Error{
			Kind:    kind,
			Err:     err,
			Message: msg,
			Stack:   getStackTrace(),
		}
	}

	wrapped := *e
	wrapped.Err = e
	if msg != "" {
		wrapped.Message = msg
	}
	return &wrapped
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// KindOf returns the Kind of the first *Error in err's chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Other
}

// CodeOf returns the native termination symbol carried by err, if any.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's
// type contains an Unwrap method returning error.
// Otherwise, Unwrap returns nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
