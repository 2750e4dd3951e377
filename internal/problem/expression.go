package problem

import (
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/copyleftdev/nloptd/internal/errors"
)

// functions available to every expression besides the expr builtins.
var functions = map[string]any{
	"sqrt":  math.Sqrt,
	"exp":   math.Exp,
	"log":   math.Log,
	"log10": math.Log10,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"atan":  math.Atan,
	"tanh":  math.Tanh,
	"pow":   math.Pow,
	"hypot": math.Hypot,
	"pi":    math.Pi,
}

func reserved(name string) bool {
	_, ok := functions[name]
	return ok || name == "x"
}

// scope is the variable environment shared by the expressions of one
// evaluator. It is not safe for concurrent use.
type scope struct {
	names []string
	env   map[string]any
}

func newScope(names []string) (*scope, error) {
	env := make(map[string]any, len(functions)+len(names)+1)
	for k, v := range functions {
		env[k] = v
	}
	env["x"] = make([]float64, len(names))
	for _, name := range names {
		if _, ok := env[name]; ok {
			return nil, errors.Errorf(errors.InvalidArgument, "variable name %q is already in use", name).
				WithOperation("compile").
				WithComponent(component)
		}
		env[name] = 0.0
	}
	return &scope{names: names, env: env}, nil
}

func (s *scope) bind(x []float64) {
	s.env["x"] = x
	for i, name := range s.names {
		s.env[name] = x[i]
	}
}

// expression is a compiled scalar formula.
type expression struct {
	source  string
	program *vm.Program
	machine vm.VM
}

func compile(source string, s *scope) (*expression, error) {
	program, err := expr.Compile(source, expr.Env(s.env), expr.AsFloat64())
	if err != nil {
		return nil, errors.Wrapf(err, errors.InvalidArgument, "compile %q", source).
			WithOperation("compile").
			WithComponent(component)
	}
	return &expression{source: source, program: program}, nil
}

// eval runs the expression against the values last bound into s.
func (e *expression) eval(s *scope) (float64, error) {
	out, err := e.machine.Run(e.program, s.env)
	if err != nil {
		return math.NaN(), errors.Wrapf(err, errors.EvaluatorFailure, "evaluate %q", e.source).
			WithComponent(component)
	}
	return out.(float64), nil
}
