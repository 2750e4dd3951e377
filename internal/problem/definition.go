// Package problem loads declarative optimization problems from JSON or YAML
// and solves them through the model bridge.
//
// Objective and constraint expressions are strings over the decision vector
// x (x[0], x[1], ...) or the variable names, e.g.
//
//	objective: sqrt(x[1])
//	constraints:
//	  - expression: (2*x[0])^3 - x[1]
//	    sense: "<="
//	    rhs: 0
package problem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/model"
)

const component = "problem"

// Variable is one decision variable. Nil bounds are infinite; a nil start
// means 0 clamped into the bounds.
type Variable struct {
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Lower *float64 `json:"lower,omitempty" yaml:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty" yaml:"upper,omitempty"`
	Start *float64 `json:"start,omitempty" yaml:"start,omitempty"`
}

// Constraint is Expression Sense RHS with Sense one of "<=", ">=", "==".
type Constraint struct {
	Name       string  `json:"name,omitempty" yaml:"name,omitempty"`
	Expression string  `json:"expression" yaml:"expression"`
	Sense      string  `json:"sense" yaml:"sense"`
	RHS        float64 `json:"rhs" yaml:"rhs"`
}

// LocalOptimizer configures the subsidiary solver of meta-algorithms.
// Options accepts the stopping-criteria attribute keys.
type LocalOptimizer struct {
	Algorithm string         `json:"algorithm" yaml:"algorithm"`
	Options   map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Definition is a complete problem.
type Definition struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Sense is "min", "max" or "feasibility". Empty means "min", or
	// "feasibility" when there is no objective.
	Sense       string       `json:"sense,omitempty" yaml:"sense,omitempty"`
	Objective   string       `json:"objective,omitempty" yaml:"objective,omitempty"`
	Variables   []Variable   `json:"variables" yaml:"variables"`
	Constraints []Constraint `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Algorithm   string       `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	// Options holds raw solver attributes such as "xtol_rel" or
	// "param.inner_maxeval".
	Options        map[string]any  `json:"options,omitempty" yaml:"options,omitempty"`
	LocalOptimizer *LocalOptimizer `json:"local_optimizer,omitempty" yaml:"local_optimizer,omitempty"`
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func invalid(format string, args ...any) error {
	return errors.Errorf(errors.InvalidArgument, format, args...).
		WithOperation("validate").
		WithComponent(component)
}

// Validate checks the definition without compiling its expressions.
func (d *Definition) Validate() error {
	if len(d.Variables) == 0 {
		return invalid("problem has no variables")
	}
	switch d.Sense {
	case "", "min", "max", "feasibility":
	default:
		return invalid("unknown sense %q", d.Sense)
	}
	if d.Sense == "max" && strings.TrimSpace(d.Objective) == "" {
		return invalid("sense %q needs an objective", d.Sense)
	}

	seen := make(map[string]bool, len(d.Variables))
	for i, v := range d.Variables {
		if v.Name != "" {
			if !identifier.MatchString(v.Name) || reserved(v.Name) {
				return invalid("variable %d: invalid name %q", i, v.Name)
			}
			if seen[v.Name] {
				return invalid("variable %d: duplicate name %q", i, v.Name)
			}
			seen[v.Name] = true
		}
		for _, p := range []*float64{v.Lower, v.Upper, v.Start} {
			if p != nil && math.IsNaN(*p) {
				return invalid("variable %d: NaN is not a valid bound or start", i)
			}
		}
	}

	for i, c := range d.Constraints {
		if strings.TrimSpace(c.Expression) == "" {
			return invalid("constraint %d: empty expression", i)
		}
		if _, err := setOf(c); err != nil {
			return invalid("constraint %d: %v", i, err)
		}
	}
	if d.LocalOptimizer != nil && d.LocalOptimizer.Algorithm == "" {
		return invalid("local_optimizer needs an algorithm")
	}
	return nil
}

func (d *Definition) sense() model.ObjectiveSense {
	switch d.Sense {
	case "max":
		return model.Maximize
	case "feasibility":
		return model.Feasibility
	case "min":
		return model.Minimize
	}
	if strings.TrimSpace(d.Objective) == "" {
		return model.Feasibility
	}
	return model.Minimize
}

func setOf(c Constraint) (model.Set, error) {
	switch c.Sense {
	case "<=", "le":
		return model.LessThan{Upper: c.RHS}, nil
	case ">=", "ge":
		return model.GreaterThan{Lower: c.RHS}, nil
	case "==", "=", "eq":
		return model.EqualTo{Value: c.RHS}, nil
	default:
		return nil, fmt.Errorf("unknown sense %q", c.Sense)
	}
}

// names returns the variable names, with x<i> for unnamed variables.
func (d *Definition) names() []string {
	out := make([]string, len(d.Variables))
	for i, v := range d.Variables {
		out[i] = v.Name
		if out[i] == "" {
			out[i] = fmt.Sprintf("x%d", i)
		}
	}
	return out
}

// Decode reads a definition in the given format ("json" or "yaml").
func Decode(r io.Reader, format string) (*Definition, error) {
	var d Definition
	switch strings.ToLower(format) {
	case "json":
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return nil, errors.Wrap(err, errors.InvalidArgument, "decode json definition").WithComponent(component)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&d); err != nil {
			return nil, errors.Wrap(err, errors.InvalidArgument, "decode yaml definition").WithComponent(component)
		}
	default:
		return nil, errors.Errorf(errors.InvalidArgument, "unsupported format %q", format).WithComponent(component)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadFile reads a definition, choosing the format from the extension.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidArgument, "read definition").WithComponent(component)
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format == "" {
		format = "yaml"
	}
	return Decode(bytes.NewReader(data), format)
}
