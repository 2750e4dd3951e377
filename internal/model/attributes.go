package model

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/native"
	"github.com/copyleftdev/nloptd/internal/optimization"
)

// Raw attribute keys accepted by SetAttribute. Algorithm parameters use the
// ParamPrefix followed by the parameter name, e.g. "param.inner_maxeval".
const (
	AttrAlgorithm      = "algorithm"
	AttrStopVal        = "stopval"
	AttrFtolRel        = "ftol_rel"
	AttrFtolAbs        = "ftol_abs"
	AttrXtolRel        = "xtol_rel"
	AttrXtolAbs        = "xtol_abs"
	AttrConstrTolAbs   = "constrtol_abs"
	AttrMaxEval        = "maxeval"
	AttrMaxTime        = "maxtime"
	AttrInitialStep    = "initial_step"
	AttrPopulation     = "population"
	AttrSeed           = "seed"
	AttrVectorStorage  = "vector_storage"
	AttrLocalOptimizer = "local_optimizer"

	ParamPrefix = "param."
)

var attributeDefaults = map[string]any{
	AttrFtolRel:      1e-7,
	AttrXtolRel:      1e-7,
	AttrConstrTolAbs: 1e-7,
}

// withDefaults returns attrs with attributeDefaults filled in for every key
// the caller left unset.
func withDefaults(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs)+len(attributeDefaults))
	for k, v := range attributeDefaults {
		out[k] = v
	}
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// AttributeKeys lists every fixed attribute key.
func AttributeKeys() []string {
	return []string{
		AttrAlgorithm, AttrStopVal, AttrFtolRel, AttrFtolAbs, AttrXtolRel, AttrXtolAbs,
		AttrConstrTolAbs, AttrMaxEval, AttrMaxTime, AttrInitialStep, AttrPopulation,
		AttrSeed, AttrVectorStorage, AttrLocalOptimizer,
	}
}

func knownAttribute(key string) bool {
	if strings.HasPrefix(key, ParamPrefix) {
		return len(key) > len(ParamPrefix)
	}
	for _, k := range AttributeKeys() {
		if k == key {
			return true
		}
	}
	return false
}

func attrError(key string, format string, args ...any) error {
	return errors.Errorf(errors.InvalidArgument, format, args...).
		WithOperation("set_attribute " + key).
		WithComponent(component)
}

// normalizeAttribute checks value for key and converts it to the type
// applyAttributes expects.
func normalizeAttribute(key string, value any) (any, error) {
	if strings.HasPrefix(key, ParamPrefix) {
		if len(key) == len(ParamPrefix) {
			return nil, attrError(key, "parameter name must not be empty")
		}
		return toFloat(key, value)
	}

	switch key {
	case AttrAlgorithm:
		return toAlgorithm(key, value)
	case AttrStopVal, AttrFtolRel, AttrFtolAbs, AttrXtolRel, AttrMaxTime:
		return toFloat(key, value)
	case AttrConstrTolAbs:
		v, err := toFloat(key, value)
		if err == nil && v < 0 {
			return nil, attrError(key, "tolerance must be non-negative, got %g", v)
		}
		return v, err
	case AttrXtolAbs, AttrInitialStep:
		return toFloats(key, value)
	case AttrMaxEval:
		return toInt(key, value)
	case AttrPopulation, AttrVectorStorage:
		n, err := toInt(key, value)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, attrError(key, "must be non-negative, got %d", n)
		}
		return uint(n), nil
	case AttrSeed:
		n, err := toInt(key, value)
		return int64(n), err
	case AttrLocalOptimizer:
		if o, ok := value.(*optimization.Opt); ok {
			if o == nil {
				return nil, attrError(key, "local optimizer must not be nil")
			}
			return o, nil
		}
		return toAlgorithm(key, value)
	default:
		return nil, attrError(key, "unknown attribute %q", key)
	}
}

func toAlgorithm(key string, value any) (native.Algorithm, error) {
	switch v := value.(type) {
	case native.Algorithm:
		if !v.Valid() {
			return v, attrError(key, "unrecognized algorithm %d", int(v))
		}
		return v, nil
	case string:
		return optimization.ParseAlgorithm(v)
	default:
		return 0, attrError(key, "expected an algorithm tag, got %T", value)
	}
}

func toFloat(key string, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	default:
		return 0, attrError(key, "expected a number, got %T", value)
	}
}

func toInt(key string, value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, attrError(key, "expected an integer, got %g", v)
		}
		return int(v), nil
	default:
		return 0, attrError(key, "expected an integer, got %T", value)
	}
}

// toFloats accepts a scalar, which is broadcast to every variable at solve
// time, or a vector.
func toFloats(key string, value any) (any, error) {
	switch v := value.(type) {
	case []float64:
		return append([]float64(nil), v...), nil
	case []any:
		out := make([]float64, len(v))
		for i, e := range v {
			f, err := toFloat(key, e)
			if err != nil {
				return nil, err
			}
			out[i] = f
		}
		return out, nil
	default:
		return toFloat(key, value)
	}
}

// vectorAttr resolves a scalar or vector attribute to n entries.
func vectorAttr(key string, value any, n int) ([]float64, error) {
	switch v := value.(type) {
	case float64:
		out := make([]float64, n)
		for i := range out {
			out[i] = v
		}
		return out, nil
	case []float64:
		if len(v) != n {
			return nil, errors.Errorf(errors.DimensionMismatch, "%s has %d entries, want %d", key, len(v), n).
				WithOperation("solve").
				WithComponent(component)
		}
		return v, nil
	default:
		return nil, attrError(key, "unexpected value %T", value)
	}
}

// applyAttributes pushes every stored attribute except algorithm,
// constrtol_abs and seed onto o.
func applyAttributes(o *optimization.Opt, attrs map[string]any, logger *zap.Logger) error {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := o.Dimension()
	for _, key := range keys {
		value := attrs[key]
		var err error
		switch key {
		case AttrAlgorithm, AttrConstrTolAbs, AttrSeed:
			continue
		case AttrStopVal:
			err = o.SetStopVal(value.(float64))
		case AttrFtolRel:
			err = o.SetFtolRel(value.(float64))
		case AttrFtolAbs:
			err = o.SetFtolAbs(value.(float64))
		case AttrXtolRel:
			err = o.SetXtolRel(value.(float64))
		case AttrMaxTime:
			err = o.SetMaxTime(value.(float64))
		case AttrMaxEval:
			err = o.SetMaxEval(value.(int))
		case AttrPopulation:
			err = o.SetPopulation(value.(uint))
		case AttrVectorStorage:
			err = o.SetVectorStorage(value.(uint))
		case AttrXtolAbs:
			var v []float64
			if v, err = vectorAttr(key, value, n); err == nil {
				err = o.SetXtolAbs(v)
			}
		case AttrInitialStep:
			var v []float64
			if v, err = vectorAttr(key, value, n); err == nil {
				err = o.SetInitialStep(v)
			}
		case AttrLocalOptimizer:
			// Applied last so it sees the final tolerances.
			continue
		default:
			err = o.SetParam(strings.TrimPrefix(key, ParamPrefix), value.(float64))
		}
		if err != nil {
			return err
		}
	}
	if local, ok := attrs[AttrLocalOptimizer]; ok {
		return setLocalOptimizer(o, local, logger)
	}
	return nil
}

func setLocalOptimizer(o *optimization.Opt, value any, logger *zap.Logger) error {
	switch v := value.(type) {
	case *optimization.Opt:
		return o.SetLocalOptimizer(v)
	case native.Algorithm:
		local, err := optimization.New(v, o.Dimension(), optimization.WithLogger(logger))
		if err != nil {
			return err
		}
		defer local.Close()
		// A local optimizer given by tag inherits the outer tolerances.
		for _, step := range []error{
			local.SetFtolRel(o.FtolRel()),
			local.SetFtolAbs(o.FtolAbs()),
			local.SetXtolRel(o.XtolRel()),
			local.SetXtolAbs(o.XtolAbs()),
		} {
			if step != nil {
				return step
			}
		}
		return o.SetLocalOptimizer(local)
	default:
		return fmt.Errorf("model: unexpected local optimizer %T", value)
	}
}

// NewLocalOptimizer builds a local optimizer for dim variables from raw
// attributes. Only stopping criteria, initial_step, population,
// vector_storage and algorithm parameters apply. The caller owns the
// result.
func NewLocalOptimizer(alg native.Algorithm, dim int, attrs map[string]any, logger *zap.Logger) (*optimization.Opt, error) {
	normalized := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch k {
		case AttrAlgorithm, AttrLocalOptimizer, AttrSeed, AttrConstrTolAbs:
			return nil, attrError(k, "not supported on a local optimizer")
		}
		nv, err := normalizeAttribute(k, v)
		if err != nil {
			return nil, err
		}
		normalized[k] = nv
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o, err := optimization.New(alg, dim, optimization.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := applyAttributes(o, withDefaults(normalized), logger); err != nil {
		o.Close()
		return nil, err
	}
	return o, nil
}
