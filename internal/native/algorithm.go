package native

// #cgo pkg-config: nlopt
// #include <stdlib.h>
// #include <nlopt.h>
import "C"

import (
	"fmt"
	"strings"
	"unsafe"
)

// Algorithm is an NLopt algorithm tag. The set is fixed by the linked
// library. The first letter of a tag is G (global) or L (local), the second
// D (derivative-based) or N (derivative-free); tags without that prefix are
// meta-algorithms that delegate to a local optimizer.
type Algorithm int

//nolint:revive,stylecheck // names follow the NLopt tags
const (
	GN_DIRECT                  Algorithm = C.NLOPT_GN_DIRECT
	GN_DIRECT_L                Algorithm = C.NLOPT_GN_DIRECT_L
	GN_DIRECT_L_RAND           Algorithm = C.NLOPT_GN_DIRECT_L_RAND
	GN_DIRECT_NOSCAL           Algorithm = C.NLOPT_GN_DIRECT_NOSCAL
	GN_DIRECT_L_NOSCAL         Algorithm = C.NLOPT_GN_DIRECT_L_NOSCAL
	GN_DIRECT_L_RAND_NOSCAL    Algorithm = C.NLOPT_GN_DIRECT_L_RAND_NOSCAL
	GN_ORIG_DIRECT             Algorithm = C.NLOPT_GN_ORIG_DIRECT
	GN_ORIG_DIRECT_L           Algorithm = C.NLOPT_GN_ORIG_DIRECT_L
	GD_STOGO                   Algorithm = C.NLOPT_GD_STOGO
	GD_STOGO_RAND              Algorithm = C.NLOPT_GD_STOGO_RAND
	LD_LBFGS_NOCEDAL           Algorithm = C.NLOPT_LD_LBFGS_NOCEDAL
	LD_LBFGS                   Algorithm = C.NLOPT_LD_LBFGS
	LN_PRAXIS                  Algorithm = C.NLOPT_LN_PRAXIS
	LD_VAR1                    Algorithm = C.NLOPT_LD_VAR1
	LD_VAR2                    Algorithm = C.NLOPT_LD_VAR2
	LD_TNEWTON                 Algorithm = C.NLOPT_LD_TNEWTON
	LD_TNEWTON_RESTART         Algorithm = C.NLOPT_LD_TNEWTON_RESTART
	LD_TNEWTON_PRECOND         Algorithm = C.NLOPT_LD_TNEWTON_PRECOND
	LD_TNEWTON_PRECOND_RESTART Algorithm = C.NLOPT_LD_TNEWTON_PRECOND_RESTART
	GN_CRS2_LM                 Algorithm = C.NLOPT_GN_CRS2_LM
	GN_MLSL                    Algorithm = C.NLOPT_GN_MLSL
	GD_MLSL                    Algorithm = C.NLOPT_GD_MLSL
	GN_MLSL_LDS                Algorithm = C.NLOPT_GN_MLSL_LDS
	GD_MLSL_LDS                Algorithm = C.NLOPT_GD_MLSL_LDS
	LD_MMA                     Algorithm = C.NLOPT_LD_MMA
	LN_COBYLA                  Algorithm = C.NLOPT_LN_COBYLA
	LN_NEWUOA                  Algorithm = C.NLOPT_LN_NEWUOA
	LN_NEWUOA_BOUND            Algorithm = C.NLOPT_LN_NEWUOA_BOUND
	LN_NELDERMEAD              Algorithm = C.NLOPT_LN_NELDERMEAD
	LN_SBPLX                   Algorithm = C.NLOPT_LN_SBPLX
	LN_AUGLAG                  Algorithm = C.NLOPT_LN_AUGLAG
	LD_AUGLAG                  Algorithm = C.NLOPT_LD_AUGLAG
	LN_AUGLAG_EQ               Algorithm = C.NLOPT_LN_AUGLAG_EQ
	LD_AUGLAG_EQ               Algorithm = C.NLOPT_LD_AUGLAG_EQ
	LN_BOBYQA                  Algorithm = C.NLOPT_LN_BOBYQA
	GN_ISRES                   Algorithm = C.NLOPT_GN_ISRES
	AUGLAG                     Algorithm = C.NLOPT_AUGLAG
	AUGLAG_EQ                  Algorithm = C.NLOPT_AUGLAG_EQ
	G_MLSL                     Algorithm = C.NLOPT_G_MLSL
	G_MLSL_LDS                 Algorithm = C.NLOPT_G_MLSL_LDS
	LD_SLSQP                   Algorithm = C.NLOPT_LD_SLSQP
	LD_CCSAQ                   Algorithm = C.NLOPT_LD_CCSAQ
	GN_ESCH                    Algorithm = C.NLOPT_GN_ESCH
	GN_AGS                     Algorithm = C.NLOPT_GN_AGS

	numAlgorithms = int(C.NLOPT_NUM_ALGORITHMS)
)

// Valid reports whether a is one of the library's algorithms.
func (a Algorithm) Valid() bool {
	return a >= 0 && int(a) < numAlgorithms
}

// String returns the two-letter-prefixed tag, e.g. "LD_MMA".
func (a Algorithm) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
	return C.GoString(C.nlopt_algorithm_to_string(C.nlopt_algorithm(a)))
}

// Name returns the library's descriptive name for a.
func (a Algorithm) Name() string {
	if !a.Valid() {
		return a.String()
	}
	return C.GoString(C.nlopt_algorithm_name(C.nlopt_algorithm(a)))
}

// NeedsGradient reports whether the algorithm itself evaluates gradients.
// Meta-algorithms report false; whether they need gradients depends on the
// local optimizer they are given.
func (a Algorithm) NeedsGradient() bool {
	s := a.String()
	return strings.HasPrefix(s, "LD_") || strings.HasPrefix(s, "GD_")
}

// NeedsLocalOptimizer reports whether the algorithm cannot run without a
// local optimizer.
func (a Algorithm) NeedsLocalOptimizer() bool {
	switch a {
	case AUGLAG, AUGLAG_EQ, G_MLSL, G_MLSL_LDS:
		return true
	}
	return false
}

// UsesLocalOptimizer reports whether a local optimizer, if set, is consulted.
func (a Algorithm) UsesLocalOptimizer() bool {
	switch a {
	case AUGLAG, AUGLAG_EQ, G_MLSL, G_MLSL_LDS,
		LN_AUGLAG, LD_AUGLAG, LN_AUGLAG_EQ, LD_AUGLAG_EQ,
		GN_MLSL, GD_MLSL, GN_MLSL_LDS, GD_MLSL_LDS:
		return true
	}
	return false
}

// ParseAlgorithm resolves a tag such as "LD_MMA". The "NLOPT_" prefix and
// letter case are ignored.
func ParseAlgorithm(tag string) (Algorithm, error) {
	name := strings.ToUpper(strings.TrimSpace(tag))
	name = strings.TrimPrefix(name, "NLOPT_")
	if name == "" {
		return -1, fmt.Errorf("native: empty algorithm tag")
	}
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	a := Algorithm(C.nlopt_algorithm_from_string(cName))
	if !a.Valid() {
		return -1, fmt.Errorf("native: unknown algorithm %q", tag)
	}
	return a, nil
}

// Algorithms lists every algorithm the linked library knows.
func Algorithms() []Algorithm {
	out := make([]Algorithm, numAlgorithms)
	for i := range out {
		out[i] = Algorithm(i)
	}
	return out
}
