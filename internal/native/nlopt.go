// Package native is the cgo boundary to the NLopt C library.
//
// Everything in this package is a thin, allocation-conscious mapping of the
// nlopt_* C API onto Go types. Validation, error taxonomy and object
// lifetimes above a single handle live in internal/optimization.
//
// A Handle is not safe for concurrent use. Callbacks run synchronously on the
// goroutine that called Optimize.
package native

/*
#cgo pkg-config: nlopt
#include <stdlib.h>
#include <stdint.h>
#include <nlopt.h>

extern double goScalarCallback(unsigned n, double *x, double *grad, void *data);
extern void goVectorCallback(unsigned m, double *result, unsigned n, double *x, double *grad, void *data);

static double scalar_trampoline(unsigned n, const double *x, double *grad, void *data) {
	return goScalarCallback(n, (double *)x, grad, data);
}

static void vector_trampoline(unsigned m, double *result, unsigned n, const double *x, double *grad, void *data) {
	goVectorCallback(m, result, n, (double *)x, grad, data);
}

static nlopt_result set_min_objective(nlopt_opt opt, void *data) {
	return nlopt_set_min_objective(opt, scalar_trampoline, data);
}

static nlopt_result set_max_objective(nlopt_opt opt, void *data) {
	return nlopt_set_max_objective(opt, scalar_trampoline, data);
}

static nlopt_result add_inequality(nlopt_opt opt, void *data, double tol) {
	return nlopt_add_inequality_constraint(opt, scalar_trampoline, data, tol);
}

static nlopt_result add_equality(nlopt_opt opt, void *data, double tol) {
	return nlopt_add_equality_constraint(opt, scalar_trampoline, data, tol);
}

static nlopt_result add_inequality_m(nlopt_opt opt, unsigned m, void *data, const double *tol) {
	return nlopt_add_inequality_mconstraint(opt, m, vector_trampoline, data, tol);
}

static nlopt_result add_equality_m(nlopt_opt opt, unsigned m, void *data, const double *tol) {
	return nlopt_add_equality_mconstraint(opt, m, vector_trampoline, data, tol);
}
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"unsafe"
)

// ScalarFunc is invoked by the solver for objectives and scalar constraints.
// grad is nil when the algorithm did not ask for a gradient; otherwise it has
// len(x) entries and must be filled in place. x aliases solver memory and
// must not be modified or retained.
type ScalarFunc interface {
	Evaluate(x, grad []float64) float64
}

// VectorFunc is invoked for vector-valued constraints. result has one entry
// per constraint component; grad, when non-nil, is the row-major
// len(result) x len(x) Jacobian.
type VectorFunc interface {
	EvaluateVector(result, x, grad []float64)
}

// token keeps a Go callback reachable from C for as long as the solver may
// call it.
type token struct {
	handle cgo.Handle
	data   unsafe.Pointer
}

func newToken(fn any) token {
	data := C.malloc(C.size_t(unsafe.Sizeof(C.uintptr_t(0))))
	h := cgo.NewHandle(fn)
	*(*C.uintptr_t)(data) = C.uintptr_t(h)
	return token{handle: h, data: data}
}

func (t token) release() {
	t.handle.Delete()
	C.free(t.data)
}

// Handle owns one nlopt_opt object.
type Handle struct {
	opt C.nlopt_opt
	dim int

	objective  *token
	inequality []token
	equality   []token
}

// Create allocates a native optimizer. It returns nil if the library refuses
// the algorithm/dimension pair.
func Create(alg Algorithm, dim int) *Handle {
	opt := C.nlopt_create(C.nlopt_algorithm(alg), C.uint(dim))
	if opt == nil {
		return nil
	}
	return &Handle{opt: opt, dim: dim}
}

// Destroy frees the native object and every registered callback. Calling it
// more than once is a no-op.
func (h *Handle) Destroy() {
	if h == nil || h.opt == nil {
		return
	}
	C.nlopt_destroy(h.opt)
	h.opt = nil
	h.releaseObjective()
	releaseAll(h.inequality)
	releaseAll(h.equality)
	h.inequality = nil
	h.equality = nil
}

// Destroyed reports whether Destroy has run.
func (h *Handle) Destroyed() bool {
	return h == nil || h.opt == nil
}

// Algorithm returns the algorithm the handle was created with.
func (h *Handle) Algorithm() Algorithm {
	return Algorithm(C.nlopt_get_algorithm(h.opt))
}

// Dimension returns the native problem dimension.
func (h *Handle) Dimension() int {
	return int(C.nlopt_get_dimension(h.opt))
}

func (h *Handle) releaseObjective() {
	if h.objective != nil {
		h.objective.release()
		h.objective = nil
	}
}

func releaseAll(tokens []token) {
	for _, t := range tokens {
		t.release()
	}
}

// SetMinObjective installs f as the objective to minimise.
func (h *Handle) SetMinObjective(f ScalarFunc) Result {
	t := newToken(f)
	r := Result(C.set_min_objective(h.opt, t.data))
	return h.swapObjective(t, r)
}

// SetMaxObjective installs f as the objective to maximise.
func (h *Handle) SetMaxObjective(f ScalarFunc) Result {
	t := newToken(f)
	r := Result(C.set_max_objective(h.opt, t.data))
	return h.swapObjective(t, r)
}

func (h *Handle) swapObjective(t token, r Result) Result {
	if r < 0 {
		t.release()
		return r
	}
	h.releaseObjective()
	h.objective = &t
	return r
}

// AddInequalityConstraint appends fc(x) <= 0.
func (h *Handle) AddInequalityConstraint(fc ScalarFunc, tol float64) Result {
	t := newToken(fc)
	r := Result(C.add_inequality(h.opt, t.data, C.double(tol)))
	if r < 0 {
		t.release()
		return r
	}
	h.inequality = append(h.inequality, t)
	return r
}

// AddEqualityConstraint appends h(x) = 0.
func (h *Handle) AddEqualityConstraint(fc ScalarFunc, tol float64) Result {
	t := newToken(fc)
	r := Result(C.add_equality(h.opt, t.data, C.double(tol)))
	if r < 0 {
		t.release()
		return r
	}
	h.equality = append(h.equality, t)
	return r
}

// AddInequalityMConstraint appends a vector constraint with len(tol)
// components.
func (h *Handle) AddInequalityMConstraint(fc VectorFunc, tol []float64) Result {
	if len(tol) == 0 {
		return InvalidArgs
	}
	t := newToken(fc)
	r := Result(C.add_inequality_m(h.opt, C.uint(len(tol)), t.data, cArray(tol)))
	if r < 0 {
		t.release()
		return r
	}
	h.inequality = append(h.inequality, t)
	return r
}

// AddEqualityMConstraint appends a vector equality constraint with len(tol)
// components.
func (h *Handle) AddEqualityMConstraint(fc VectorFunc, tol []float64) Result {
	if len(tol) == 0 {
		return InvalidArgs
	}
	t := newToken(fc)
	r := Result(C.add_equality_m(h.opt, C.uint(len(tol)), t.data, cArray(tol)))
	if r < 0 {
		t.release()
		return r
	}
	h.equality = append(h.equality, t)
	return r
}

// RemoveInequalityConstraints drops every inequality constraint.
func (h *Handle) RemoveInequalityConstraints() Result {
	r := Result(C.nlopt_remove_inequality_constraints(h.opt))
	releaseAll(h.inequality)
	h.inequality = nil
	return r
}

// RemoveEqualityConstraints drops every equality constraint.
func (h *Handle) RemoveEqualityConstraints() Result {
	r := Result(C.nlopt_remove_equality_constraints(h.opt))
	releaseAll(h.equality)
	h.equality = nil
	return r
}

// SetLowerBounds copies lb (len == dimension) into the solver.
func (h *Handle) SetLowerBounds(lb []float64) Result {
	return Result(C.nlopt_set_lower_bounds(h.opt, cArray(lb)))
}

// SetUpperBounds copies ub (len == dimension) into the solver.
func (h *Handle) SetUpperBounds(ub []float64) Result {
	return Result(C.nlopt_set_upper_bounds(h.opt, cArray(ub)))
}

func (h *Handle) SetStopVal(v float64) Result {
	return Result(C.nlopt_set_stopval(h.opt, C.double(v)))
}

func (h *Handle) SetFtolRel(tol float64) Result {
	return Result(C.nlopt_set_ftol_rel(h.opt, C.double(tol)))
}

func (h *Handle) SetFtolAbs(tol float64) Result {
	return Result(C.nlopt_set_ftol_abs(h.opt, C.double(tol)))
}

func (h *Handle) SetXtolRel(tol float64) Result {
	return Result(C.nlopt_set_xtol_rel(h.opt, C.double(tol)))
}

func (h *Handle) SetXtolAbs(tol []float64) Result {
	return Result(C.nlopt_set_xtol_abs(h.opt, cArray(tol)))
}

func (h *Handle) SetMaxEval(n int) Result {
	return Result(C.nlopt_set_maxeval(h.opt, C.int(n)))
}

func (h *Handle) SetMaxTime(seconds float64) Result {
	return Result(C.nlopt_set_maxtime(h.opt, C.double(seconds)))
}

// SetInitialStep sets per-dimension initial steps. A nil dx restores the
// library heuristics.
func (h *Handle) SetInitialStep(dx []float64) Result {
	return Result(C.nlopt_set_initial_step(h.opt, cArray(dx)))
}

// InitialStep reports the step the solver would take from x, which matters
// when the heuristic default is in use.
func (h *Handle) InitialStep(x []float64) ([]float64, Result) {
	dx := make([]float64, h.dim)
	r := Result(C.nlopt_get_initial_step(h.opt, cArray(x), cArray(dx)))
	return dx, r
}

func (h *Handle) SetPopulation(n uint) Result {
	return Result(C.nlopt_set_population(h.opt, C.uint(n)))
}

func (h *Handle) SetVectorStorage(n uint) Result {
	return Result(C.nlopt_set_vector_storage(h.opt, C.uint(n)))
}

// SetLocalOptimizer hands local to the solver, which stores its own copy.
func (h *Handle) SetLocalOptimizer(local *Handle) Result {
	return Result(C.nlopt_set_local_optimizer(h.opt, local.opt))
}

// SetParam sets an algorithm-specific parameter.
func (h *Handle) SetParam(name string, v float64) Result {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	return Result(C.nlopt_set_param(h.opt, cName, C.double(v)))
}

// ForceStop asks a running Optimize to return FORCED_STOP at the next
// opportunity. It is meant to be called from inside a callback.
func (h *Handle) ForceStop() Result {
	return Result(C.nlopt_force_stop(h.opt))
}

// ErrorMessage returns the library's description of the last failure, if any.
func (h *Handle) ErrorMessage() string {
	msg := C.nlopt_get_errmsg(h.opt)
	if msg == nil {
		return ""
	}
	return C.GoString(msg)
}

// Optimize runs the solver starting from x, which is overwritten with the
// final iterate.
func (h *Handle) Optimize(x []float64) (float64, Result) {
	var f C.double
	r := C.nlopt_optimize(h.opt, cArray(x), &f)
	return float64(f), Result(r)
}

// cArray views a float64 slice as a C double array without copying.
func cArray(v []float64) *C.double {
	if len(v) == 0 {
		return nil
	}
	return (*C.double)(unsafe.Pointer(&v[0]))
}

// Srand seeds the library's global random number generator.
func Srand(seed uint64) {
	C.nlopt_srand(C.ulong(seed))
}

// SrandTime reseeds the global generator from the system clock.
func SrandTime() {
	C.nlopt_srand_time()
}

// Version reports the linked NLopt version.
func Version() string {
	var major, minor, bugfix C.int
	C.nlopt_version(&major, &minor, &bugfix)
	return fmt.Sprintf("%d.%d.%d", int(major), int(minor), int(bugfix))
}
