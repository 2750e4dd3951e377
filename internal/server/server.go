package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/copyleftdev/nloptd/internal/config"
	"github.com/copyleftdev/nloptd/internal/errors"
	"github.com/copyleftdev/nloptd/internal/logging"
	"github.com/copyleftdev/nloptd/internal/metrics"
	"github.com/copyleftdev/nloptd/internal/model"
	"github.com/copyleftdev/nloptd/internal/native"
	"github.com/copyleftdev/nloptd/internal/problem"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// OptimizationState represents the state of an optimization job.
// It is guarded by Server.optimizationsMu.
type OptimizationState struct {
	ID          string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	Request     *OptimizeRequest
	Result      *problem.Result
	Error       string
	ErrorKind   string
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

// OptimizeRequest is a problem definition plus multistart settings.
type OptimizeRequest struct {
	problem.Definition
	// Starts > 1 solves from that many starting points concurrently.
	Starts int `json:"starts,omitempty"`
	// Seed fixes the sampled starting points.
	Seed uint64 `json:"seed,omitempty"`
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	solver  *zap.Logger
	metrics *metrics.Metrics

	// slots bounds the number of native solves running at once, across
	// jobs and multistart starts.
	slots chan struct{}
	jobs  sync.WaitGroup
	seq   atomic.Uint64

	// Optimization state management
	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex // Protects the optimizations map
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records solves in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	workers := cfg.Optimization.WorkerCount
	if workers < 1 {
		workers = 1
	}
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		solver:        logging.NewZapLogger(logger.WithFields(map[string]interface{}{"component": "solver"})),
		slots:         make(chan struct{}, workers),
		optimizations: make(map[string]*OptimizationState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
		r.Post("/solve", s.handleSolve)
		r.Get("/algorithms", s.handleAlgorithms)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// rpcError carries a JSON-RPC error code out of a method handler.
type rpcError struct {
	code int
	err  error
}

func (e *rpcError) Error() string { return e.err.Error() }
func (e *rpcError) Unwrap() error { return e.err }

func invalidParams(format string, args ...interface{}) error {
	return &rpcError{code: codeInvalidParams, err: fmt.Errorf(format, args...)}
}

// rpcCode maps a method error to a JSON-RPC error code.
func rpcCode(err error) int {
	var re *rpcError
	if errors.As(err, &re) {
		return re.code
	}
	switch errors.KindOf(err) {
	case errors.InvalidArgument, errors.DimensionMismatch:
		return codeInvalidParams
	}
	return codeServerError
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "optimization.start":
		result, err = s.handleOptimizeStart(request.Params)
	case "optimization.status":
		result, err = s.handleOptimizationStatus(request.Params)
	case "optimization.cancel":
		err = s.handleOptimizationCancel(request.Params)
		if err == nil {
			result = map[string]string{"status": "cancellation requested"}
		}
	case "optimization.solve":
		result, err = s.handleOptimizationSolve(r.Context(), request.Params)
	case "nlopt.algorithms":
		result = algorithmList()
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, rpcCode(err), err.Error(), request.ID)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// decodeRequest decodes the first positional parameter into an
// OptimizeRequest and fills in the configured defaults.
func (s *Server) decodeRequest(params []json.RawMessage) (*OptimizeRequest, error) {
	if len(params) == 0 {
		return nil, invalidParams("missing required parameters")
	}
	dec := json.NewDecoder(bytes.NewReader(params[0]))
	dec.DisallowUnknownFields()
	var req OptimizeRequest
	if err := dec.Decode(&req); err != nil {
		return nil, invalidParams("invalid problem definition: %v", err)
	}
	s.applyDefaults(&req)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Starts < 0 {
		return nil, invalidParams("starts must not be negative")
	}
	return &req, nil
}

// applyDefaults fills the algorithm and limits a request leaves unset.
func (s *Server) applyDefaults(req *OptimizeRequest) {
	if req.Algorithm == "" {
		req.Algorithm = s.cfg.Optimization.DefaultAlgorithm
	}
	opts := make(map[string]any, len(req.Options)+3)
	for k, v := range req.Options {
		opts[k] = v
	}
	if _, ok := opts[model.AttrMaxEval]; !ok && s.cfg.Optimization.MaxEval > 0 {
		opts[model.AttrMaxEval] = s.cfg.Optimization.MaxEval
	}
	if _, ok := opts[model.AttrMaxTime]; !ok && s.cfg.Optimization.MaxTime > 0 {
		opts[model.AttrMaxTime] = s.cfg.Optimization.MaxTime.Seconds()
	}
	if _, ok := opts[model.AttrXtolRel]; !ok && s.cfg.Optimization.XtolRel > 0 {
		opts[model.AttrXtolRel] = s.cfg.Optimization.XtolRel
	}
	req.Options = opts
}

// handleOptimizeStart handles the optimization.start JSON-RPC method.
// It queues a job for the problem definition in params[0].
// Returns: {"optimization_id": "opt_123", "status": "pending"}
func (s *Server) handleOptimizeStart(params []json.RawMessage) (interface{}, error) {
	req, err := s.decodeRequest(params)
	if err != nil {
		return nil, err
	}

	// Generate a unique ID for this optimization
	id := fmt.Sprintf("opt_%d_%d", time.Now().UnixNano(), s.seq.Add(1))

	// Create a cancellable context
	ctx, cancel := context.WithCancel(context.Background())

	// Create optimization state
	state := &OptimizationState{
		ID:          id,
		Status:      StatusPending,
		StartTime:   time.Now(),
		Request:     req,
		CancelFunc:  cancel,
		LastUpdated: time.Now(),
	}

	// Store the optimization state
	s.optimizationsMu.Lock()
	s.optimizations[id] = state
	s.optimizationsMu.Unlock()

	// Start optimization in a goroutine
	s.jobs.Add(1)
	go s.runOptimization(ctx, state)

	return map[string]interface{}{
		"optimization_id": id,
		"status":          StatusPending,
	}, nil
}

// handleOptimizationStatus handles the optimization.status JSON-RPC method.
// It returns the current status and results of an optimization job.
// Expected parameters: {"optimization_id": "opt_123"}
func (s *Server) handleOptimizationStatus(params []json.RawMessage) (interface{}, error) {
	optimizationID, err := optimizationID(params)
	if err != nil {
		return nil, err
	}

	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	state, exists := s.optimizations[optimizationID]
	if !exists {
		return nil, errNotFound
	}

	response := map[string]interface{}{
		"optimization_id": state.ID,
		"status":          state.Status,
		"start_time":      state.StartTime.Format(time.RFC3339),
		"last_update":     state.LastUpdated.Format(time.RFC3339),
	}

	// Add end time if available
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Error != "" {
		response["error"] = state.Error
		response["error_kind"] = state.ErrorKind
	}

	return response, nil
}

var errNotFound = &rpcError{code: codeInvalidParams, err: fmt.Errorf("optimization not found")}

func optimizationID(params []json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "", invalidParams("missing required parameters")
	}
	var p struct {
		OptimizationID string `json:"optimization_id"`
	}
	if err := json.Unmarshal(params[0], &p); err != nil {
		return "", invalidParams("invalid parameter format, expected object")
	}
	if p.OptimizationID == "" {
		return "", invalidParams("optimization_id is required")
	}
	return p.OptimizationID, nil
}

// handleOptimizationCancel handles the optimization.cancel JSON-RPC method.
// Cancelling stops the native solver at its next evaluation.
// Expected parameters: {"optimization_id": "opt_123"}
func (s *Server) handleOptimizationCancel(params []json.RawMessage) error {
	optimizationID, err := optimizationID(params)
	if err != nil {
		return err
	}

	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state, exists := s.optimizations[optimizationID]
	if !exists {
		return errNotFound
	}

	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		// Already in a terminal state
		return invalidParams("cannot cancel optimization with status: %s", state.Status)
	}

	// Cancel the optimization
	if state.CancelFunc != nil {
		state.CancelFunc()
	}

	// Update state
	state.Status = StatusCancelled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	// Log the cancellation
	s.logger.Info("Optimization cancelled", map[string]interface{}{
		"optimization_id": optimizationID,
	})

	return nil
}

// handleOptimizationSolve handles the optimization.solve JSON-RPC method.
// It solves synchronously and returns the result.
func (s *Server) handleOptimizationSolve(ctx context.Context, params []json.RawMessage) (interface{}, error) {
	req, err := s.decodeRequest(params)
	if err != nil {
		return nil, err
	}
	return s.solve(ctx, req)
}

// acquire takes a worker slot. Every native solve holds exactly one, so
// OPT_WORKER_COUNT bounds solver concurrency across all requests.
func (s *Server) acquire(ctx context.Context) (func(), error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// solve runs req, one worker slot per native solve.
func (s *Server) solve(ctx context.Context, req *OptimizeRequest) (*problem.Result, error) {
	defer s.metrics.JobStarted()()

	var (
		res *problem.Result
		err error
	)
	if req.Starts > 1 {
		res, _, err = problem.Multistart(ctx, &req.Definition, problem.MultistartConfig{
			Starts:  req.Starts,
			Workers: cap(s.slots),
			Seed:    req.Seed,
			Acquire: s.acquire,
		}, s.solver)
	} else {
		var release func()
		if release, err = s.acquire(ctx); err == nil {
			res, err = problem.Solve(ctx, &req.Definition, s.solver)
			release()
		}
	}
	if err != nil {
		s.metrics.ObserveError(err)
		return nil, err
	}
	s.metrics.ObserveResult(res)
	return res, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// runOptimization executes a queued job in its own goroutine.
func (s *Server) runOptimization(ctx context.Context, state *OptimizationState) {
	defer s.jobs.Done()

	s.optimizationsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	req := state.Request
	s.optimizationsMu.Unlock()

	result, err := s.solve(ctx, req)

	// Update state with results
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	if state.Status == StatusCancelled {
		return
	}
	if err != nil {
		s.logger.Error("Optimization failed", map[string]interface{}{
			"optimization_id": state.ID,
			"error":           err.Error(),
		})
		state.Status = StatusFailed
		state.Error = err.Error()
		state.ErrorKind = errors.KindOf(err).String()
	} else {
		state.Status = StatusCompleted
		state.Result = result
		s.logger.Info("Optimization completed", map[string]interface{}{
			"optimization_id": state.ID,
			"termination":     result.Termination.String(),
			"objective":       result.Objective,
		})
	}

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
}

// Close cancels every running job and waits for them to return.
func (s *Server) Close() error {
	s.optimizationsMu.Lock()
	for _, opt := range s.optimizations {
		if opt.CancelFunc != nil {
			opt.CancelFunc()
		}
	}
	s.optimizationsMu.Unlock()

	s.jobs.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	body := map[string]interface{}{"error": err.Error()}
	if kind := errors.KindOf(err); kind != errors.Other {
		body["kind"] = kind.String()
	}
	if code := errors.CodeOf(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

// httpStatus maps a method error to an HTTP status for the REST routes.
func httpStatus(err error) int {
	var re *rpcError
	if errors.As(err, &re) {
		if re == errNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	}
	return errors.HTTPStatus(err)
}

// readBody wraps the request body as a single positional parameter.
func readBody(r *http.Request) ([]json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, invalidParams("Invalid request body: %v", err)
	}
	return []json.RawMessage{raw}, nil
}

// handleOptimize handles the HTTP POST /optimize endpoint for starting a new optimization
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	params, err := readBody(r)
	if err == nil {
		var result interface{}
		if result, err = s.handleOptimizeStart(params); err == nil {
			writeJSON(w, http.StatusAccepted, result)
			return
		}
	}
	writeError(w, httpStatus(err), err)
}

// handleSolve handles POST /solve, solving synchronously.
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	params, err := readBody(r)
	if err == nil {
		var result interface{}
		if result, err = s.handleOptimizationSolve(r.Context(), params); err == nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
	}
	writeError(w, httpStatus(err), err)
}

// handleStatus handles the HTTP GET /status/:id endpoint for checking optimization status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.handleOptimizationStatus(idParam(r))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /optimization/:id.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.handleOptimizationCancel(idParam(r)); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

func idParam(r *http.Request) []json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"optimization_id": chi.URLParam(r, "id")})
	return []json.RawMessage{raw}
}

// AlgorithmInfo describes one NLopt algorithm.
type AlgorithmInfo struct {
	Tag                 string `json:"tag"`
	Name                string `json:"name"`
	NeedsGradient       bool   `json:"needs_gradient"`
	NeedsLocalOptimizer bool   `json:"needs_local_optimizer"`
}

func algorithmList() []AlgorithmInfo {
	algs := native.Algorithms()
	out := make([]AlgorithmInfo, 0, len(algs))
	for _, a := range algs {
		out = append(out, AlgorithmInfo{
			Tag:                 a.String(),
			Name:                a.Name(),
			NeedsGradient:       a.NeedsGradient(),
			NeedsLocalOptimizer: a.NeedsLocalOptimizer(),
		})
	}
	return out
}

// handleAlgorithms handles GET /algorithms.
func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, algorithmList())
}
