package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/nloptd/internal/config"
	"github.com/copyleftdev/nloptd/internal/logging"
	"github.com/copyleftdev/nloptd/internal/metrics"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	// Set up HTTP config
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	// Set up logging
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	// Set up optimization
	cfg.Optimization.WorkerCount = 3
	cfg.Optimization.DefaultAlgorithm = "LD_SLSQP"
	cfg.Optimization.MaxEval = 10000
	cfg.Optimization.MaxTime = time.Minute
	cfg.Optimization.XtolRel = 1e-8

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	return logging.New(logging.ErrorLevel, io.Discard)
}

func newTestServer(t *testing.T, opts ...Option) (*Server, chi.Router) {
	srv := NewServer(testConfig(t), testLogger(t), opts...)
	t.Cleanup(func() { srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

const tutorialJSON = `{
	"name": "tutorial",
	"objective": "sqrt(b)",
	"variables": [
		{"name": "a", "start": 1.234},
		{"name": "b", "lower": 0, "start": 5.678}
	],
	"constraints": [
		{"expression": "(2*a)^3 - b", "sense": "<=", "rhs": 0},
		{"expression": "(1 - a)^3 - b", "sense": "<=", "rhs": 0}
	],
	"algorithm": "LD_MMA",
	"options": {"xtol_rel": 1e-4, "ftol_rel": 0, "constrtol_abs": 1e-8}
}`

// slowJSON keeps GN_DIRECT busy until it is cancelled.
const slowJSON = `{
	"objective": "x[0]^2 + x[1]^2 + x[2]^2 + x[3]^2 + x[4]^2 + x[5]^2",
	"variables": [
		{"lower": -5, "upper": 5}, {"lower": -5, "upper": 5}, {"lower": -5, "upper": 5},
		{"lower": -5, "upper": 5}, {"lower": -5, "upper": 5}, {"lower": -5, "upper": 5}
	],
	"algorithm": "GN_DIRECT",
	"options": {"ftol_rel": 0, "xtol_rel": 0, "maxeval": 100000000, "maxtime": 30}
}`

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]interface{}
	if rr.Body.Len() > 0 && rr.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func rpc(t *testing.T, h http.Handler, method string, params ...string) map[string]interface{} {
	t.Helper()
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		raw[i] = json.RawMessage(p)
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  raw,
	})
	require.NoError(t, err)
	rr, out := do(t, h, http.MethodPost, "/rpc", string(body))
	require.Equal(t, http.StatusOK, rr.Code)
	return out
}

func TestNewServer(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	// Test server creation
	srv := NewServer(cfg, logger)
	assert.NotNil(t, srv, "Server should be created")
	assert.Equal(t, 3, cap(srv.slots))

	cfg.Optimization.WorkerCount = 0
	assert.Equal(t, 1, cap(NewServer(cfg, logger).slots))
}

func TestRegisterRoutes(t *testing.T) {
	_, r := newTestServer(t)

	// Test if routes are registered
	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/optimize", true},
		{"GET", "/api/v1/status/123", true},
		{"DELETE", "/api/v1/optimization/123", true},
		{"POST", "/api/v1/solve", true},
		{"GET", "/api/v1/algorithms", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			// chi answers unrouted paths with 404 and an empty JSON-less body
			routed := rr.Code != http.StatusNotFound || rr.Header().Get("Content-Type") == "application/json"
			assert.Equal(t, tt.shouldExist, routed)
		})
	}
}

func TestClose(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	// Test server close
	srv := NewServer(cfg, logger)
	err := srv.Close()
	assert.NoError(t, err, "Close should not return an error")
}

func TestRespondWithError(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{
			name:       "valid error response",
			code:       codeInvalidParams,
			message:    "invalid input",
			id:         "123",
			expectedID: "123",
		},
		{
			name:       "nil id",
			code:       codeServerError,
			message:    "server error",
			id:         nil,
			expectedID: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			// JSON-RPC errors travel in a 200 response
			assert.Equal(t, http.StatusOK, rr.Code, "status code should match")

			var response map[string]interface{}
			err := json.NewDecoder(rr.Body).Decode(&response)
			assert.NoError(t, err, "should decode response body")

			errObj, ok := response["error"].(map[string]interface{})
			assert.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"], "error code should match")
			assert.Equal(t, tt.message, errObj["message"], "error message should match")
			assert.Equal(t, tt.expectedID, response["id"], "response ID should match")
		})
	}
}

func TestSolveEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	_, r := newTestServer(t, WithMetrics(m))

	rr, out := do(t, r, http.MethodPost, "/api/v1/solve", tutorialJSON)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, "LOCALLY_SOLVED", out["termination_status"])
	assert.Equal(t, "FEASIBLE_POINT", out["primal_status"])
	assert.InDelta(t, 0.5443310476200902, out["objective_value"], 1e-6)
	vars := out["variables"].(map[string]interface{})
	assert.InDelta(t, 1.0/3, vars["a"], 1e-4)
	assert.InDelta(t, 8.0/27, vars["b"], 1e-4)

	count, err := testutil.GatherAndCount(reg, "nloptd_solves_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSolveEndpointErrors(t *testing.T) {
	_, r := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{"malformed", `{`, http.StatusBadRequest, ""},
		{"unknown field", `{"variables":[{}],"objective":"x[0]","bogus":1}`, http.StatusBadRequest, ""},
		{"no variables", `{"objective":"1"}`, http.StatusBadRequest, "invalid argument"},
		{"bad expression", `{"objective":"x[0] +","variables":[{}]}`, http.StatusBadRequest, "invalid argument"},
		{"unknown algorithm", `{"objective":"x[0]","variables":[{}],"algorithm":"LD_NOPE"}`, http.StatusBadRequest, "invalid argument"},
		{"evaluator failure", `{"objective":"x[9]","variables":[{"start":1}],"algorithm":"LN_COBYLA"}`, http.StatusUnprocessableEntity, "evaluator failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, out := do(t, r, http.MethodPost, "/api/v1/solve", tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.NotEmpty(t, out["error"])
			if tt.kind != "" {
				assert.Equal(t, tt.kind, out["kind"])
			}
		})
	}
}

func TestSolveHoldsWorkerSlots(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.WorkerCount = 1
	srv := NewServer(cfg, testLogger(t))
	t.Cleanup(func() { srv.Close() })

	var req OptimizeRequest
	require.NoError(t, json.Unmarshal([]byte(`{"objective":"(x[0]^2 - 1)^2 + 0.5*x[0]",
		"variables":[{"lower":-3,"upper":3}],"algorithm":"LD_LBFGS","starts":4,"seed":7}`), &req))

	tests := []struct {
		name   string
		starts int
	}{
		{"single", 1},
		{"multistart", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := req
			req.Starts = tt.starts

			release, err := srv.acquire(t.Context())
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
			defer cancel()
			_, err = srv.solve(ctx, &req)
			assert.ErrorIs(t, err, context.DeadlineExceeded, "no slot is free")
			release()

			res, err := srv.solve(t.Context(), &req)
			require.NoError(t, err)
			assert.InDelta(t, -0.5148, res.Objective, 1e-3)
			assert.Empty(t, srv.slots)
		})
	}
}

func TestSolveDefaultsFromConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	req := &OptimizeRequest{}
	req.Options = map[string]any{"maxeval": 5}
	srv.applyDefaults(req)

	assert.Equal(t, "LD_SLSQP", req.Algorithm)
	assert.Equal(t, 5, req.Options["maxeval"])
	assert.Equal(t, 60.0, req.Options["maxtime"])
	assert.Equal(t, 1e-8, req.Options["xtol_rel"])
}

func TestApplyDefaultsCopiesOptions(t *testing.T) {
	srv, _ := newTestServer(t)

	opts := map[string]any{"ftol_rel": 0.0}
	req := &OptimizeRequest{}
	req.Options = opts
	srv.applyDefaults(req)

	assert.Len(t, opts, 1)
	assert.Contains(t, req.Options, "maxeval")
}

func waitForStatus(t *testing.T, h http.Handler, id string, want ...string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.Eventually(t, func() bool {
		_, out = do(t, h, http.MethodGet, "/api/v1/status/"+id, "")
		for _, w := range want {
			if out["status"] == w {
				return true
			}
		}
		return false
	}, 30*time.Second, 10*time.Millisecond)
	return out
}

func TestAsyncOptimize(t *testing.T) {
	_, r := newTestServer(t)

	rr, out := do(t, r, http.MethodPost, "/api/v1/optimize", tutorialJSON)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id, _ := out["optimization_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, StatusPending, out["status"])

	status := waitForStatus(t, r, id, StatusCompleted, StatusFailed)
	require.Equal(t, StatusCompleted, status["status"], status["error"])
	assert.NotEmpty(t, status["end_time"])

	result := status["result"].(map[string]interface{})
	assert.InDelta(t, 0.5443310476200902, result["objective_value"], 1e-6)
	assert.Equal(t, "LD_MMA", result["algorithm"])
}

func TestAsyncOptimizeFailure(t *testing.T) {
	_, r := newTestServer(t)

	body := `{"objective":"x[9]","variables":[{"start":1}],"algorithm":"LN_COBYLA"}`
	rr, out := do(t, r, http.MethodPost, "/api/v1/optimize", body)
	require.Equal(t, http.StatusAccepted, rr.Code)

	status := waitForStatus(t, r, out["optimization_id"].(string), StatusCompleted, StatusFailed)
	assert.Equal(t, StatusFailed, status["status"])
	assert.Equal(t, "evaluator failure", status["error_kind"])
	assert.NotContains(t, status, "result")
}

func TestCancelOptimization(t *testing.T) {
	srv, r := newTestServer(t)

	rr, out := do(t, r, http.MethodPost, "/api/v1/optimize", slowJSON)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	id := out["optimization_id"].(string)

	waitForStatus(t, r, id, StatusRunning)

	rr, _ = do(t, r, http.MethodDelete, "/api/v1/optimization/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// The job goroutine returns promptly once the native loop sees the
	// cancelled context.
	done := make(chan struct{})
	go func() {
		srv.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("cancelled job did not return")
	}

	_, status := do(t, r, http.MethodGet, "/api/v1/status/"+id, "")
	assert.Equal(t, StatusCancelled, status["status"])
	assert.NotContains(t, status, "result")

	// A finished job cannot be cancelled again.
	rr, _ = do(t, r, http.MethodDelete, "/api/v1/optimization/"+id, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusNotFound(t *testing.T) {
	_, r := newTestServer(t)

	rr, out := do(t, r, http.MethodGet, "/api/v1/status/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "optimization not found", out["error"])

	rr, _ = do(t, r, http.MethodDelete, "/api/v1/optimization/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAlgorithmsEndpoint(t *testing.T) {
	_, r := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/algorithms", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var algs []AlgorithmInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &algs))
	require.NotEmpty(t, algs)

	byTag := map[string]AlgorithmInfo{}
	for _, a := range algs {
		byTag[a.Tag] = a
	}
	assert.True(t, byTag["LD_MMA"].NeedsGradient)
	assert.False(t, byTag["LN_COBYLA"].NeedsGradient)
	assert.True(t, byTag["AUGLAG"].NeedsLocalOptimizer)
}

func TestJSONRPC(t *testing.T) {
	_, r := newTestServer(t)

	t.Run("solve", func(t *testing.T) {
		out := rpc(t, r, "optimization.solve", tutorialJSON)
		require.Nil(t, out["error"])
		result := out["result"].(map[string]interface{})
		assert.InDelta(t, 0.5443310476200902, result["objective_value"], 1e-6)
		assert.Equal(t, float64(1), out["id"])
	})

	t.Run("multistart solve", func(t *testing.T) {
		body := `{"objective":"(x[0]^2 - 1)^2 + 0.5*x[0]","variables":[{"lower":-3,"upper":3}],
			"algorithm":"LD_LBFGS","starts":8,"seed":7}`
		out := rpc(t, r, "optimization.solve", body)
		require.Nil(t, out["error"])
		result := out["result"].(map[string]interface{})
		assert.InDelta(t, -0.5148, result["objective_value"], 1e-3)
	})

	t.Run("start and status", func(t *testing.T) {
		out := rpc(t, r, "optimization.start", tutorialJSON)
		require.Nil(t, out["error"])
		id := out["result"].(map[string]interface{})["optimization_id"].(string)

		param, _ := json.Marshal(map[string]string{"optimization_id": id})
		require.Eventually(t, func() bool {
			out = rpc(t, r, "optimization.status", string(param))
			return out["result"].(map[string]interface{})["status"] == StatusCompleted
		}, 30*time.Second, 10*time.Millisecond)
	})

	t.Run("algorithms", func(t *testing.T) {
		out := rpc(t, r, "nlopt.algorithms")
		assert.NotEmpty(t, out["result"])
	})

	errorCases := []struct {
		name   string
		method string
		params []string
		code   float64
	}{
		{"unknown method", "optimization.bogus", nil, codeMethodNotFound},
		{"missing params", "optimization.solve", nil, codeInvalidParams},
		{"invalid definition", "optimization.solve", []string{`{"variables":[]}`}, codeInvalidParams},
		{"negative starts", "optimization.start", []string{`{"objective":"x[0]","variables":[{}],"starts":-1}`}, codeInvalidParams},
		{"status without id", "optimization.status", []string{`{}`}, codeInvalidParams},
		{"cancel unknown", "optimization.cancel", []string{`{"optimization_id":"nope"}`}, codeInvalidParams},
		{"evaluator failure", "optimization.solve", []string{`{"objective":"x[9]","variables":[{"start":1}],"algorithm":"LN_COBYLA"}`}, codeServerError},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			out := rpc(t, r, tt.method, tt.params...)
			errObj, ok := out["error"].(map[string]interface{})
			require.True(t, ok, "expected an error response")
			assert.Equal(t, tt.code, errObj["code"])
		})
	}

	t.Run("parse error", func(t *testing.T) {
		_, out := do(t, r, http.MethodPost, "/rpc", `{"jsonrpc":`)
		assert.Equal(t, float64(codeParseError), out["error"].(map[string]interface{})["code"])
	})

	t.Run("wrong version", func(t *testing.T) {
		_, out := do(t, r, http.MethodPost, "/rpc", `{"jsonrpc":"1.0","id":3,"method":"nlopt.algorithms"}`)
		assert.Equal(t, float64(codeInvalidRequest), out["error"].(map[string]interface{})["code"])
		assert.Equal(t, float64(3), out["id"])
	})
}
