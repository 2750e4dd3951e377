package errors

import (
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/nloptd/internal/logging"
)

// RecoveryMiddleware returns a middleware that recovers from panics.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := map[string]interface{}{
						"error": rec,
						"stack": string(debug.Stack()),
					}

					if r != nil {
						fields["method"] = r.Method
						fields["path"] = r.URL.Path
						fields["query"] = r.URL.RawQuery
					}

					logger.Error("Recovered from panic", fields)

					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// HTTPStatus maps an error to the status code the API answers with.
// Argument problems are the caller's fault; evaluator failures come from the
// submitted expressions, so they are reported as unprocessable.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case InvalidArgument, DimensionMismatch:
		return http.StatusBadRequest
	case EvaluatorFailure, ForcedStop:
		return http.StatusUnprocessableEntity
	case SolverFailure:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
