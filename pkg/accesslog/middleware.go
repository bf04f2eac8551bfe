// Package accesslog records one log line per request and turns panics in
// the wrapped handler into 500 responses.
package accesslog

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jhofer-cloud/devproxy/pkg/httputil"
	"github.com/jhofer-cloud/devproxy/pkg/metrics"
)

// Middleware wraps next with access logging and panic recovery. m may be nil.
func Middleware(logger *slog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newRecorder(w)
			requestID := uuid.NewString()

			defer func() {
				elapsed := time.Since(start)

				if v := recover(); v != nil {
					if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
						logger.Warn("response aborted",
							"request_id", requestID,
							"method", r.Method,
							"url", r.RequestURI,
							"status", rec.status,
							"bytes", rec.bytes,
							"elapsed_ms", float64(elapsed.Microseconds())/1000,
						)
						m.ObserveRequest(r.Method, rec.status, elapsed)
						panic(v)
					}

					logger.Error("dispatch panicked",
						"request_id", requestID,
						"method", r.Method,
						"url", r.RequestURI,
						"panic", v,
						"stack", string(debug.Stack()),
					)
					m.ObservePanic()
					if !rec.wroteHeader {
						httputil.WriteFailure(rec)
					}
					// Headers already went out; the status the client saw stands.
				}

				logger.Info("request",
					"request_id", requestID,
					"method", r.Method,
					"url", r.RequestURI,
					"status", rec.status,
					"elapsed_ms", float64(elapsed.Microseconds())/1000,
				)
				m.ObserveRequest(r.Method, rec.status, elapsed)
			}()

			next.ServeHTTP(rec, r)
		})
	}
}
