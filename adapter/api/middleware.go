package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
)

// requestContext carries chi's request id into the observability context,
// so it reaches logs and outbox messages.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := observability.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ctx = observability.WithCorrelationID(ctx, r.Header.Get(headerCorrelationID))
		w.Header().Set(headerRequestID, observability.RequestIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument logs and measures every request by route pattern.
func instrument(logger *slog.Logger, metrics observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			metrics.Counter(observability.MetricHTTPRequests, 1,
				observability.T("method", r.Method),
				observability.T("route", route),
				observability.T("status", strconv.Itoa(status)),
			)
			metrics.Timing(observability.MetricHTTPDuration, elapsed,
				observability.T("method", r.Method),
				observability.T("route", route),
			)
			logger.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"route", route,
				"status", status,
				observability.DurationKey, elapsed.Milliseconds(),
			)
		})
	}
}
