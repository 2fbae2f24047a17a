package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/heksher-io/heksher/internal/logger"
	"github.com/heksher-io/heksher/internal/observability"
)

// RequestLogger logs each completed request with its RequestID, method,
// path, status and duration, installs a request-scoped logger into the
// context, and records the prometheus request metrics.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())

		reqLogger := slog.Default().With(slog.String("request_id", reqID))
		r = r.WithContext(logger.WithContext(r.Context(), reqLogger))

		// wrap the ResponseWriter to capture the status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		observability.HTTPReqDuration.WithLabelValues(r.Method, routePattern).Observe(duration.Seconds())
		observability.HTTPReqTotal.WithLabelValues(r.Method, routePattern, strconv.Itoa(status)).Inc()

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		reqLogger.Log(r.Context(), level, "request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", duration),
		)
	})
}
