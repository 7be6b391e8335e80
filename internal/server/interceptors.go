// Package server implements the Admin API HTTP server for the IKE daemon.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"
)

// ErrPanicRecovered indicates a handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in handler")

// statusWriter wraps http.ResponseWriter to capture the status code a
// handler writes, so LoggingMiddleware can log it after the handler
// returns.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// LoggingMiddleware logs every request with its method, path, duration, and
// resulting status code.
//
// Log level is Info for 2xx/3xx responses and Warn for 4xx/5xx responses.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Duration("duration", duration),
			}

			if sw.status >= http.StatusBadRequest {
				logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed with error", attrs...)
			} else {
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}

// RecoveryMiddleware recovers from a panic in a handler, logs the panic
// value and stack trace at Error level, and writes a 500 response instead
// of taking down the daemon.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)

					logger.ErrorContext(r.Context(), "panic recovered in handler",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec),
						slog.String("stack", string(buf[:n])),
					)

					writeError(w, http.StatusInternalServerError,
						fmt.Errorf("%s: %w", r.URL.Path, ErrPanicRecovered))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
