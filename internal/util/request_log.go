package util

import (
	"net/http"
	"strings"
	"time"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	if r.status == 0 {
		r.status = statusCode
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// RequestObserver receives one call per finished request. route is the
// ServeMux pattern that matched, or "unmatched".
type RequestObserver func(method, route string, status int, elapsed time.Duration)

// WithRequestLog emits a structured log for each HTTP request and reports it to observe.
// It must run inside WithRequestID so the request logger carries request_id.
func WithRequestLog(service string, observe RequestObserver, next http.Handler) http.Handler {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if observe != nil {
			observe(r.Method, route, status, elapsed)
		}
		LoggerFromContext(r.Context()).Info(
			"http_request",
			"component", service,
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
