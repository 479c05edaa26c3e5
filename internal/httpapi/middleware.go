package httpapi

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/hookrelay/deliverant/pkg/logger"
)

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging, since the stdlib interface has no getter for it.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs every request with method, path, status and
// latency. 5xx responses are logged at Error, 4xx at Warn, everything else
// at Debug so a production deployment can turn down verbosity without
// losing failures.
func LoggingMiddleware(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if wrapped.statusCode >= 500 {
				log.Error("http request", fields)
			} else if wrapped.statusCode >= 400 {
				log.Warn("http request", fields)
			} else {
				log.Debug("http request", fields)
			}
		})
	}
}

// RecoveryMiddleware converts a panic in any handler into a 500 response
// instead of taking down the whole process.
func RecoveryMiddleware(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("http handler panic recovered", map[string]interface{}{
						"panic":  rec,
						"path":   r.URL.Path,
						"method": r.Method,
						"stack":  string(debug.Stack()),
					})
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// chain wraps h so the first middleware is outermost and the last wraps
// closest to the handler. Mirrors the teacher's
// Recovery -> Logging -> CORS composition order.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
