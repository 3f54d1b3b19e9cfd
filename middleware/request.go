package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/internal/httpx"
	"github.com/campusdesk/authcore/internal/ids"
)

const RequestIDHeader = "X-Request-ID"

// RequestContext attaches a request id and the client IP to the request
// context and echoes the id in the response. A well-formed incoming id is
// kept; anything else is replaced.
func RequestContext(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !ids.Valid(id) {
				id = ids.New()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := authcore.WithRequestID(r.Context(), id)
			ctx = authcore.WithClientIP(ctx, httpx.ClientIP(r, trustProxy))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Logging writes one line per request: method, path, status, duration.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.code),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", authcore.RequestIDFromContext(r.Context())),
			}
			if sw.code >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}
