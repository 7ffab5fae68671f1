package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/directory-api/internal/logging"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the request ID stored on ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestIDMiddleware keeps a valid inbound X-Request-ID or mints a new one
// and attaches a logger carrying it to the request context.
func requestIDMiddleware(ids IDGenerator, base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID, ok := "", false
			if ids != nil {
				reqID, ok = ids.Accept(r.Header.Get(requestIDHeader))
				if !ok {
					var err error
					if reqID, err = ids.NewID(); err != nil {
						base.Warn("request id generation failed", zap.Error(err))
					}
				}
			}
			ctx := r.Context()
			logger := base
			if reqID != "" {
				w.Header().Set(requestIDHeader, reqID)
				ctx = context.WithValue(ctx, requestIDKey{}, reqID)
				logger = base.With(zap.String("request_id", reqID))
			}
			ctx = logging.WithContext(ctx, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logging.FromContext(r.Context(), nil).Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.FromContext(r.Context(), nil).Error("panic recovered",
					zap.Any("panic", rec),
					zap.Bool("headers_written", rw.wroteHeader),
					zap.Stack("stack"),
				)
				if !rw.wroteHeader {
					writeError(r.Context(), rw, http.StatusInternalServerError, internalError)
				}
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// timeoutMiddleware bounds every request with a deadline. Handlers observe it
// through the context and report failures through the usual error funnel.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
