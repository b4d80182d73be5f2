package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
)

// RequestID makes sure every request carries an X-Request-Id, generating one
// when the caller did not send it, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(oidcx.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(oidcx.RequestIDHeader, id)
		}
		w.Header().Set(oidcx.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// AccessLog logs every request with method, path, status, size and duration.
func AccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request_id", r.Header.Get(oidcx.RequestIDHeader)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case status >= http.StatusInternalServerError:
				logger.Error("request completed", fields...)
			case r.URL.Path == "/health":
				logger.Debug("request completed", fields...)
			default:
				logger.Info("request completed", fields...)
			}
		})
	}
}

// Recover turns panics into a 500 response. Invariant violations raised by
// the auth pipeline are logged at error with their reason.
func Recover(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				fields := []zap.Field{
					zap.String("request_id", r.Header.Get(oidcx.RequestIDHeader)),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				}
				var invariant *oidcx.InvariantError
				if err, ok := rec.(error); ok && errors.As(err, &invariant) {
					logger.Error("invariant violated", append(fields, zap.String("reason", invariant.Reason))...)
				} else {
					logger.Error("panic recovered", append(fields, zap.Any("panic", rec))...)
				}
				writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
