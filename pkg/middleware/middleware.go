package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Wrap extracts the trace context of the request, logs the request once
// it is served and turns a panic into an internal error.
func Wrap(logger *zap.Logger, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		r = r.WithContext(ctx)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				logger.Error("Recovered from panic",
					zap.String("path", r.URL.Path),
					zap.String("panic", fmt.Sprint(p)),
					zap.Stack("stack"))
				http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			}
			// Successful health checks are not logged.
			if rec.status < http.StatusBadRequest && isHealthCheck(r.URL.Path) {
				return
			}
			if rec.status >= http.StatusInternalServerError {
				logger.Error("Request served", fields...)
				return
			}
			logger.Info("Request served", fields...)
		}()

		next(rec, r, pathParams)
	}
}

func isHealthCheck(path string) bool {
	return path == "/v1/health/liveness" || path == "/v1/health/readiness"
}
