package middleware

import (
	"net/http"
	"time"

	chi_middleware "github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"
)

const (
	LogFieldRequestID = "request_id"
	LogFieldMethod    = "method"
	LogFieldPath      = "path"
	LogFieldRemote    = "remote_address"
	LogFieldStatus    = "http_status"
	LogFieldElapsed   = "elapsed_ms"
)

// RequestLogFields returns the fields identifying a request in log lines.
func RequestLogFields(r *http.Request) log.Fields {
	return log.Fields{
		LogFieldRequestID: chi_middleware.GetReqID(r.Context()),
		LogFieldMethod:    r.Method,
		LogFieldPath:      r.URL.Path,
		LogFieldRemote:    r.RemoteAddr,
	}
}

// RequestLogger logs every completed request at debug level, and server errors at error level.
func RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chi_middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				logger := log.WithFields(RequestLogFields(r)).WithFields(log.Fields{
					LogFieldStatus:  status,
					LogFieldElapsed: time.Since(start).Milliseconds(),
				})
				if status >= http.StatusInternalServerError {
					logger.Errorf("%s %s", r.Method, r.URL.Path)
					return
				}
				logger.Debugf("%s %s", r.Method, r.URL.Path)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
