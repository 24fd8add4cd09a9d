package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	log "github.com/sirupsen/logrus"
)

const APIKeyHeader = "X-API-Key"

type errorResponse struct {
	Message string `json:"message"`
}

// APIKeyValidator rejects requests that carry none of keys, either in the X-API-Key header
// or as a bearer token.
func APIKeyValidator(keys []string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(APIKeyHeader)
			if len(presented) == 0 {
				presented = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			for _, key := range keys {
				if len(presented) > 0 && subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			log.WithFields(RequestLogFields(r)).Warnf("Rejected request without valid API key")
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, errorResponse{Message: "missing or invalid API key"})
		}
		return http.HandlerFunc(fn)
	}
}
