package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/shepherdsync/backend/internal/store"
)

// RequestTracker stores request audit records in the database
type RequestTracker struct {
	store *store.Store
}

// NewRequestTracker creates a new request tracker middleware
func NewRequestTracker(s *store.Store) *RequestTracker {
	return &RequestTracker{store: s}
}

// Middleware returns an HTTP middleware that records who called what.
// Writes happen asynchronously so a slow audit insert never delays the
// response.
func (rt *RequestTracker) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Capture status code and response size
			rw := &responseWriter{ResponseWriter: w, statusCode: 200}

			next.ServeHTTP(rw, r)

			responseTimeMs := int(time.Since(start).Milliseconds())

			requestSizeBytes := int(r.ContentLength)
			if requestSizeBytes < 0 {
				requestSizeBytes = 0
			}
			responseSizeBytes := rw.size

			var userID, orgID string
			if claims := ClaimsFromContext(r.Context()); claims != nil {
				userID = claims.UserID
				orgID = claims.OrganizationID
			}

			method := r.Method
			path := r.URL.Path
			status := rw.statusCode

			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = rt.store.CreateRequestLog(ctx, store.RequestLog{
					OrganizationID: orgID,
					UserID:         userID,
					Method:         method,
					Path:           path,
					StatusCode:     status,
					ResponseTimeMs: responseTimeMs,
					RequestBytes:   requestSizeBytes,
					ResponseBytes:  responseSizeBytes,
				})
			}()
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}
