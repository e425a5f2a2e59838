// Package respond writes JSON responses and classified errors. It is
// shared by handlers and middleware.
package respond

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/shepherdsync/backend/internal/apperr"
)

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[respond] encode response: %v", err)
	}
}

// Error maps err onto an HTTP status and writes a JSON error body. The
// wrapped cause of internal and gateway errors is logged, never sent to
// the client.
func Error(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	if ae.Kind == apperr.KindInternal || ae.Kind == apperr.KindGateway {
		log.Printf("[http] %s: %v", ae.Message, ae.Unwrap())
	}
	JSON(w, ae.Status(), map[string]string{"error": ae.Message})
}
