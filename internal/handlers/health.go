package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"
)

// Health responds with status 200 to indicate the service is running.
// When the database is unreachable the status degrades to 503 so load
// balancers can rotate the instance out.
func Health(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		status := http.StatusOK
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				payload["status"] = "degraded"
				payload["database"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(payload)
	}
}
