package store

import (
	"context"
	"fmt"
)

// RequestLog is one audit row for an API call.
type RequestLog struct {
	OrganizationID string
	UserID         string
	Method         string
	Path           string
	StatusCode     int
	ResponseTimeMs int
	RequestBytes   int
	ResponseBytes  int
}

// CreateRequestLog records an API request for auditing. Empty org and
// user IDs are stored as NULL (unauthenticated traffic).
func (s *Store) CreateRequestLog(ctx context.Context, rl RequestLog) error {
	var orgID, userID interface{}
	if rl.OrganizationID != "" {
		orgID = rl.OrganizationID
	}
	if rl.UserID != "" {
		userID = rl.UserID
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO request_logs (
  organization_id, user_id, method, path, status_code,
  response_time_ms, request_size_bytes, response_size_bytes
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		orgID,
		userID,
		rl.Method,
		rl.Path,
		rl.StatusCode,
		rl.ResponseTimeMs,
		rl.RequestBytes,
		rl.ResponseBytes,
	)
	if err != nil {
		return fmt.Errorf("store: create request log: %w", err)
	}
	return nil
}
