package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flagwire/flagwire/internal/core"
)

// SyncRequest is one flags request received by the development backend.
type SyncRequest struct {
	ID         int64
	RequestID  string
	Payload    core.Payload
	StatusCode int
	ReceivedAt time.Time
}

// SyncRequestQuery filters ListSyncRequests. Empty fields match everything.
type SyncRequestQuery struct {
	Token      string
	DistinctID string
	// Limit caps the number of rows; zero means no limit.
	Limit int
}

func (q SyncRequestQuery) whereClause() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if token := strings.TrimSpace(q.Token); token != "" {
		clauses = append(clauses, "token = ?")
		args = append(args, token)
	}
	if distinctID := strings.TrimSpace(q.DistinctID); distinctID != "" {
		clauses = append(clauses, "distinct_id = ?")
		args = append(args, distinctID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// RecordSyncRequest stores a received request and returns its row id.
func (s *Store) RecordSyncRequest(ctx context.Context, req SyncRequest) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.Payload.Token) == "" {
		return 0, errors.New("sync request token is required")
	}

	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return 0, fmt.Errorf("encode sync request: %w", err)
	}

	receivedAt := req.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	var anon sql.NullString
	if req.Payload.AnonDistinctID != "" {
		anon = sql.NullString{String: req.Payload.AnonDistinctID, Valid: true}
	}

	result, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_requests (request_id, token, distinct_id, anon_distinct_id, payload, status_code, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.RequestID, req.Payload.Token, req.Payload.DistinctID, anon, string(payloadJSON), req.StatusCode, receivedAt.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("record sync request: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record sync request: %w", err)
	}
	return id, nil
}

// ListSyncRequests returns matching requests in the order they were received.
func (s *Store) ListSyncRequests(ctx context.Context, q SyncRequestQuery) ([]SyncRequest, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := q.whereClause()
	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, request_id, payload, status_code, received_at
		FROM sync_requests
		%s
		ORDER BY received_at, id
		%s
	`, where, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list sync requests: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	requests := []SyncRequest{}
	for rows.Next() {
		var (
			req         SyncRequest
			payloadJSON string
			receivedAt  int64
		)
		if err := rows.Scan(&req.ID, &req.RequestID, &payloadJSON, &req.StatusCode, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan sync requests: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &req.Payload); err != nil {
			return nil, fmt.Errorf("decode sync request %d: %w", req.ID, err)
		}
		req.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sync requests: %w", err)
	}

	return requests, nil
}

// CountSyncRequests returns the number of requests matching q. q.Limit is
// ignored.
func (s *Store) CountSyncRequests(ctx context.Context, q SyncRequestQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := q.whereClause()
	var count int64
	err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM sync_requests
		%s
	`, where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count sync requests: %w", err)
	}
	return count, nil
}

// ResetSyncRequests deletes the requests for token, or all requests when
// token is empty. It returns the number of rows removed.
func (s *Store) ResetSyncRequests(ctx context.Context, token string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := SyncRequestQuery{Token: token}.whereClause()
	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM sync_requests
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset sync requests: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset sync requests: %w", err)
	}
	return affected, nil
}
