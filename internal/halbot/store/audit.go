package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Audit results.
const (
	ResultOK       = "ok"
	ResultFallback = "fallback"
	ResultRefused  = "refused"
	ResultError    = "error"
)

// AuditEntry records one completion-calling command. It never contains
// message text.
type AuditEntry struct {
	ID             int64
	Timestamp      time.Time
	TraceID        string
	Sender         string
	RoomID         string
	ConversationID string
	Command        string
	Result         string
	TotalTokens    int
	Incremental    int
	Evicted        int
	Latency        time.Duration
	ErrorMessage   string
}

// WriteAudit inserts e. Timestamp defaults to now.
func (s *Store) WriteAudit(ctx context.Context, e AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, sender, room_id, conversation_id, command, result,
			total_tokens, incremental, evicted, latency_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp.UTC(), e.TraceID, e.Sender, nullString(e.RoomID), nullString(e.ConversationID), e.Command, e.Result,
		e.TotalTokens, e.Incremental, e.Evicted, e.Latency.Milliseconds(), nullString(e.ErrorMessage))
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// GetAuditLog returns the most recent entries, newest first.
// limit ≤ 0 selects 20.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryAudit(ctx, `
		SELECT id, ts, trace_id, sender, room_id, conversation_id, command, result,
			total_tokens, incremental, evicted, latency_ms, error_message
		FROM audit_log
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, limit)
}

// GetRoomAuditLog is GetAuditLog restricted to calls made from roomID.
func (s *Store) GetRoomAuditLog(ctx context.Context, roomID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryAudit(ctx, `
		SELECT id, ts, trace_id, sender, room_id, conversation_id, command, result,
			total_tokens, incremental, evicted, latency_ms, error_message
		FROM audit_log
		WHERE room_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, roomID, limit)
}

// GetAuditByTrace returns every entry of one trace, oldest first.
func (s *Store) GetAuditByTrace(ctx context.Context, traceID string) ([]AuditEntry, error) {
	return s.queryAudit(ctx, `
		SELECT id, ts, trace_id, sender, room_id, conversation_id, command, result,
			total_tokens, incremental, evicted, latency_ms, error_message
		FROM audit_log
		WHERE trace_id = ?
		ORDER BY ts ASC, id ASC
	`, traceID)
}

// TokensUsedSince sums total_tokens charged to sender since t.
func (s *Store) TokensUsedSince(ctx context.Context, sender string, t time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0) FROM audit_log WHERE sender = ? AND ts >= ?
	`, sender, t.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum token usage: %w", err)
	}
	return total, nil
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			roomID    sql.NullString
			convID    sql.NullString
			errMsg    sql.NullString
			latencyMS int64
		)
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.TraceID, &e.Sender, &roomID, &convID, &e.Command, &e.Result,
			&e.TotalTokens, &e.Incremental, &e.Evicted, &latencyMS, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.RoomID = roomID.String
		e.ConversationID = convID.String
		e.ErrorMessage = errMsg.String
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
