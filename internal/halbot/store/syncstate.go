package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SyncValue returns a value of the Matrix sync position for userID, or ""
// when none has been saved.
func (s *Store) SyncValue(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?`,
		userID, key,
	).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("failed to load sync %s: %w", key, err)
	}
	return value, nil
}

// SetSyncValue upserts one value of the Matrix sync position.
func (s *Store) SetSyncValue(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, userID, key, value)
	if err != nil {
		return fmt.Errorf("failed to save sync %s: %w", key, err)
	}
	return nil
}
