package store

import (
	"context"
	"time"
)

// Turn is one message in a user's conversation memory.
type Turn struct {
	ID         int64     `json:"-"`
	UserID     string    `json:"-"`
	Role       string    `json:"role"` // user | assistant
	Content    string    `json:"content"`
	Intent     string    `json:"intent,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AppendTurn persists one conversation turn. Writes happen only after the
// state-machine transition commits; the hot window in the cache is advisory.
func (s *Store) AppendTurn(ctx context.Context, t *Turn) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO conversation_memory (user_id, role, content, intent, confidence)
		VALUES ($1, $2, $3, $4, $5)
	`, t.UserID, t.Role, t.Content, t.Intent, t.Confidence)
	return err
}

// RecentTurns returns the user's most recent turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, userID string, n int) ([]Turn, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, role, content, intent, confidence, created_at
		FROM conversation_memory
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.Content, &t.Intent,
			&t.Confidence, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteOldTurns reaps conversation memory past the retention window.
func (s *Store) DeleteOldTurns(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		DELETE FROM conversation_memory WHERE created_at < now() - $1::interval
	`, retention.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
