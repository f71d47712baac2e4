package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one entry in the conversation history.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Origin    string         `json:"origin"`
	Extra     map[string]any `json:"extra,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// InsertMessage appends a message to the history. extra may be nil.
func (s *Store) InsertMessage(ctx context.Context, role, content, origin string, extra map[string]any) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx,
		`INSERT INTO messages (id, role, content, origin, extra)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, role, content, origin, extra,
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// ListMessages returns the most recent messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, role, content, origin, extra, created_at
		 FROM (SELECT * FROM messages ORDER BY created_at DESC LIMIT $1) sub
		 ORDER BY created_at ASC`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Origin, &m.Extra, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
