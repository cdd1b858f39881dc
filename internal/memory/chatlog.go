package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Exchange is one completed prompt/response pair, with the web search
// queries issued while producing it partitioned by the safety guard's
// verdict.
type Exchange struct {
	ID            string
	UserID        string
	Prompt        string
	Response      string
	SafeQueries   []string
	UnsafeQueries []string
	CreatedAt     time.Time
}

// AppendExchange writes a completed exchange to the chat log. Callers
// treat failures as non-fatal: the conversational answer has already
// been produced, so persistence errors are logged and swallowed at the
// call site.
func (s *Store) AppendExchange(ctx context.Context, ex Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	safe, err := json.Marshal(ex.SafeQueries)
	if err != nil {
		return fmt.Errorf("marshal safe queries: %w", err)
	}
	unsafe, err := json.Marshal(ex.UnsafeQueries)
	if err != nil {
		return fmt.Errorf("marshal unsafe queries: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_logs (id, user_id, prompt, response, safe_queries, unsafe_queries, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.UserID, ex.Prompt, ex.Response, string(safe), string(unsafe), ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat log: %w", err)
	}
	return nil
}

// RecentExchanges returns the user's last limit exchanges, oldest
// first, ready to seed conversation context.
func (s *Store) RecentExchanges(ctx context.Context, userID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, prompt, response, safe_queries, unsafe_queries, created_at
		 FROM chat_logs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat logs: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var safe, unsafe sql.NullString
		if err := rows.Scan(&ex.ID, &ex.UserID, &ex.Prompt, &ex.Response, &safe, &unsafe, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat log: %w", err)
		}
		if safe.Valid {
			json.Unmarshal([]byte(safe.String), &ex.SafeQueries)
		}
		if unsafe.Valid {
			json.Unmarshal([]byte(unsafe.String), &ex.UnsafeQueries)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat logs: %w", err)
	}

	// Reverse: DESC query, oldest-first result.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
