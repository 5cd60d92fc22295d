package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/transport"
)

// CreateSession inserts a new session.
func (s *Store) CreateSession(ctx context.Context, sess *chat.Session) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, provider, model, system_prompt,
		 temperature, max_tokens, status, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Title, sess.Provider, sess.Model, sess.SystemPrompt,
		sess.Temperature, sess.MaxTokens, string(sess.Status),
		sess.CreatedAt.UTC().Format(time.RFC3339), sess.LastActivityAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*chat.Session, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, user_id, title, provider, model, system_prompt, temperature, max_tokens,
		 status, summary_count, created_at, last_activity_at
		 FROM sessions WHERE id = ?`, sessionID,
	)
	return scanSession(row)
}

// ListSessions returns a page of sessions for a user, newest first, along
// with the total count for that user.
func (s *Store) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*chat.Session, int, error) {
	var total int
	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, title, provider, model, system_prompt, temperature, max_tokens,
		 status, summary_count, created_at, last_activity_at
		 FROM sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []*chat.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// SetSessionTitle updates a session's derived title and bumps its
// last-activity timestamp.
func (s *Store) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET title = ?, last_activity_at = ? WHERE id = ?`,
		title, time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// AddSessionTokens accumulates a turn's token usage onto the session total
// and bumps last-activity.
func (s *Store) AddSessionTokens(ctx context.Context, sessionID string, tokens int64) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET total_tokens = total_tokens + ?, last_activity_at = ? WHERE id = ?`,
		tokens, time.Now().UTC().Format(time.RFC3339), sessionID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "session")
}

// ExpireInactiveSessions marks every active session whose last activity
// predates cutoff as expired, returning the number of sessions affected.
func (s *Store) ExpireInactiveSessions(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE status = ? AND last_activity_at < ?`,
		string(chat.SessionExpired), string(chat.SessionActive), cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// bumpSummaryCount increments a session's summary counter; called alongside
// a forced or threshold-triggered context summarisation.
func (s *Store) bumpSummaryCount(ctx context.Context, sessionID string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE sessions SET summary_count = summary_count + 1 WHERE id = ?`, sessionID,
	)
	return err
}

// SessionStats summarises a session for the stats endpoint.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (transport.SessionStats, error) {
	var stats transport.SessionStats
	var totalTokens int64
	var createdAt, lastActivityAt string

	err := s.read.QueryRowContext(ctx,
		`SELECT summary_count, total_tokens, created_at, last_activity_at
		 FROM sessions WHERE id = ?`, sessionID,
	).Scan(&stats.SummaryCount, &totalTokens, &createdAt, &lastActivityAt)
	if err != nil {
		return transport.SessionStats{}, notFoundErr(err)
	}
	stats.TotalTokens = totalTokens
	stats.CreatedAt = createdAt
	stats.LastActivityAt = lastActivityAt

	if err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&stats.MessageCount); err != nil {
		return transport.SessionStats{}, err
	}
	return stats, nil
}

func scanSession(r scanner) (*chat.Session, error) {
	var sess chat.Session
	var status string
	var createdAt, lastActivityAt sql.NullString

	err := r.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Provider, &sess.Model,
		&sess.SystemPrompt, &sess.Temperature, &sess.MaxTokens, &status, &sess.SummaryCount,
		&createdAt, &lastActivityAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	sess.Status = chat.SessionStatus(status)
	if t := parseTime(createdAt); t != nil {
		sess.CreatedAt = *t
	}
	if t := parseTime(lastActivityAt); t != nil {
		sess.LastActivityAt = *t
	}
	return &sess, nil
}
