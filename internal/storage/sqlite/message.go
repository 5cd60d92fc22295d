package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chatcore/core/internal/chat"
)

// AppendMessage persists a single message. A summary message also bumps the
// owning session's summary counter, since it marks one context-condensation
// pass having taken place.
func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := msg.Status
	if status == "" {
		status = chat.MessageStatusCompleted
	}
	var errMessage, errCode string
	var errRetryable bool
	if msg.Err != nil {
		errMessage, errCode, errRetryable = msg.Err.Message, msg.Err.Code, msg.Err.Retryable
	}
	// A fixed-width UTC timestamp keeps created_at in chronological order
	// when the column is sorted as text.
	createdAtStr := createdAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, prompt_tokens,
		 completion_tokens, is_summary, created_at, status, error_message, error_code, error_retryable)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content,
		msg.PromptTokens, msg.CompletionTokens, boolToInt(msg.IsSummary),
		createdAtStr, string(status), errMessage, errCode, boolToInt(errRetryable),
	)
	if err != nil {
		return err
	}
	if msg.IsSummary {
		return s.bumpSummaryCount(ctx, msg.SessionID)
	}
	return nil
}

// DeleteMessages removes the given message rows, e.g. once they have been
// folded into a summary message by the context manager.
func (s *Store) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.write.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM messages WHERE id IN (%s)`, placeholders), args...)
	return err
}

// RecentMessages returns a session's messages in chronological order. A
// limit of 0 returns the full history; a positive limit returns only the
// most recent N messages, still in chronological order, so the result is
// always ready to hand straight to a provider as conversation context.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	return s.queryMessages(ctx, sessionID, limit)
}

// ListMessages is the transport-facing equivalent of RecentMessages, used by
// the message-listing endpoint.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	return s.queryMessages(ctx, sessionID, limit)
}

func (s *Store) queryMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	var rows *sql.Rows
	var err error
	const cols = `id, session_id, role, content, prompt_tokens, completion_tokens, is_summary,
		created_at, status, error_message, error_code, error_retryable`
	if limit > 0 {
		rows, err = s.read.QueryContext(ctx,
			`SELECT `+cols+` FROM messages WHERE session_id = ?
			 ORDER BY created_at DESC LIMIT ?`, sessionID, limit,
		)
	} else {
		rows, err = s.read.QueryContext(ctx,
			`SELECT `+cols+` FROM messages WHERE session_id = ?
			 ORDER BY created_at ASC`, sessionID,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		// the DESC query above was for LIMIT's sake; restore chronological order.
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// ClearContext deletes a session's message history, resetting its
// conversation while leaving the session row itself intact. When keepSystem
// is true, system messages are retained and only the non-system rows are
// deleted. The session's persisted
// token total is always zeroed, since the remaining history (if any) no
// longer reflects accumulated usage.
func (s *Store) ClearContext(ctx context.Context, sessionID string, keepSystem bool) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if keepSystem {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM messages WHERE session_id = ? AND role != ?`, sessionID, string(chat.RoleSystem))
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET total_tokens = 0, last_activity_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), sessionID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func scanMessage(r scanner) (chat.Message, error) {
	var m chat.Message
	var role, status, errMessage, errCode string
	var isSummary, errRetryable int
	var createdAt string

	err := r.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.PromptTokens,
		&m.CompletionTokens, &isSummary, &createdAt, &status, &errMessage, &errCode, &errRetryable)
	if err != nil {
		return chat.Message{}, err
	}
	m.Role = chat.Role(role)
	m.IsSummary = isSummary != 0
	m.Status = chat.MessageStatus(status)
	if errMessage != "" || errCode != "" {
		m.Err = &chat.MessageError{Message: errMessage, Code: errCode, Retryable: errRetryable != 0}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		m.CreatedAt = t
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
