package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/chatcore/core/internal/chat"
)

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*chat.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, role, plan, requests_today, tokens_today, quota_reset_at, created_at
		 FROM users WHERE id = ?`, id,
	)
	return scanUser(row)
}

// UpsertUser inserts u or updates its role/plan/quota fields if it already exists.
func (s *Store) UpsertUser(ctx context.Context, u *chat.User) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, role, plan, requests_today, tokens_today, quota_reset_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   role=excluded.role, plan=excluded.plan,
		   requests_today=excluded.requests_today, tokens_today=excluded.tokens_today,
		   quota_reset_at=excluded.quota_reset_at`,
		u.ID, u.Role, string(u.Plan), u.Quotas.RequestsToday, u.Quotas.TokensToday,
		timeToStr(&u.Quotas.ResetAt), u.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func scanUser(s scanner) (*chat.User, error) {
	var u chat.User
	var plan string
	var resetAt, createdAt sql.NullString

	err := s.Scan(&u.ID, &u.Role, &plan, &u.Quotas.RequestsToday, &u.Quotas.TokensToday, &resetAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.Plan = chat.Plan(plan)
	if t := parseTime(resetAt); t != nil {
		u.Quotas.ResetAt = *t
	}
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	return &u, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
