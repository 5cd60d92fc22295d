package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatcore/core/internal/chat"
	"github.com/chatcore/core/internal/storage"
)

// Bootstrap seeds known users from the config file on first run. Providers
// are registered in memory at process start (see cmd/chatcore) and are
// never persisted; a user seeded here that already exists is left alone so
// restarting the process never clobbers usage counters the worker pool has
// since accumulated.
func Bootstrap(ctx context.Context, cfg *Config, store storage.UserStore) error {
	for _, u := range cfg.Users {
		if u.ID == "" {
			continue
		}
		existing, _ := store.GetUser(ctx, u.ID)
		if existing != nil {
			continue
		}

		plan := chat.Plan(u.Plan)
		if plan == "" {
			plan = chat.PlanFree
		}
		role := u.Role
		if role == "" {
			role = "member"
		}

		user := &chat.User{
			ID:        u.ID,
			Role:      role,
			Plan:      plan,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.UpsertUser(ctx, user); err != nil {
			return err
		}
		slog.Info("bootstrapped user", "id", user.ID, "role", role, "plan", plan)
	}
	return nil
}
