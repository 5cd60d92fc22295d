package config

import (
	"context"
	"testing"

	"github.com/chatcore/core/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Users: []UserEntry{
			{ID: "user-1", Role: "admin", Plan: "paid"},
		},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	u, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatal("get user:", err)
	}
	if u.Role != "admin" || u.Plan != "paid" {
		t.Errorf("unexpected seeded user: %+v", u)
	}

	// Second call is idempotent and does not clobber the user.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("idempotent bootstrap:", err)
	}
	u2, err := store.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatal("get user:", err)
	}
	if u2.CreatedAt != u.CreatedAt {
		t.Errorf("second bootstrap should not re-create the user")
	}
}

func TestBootstrapSkipsEmptyIDs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Users: []UserEntry{{ID: "", Role: "member"}},
	}

	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}
}
