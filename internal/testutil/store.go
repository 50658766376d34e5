package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/termpool/internal/db"
	"github.com/g960059/termpool/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "termpool-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedSession(t *testing.T, store *db.Store, ctx context.Context, id, cwd, command string) model.SessionInfo {
	t.Helper()
	now := time.Now().UTC()
	info := model.SessionInfo{
		SessionID:      id,
		Cwd:            cwd,
		Command:        command,
		CreatedAt:      now,
		LastAttachedAt: now,
	}
	if err := store.UpsertSession(ctx, info); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return info
}
