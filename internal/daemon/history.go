package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/g960059/termpool/internal/config"
	"github.com/g960059/termpool/internal/db"
	"github.com/g960059/termpool/internal/model"
	"github.com/g960059/termpool/internal/termpool"
)

// historyBackend wraps the live PTY executor with write-through persistence:
// session rows and scrollback chunks land in sqlite as a side effect of
// backend operations, and scrollback reads fall back to the store when the
// executor has no live process for the id (daemon restart).
type HistoryBackend struct {
	inner termpool.Backend
	store *db.Store
	limit int
	now   func() time.Time
}

func NewHistoryBackend(inner termpool.Backend, store *db.Store, cfg config.Config) *HistoryBackend {
	return &HistoryBackend{
		inner: inner,
		store: store,
		limit: cfg.ScrollbackLimitBytes,
		now:   time.Now,
	}
}

func (b *HistoryBackend) Exists(ctx context.Context, id string) (bool, error) {
	return b.inner.Exists(ctx, id)
}

func (b *HistoryBackend) Create(ctx context.Context, id, cwd, command string) error {
	if err := b.inner.Create(ctx, id, cwd, command); err != nil {
		return err
	}
	now := b.now().UTC()
	prev, prevErr := b.store.GetSession(ctx, id)
	if prevErr == nil && command == "" && prev.ExitedAt != nil {
		// Shell fallback after a command exit: clear the exit marker and
		// the stored command, leave the rest of the row untouched.
		if err := b.store.MarkSessionRestarted(ctx, id); err != nil {
			return fmt.Errorf("mark session restarted %s: %w", id, err)
		}
		return nil
	}
	info := model.SessionInfo{
		SessionID:      id,
		Cwd:            cwd,
		Command:        command,
		CreatedAt:      now,
		LastAttachedAt: now,
	}
	if prevErr == nil {
		info.CreatedAt = prev.CreatedAt
	}
	if err := b.store.UpsertSession(ctx, info); err != nil {
		return fmt.Errorf("persist session %s: %w", id, err)
	}
	return nil
}

func (b *HistoryBackend) Write(ctx context.Context, id string, p []byte) error {
	return b.inner.Write(ctx, id, p)
}

func (b *HistoryBackend) Resize(ctx context.Context, id string, cols, rows int) error {
	return b.inner.Resize(ctx, id, cols, rows)
}

func (b *HistoryBackend) Kill(ctx context.Context, id string) error {
	if err := b.inner.Kill(ctx, id); err != nil {
		return err
	}
	if err := b.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (b *HistoryBackend) Scrollback(ctx context.Context, id string) ([]byte, error) {
	history, err := b.inner.Scrollback(ctx, id)
	if err != nil {
		return nil, err
	}
	if history != nil {
		return history, nil
	}
	return b.store.LoadScrollback(ctx, id)
}

func (b *HistoryBackend) PurgeScrollback(ctx context.Context, id string) error {
	if err := b.inner.PurgeScrollback(ctx, id); err != nil {
		return err
	}
	return b.store.PurgeScrollback(ctx, id)
}

// runPump drains the executor's event channels into the pool and the store
// until ctx is cancelled. One goroutine per daemon; per-session ordering is
// preserved because each channel is consumed sequentially.
func RunPump(ctx context.Context, pool *termpool.Pool, store *db.Store, data <-chan model.DataEvent, exits <-chan model.ExitEvent, scrollbackLimit int) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-data:
			if !ok {
				return
			}
			now := time.Now().UTC()
			if err := store.AppendScrollback(ctx, ev.SessionID, ev.Bytes, now); err != nil {
				logErr("persist scrollback for "+ev.SessionID, err)
			} else if err := store.TrimScrollback(ctx, ev.SessionID, scrollbackLimit); err != nil {
				logErr("trim scrollback for "+ev.SessionID, err)
			}
			pool.HandleData(ev.SessionID, ev.Bytes)
		case ev, ok := <-exits:
			if !ok {
				return
			}
			if err := store.MarkSessionExited(ctx, ev.SessionID, time.Now().UTC()); err != nil && !errors.Is(err, db.ErrNotFound) {
				logErr("mark exited for "+ev.SessionID, err)
			}
			pool.HandleExit(ev.SessionID)
		}
	}
}

func logErr(scope string, err error) {
	fmt.Fprintf(os.Stderr, "termpoold: %s: %v\n", scope, err)
}
