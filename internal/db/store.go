package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/termpool/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store persists session metadata and scrollback so history survives a
// daemon restart.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) UpsertSession(ctx context.Context, info model.SessionInfo) error {
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	if info.LastAttachedAt.IsZero() {
		info.LastAttachedAt = info.CreatedAt
	}
	var exitedAt any
	if info.ExitedAt != nil {
		exitedAt = ts(*info.ExitedAt)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, cwd, command, created_at, last_attached_at, exited_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	cwd=excluded.cwd,
	command=excluded.command,
	last_attached_at=excluded.last_attached_at,
	exited_at=excluded.exited_at
`, info.SessionID, info.Cwd, info.Command, ts(info.CreatedAt), ts(info.LastAttachedAt), exitedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET last_attached_at = ? WHERE session_id = ?
`, ts(at), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) MarkSessionExited(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET exited_at = ? WHERE session_id = ?
`, ts(at), id)
	if err != nil {
		return fmt.Errorf("mark session exited: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark session exited %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkSessionRestarted clears the exit marker and the stored command after a
// shell fallback: from here on the session behaves like a plain shell.
func (s *Store) MarkSessionRestarted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET exited_at = NULL, command = '' WHERE session_id = ?
`, id)
	if err != nil {
		return fmt.Errorf("mark session restarted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark session restarted %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (model.SessionInfo, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, cwd, command, created_at, last_attached_at, exited_at
FROM sessions WHERE session_id = ?
`, id)
	info, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionInfo{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.SessionInfo{}, fmt.Errorf("get session: %w", err)
	}
	return info, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]model.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, cwd, command, created_at, last_attached_at, exited_at
FROM sessions ORDER BY last_attached_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []model.SessionInfo
	for rows.Next() {
		info, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendScrollback stores one output chunk under the next sequence number.
func (s *Store) AppendScrollback(ctx context.Context, id string, chunk []byte, at time.Time) error {
	if len(chunk) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scrollback(session_id, chunk_seq, bytes, written_at)
SELECT ?, COALESCE(MAX(chunk_seq), 0) + 1, ?, ?
FROM scrollback WHERE session_id = ?
`, id, chunk, ts(at), id)
	if err != nil {
		return fmt.Errorf("append scrollback: %w", err)
	}
	return nil
}

// LoadScrollback concatenates the stored chunks in write order.
func (s *Store) LoadScrollback(ctx context.Context, id string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT bytes FROM scrollback WHERE session_id = ? ORDER BY chunk_seq ASC
`, id)
	if err != nil {
		return nil, fmt.Errorf("load scrollback: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, fmt.Errorf("scan scrollback chunk: %w", err)
		}
		out = append(out, chunk...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scrollback: %w", err)
	}
	return out, nil
}

func (s *Store) PurgeScrollback(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scrollback WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("purge scrollback: %w", err)
	}
	return nil
}

// TrimScrollback drops the oldest chunks of a session until the stored byte
// total fits limitBytes. Called periodically by the daemon's retention loop.
func (s *Store) TrimScrollback(ctx context.Context, id string, limitBytes int) error {
	if limitBytes <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM scrollback
WHERE session_id = ?1 AND chunk_seq < (
	SELECT MIN(chunk_seq) FROM (
		SELECT chunk_seq, SUM(LENGTH(bytes)) OVER (ORDER BY chunk_seq DESC) AS running
		FROM scrollback WHERE session_id = ?1
	) WHERE running <= ?2
)
`, id, limitBytes)
	if err != nil {
		return fmt.Errorf("trim scrollback: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.SessionInfo, error) {
	var info model.SessionInfo
	var createdAt, lastAttachedAt string
	var exitedAt sql.NullString
	if err := row.Scan(&info.SessionID, &info.Cwd, &info.Command, &createdAt, &lastAttachedAt, &exitedAt); err != nil {
		return model.SessionInfo{}, err
	}
	var err error
	if info.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.SessionInfo{}, err
	}
	if info.LastAttachedAt, err = parseTS(lastAttachedAt); err != nil {
		return model.SessionInfo{}, err
	}
	if exitedAt.Valid {
		t, err := parseTS(exitedAt.String)
		if err != nil {
			return model.SessionInfo{}, err
		}
		info.ExitedAt = &t
	}
	return info, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
