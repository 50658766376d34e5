package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/termpool/internal/api"
	"github.com/g960059/termpool/internal/config"
	"github.com/g960059/termpool/internal/db"
	"github.com/g960059/termpool/internal/model"
	"github.com/g960059/termpool/internal/termpool"
)

// Server hosts the session pool behind a unix domain socket: unary JSON
// endpoints for health and session administration, plus the hijacked stream
// endpoint clients attach terminals through.
type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	store       *db.Store
	pool        *termpool.Pool
	backend     termpool.Backend
	serverID    string
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, store *db.Store, pool *termpool.Pool, backend termpool.Backend) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		store:    store,
		pool:     pool,
		backend:  backend,
		serverID: uuid.NewString(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	mux.HandleFunc("/v1/stream", s.streamHandler)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	infos, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list sessions")
		return
	}
	items := make([]api.SessionItem, 0, len(infos))
	for _, info := range infos {
		items = append(items, s.sessionItem(info))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].SessionID < items[j].SessionID })
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      items,
	})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "session not found")
		return
	}
	id, err := url.PathUnescape(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid session id encoding")
		return
	}
	id = strings.TrimSpace(id)
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getSession(w, r, id)
		case http.MethodDelete:
			s.disposeSession(w, r, id)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
		return
	}
	if len(parts) == 2 && parts[1] == "scrollback" {
		if r.Method != http.MethodDelete {
			s.methodNotAllowed(w, http.MethodDelete)
			return
		}
		s.purgeScrollback(w, r, id)
		return
	}
	s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "session route not found")
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, id string) {
	info, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "session not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to load session")
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Session:       s.sessionItem(info),
	})
}

// disposeSession is the one true destruction path: the backend process is
// killed, the pooled emulator destroyed and the persisted row removed.
func (s *Server) disposeSession(w http.ResponseWriter, r *http.Request, id string) {
	known := s.pool.Exists(id)
	if !known {
		if _, err := s.store.GetSession(r.Context(), id); err != nil {
			s.writeError(w, http.StatusNotFound, model.ErrSessionNotFound, "session not found")
			return
		}
	}
	if err := s.backend.Kill(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrBackendUnavailable, "failed to kill session")
		return
	}
	s.pool.Dispose(id)
	s.writeJSON(w, http.StatusOK, api.DisposeResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     id,
		Disposed:      true,
	})
}

func (s *Server) purgeScrollback(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.backend.PurgeScrollback(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrBackendUnavailable, "failed to purge scrollback")
		return
	}
	s.writeJSON(w, http.StatusOK, api.DisposeResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     id,
		Disposed:      false,
	})
}

func (s *Server) sessionItem(info model.SessionInfo) api.SessionItem {
	item := api.SessionItem{
		SessionID:      info.SessionID,
		Cwd:            info.Cwd,
		Command:        info.Command,
		State:          string(model.StateUninitialized),
		CreatedAt:      info.CreatedAt.UTC().Format(time.RFC3339Nano),
		LastAttachedAt: info.LastAttachedAt.UTC().Format(time.RFC3339Nano),
	}
	if info.ExitedAt != nil {
		exited := info.ExitedAt.UTC().Format(time.RFC3339Nano)
		item.ExitedAt = &exited
		item.State = string(model.StateExited)
	}
	if meta, ok := s.pool.Meta(info.SessionID); ok {
		item.State = string(meta.State)
		item.Attached = meta.Attached
		item.Renderer = string(meta.Renderer)
	}
	return item
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
