package daemon

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/g960059/termpool/internal/appclient"
	"github.com/g960059/termpool/internal/model"
	"github.com/g960059/termpool/internal/protocol"
)

func startStreamServer(t *testing.T) (*Server, *fakeExecutor) {
	t.Helper()
	srv, executor, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	waitForSocket(t, srv.cfg.SocketPath, errCh)
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Errorf("timeout waiting for server shutdown")
		}
	})
	return srv, executor
}

func dialTestStream(t *testing.T, srv *Server, handler appclient.StreamHandler) *appclient.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := appclient.New(srv.cfg.SocketPath).DialStream(ctx, handler)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })
	return stream
}

func waitForInput(t *testing.T, executor *fakeExecutor, id string, want []byte) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if bytes.Contains(executor.inputFor(id), want) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("input %q never reached backend, have %q", want, executor.inputFor(id))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStreamAttachWriteDispose(t *testing.T) {
	srv, executor := startStreamServer(t)

	closed := make(chan protocol.CloseSessionPayload, 1)
	stream := dialTestStream(t, srv, appclient.StreamHandler{
		OnCloseSession: func(p protocol.CloseSessionPayload) {
			select {
			case closed <- p:
			default:
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	attached, err := stream.Attach(ctx, protocol.AttachPayload{
		SessionID: "term-1",
		Cwd:       "/tmp",
		Cols:      80,
		Rows:      24,
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if attached.SessionID != "term-1" {
		t.Fatalf("unexpected attach reply: %+v", attached)
	}
	if attached.State != string(model.StateReady) {
		t.Fatalf("expected ready state, got %+v", attached)
	}
	if attached.Cols != 80 || attached.Rows != 24 {
		t.Fatalf("unexpected geometry: %+v", attached)
	}
	if _, err := base64.StdEncoding.DecodeString(attached.SnapshotB64); err != nil {
		t.Fatalf("snapshot not base64: %v", err)
	}

	if err := stream.Write("term-1", []byte("ls -la\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForInput(t, executor, "term-1", []byte("ls -la\n"))

	if err := stream.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := stream.Dispose(ctx, "term-1"); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	killed := executor.killedIDs()
	if len(killed) != 1 || killed[0] != "term-1" {
		t.Fatalf("backend kill not issued on dispose: %+v", killed)
	}
	if srv.pool.Exists("term-1") {
		t.Fatalf("pool must forget a disposed session")
	}
}

func TestStreamDirectInputSuppressesEchoedWrite(t *testing.T) {
	srv, executor := startStreamServer(t)
	stream := dialTestStream(t, srv, appclient.StreamHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := stream.Attach(ctx, protocol.AttachPayload{SessionID: "term-1", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := stream.DirectInput("term-1", "ね", false); err != nil {
		t.Fatalf("direct input: %v", err)
	}
	waitForInput(t, executor, "term-1", []byte("ね"))

	// The client emulator echoes the same text down the write path right
	// after; the pool must swallow the duplicate.
	if err := stream.Write("term-1", []byte("ね")); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := executor.inputFor("term-1"); !bytes.Equal(got, []byte("ね")) {
		t.Fatalf("duplicate keystroke reached backend: %q", got)
	}

	// A later, non-duplicate write passes through.
	if err := stream.Write("term-1", []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForInput(t, executor, "term-1", []byte("ねx"))
}

func TestStreamAttachTouchesSessionRow(t *testing.T) {
	srv, executor := startStreamServer(t)
	ctx := context.Background()

	// A live backend process plus a stale persisted row: the attach skips the
	// create, so only the touch records the reconnect.
	executor.mu.Lock()
	executor.sessions["term-1"] = &fakeProc{cwd: "/work"}
	executor.mu.Unlock()
	old := time.Now().Add(-time.Hour).UTC()
	if err := srv.store.UpsertSession(ctx, model.SessionInfo{
		SessionID:      "term-1",
		Cwd:            "/work",
		CreatedAt:      old,
		LastAttachedAt: old,
	}); err != nil {
		t.Fatalf("seed session row: %v", err)
	}

	stream := dialTestStream(t, srv, appclient.StreamHandler{})
	attachCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := stream.Attach(attachCtx, protocol.AttachPayload{SessionID: "term-1", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	got, err := srv.store.GetSession(ctx, "term-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.LastAttachedAt.After(old) {
		t.Fatalf("attach must bump last_attached_at, still %v", got.LastAttachedAt)
	}
}

func TestStreamDetachKeepsSessionAlive(t *testing.T) {
	srv, executor := startStreamServer(t)
	stream := dialTestStream(t, srv, appclient.StreamHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := stream.Attach(ctx, protocol.AttachPayload{SessionID: "term-1", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := stream.Detach("term-1"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	// Frame ordering on one connection: the ping reply proves the detach was
	// processed first.
	if err := stream.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if !srv.pool.Exists("term-1") {
		t.Fatalf("detach must not dispose the session")
	}
	if exists, _ := executor.Exists(context.Background(), "term-1"); !exists {
		t.Fatalf("backend process must survive a detach")
	}

	// Reconnecting finds the same session, no second create.
	attached, err := stream.Attach(ctx, protocol.AttachPayload{SessionID: "term-1", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("re-attach: %v", err)
	}
	if attached.State != string(model.StateReady) {
		t.Fatalf("expected ready on re-attach, got %+v", attached)
	}
}

func TestStreamConnectionCloseDetachesSessions(t *testing.T) {
	srv, _ := startStreamServer(t)
	stream := dialTestStream(t, srv, appclient.StreamHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := stream.Attach(ctx, protocol.AttachPayload{SessionID: "term-1", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		meta, ok := srv.pool.Meta("term-1")
		if ok && !meta.Attached {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("session still attached after connection close")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !srv.pool.Exists("term-1") {
		t.Fatalf("connection close must detach, never dispose")
	}
}

func TestStreamVisibilityCarriesScrollOffset(t *testing.T) {
	srv, _ := startStreamServer(t)
	stream := dialTestStream(t, srv, appclient.StreamHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := stream.Attach(ctx, protocol.AttachPayload{SessionID: "term-1", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	offset := 42
	if err := stream.Visibility("term-1", true, &offset); err != nil {
		t.Fatalf("visibility: %v", err)
	}
	// Frame ordering on one connection: the ping reply proves the visibility
	// frame was processed first.
	if err := stream.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if got := srv.pool.GetOrCreate("term-1").Surface().ScrollOffset(); got != 42 {
		t.Fatalf("scroll offset not pinned on the surface, got %d", got)
	}
}

func TestStreamSelectionFrameIsAccepted(t *testing.T) {
	srv, _ := startStreamServer(t)
	stream := dialTestStream(t, srv, appclient.StreamHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := stream.Attach(ctx, protocol.AttachPayload{SessionID: "term-1", Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := stream.Selection("term-1", "make test"); err != nil {
		t.Fatalf("selection: %v", err)
	}
	// The ping reply proves the selection frame was processed without error.
	if err := stream.Ping(ctx); err != nil {
		t.Fatalf("ping after selection: %v", err)
	}
}

func TestStreamRejectsBlankSessionID(t *testing.T) {
	srv, _ := startStreamServer(t)
	stream := dialTestStream(t, srv, appclient.StreamHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := stream.Attach(ctx, protocol.AttachPayload{SessionID: "  "}); err == nil {
		t.Fatalf("expected error for blank session id")
	}
	if err := stream.Ping(ctx); err != nil {
		t.Fatalf("stream must survive a rejected attach: %v", err)
	}
}
