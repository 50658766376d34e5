package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/termpool/internal/api"
)

func startStubDaemon(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "termpoold.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Skipf("unix domain sockets unavailable: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return socketPath
}

func stubJSON(t *testing.T, payload any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			t.Errorf("encode stub payload: %v", err)
		}
	}
}

func TestParseGlobalArgs(t *testing.T) {
	socket, rest, err := parseGlobalArgs([]string{"--socket", "/tmp/x.sock", "list"})
	if err != nil || socket != "/tmp/x.sock" || len(rest) != 1 || rest[0] != "list" {
		t.Fatalf("unexpected parse: socket=%q rest=%v err=%v", socket, rest, err)
	}
	socket, rest, err = parseGlobalArgs([]string{"--socket=/tmp/y.sock", "health", "--json"})
	if err != nil || socket != "/tmp/y.sock" || len(rest) != 2 {
		t.Fatalf("unexpected parse: socket=%q rest=%v err=%v", socket, rest, err)
	}
	if _, _, err := parseGlobalArgs([]string{"--socket"}); err == nil {
		t.Fatalf("expected error for dangling --socket")
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRunner("/nonexistent.sock", &out, &errOut)
	if code := r.Run(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("missing diagnostic: %q", errOut.String())
	}
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRunner("/nonexistent.sock", &out, &errOut)
	if code := r.Run(context.Background(), nil); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "usage:") {
		t.Fatalf("missing usage: %q", errOut.String())
	}
}

func TestHealthCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", stubJSON(t, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	}))
	socket := startStubDaemon(t, mux)

	var out, errOut bytes.Buffer
	r := NewRunner(socket, &out, &errOut)
	if code := r.Run(context.Background(), []string{"health"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", code, errOut.String())
	}
	if strings.TrimSpace(out.String()) != "daemon ok" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestListCommandFormatsSessions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", stubJSON(t, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions: []api.SessionItem{
			{SessionID: "term-1", Cwd: "/work", State: "ready", Attached: true},
			{SessionID: "term-2", Cwd: "/home", Command: "htop", State: "exited"},
		},
	}))
	socket := startStubDaemon(t, mux)

	var out, errOut bytes.Buffer
	r := NewRunner(socket, &out, &errOut)
	if code := r.Run(context.Background(), []string{"list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if !strings.Contains(lines[0], "shell") || !strings.Contains(lines[0], "attached") {
		t.Fatalf("plain shell line malformed: %q", lines[0])
	}
	if !strings.Contains(lines[1], "htop") || strings.Contains(lines[1], "attached") {
		t.Fatalf("command line malformed: %q", lines[1])
	}
}

func TestListCommandJSONOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", stubJSON(t, api.SessionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Sessions:      []api.SessionItem{{SessionID: "term-1", State: "ready"}},
	}))
	socket := startStubDaemon(t, mux)

	var out, errOut bytes.Buffer
	r := NewRunner(socket, &out, &errOut)
	if code := r.Run(context.Background(), []string{"list", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", code, errOut.String())
	}
	var resp api.SessionsEnvelope
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("output is not JSON: %v, %q", err, out.String())
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].SessionID != "term-1" {
		t.Fatalf("unexpected JSON payload: %+v", resp)
	}
}

func TestKillCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/", stubJSON(t, api.DisposeResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		SessionID:     "term-1",
		Disposed:      true,
	}))
	socket := startStubDaemon(t, mux)

	var out, errOut bytes.Buffer
	r := NewRunner(socket, &out, &errOut)
	if code := r.Run(context.Background(), []string{"kill", "term-1"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%q", code, errOut.String())
	}
	if !strings.Contains(out.String(), "disposed term-1") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestKillRequiresSessionID(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRunner("/nonexistent.sock", &out, &errOut)
	if code := r.Run(context.Background(), []string{"kill"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestDaemonUnreachableReturnsOne(t *testing.T) {
	var out, errOut bytes.Buffer
	r := NewRunner(filepath.Join(t.TempDir(), "absent.sock"), &out, &errOut)
	if code := r.Run(context.Background(), []string{"health"}); code != 1 {
		t.Fatalf("expected exit 1, got %d stderr=%q", code, errOut.String())
	}
	if !strings.Contains(errOut.String(), "error:") {
		t.Fatalf("missing error output: %q", errOut.String())
	}
}
