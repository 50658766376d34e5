package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
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

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		t.Errorf("encode stub response: %v", err)
	}
}

func TestHealthRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, api.HealthResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Status:        "ok",
		})
	})
	client := New(startStubDaemon(t, mux))

	resp, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.Status != "ok" || resp.SchemaVersion != api.SchemaVersion {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestListSessionsDecodesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, api.SessionsEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Sessions: []api.SessionItem{
				{SessionID: "term-1", Cwd: "/work", State: "ready", Attached: true},
			},
		})
	})
	client := New(startStubDaemon(t, mux))

	resp, err := client.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].SessionID != "term-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !resp.Sessions[0].Attached || resp.Sessions[0].State != "ready" {
		t.Fatalf("unexpected session item: %+v", resp.Sessions[0])
	}
}

func TestErrorEnvelopeBecomesRequestError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusNotFound, api.ErrorResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Error: api.APIError{
				Code:    "E_SESSION_NOT_FOUND",
				Message: "session not found",
			},
		})
	})
	client := New(startStubDaemon(t, mux))

	_, err := client.GetSession(context.Background(), "ghost")
	if err == nil {
		t.Fatalf("expected error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T: %v", err, err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Code != "E_SESSION_NOT_FOUND" {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if reqErr.Error() != "E_SESSION_NOT_FOUND: session not found" {
		t.Fatalf("unexpected error string: %q", reqErr.Error())
	}
}

func TestNonJSONErrorBodyStillSurfacesStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	client := New(startStubDaemon(t, mux))

	_, err := client.Health(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T: %v", err, err)
	}
	if reqErr.StatusCode != http.StatusBadGateway || reqErr.Code != "HTTP_502" {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
}

func TestUnaryTimeoutAppliesWithoutDeadline(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	client := New(startStubDaemon(t, mux)).WithUnaryTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := client.Health(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout not applied, waited %v", elapsed)
	}
}

func TestDisposeUsesDeleteMethod(t *testing.T) {
	var gotMethod, gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/", func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		writeEnvelope(t, w, http.StatusOK, api.DisposeResponse{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			SessionID:     "term-1",
			Disposed:      true,
		})
	})
	client := New(startStubDaemon(t, mux))

	resp, err := client.Dispose(context.Background(), "term-1")
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if !resp.Disposed {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/sessions/term-1" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
}
