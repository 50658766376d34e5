package daemon

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/g960059/termpool/internal/db"
	"github.com/g960059/termpool/internal/model"
	"github.com/g960059/termpool/internal/protocol"
	"github.com/g960059/termpool/internal/termpool"
)

const streamUpgradeToken = "termpool-stream-v1"

// streamSession is one hijacked client connection. It acts as the render
// sink for every session attached through it: pool callbacks turn into
// push frames on the wire.
type streamSession struct {
	srv      *Server
	conn     net.Conn
	rw       *bufio.ReadWriter
	sendMu   sync.Mutex
	stateMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
	done     chan struct{}
	attached map[string]struct{}
	nextSeq  uint64
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), streamUpgradeToken) {
		s.writeError(w, http.StatusUpgradeRequired, model.ErrRefInvalid, "upgrade header is required")
		return
	}
	if !strings.Contains(strings.ToLower(strings.TrimSpace(r.Header.Get("Connection"))), "upgrade") {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "connection upgrade header is required")
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "hijack not supported")
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to hijack stream")
		return
	}

	if err := verifyStreamPeer(conn); err != nil {
		_, _ = rw.WriteString("HTTP/1.1 403 Forbidden\r\nConnection: close\r\n\r\n")
		_ = rw.Flush()
		_ = conn.Close()
		return
	}

	if _, err := rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: " + streamUpgradeToken + "\r\nConnection: Upgrade\r\n\r\n"); err != nil {
		_ = conn.Close()
		return
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return
	}

	session := &streamSession{
		srv:      s,
		conn:     conn,
		rw:       rw,
		done:     make(chan struct{}),
		attached: map[string]struct{}{},
		nextSeq:  1,
	}
	session.readLoop()
}

func (ss *streamSession) close() {
	ss.closeMu.Lock()
	if ss.closed {
		ss.closeMu.Unlock()
		return
	}
	ss.closed = true
	close(ss.done)
	ss.closeMu.Unlock()

	// Detach, never dispose: the emulators keep running so the client can
	// reconnect and find its sessions intact.
	ss.stateMu.Lock()
	ids := make([]string, 0, len(ss.attached))
	for id := range ss.attached {
		ids = append(ids, id)
	}
	ss.attached = map[string]struct{}{}
	ss.stateMu.Unlock()
	for _, id := range ids {
		ss.srv.pool.Detach(id)
	}
	_ = ss.conn.Close()
}

func (ss *streamSession) send(frameType, requestID string, payload any) error {
	env, err := protocol.NewEnvelope(frameType, ss.nextFrameSeq(), requestID, payload)
	if err != nil {
		return err
	}
	ss.sendMu.Lock()
	defer ss.sendMu.Unlock()
	if err := protocol.WriteFrame(ss.rw, env); err != nil {
		return err
	}
	return ss.rw.Flush()
}

func (ss *streamSession) nextFrameSeq() uint64 {
	ss.stateMu.Lock()
	defer ss.stateMu.Unlock()
	seq := ss.nextSeq
	ss.nextSeq++
	return seq
}

func (ss *streamSession) sendError(requestID, code, message string, recoverable bool, sessionID string) {
	_ = ss.send(protocol.TypeError, requestID, protocol.ErrorPayload{
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		SessionID:   sessionID,
	})
}

func (ss *streamSession) readLoop() {
	defer ss.close()
	for {
		env, err := protocol.ReadFrame(ss.rw, protocol.DefaultMaxFrame)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			ss.sendError("", model.ErrFrameInvalid, "invalid stream frame", false, "")
			return
		}
		if err := ss.handleFrame(env); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			ss.sendError(env.RequestID, model.ErrPreconditionFailed, err.Error(), true, "")
		}
	}
}

func (ss *streamSession) handleFrame(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeHello:
		return ss.handleHello(env)
	case protocol.TypeAttach:
		return ss.handleAttach(env)
	case protocol.TypeWrite:
		return ss.handleWrite(env)
	case protocol.TypeDirectInput:
		return ss.handleDirectInput(env)
	case protocol.TypeResize:
		return ss.handleResize(env)
	case protocol.TypeSelection:
		return ss.handleSelection(env)
	case protocol.TypeFocus:
		return ss.handleFocus(env)
	case protocol.TypeVisibility:
		return ss.handleVisibility(env)
	case protocol.TypeDetach:
		return ss.handleDetach(env)
	case protocol.TypeDispose:
		return ss.handleDispose(env)
	case protocol.TypePing:
		return ss.handlePing(env)
	default:
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "unknown frame type", true, "")
		return nil
	}
}

func (ss *streamSession) handleHello(env protocol.Envelope) error {
	var req protocol.HelloPayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid hello payload", false, "")
		return nil
	}
	ok := false
	for _, ver := range req.ProtocolVersions {
		if strings.TrimSpace(ver) == protocol.SchemaVersion {
			ok = true
			break
		}
	}
	if !ok {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, protocol.SchemaVersion+" is required", false, "")
		return nil
	}
	return ss.send(protocol.TypeHelloAck, env.RequestID, protocol.HelloAckPayload{
		ServerID:        ss.srv.serverID,
		ProtocolVersion: protocol.SchemaVersion,
		Features: []string{
			"scrollback_replay",
			"direct_input",
			"render_context_arbiter",
			"coalesced_output",
			"peer_cred_auth",
		},
	})
}

func (ss *streamSession) handleAttach(env protocol.Envelope) error {
	var req protocol.AttachPayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid attach payload", true, "")
		return nil
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		ss.sendError(env.RequestID, model.ErrRefInvalid, "session_id is required", true, "")
		return nil
	}

	pool := ss.srv.pool
	pool.GetOrCreate(id)
	pool.Attach(id, ss, req.Cols, req.Rows)
	ss.stateMu.Lock()
	ss.attached[id] = struct{}{}
	ss.stateMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ss.srv.cfg.ConnectTimeout)
	defer cancel()
	if err := pool.Initialize(ctx, id, termpool.InitOptions{
		Cwd:       req.Cwd,
		Command:   req.Command,
		Cols:      req.Cols,
		Rows:      req.Rows,
		Autofocus: req.Autofocus,
	}); err != nil {
		// The session stays attached and retryable; the failure is already
		// rendered into the emulator as an inline diagnostic.
		ss.sendError(env.RequestID, model.ErrBackendUnavailable, "session initialization failed", true, id)
	}

	// Bump last_attached_at so listings order by recency. Initialization of a
	// brand-new id writes the row itself; a reconnect to a live backend skips
	// the create, so the touch is what records the attach.
	if err := ss.srv.store.TouchSession(ctx, id, time.Now().UTC()); err != nil && !errors.Is(err, db.ErrNotFound) {
		logErr("touch session "+id, err)
	}

	sess := pool.GetOrCreate(id)
	cols, rows := sess.Surface().Geometry()
	return ss.send(protocol.TypeAttached, env.RequestID, protocol.AttachedPayload{
		SessionID:   id,
		State:       string(pool.State(id)),
		Renderer:    string(sess.Renderer()),
		SnapshotB64: base64.StdEncoding.EncodeToString([]byte(sess.Snapshot())),
		Cols:        cols,
		Rows:        rows,
	})
}

// handleWrite carries the emulator-originated input path: bytes the client's
// terminal widget wants to send. Text matching a recent direct dispatch is
// suppressed inside the pool so keystrokes reach the PTY exactly once.
func (ss *streamSession) handleWrite(env protocol.Envelope) error {
	var req protocol.WritePayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid write payload", true, "")
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(req.BytesBase64)
	if err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid write encoding", true, req.SessionID)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ss.srv.cfg.CommandTimeout)
	defer cancel()
	ss.srv.pool.EmulatorInput(ctx, strings.TrimSpace(req.SessionID), string(data))
	return nil
}

func (ss *streamSession) handleDirectInput(env protocol.Envelope) error {
	var req protocol.DirectInputPayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid direct_input payload", true, "")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ss.srv.cfg.CommandTimeout)
	defer cancel()
	// Text the filter declines is left to the client's emulator path, which
	// arrives later as a write frame.
	ss.srv.pool.DirectInput(ctx, strings.TrimSpace(req.SessionID), req.Text, req.Composition)
	return nil
}

func (ss *streamSession) handleResize(env protocol.Envelope) error {
	var req protocol.ResizePayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid resize payload", true, "")
		return nil
	}
	ss.srv.pool.Resize(strings.TrimSpace(req.SessionID), req.Cols, req.Rows)
	return nil
}

func (ss *streamSession) handleSelection(env protocol.Envelope) error {
	var req protocol.SelectionPayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid selection payload", true, "")
		return nil
	}
	ss.srv.pool.ReportSelection(strings.TrimSpace(req.SessionID), req.Text)
	return nil
}

func (ss *streamSession) handleFocus(env protocol.Envelope) error {
	var req protocol.FocusPayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid focus payload", true, "")
		return nil
	}
	id := strings.TrimSpace(req.SessionID)
	if !ss.srv.pool.Exists(id) {
		ss.sendError(env.RequestID, model.ErrSessionNotFound, "session not found", true, id)
		return nil
	}
	ss.srv.pool.GetOrCreate(id)
	return ss.srv.pool.EnsureRenderContext(id)
}

func (ss *streamSession) handleVisibility(env protocol.Envelope) error {
	var req protocol.VisibilityPayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid visibility payload", true, "")
		return nil
	}
	id := strings.TrimSpace(req.SessionID)
	if req.ScrollOffset != nil {
		ss.srv.pool.SetScrollOffset(id, *req.ScrollOffset)
	}
	if req.Visible {
		if err := ss.srv.pool.EnsureRenderContext(id); err != nil {
			// Context allocation failure is not fatal: the session keeps
			// rendering on the software path.
			ss.sendError(env.RequestID, model.ErrPreconditionFailed, "render context unavailable", true, id)
		}
		return nil
	}
	ss.srv.pool.ReleaseRenderContext(id)
	return nil
}

func (ss *streamSession) handleDetach(env protocol.Envelope) error {
	var req protocol.DetachPayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid detach payload", true, "")
		return nil
	}
	id := strings.TrimSpace(req.SessionID)
	ss.stateMu.Lock()
	delete(ss.attached, id)
	ss.stateMu.Unlock()
	ss.srv.pool.Detach(id)
	return nil
}

func (ss *streamSession) handleDispose(env protocol.Envelope) error {
	var req protocol.DisposePayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid dispose payload", true, "")
		return nil
	}
	id := strings.TrimSpace(req.SessionID)
	ctx, cancel := context.WithTimeout(context.Background(), ss.srv.cfg.CommandTimeout)
	defer cancel()
	if err := ss.srv.backend.Kill(ctx, id); err != nil {
		ss.sendError(env.RequestID, model.ErrBackendUnavailable, "failed to kill session", true, id)
		return nil
	}
	ss.stateMu.Lock()
	delete(ss.attached, id)
	ss.stateMu.Unlock()
	ss.srv.pool.Dispose(id)
	return ss.send(protocol.TypeCloseSession, env.RequestID, protocol.CloseSessionPayload{SessionID: id})
}

func (ss *streamSession) handlePing(env protocol.Envelope) error {
	var req protocol.PingPayload
	if err := env.DecodePayload(&req); err != nil {
		ss.sendError(env.RequestID, model.ErrFrameInvalid, "invalid ping payload", true, "")
		return nil
	}
	return ss.send(protocol.TypePong, env.RequestID, protocol.PongPayload{TS: req.TS})
}

// PresentOutput implements termpool.Sink: one coalesced flush becomes one
// output frame on the wire.
func (ss *streamSession) PresentOutput(frame termpool.OutputFrame) {
	cursorX, cursorY := frame.CursorX, frame.CursorY
	_ = ss.send(protocol.TypeOutput, "", protocol.OutputPayload{
		SessionID:        frame.SessionID,
		OutputSeq:        frame.Seq,
		BytesBase64:      base64.StdEncoding.EncodeToString(frame.Bytes),
		Renderer:         string(frame.Renderer),
		CursorX:          &cursorX,
		CursorY:          &cursorY,
		Coalesced:        frame.Coalesced,
		CoalescedFromSeq: frame.CoalescedFromSeq,
	})
}

func (ss *streamSession) RequestFocus(sessionID string) {
	_ = ss.send(protocol.TypeFocus, "", protocol.FocusPayload{SessionID: sessionID})
}

func (ss *streamSession) NotifyTitle(sessionID, title string) {
	_ = ss.send(protocol.TypeTitle, "", protocol.TitlePayload{SessionID: sessionID, Title: title})
}

func (ss *streamSession) NotifyExit(sessionID string, restarted bool) {
	_ = ss.send(protocol.TypeExit, "", protocol.ExitPayload{SessionID: sessionID, Restarted: restarted})
}

func (ss *streamSession) NotifyCloseSession(sessionID string) {
	_ = ss.send(protocol.TypeCloseSession, "", protocol.CloseSessionPayload{SessionID: sessionID})
}
