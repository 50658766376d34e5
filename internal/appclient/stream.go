package appclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/termpool/internal/protocol"
)

const streamUpgradeToken = "termpool-stream-v1"

// StreamHandler receives push frames from the daemon. Nil callbacks are
// skipped. All callbacks run on the stream's read goroutine; a slow handler
// backpressures the whole connection.
type StreamHandler struct {
	OnOutput       func(protocol.OutputPayload)
	OnTitle        func(protocol.TitlePayload)
	OnExit         func(protocol.ExitPayload)
	OnCloseSession func(protocol.CloseSessionPayload)
	OnFocus        func(protocol.FocusPayload)
	OnError        func(protocol.ErrorPayload)
}

// Stream is one upgraded connection to the daemon's stream endpoint.
type Stream struct {
	conn    net.Conn
	rw      *bufio.ReadWriter
	sendMu  sync.Mutex
	seqMu   sync.Mutex
	nextSeq uint64

	replyMu sync.Mutex
	replies map[string]chan protocol.Envelope

	handler  StreamHandler
	closeMu  sync.Mutex
	closed   bool
	readErr  error
	readDone chan struct{}
}

// DialStream upgrades a fresh socket connection to the framed stream
// protocol and completes the hello exchange.
func (c *Client) DialStream(ctx context.Context, handler StreamHandler) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial stream socket: %w", err)
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err := rw.WriteString("GET /v1/stream HTTP/1.1\r\nHost: unix\r\nConnection: Upgrade\r\nUpgrade: " + streamUpgradeToken + "\r\n\r\n"); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("write upgrade request: %w", err)
	}
	if err := rw.Flush(); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("flush upgrade request: %w", err)
	}
	status, err := rw.ReadString('\n')
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("read upgrade status: %w", err)
	}
	if !strings.Contains(status, "101") {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("stream upgrade refused: %s", strings.TrimSpace(status))
	}
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			conn.Close() //nolint:errcheck
			return nil, fmt.Errorf("read upgrade headers: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}

	s := &Stream{
		conn:     conn,
		rw:       rw,
		nextSeq:  1,
		replies:  map[string]chan protocol.Envelope{},
		handler:  handler,
		readDone: make(chan struct{}),
	}
	go s.readLoop()

	if _, err := s.roundTrip(ctx, protocol.TypeHello, protocol.HelloPayload{
		ClientID:         uuid.NewString(),
		ProtocolVersions: []string{protocol.SchemaVersion},
	}); err != nil {
		s.Close() //nolint:errcheck
		return nil, fmt.Errorf("stream hello: %w", err)
	}
	return s, nil
}

func (s *Stream) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()
	return s.conn.Close()
}

// Attach mounts a session onto this stream and returns its initial snapshot.
func (s *Stream) Attach(ctx context.Context, req protocol.AttachPayload) (protocol.AttachedPayload, error) {
	var resp protocol.AttachedPayload
	env, err := s.roundTrip(ctx, protocol.TypeAttach, req)
	if err != nil {
		return resp, err
	}
	if err := env.DecodePayload(&resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Write sends raw input bytes down the emulator-originated path.
func (s *Stream) Write(sessionID string, data []byte) error {
	return s.push(protocol.TypeWrite, protocol.WritePayload{
		SessionID:   sessionID,
		BytesBase64: base64.StdEncoding.EncodeToString(data),
	})
}

// DirectInput sends text down the low-latency direct path.
func (s *Stream) DirectInput(sessionID, text string, composition bool) error {
	return s.push(protocol.TypeDirectInput, protocol.DirectInputPayload{
		SessionID:   sessionID,
		Text:        text,
		Composition: composition,
	})
}

func (s *Stream) Resize(sessionID string, cols, rows int) error {
	return s.push(protocol.TypeResize, protocol.ResizePayload{SessionID: sessionID, Cols: cols, Rows: rows})
}

// Selection reports text selected in the client's view; the daemon mirrors
// it to the clipboard hook when copy-on-select is enabled.
func (s *Stream) Selection(sessionID, text string) error {
	return s.push(protocol.TypeSelection, protocol.SelectionPayload{SessionID: sessionID, Text: text})
}

func (s *Stream) Focus(sessionID string) error {
	return s.push(protocol.TypeFocus, protocol.FocusPayload{SessionID: sessionID})
}

// Visibility reports whether the view for a session is shown. A non-nil
// scrollOffset also records where the view is scrolled, pinning the viewport
// across output flushes.
func (s *Stream) Visibility(sessionID string, visible bool, scrollOffset *int) error {
	return s.push(protocol.TypeVisibility, protocol.VisibilityPayload{
		SessionID:    sessionID,
		Visible:      visible,
		ScrollOffset: scrollOffset,
	})
}

func (s *Stream) Detach(sessionID string) error {
	return s.push(protocol.TypeDetach, protocol.DetachPayload{SessionID: sessionID})
}

// Dispose destroys the session over the stream; the daemon confirms with a
// close_session frame carrying the request id.
func (s *Stream) Dispose(ctx context.Context, sessionID string) error {
	_, err := s.roundTrip(ctx, protocol.TypeDispose, protocol.DisposePayload{SessionID: sessionID})
	return err
}

func (s *Stream) Ping(ctx context.Context) error {
	_, err := s.roundTrip(ctx, protocol.TypePing, protocol.PingPayload{TS: time.Now().UTC().Format(time.RFC3339Nano)})
	return err
}

// Wait blocks until the read loop ends and returns its terminal error.
func (s *Stream) Wait() error {
	<-s.readDone
	if errors.Is(s.readErr, io.EOF) || errors.Is(s.readErr, net.ErrClosed) {
		return nil
	}
	return s.readErr
}

func (s *Stream) push(frameType string, payload any) error {
	env, err := protocol.NewEnvelope(frameType, s.takeSeq(), "", payload)
	if err != nil {
		return err
	}
	return s.writeFrame(env)
}

func (s *Stream) roundTrip(ctx context.Context, frameType string, payload any) (protocol.Envelope, error) {
	requestID := uuid.NewString()
	env, err := protocol.NewEnvelope(frameType, s.takeSeq(), requestID, payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	ch := make(chan protocol.Envelope, 1)
	s.replyMu.Lock()
	s.replies[requestID] = ch
	s.replyMu.Unlock()
	defer func() {
		s.replyMu.Lock()
		delete(s.replies, requestID)
		s.replyMu.Unlock()
	}()

	if err := s.writeFrame(env); err != nil {
		return protocol.Envelope{}, err
	}
	select {
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-s.readDone:
		return protocol.Envelope{}, fmt.Errorf("stream closed: %w", s.readErr)
	case reply := <-ch:
		if reply.Type == protocol.TypeError {
			var ep protocol.ErrorPayload
			if err := reply.DecodePayload(&ep); err != nil {
				return protocol.Envelope{}, err
			}
			return protocol.Envelope{}, fmt.Errorf("%s: %s", ep.Code, ep.Message)
		}
		return reply, nil
	}
}

func (s *Stream) writeFrame(env protocol.Envelope) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := protocol.WriteFrame(s.rw, env); err != nil {
		return err
	}
	return s.rw.Flush()
}

func (s *Stream) takeSeq() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

func (s *Stream) readLoop() {
	defer close(s.readDone)
	for {
		env, err := protocol.ReadFrame(s.rw, protocol.DefaultMaxFrame)
		if err != nil {
			s.readErr = err
			return
		}
		if env.RequestID != "" {
			s.replyMu.Lock()
			ch := s.replies[env.RequestID]
			s.replyMu.Unlock()
			if ch != nil {
				// First reply wins; a late second frame for the same
				// request is dropped rather than blocking the read loop.
				select {
				case ch <- env:
				default:
				}
				continue
			}
		}
		s.dispatch(env)
	}
}

func (s *Stream) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeOutput:
		if s.handler.OnOutput != nil {
			var p protocol.OutputPayload
			if env.DecodePayload(&p) == nil {
				s.handler.OnOutput(p)
			}
		}
	case protocol.TypeTitle:
		if s.handler.OnTitle != nil {
			var p protocol.TitlePayload
			if env.DecodePayload(&p) == nil {
				s.handler.OnTitle(p)
			}
		}
	case protocol.TypeExit:
		if s.handler.OnExit != nil {
			var p protocol.ExitPayload
			if env.DecodePayload(&p) == nil {
				s.handler.OnExit(p)
			}
		}
	case protocol.TypeCloseSession:
		if s.handler.OnCloseSession != nil {
			var p protocol.CloseSessionPayload
			if env.DecodePayload(&p) == nil {
				s.handler.OnCloseSession(p)
			}
		}
	case protocol.TypeFocus:
		if s.handler.OnFocus != nil {
			var p protocol.FocusPayload
			if env.DecodePayload(&p) == nil {
				s.handler.OnFocus(p)
			}
		}
	case protocol.TypeError:
		if s.handler.OnError != nil {
			var p protocol.ErrorPayload
			if env.DecodePayload(&p) == nil {
				s.handler.OnError(p)
			}
		}
	}
}
