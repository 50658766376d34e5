package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	SchemaVersion   = "termstream.v1"
	DefaultMaxFrame = 1 << 20 // 1 MiB
)

var (
	ErrInvalidFrame    = errors.New("protocol: invalid frame")
	ErrFrameTooLarge   = errors.New("protocol: frame too large")
	ErrUnsupportedVers = errors.New("protocol: unsupported schema version")
)

// Frame types carried by Envelope.Type.
const (
	TypeHello        = "hello"
	TypeHelloAck     = "hello_ack"
	TypeAttach       = "attach"
	TypeAttached     = "attached"
	TypeDetach       = "detach"
	TypeDispose      = "dispose"
	TypeWrite        = "write"
	TypeDirectInput  = "direct_input"
	TypeResize       = "resize"
	TypeSelection    = "selection"
	TypeFocus        = "focus"
	TypeVisibility   = "visibility"
	TypeOutput       = "output"
	TypeTitle        = "title"
	TypeExit         = "exit"
	TypeCloseSession = "close_session"
	TypeError        = "error"
	TypePing         = "ping"
	TypePong         = "pong"
)

type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	Type          string          `json:"type"`
	FrameSeq      uint64          `json:"frame_seq"`
	SentAt        time.Time       `json:"sent_at"`
	RequestID     string          `json:"request_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(frameType string, frameSeq uint64, requestID string, payload any) (Envelope, error) {
	if strings.TrimSpace(frameType) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          strings.TrimSpace(frameType),
		FrameSeq:      frameSeq,
		SentAt:        time.Now().UTC(),
		RequestID:     strings.TrimSpace(requestID),
		Payload:       body,
	}, nil
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SchemaVersion) != SchemaVersion {
		return ErrUnsupportedVers
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidFrame)
	}
	return nil
}

func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidFrame)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func WriteFrame(w io.Writer, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > DefaultMaxFrame {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader, maxFrameSize int) (Envelope, error) {
	limit := maxFrameSize
	if limit <= 0 {
		limit = DefaultMaxFrame
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, fmt.Errorf("read frame length: %w", err)
	}
	size := int(binary.BigEndian.Uint32(lenBuf[:]))
	if size <= 0 || size > limit {
		return Envelope{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

type HelloPayload struct {
	ClientID         string   `json:"client_id"`
	ProtocolVersions []string `json:"protocol_versions"`
	Capabilities     []string `json:"capabilities,omitempty"`
}

type HelloAckPayload struct {
	ServerID        string   `json:"server_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Features        []string `json:"features,omitempty"`
}

type AttachPayload struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd,omitempty"`
	Command   string `json:"command,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Autofocus bool   `json:"autofocus,omitempty"`
}

type AttachedPayload struct {
	SessionID   string `json:"session_id"`
	OutputSeq   uint64 `json:"output_seq"`
	State       string `json:"state"`
	Renderer    string `json:"renderer,omitempty"`
	SnapshotB64 string `json:"snapshot_base64,omitempty"`
	Cols        int    `json:"cols,omitempty"`
	Rows        int    `json:"rows,omitempty"`
}

type DetachPayload struct {
	SessionID string `json:"session_id"`
}

type DisposePayload struct {
	SessionID string `json:"session_id"`
}

type WritePayload struct {
	SessionID   string `json:"session_id"`
	InputSeq    uint64 `json:"input_seq"`
	BytesBase64 string `json:"bytes_base64"`
}

// DirectInputPayload carries text that bypassed the emulator's own
// composition path. Fallback is the half-width form for full-width
// punctuation, used for duplicate suppression.
type DirectInputPayload struct {
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Fallback    string `json:"fallback,omitempty"`
	Composition bool   `json:"composition,omitempty"`
}

type ResizePayload struct {
	SessionID string `json:"session_id"`
	ResizeSeq uint64 `json:"resize_seq"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// SelectionPayload carries text selected in the client's view. Selection
// happens outside the byte stream, so the client reports it explicitly.
type SelectionPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type FocusPayload struct {
	SessionID string `json:"session_id"`
}

// VisibilityPayload reports the view state for a session: shown or hidden,
// and optionally where the view is scrolled so output flushes keep the
// viewport pinned.
type VisibilityPayload struct {
	SessionID    string `json:"session_id"`
	Visible      bool   `json:"visible"`
	ScrollOffset *int   `json:"scroll_offset,omitempty"`
}

type OutputPayload struct {
	SessionID        string `json:"session_id"`
	OutputSeq        uint64 `json:"output_seq"`
	BytesBase64      string `json:"bytes_base64"`
	Renderer         string `json:"renderer,omitempty"`
	CursorX          *int   `json:"cursor_x,omitempty"`
	CursorY          *int   `json:"cursor_y,omitempty"`
	Coalesced        bool   `json:"coalesced,omitempty"`
	CoalescedFromSeq uint64 `json:"coalesced_from_seq,omitempty"`
}

type TitlePayload struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

type ExitPayload struct {
	SessionID string `json:"session_id"`
	Restarted bool   `json:"restarted"`
}

type CloseSessionPayload struct {
	SessionID string `json:"session_id"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	SessionID   string `json:"session_id,omitempty"`
}

type PingPayload struct {
	TS string `json:"ts"`
}

type PongPayload struct {
	TS string `json:"ts"`
}
