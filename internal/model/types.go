package model

import "time"

// SessionState is the lifecycle state of one pooled terminal session.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateInitializing  SessionState = "initializing"
	StateReady         SessionState = "ready"
	StateExited        SessionState = "exited"
	StateDisposed      SessionState = "disposed"
)

// RendererKind tags which render path a session currently uses.
type RendererKind string

const (
	RendererAccelerated RendererKind = "accelerated"
	RendererSoftware    RendererKind = "software"
)

// SessionInfo is the persisted metadata for a session. The backend PTY is
// keyed by SessionID for the whole process lifetime of the shell.
type SessionInfo struct {
	SessionID      string
	Cwd            string
	Command        string
	CreatedAt      time.Time
	LastAttachedAt time.Time
	ExitedAt       *time.Time
}

// DataEvent is one chunk of raw PTY output. Chunking is arbitrary: a single
// multi-byte character may span two events.
type DataEvent struct {
	SessionID string
	Bytes     []byte
}

// ExitEvent signals that the backend process for a session terminated.
// Exactly one is delivered per process lifetime.
type ExitEvent struct {
	SessionID string
}

// Error codes defined by the API contract.
const (
	ErrSessionNotFound    = "E_SESSION_NOT_FOUND"
	ErrSessionExists      = "E_SESSION_EXISTS"
	ErrNotReady           = "E_NOT_READY"
	ErrBackendUnavailable = "E_BACKEND_UNAVAILABLE"
	ErrRefInvalid         = "E_REF_INVALID"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrFrameInvalid       = "E_FRAME_INVALID"
)
