package api

import "time"

const SchemaVersion = "termpool.v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type SessionItem struct {
	SessionID      string  `json:"session_id"`
	Cwd            string  `json:"cwd"`
	Command        string  `json:"command,omitempty"`
	State          string  `json:"state"`
	Attached       bool    `json:"attached"`
	Renderer       string  `json:"renderer,omitempty"`
	CreatedAt      string  `json:"created_at"`
	LastAttachedAt string  `json:"last_attached_at"`
	ExitedAt       *string `json:"exited_at,omitempty"`
}

type SessionsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Sessions      []SessionItem `json:"sessions"`
}

type SessionEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Session       SessionItem `json:"session"`
}

type DisposeResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id"`
	Disposed      bool      `json:"disposed"`
}
