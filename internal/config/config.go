package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath string
	DBPath     string

	// Frame batching. Output chunks arriving faster than FrameInterval are
	// coalesced into a single decode+write per session.
	FrameInterval time.Duration

	// Render-context arbitration.
	RenderContextLimit int

	// Input disambiguation.
	DirectInputTimeout  time.Duration
	DirectInputQueueCap int

	// Backend PTY defaults.
	DefaultCols int
	DefaultRows int
	MinCols     int
	MinRows     int

	// Scrollback retention, per session.
	ScrollbackLimitBytes int

	// Resize debounce for attach-driven refits.
	ResizeDebounce time.Duration

	// CopyOnSelect mirrors emulator selections to the clipboard hook.
	CopyOnSelect bool

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DBPath:               defaultDBPath(),
		FrameInterval:        16 * time.Millisecond,
		RenderContextLimit:   6,
		DirectInputTimeout:   120 * time.Millisecond,
		DirectInputQueueCap:  5,
		DefaultCols:          80,
		DefaultRows:          24,
		MinCols:              10,
		MinRows:              2,
		ScrollbackLimitBytes: 1 << 20,
		ResizeDebounce:       150 * time.Millisecond,
		CopyOnSelect:         false,
		ConnectTimeout:       3 * time.Second,
		CommandTimeout:       5 * time.Second,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "termpool", "termpoold.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termpoold.sock"
	}
	return filepath.Join(home, ".local", "state", "termpool", "termpoold.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "termpool.db"
	}
	return filepath.Join(home, ".local", "state", "termpool", "state.db")
}
