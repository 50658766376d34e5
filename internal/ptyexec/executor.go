// Package ptyexec runs the backend side of the terminal pool: one
// pseudo-terminal process per session id, with raw output chunks and exit
// notifications pushed on event channels.
package ptyexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/g960059/termpool/internal/model"
)

var (
	ErrSessionNotFound = errors.New("ptyexec: session not found")
	ErrSessionExists   = errors.New("ptyexec: session already running")
)

const (
	defaultCols    = 80
	defaultRows    = 24
	readBufferSize = 16 * 1024
	eventBuffer    = 512
)

type session struct {
	id      string
	cwd     string
	command string

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	alive  bool
	ring   *scrollbackRing
	done   chan struct{}
	exited bool
	killed bool
}

// Executor owns every live PTY. It implements the termpool.Backend surface
// plus the push-style event stream the pool consumes.
type Executor struct {
	scrollLimit int

	mu       sync.Mutex
	sessions map[string]*session

	data      chan model.DataEvent
	exits     chan model.ExitEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func New(scrollbackLimit int) *Executor {
	return &Executor{
		scrollLimit: scrollbackLimit,
		sessions:    map[string]*session{},
		data:        make(chan model.DataEvent, eventBuffer),
		exits:       make(chan model.ExitEvent, eventBuffer),
		closed:      make(chan struct{}),
	}
}

// Data delivers raw output chunks. Chunk boundaries are arbitrary: a
// multi-byte character may span two events.
func (e *Executor) Data() <-chan model.DataEvent { return e.data }

// Exits delivers exactly one event per terminated PTY process.
func (e *Executor) Exits() <-chan model.ExitEvent { return e.exits }

// Exists reports whether a live PTY process is bound to id. A session whose
// process exited no longer exists, even while its scrollback is retained.
func (e *Executor) Exists(_ context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[id]
	return ok && sess.isAlive(), nil
}

// Create spawns a PTY running command (or the user's shell when empty) in
// cwd, sized to the 80x24 default until the first resize. Recreating an id
// whose process exited reuses its scrollback so history survives the shell
// fallback; recreating a live id is an error.
func (e *Executor) Create(_ context.Context, id, cwd, command string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty id", ErrSessionNotFound)
	}
	e.mu.Lock()
	prev, ok := e.sessions[id]
	if ok && prev.isAlive() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	ring := newScrollbackRing(e.scrollLimit)
	if ok {
		ring = prev.ring
	}
	sess := &session{
		id:      id,
		cwd:     cwd,
		command: command,
		ring:    ring,
		done:    make(chan struct{}),
	}
	e.sessions[id] = sess
	e.mu.Unlock()

	cmd := buildCommand(cwd, command)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: defaultCols, Rows: defaultRows})
	if err != nil {
		e.mu.Lock()
		delete(e.sessions, id)
		e.mu.Unlock()
		return fmt.Errorf("start pty for %s: %w", id, err)
	}

	sess.mu.Lock()
	sess.ptmx = ptmx
	sess.cmd = cmd
	sess.alive = true
	sess.mu.Unlock()

	go e.readLoop(sess)
	return nil
}

// Write sends input bytes to the PTY.
func (e *Executor) Write(_ context.Context, id string, p []byte) error {
	sess, err := e.lookupAlive(id)
	if err != nil {
		return err
	}
	if _, err := sess.ptmx.Write(p); err != nil {
		return fmt.Errorf("write pty %s: %w", id, err)
	}
	return nil
}

// Resize updates the PTY window size.
func (e *Executor) Resize(_ context.Context, id string, cols, rows int) error {
	sess, err := e.lookupAlive(id)
	if err != nil {
		return err
	}
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("resize pty %s: invalid geometry %dx%d", id, cols, rows)
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("resize pty %s: %w", id, err)
	}
	return nil
}

// Kill terminates the process and removes the session, scrollback included.
// This is the backend half of a dispose; exited sessions can be killed to
// drop their retained scrollback.
func (e *Executor) Kill(_ context.Context, id string) error {
	e.mu.Lock()
	sess, ok := e.sessions[id]
	if ok {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.terminate()
	return nil
}

// Scrollback returns the retained output for id, live or exited.
func (e *Executor) Scrollback(_ context.Context, id string) ([]byte, error) {
	e.mu.Lock()
	sess, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return sess.ring.Bytes(), nil
}

// PurgeScrollback drops the retained output for id.
func (e *Executor) PurgeScrollback(_ context.Context, id string) error {
	e.mu.Lock()
	sess, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.ring.Reset()
	return nil
}

// Sessions lists ids with a live or exited-but-retained PTY.
func (e *Executor) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close terminates every PTY. Used on daemon shutdown.
func (e *Executor) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		sessions = append(sessions, sess)
	}
	e.sessions = map[string]*session{}
	e.mu.Unlock()
	for _, sess := range sessions {
		sess.terminate()
	}
}

func (e *Executor) lookupAlive(id string) (*session, error) {
	e.mu.Lock()
	sess, ok := e.sessions[id]
	e.mu.Unlock()
	if !ok || !sess.isAlive() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (e *Executor) readLoop(sess *session) {
	defer close(sess.done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sess.ring.Append(chunk)
			// The send blocks rather than drops: a full channel pauses the
			// PTY read until the consumer catches up, so the emulator and
			// the store see every byte the ring retains.
			select {
			case e.data <- model.DataEvent{SessionID: sess.id, Bytes: chunk}:
			case <-e.closed:
				sess.markExited()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				// PTY reads fail with EIO when the child exits; that is the
				// normal termination path, not an error worth logging.
				_ = err
			}
			break
		}
	}
	sess.markExited()
	if sess.cmd != nil {
		_ = sess.cmd.Wait()
	}
	sess.mu.Lock()
	killed := sess.killed
	sess.mu.Unlock()
	if killed {
		// Explicit Kill is a dispose, not an unexpected exit.
		return
	}
	select {
	case e.exits <- model.ExitEvent{SessionID: sess.id}:
	case <-e.closed:
	}
}

func (s *session) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *session) markExited() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return
	}
	s.exited = true
	s.alive = false
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
}

func (s *session) terminate() {
	s.mu.Lock()
	cmd := s.cmd
	alive := s.alive
	s.killed = true
	s.mu.Unlock()
	if alive && cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	s.markExited()
	select {
	case <-s.done:
	default:
	}
}

func buildCommand(cwd, command string) *exec.Cmd {
	var cmd *exec.Cmd
	if strings.TrimSpace(command) == "" {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
		cmd = exec.Command(shell)
	} else {
		fields := strings.Fields(command)
		cmd = exec.Command(fields[0], fields[1:]...)
	}
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	return cmd
}
