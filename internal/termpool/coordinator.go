package termpool

import (
	"context"
	"fmt"
	"os"

	"github.com/g960059/termpool/internal/model"
)

// InitOptions parameterizes session initialization. Cols/Rows carry the
// fitted geometry of the attaching view; zero means not yet measured.
type InitOptions struct {
	Cwd       string
	Command   string
	Cols      int
	Rows      int
	Autofocus bool
}

// Initialize drives the session through Uninitialized → Initializing →
// Ready. Concurrent calls for the same id collapse into one backend create:
// later callers await the in-flight initialization instead of racing it.
// Errors leave the session non-ready and retryable on the next attach.
func (p *Pool) Initialize(ctx context.Context, id string, opts InitOptions) error {
	_, err, _ := p.init.Do(id, func() (any, error) {
		return nil, p.initialize(ctx, id, opts)
	})
	return err
}

func (p *Pool) initialize(ctx context.Context, id string, opts InitOptions) error {
	p.mu.Lock()
	sess := p.getOrCreateLocked(id)
	if sess.state == model.StateReady && p.isReadyLocked(id) {
		p.mu.Unlock()
		return nil
	}
	sess.state = model.StateInitializing
	if opts.Cwd != "" {
		sess.cwd = opts.Cwd
	}
	if opts.Command != "" {
		sess.command = opts.Command
	}
	cwd, command := sess.cwd, sess.command
	replayed := sess.replayed
	p.mu.Unlock()

	exists, err := p.backend.Exists(ctx, id)
	if err != nil {
		p.writeDiagnostic(sess, fmt.Sprintf("terminal backend unavailable: %v", err))
		return fmt.Errorf("backend exists check for %s: %w", id, err)
	}
	if !exists {
		if err := p.backend.Create(ctx, id, cwd, command); err != nil {
			p.writeDiagnostic(sess, fmt.Sprintf("failed to start terminal: %v", err))
			return fmt.Errorf("create session %s: %w", id, err)
		}
	}

	// Replay buffered history verbatim, exactly once per pooled emulator.
	// The backend retains scrollback across a process exit, so a
	// re-initialize of the same pooled session (exit then re-attach, shell
	// fallback) must skip the replay: the emulator already consumed those
	// bytes.
	if !replayed {
		history, err := p.backend.Scrollback(ctx, id)
		if err != nil {
			logErr("scrollback fetch for "+id, err)
		} else {
			if len(history) > 0 {
				_, _ = sess.emu.Write(history)
			}
			p.mu.Lock()
			sess.replayed = true
			p.mu.Unlock()
		}
	}

	// Size the emulator and issue the initial resize. A hidden or zero-size
	// container reports degenerate geometry; skip the backend resize so it
	// cannot corrupt the PTY sizing.
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 && rows == 0 {
		cols, rows = sess.surface.Geometry()
	}
	if cols >= p.cfg.MinCols && rows >= p.cfg.MinRows {
		sess.emu.Resize(cols, rows)
		if err := p.backend.Resize(ctx, id, cols, rows); err != nil {
			p.writeDiagnostic(sess, fmt.Sprintf("failed to size terminal: %v", err))
			return fmt.Errorf("initial resize for %s: %w", id, err)
		}
	}

	p.mu.Lock()
	sess.state = model.StateReady
	p.ready[id] = struct{}{}
	p.mu.Unlock()

	if opts.Autofocus {
		sess.surface.requestFocus(id)
	}
	return nil
}

// HandleExit processes the backend's exit event for a session. Command
// sessions fall back to a plain interactive shell in the same working
// directory, mirroring conventional terminal behavior after a one-shot
// command finishes; a plain shell exiting instead signals the owning view to
// close the session.
func (p *Pool) HandleExit(id string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.ready, id)
	sess.state = model.StateExited
	if sess.command == "" {
		p.mu.Unlock()
		sess.surface.notifyExit(id, false)
		sess.surface.notifyCloseSession(id)
		return
	}
	if sess.restarting {
		// A restart is already in flight; never issue two.
		p.mu.Unlock()
		return
	}
	sess.restarting = true
	cwd := sess.cwd
	p.mu.Unlock()

	sess.surface.notifyExit(id, true)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
	defer cancel()
	err := p.backend.Create(ctx, id, cwd, "")

	p.mu.Lock()
	sess.restarting = false
	if err != nil {
		p.mu.Unlock()
		p.writeDiagnostic(sess, fmt.Sprintf("failed to restart shell: %v", err))
		logErr("shell fallback for "+id, err)
		return
	}
	// The fallback shell replaces the one-shot command; further exits close
	// the session like a plain shell.
	sess.command = ""
	sess.state = model.StateReady
	p.ready[id] = struct{}{}
	p.mu.Unlock()

	cols, rows := sess.surface.Geometry()
	if cols >= p.cfg.MinCols && rows >= p.cfg.MinRows {
		p.scheduleResize(sess, cols, rows)
	}
}

// writeDiagnostic reports an error inline in the terminal instead of
// surfacing it to the application: the session stays non-ready and retryable.
func (p *Pool) writeDiagnostic(sess *Session, msg string) {
	_, _ = sess.emu.Write([]byte("\r\n\x1b[31m" + msg + "\x1b[0m\r\n"))
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "termpool: %s: %v\n", scope, err)
}
