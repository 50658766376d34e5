package termpool

import (
	"sync"

	"github.com/charmbracelet/x/vt"
)

// Emulator is the terminal-emulation black box a session feeds bytes into.
// Escape-sequence interpretation, the cursor model and the screen buffer all
// live behind this interface; the pool only streams bytes through it.
type Emulator interface {
	Write(p []byte) (int, error)
	Render() string
	Resize(cols, rows int)
	CursorPosition() (x, y int)
	OnSelection(fn func(text string))
	ReportSelection(text string)
	Close() error
}

// NewEmulatorFunc constructs an emulator with an initial geometry. Injected
// into the pool so tests can substitute a fake.
type NewEmulatorFunc func(cols, rows int) Emulator

// vtEmulator adapts charmbracelet/x/vt to the Emulator interface. Selection
// state is tracked here because the selection signal originates from the
// embedding view, not from the byte stream.
type vtEmulator struct {
	mu    sync.Mutex
	term  *vt.Emulator
	onSel func(text string)
}

// NewVTEmulator returns an Emulator backed by charmbracelet/x/vt.
func NewVTEmulator(cols, rows int) Emulator {
	return &vtEmulator{term: vt.NewEmulator(cols, rows)}
}

func (e *vtEmulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term.Write(p)
}

func (e *vtEmulator) Render() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term.Render()
}

func (e *vtEmulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.term.Resize(cols, rows)
}

func (e *vtEmulator) CursorPosition() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.term.CursorPosition()
	return pos.X, pos.Y
}

func (e *vtEmulator) OnSelection(fn func(text string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onSel = fn
}

// ReportSelection delivers a selection made in the embedding view to the
// registered selection hook.
func (e *vtEmulator) ReportSelection(text string) {
	e.mu.Lock()
	fn := e.onSel
	e.mu.Unlock()
	if fn != nil && text != "" {
		fn(text)
	}
}

func (e *vtEmulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term.Close()
}

// Surface is the detachable render container for a session. It survives the
// owning view unmounting: Detach only clears the sink, the emulator and its
// screen contents stay alive until Dispose.
type Surface struct {
	mu           sync.Mutex
	sink         Sink
	cols, rows   int
	scrollOffset int
}

// AttachSink points the surface at a new parent. Any previous sink is
// replaced, not notified; reparenting is invisible to the emulator.
func (s *Surface) AttachSink(sink Sink, cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	if cols > 0 && rows > 0 {
		s.cols, s.rows = cols, rows
	}
}

// DetachSink removes the surface from its current parent without disposing
// anything.
func (s *Surface) DetachSink() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}

// Attached reports whether a parent currently holds the surface.
func (s *Surface) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

func (s *Surface) setGeometry(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols > 0 && rows > 0 {
		s.cols, s.rows = cols, rows
	}
}

// Geometry returns the surface's fitted size; zero until first attach.
func (s *Surface) Geometry() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// SetScrollOffset records the view's scroll position so a flush can pin it.
func (s *Surface) SetScrollOffset(offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollOffset = offset
}

// ScrollOffset returns the current pinned scroll position.
func (s *Surface) ScrollOffset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollOffset
}

// present delivers a flushed output frame to the attached sink, restoring the
// scroll offset captured before the write so intermediate partial renders do
// not move the viewport. A detached surface drops the frame; the emulator
// retains the bytes, so nothing is lost.
func (s *Surface) present(frame OutputFrame) {
	s.mu.Lock()
	sink := s.sink
	pinned := s.scrollOffset
	s.mu.Unlock()
	if sink == nil {
		return
	}
	sink.PresentOutput(frame)
	s.mu.Lock()
	s.scrollOffset = pinned
	s.mu.Unlock()
}

// requestFocus asks the attached view to focus the session. A detached
// surface swallows the request: focus must never fire after the owning view
// has unmounted.
func (s *Surface) requestFocus(sessionID string) {
	if sink := s.currentSink(); sink != nil {
		sink.RequestFocus(sessionID)
	}
}

func (s *Surface) notifyTitle(sessionID, title string) {
	if sink := s.currentSink(); sink != nil {
		sink.NotifyTitle(sessionID, title)
	}
}

func (s *Surface) notifyExit(sessionID string, restarted bool) {
	if sink := s.currentSink(); sink != nil {
		sink.NotifyExit(sessionID, restarted)
	}
}

func (s *Surface) notifyCloseSession(sessionID string) {
	if sink := s.currentSink(); sink != nil {
		sink.NotifyCloseSession(sessionID)
	}
}

func (s *Surface) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}
