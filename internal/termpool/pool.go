package termpool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/g960059/termpool/internal/config"
	"github.com/g960059/termpool/internal/model"
)

// Backend is the external PTY command surface. The daemon wires the in-process
// creack/pty executor here; tests wire fakes.
type Backend interface {
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, id, cwd, command string) error
	Write(ctx context.Context, id string, p []byte) error
	Resize(ctx context.Context, id string, cols, rows int) error
	Kill(ctx context.Context, id string) error
	Scrollback(ctx context.Context, id string) ([]byte, error)
	PurgeScrollback(ctx context.Context, id string) error
}

// Sink is the attach target for a session's render surface: the view (or
// stream connection) currently showing the session. All methods are invoked
// without pool locks held.
type Sink interface {
	PresentOutput(frame OutputFrame)
	RequestFocus(sessionID string)
	NotifyTitle(sessionID, title string)
	NotifyExit(sessionID string, restarted bool)
	NotifyCloseSession(sessionID string)
}

// OutputFrame is one coalesced flush of decoded output bytes.
type OutputFrame struct {
	SessionID        string
	Seq              uint64
	Bytes            []byte
	Renderer         model.RendererKind
	CursorX          int
	CursorY          int
	Coalesced        bool
	CoalescedFromSeq uint64
}

// Session is one pooled terminal: the emulator instance, its detachable
// render surface and the bookkeeping that lets the UI unmount and remount
// the same id without losing state. Only Dispose destroys it.
type Session struct {
	ID string

	emu     Emulator
	surface *Surface
	input   *InputFilter

	cwd     string
	command string

	// Guarded by the owning pool's mutex.
	state         model.SessionState
	lastAccessed  time.Time
	renderer      *Renderer
	restarting    bool
	replayed      bool
	dec           StreamDecoder
	titles        titleScanner
	pending       []byte
	flushArmed    bool
	appendsQueued int
	outputSeq     uint64
	chunkSeq      uint64
	resizeTimer   *time.Timer

	// flushMu serializes flushes; see Pool.flush.
	flushMu sync.Mutex
}

// Surface returns the session's render surface handle. The caller borrows
// it; ownership stays with the pool.
func (s *Session) Surface() *Surface {
	return s.surface
}

// Input returns the session's direct-input filter.
func (s *Session) Input() *InputFilter {
	return s.input
}

// Renderer reports the active render path.
func (s *Session) Renderer() model.RendererKind {
	return s.renderer.Kind()
}

// Snapshot renders the emulator's current screen contents.
func (s *Session) Snapshot() string {
	return s.emu.Render()
}

// Pool owns every live session. It is constructed per application lifetime
// and injected into the daemon; there is no package-global registry.
type Pool struct {
	cfg       config.Config
	backend   Backend
	arbiter   *Arbiter
	newEmu    NewEmulatorFunc
	clipboard func(text string)
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	ready    map[string]struct{}

	// init serializes backend creation per session id so two rapid mounts of
	// the same id issue exactly one create.
	init singleflight.Group
}

// Options configures pool construction.
type Options struct {
	Backend     Backend
	Allocator   ContextAllocator
	NewEmulator NewEmulatorFunc
	// Clipboard receives selected text when CopyOnSelect is enabled.
	Clipboard func(text string)
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func NewPool(cfg config.Config, opts Options) *Pool {
	newEmu := opts.NewEmulator
	if newEmu == nil {
		newEmu = NewVTEmulator
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pool{
		cfg:       cfg,
		backend:   opts.Backend,
		arbiter:   NewArbiter(opts.Allocator, cfg.RenderContextLimit),
		newEmu:    newEmu,
		clipboard: opts.Clipboard,
		now:       now,
		sessions:  map[string]*Session{},
		ready:     map[string]struct{}{},
	}
}

// GetOrCreate returns the live session for id, or registers a new emulator
// instance with a fresh detached surface. Never fails; all error surfaces
// live in initialization.
func (p *Pool) GetOrCreate(id string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getOrCreateLocked(id)
}

func (p *Pool) getOrCreateLocked(id string) *Session {
	if sess, ok := p.sessions[id]; ok {
		sess.lastAccessed = p.now()
		return sess
	}
	sess := &Session{
		ID:           id,
		emu:          p.newEmu(p.cfg.DefaultCols, p.cfg.DefaultRows),
		surface:      &Surface{},
		input:        NewInputFilter(p.cfg.DirectInputTimeout, p.cfg.DirectInputQueueCap),
		state:        model.StateUninitialized,
		lastAccessed: p.now(),
		renderer:     softwareRenderer(),
	}
	if p.cfg.CopyOnSelect && p.clipboard != nil {
		sess.emu.OnSelection(p.clipboard)
	}
	p.sessions[id] = sess
	return sess
}

// Attach moves the session's render surface into sink and refits the
// emulator to the new geometry. Returns nil when id is unknown.
func (p *Pool) Attach(id string, sink Sink, cols, rows int) *Session {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	sess.lastAccessed = p.now()
	sess.surface.AttachSink(sink, cols, rows)
	ready := p.isReadyLocked(id)
	p.mu.Unlock()

	if cols >= p.cfg.MinCols && rows >= p.cfg.MinRows {
		sess.emu.Resize(cols, rows)
		if ready {
			p.scheduleResize(sess, cols, rows)
		}
	}
	return sess
}

// Resize refits the session to a new container geometry. Degenerate sizes are
// recorded but never forwarded: a hidden or collapsing container must not
// corrupt the PTY sizing. Backend resizes are debounced.
func (p *Pool) Resize(id string, cols, rows int) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	ready := p.isReadyLocked(id)
	p.mu.Unlock()

	sess.surface.setGeometry(cols, rows)
	if cols < p.cfg.MinCols || rows < p.cfg.MinRows {
		return
	}
	sess.emu.Resize(cols, rows)
	if ready {
		p.scheduleResize(sess, cols, rows)
	}
}

// Detach removes the surface from its current parent without disposing
// anything. Any pending debounced resize is cancelled; the emulator and its
// screen contents stay alive.
func (p *Pool) Detach(id string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if ok && sess.resizeTimer != nil {
		sess.resizeTimer.Stop()
		sess.resizeTimer = nil
	}
	p.mu.Unlock()
	if ok {
		sess.surface.DetachSink()
	}
}

// Dispose is the only true destruction path: it releases the render context,
// drops the ledger entry, destroys the emulator and surface and removes the
// id from the ready set. The backend process is the caller's concern.
func (p *Pool) Dispose(id string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.arbiter.Release(sess)
	delete(p.ready, id)
	delete(p.sessions, id)
	sess.state = model.StateDisposed
	if sess.resizeTimer != nil {
		sess.resizeTimer.Stop()
		sess.resizeTimer = nil
	}
	p.mu.Unlock()

	sess.surface.DetachSink()
	_ = sess.emu.Close()
}

// Meta is the pool-side status of a session, used for listings.
type Meta struct {
	State    model.SessionState
	Attached bool
	Renderer model.RendererKind
	Cwd      string
	Command  string
}

// Meta returns the live status for id.
func (p *Pool) Meta(id string) (Meta, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return Meta{}, false
	}
	return Meta{
		State:    sess.state,
		Attached: sess.surface.Attached(),
		Renderer: sess.renderer.Kind(),
		Cwd:      sess.cwd,
		Command:  sess.command,
	}, true
}

// Exists reports whether id is registered in the pool.
func (p *Pool) Exists(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[id]
	return ok
}

// State returns the lifecycle state for id, or StateUninitialized when
// unknown.
func (p *Pool) State(id string) model.SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[id]; ok {
		return sess.state
	}
	return model.StateUninitialized
}

// Sessions returns the registered session ids.
func (p *Pool) Sessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// EnsureRenderContext grants the session an accelerated context on becoming
// visible, subject to the concurrency limit and LRU eviction.
func (p *Pool) EnsureRenderContext(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[id]
	if !ok {
		return nil
	}
	return p.arbiter.Ensure(sess, p.resolveLocked)
}

// ReleaseRenderContext revokes the accelerated context when the session is
// hidden.
func (p *Pool) ReleaseRenderContext(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[id]; ok {
		p.arbiter.Release(sess)
	}
}

// NotifyContextLost handles involuntary context loss; the session falls back
// to the software renderer without surfacing an error.
func (p *Pool) NotifyContextLost(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[id]; ok {
		p.arbiter.NotifyLost(sess)
	}
}

// LoadedRenderContexts returns the ids currently holding a context, LRU
// first.
func (p *Pool) LoadedRenderContexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.arbiter.Loaded()
}

func (p *Pool) resolveLocked(id string) *Session {
	return p.sessions[id]
}

func (p *Pool) isReadyLocked(id string) bool {
	_, ok := p.ready[id]
	return ok
}

// Ready reports whether the backend PTY for id is confirmed writable.
func (p *Pool) Ready(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isReadyLocked(id)
}

// WriteInput forwards input bytes to the backend. Writes to a session that
// is not ready are dropped, not queued: this is the expected window between
// mount and PTY readiness. Returns whether the write was forwarded.
func (p *Pool) WriteInput(ctx context.Context, id string, data []byte) bool {
	if !p.Ready(id) {
		return false
	}
	if err := p.backend.Write(ctx, id, data); err != nil {
		logErr("write to session "+id, err)
		return false
	}
	return true
}

// DirectInput dispatches text over the direct path, recording it so the
// emulator's own callback for the same keystroke is suppressed. Returns
// whether the text was intercepted and forwarded.
func (p *Pool) DirectInput(ctx context.Context, id, text string, composition bool) bool {
	if !ShouldIntercept(text, composition) {
		return false
	}
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	sess.input.Track(text, p.now())
	p.mu.Unlock()
	p.WriteInput(ctx, id, []byte(text))
	return true
}

// EmulatorInput is the emulator's own data callback: text the emulator wants
// to send to the backend. Occurrences matching a recent direct dispatch are
// suppressed so the keystroke reaches the backend exactly once.
func (p *Pool) EmulatorInput(ctx context.Context, id, text string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	suppressed := sess.input.Suppress(text, p.now())
	p.mu.Unlock()
	if suppressed {
		return
	}
	p.WriteInput(ctx, id, []byte(text))
}

// SetScrollOffset records the attached view's scroll position so output
// flushes keep the viewport pinned instead of snapping to the bottom.
func (p *Pool) SetScrollOffset(id string, offset int) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	p.mu.Unlock()
	if ok {
		sess.surface.SetScrollOffset(offset)
	}
}

// ReportSelection delivers text selected in the attached view to the
// session's emulator, which mirrors it to the clipboard hook when
// copy-on-select is enabled.
func (p *Pool) ReportSelection(id, text string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	p.mu.Unlock()
	if ok {
		sess.emu.ReportSelection(text)
	}
}

// HandleData ingests one chunk of raw backend output. Bytes accumulate in
// the session's pending buffer; a flush is armed at most once per frame
// interval so bursts coalesce into a single decode+write.
func (p *Pool) HandleData(id string, data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	sess, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	sess.pending = append(sess.pending, data...)
	sess.appendsQueued++
	sess.chunkSeq++
	armed := sess.flushArmed
	if !armed {
		sess.flushArmed = true
	}
	p.mu.Unlock()

	if !armed {
		time.AfterFunc(p.cfg.FrameInterval, func() { p.flush(id) })
	}
}

// flush drains the pending buffer through the stream decoder, writes whole
// characters into the emulator and presents one output frame. Per-session
// flushes are strictly ordered; bytes held back mid-sequence stay in the
// decoder until the continuation arrives.
func (p *Pool) flush(id string) {
	p.mu.Lock()
	sess, ok := p.sessions[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	// flushMu serializes the whole decode+write+present path per session so
	// frames cannot interleave even when a slow present overlaps the next
	// frame tick.
	sess.flushMu.Lock()
	defer sess.flushMu.Unlock()

	p.mu.Lock()
	pending := sess.pending
	sess.pending = nil
	appends := sess.appendsQueued
	sess.appendsQueued = 0
	sess.flushArmed = false
	decoded := sess.dec.Decode(pending)
	if len(decoded) == 0 {
		p.mu.Unlock()
		return
	}
	sess.outputSeq++
	frame := OutputFrame{
		SessionID: id,
		Seq:       sess.outputSeq,
		Bytes:     decoded,
		Renderer:  sess.renderer.Kind(),
		Coalesced: appends > 1,
	}
	if appends > 1 {
		frame.CoalescedFromSeq = sess.chunkSeq - uint64(appends) + 1
	}
	titles := sess.titles.Scan(decoded)
	p.mu.Unlock()

	_, _ = sess.emu.Write(decoded)
	frame.CursorX, frame.CursorY = sess.emu.CursorPosition()
	for _, title := range titles {
		sess.surface.notifyTitle(id, title)
	}
	sess.surface.present(frame)
}

func (p *Pool) scheduleResize(sess *Session, cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess.resizeTimer != nil {
		sess.resizeTimer.Stop()
	}
	id := sess.ID
	sess.resizeTimer = time.AfterFunc(p.cfg.ResizeDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CommandTimeout)
		defer cancel()
		if err := p.backend.Resize(ctx, id, cols, rows); err != nil {
			logErr("resize session "+id, err)
		}
	})
}
