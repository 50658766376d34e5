package termpool

import (
	"fmt"

	"github.com/g960059/termpool/internal/model"
)

// RenderContext is one hardware-accelerated rendering resource. Contexts are
// scarce and boundedly available system-wide; they are granted on visibility
// and revoked on eviction or involuntary loss.
type RenderContext interface {
	Close() error
}

// ContextAllocator produces render contexts. The real allocator talks to the
// GPU layer of the embedding application; tests inject a fake.
type ContextAllocator interface {
	Allocate(sessionID string) (RenderContext, error)
}

// Renderer is the capability-tagged render variant for a session. Callers
// present through it without knowing which backend is active.
type Renderer struct {
	kind model.RendererKind
	ctx  RenderContext
}

func softwareRenderer() *Renderer {
	return &Renderer{kind: model.RendererSoftware}
}

func acceleratedRenderer(ctx RenderContext) *Renderer {
	return &Renderer{kind: model.RendererAccelerated, ctx: ctx}
}

// Kind reports which render path is active.
func (r *Renderer) Kind() model.RendererKind {
	if r == nil {
		return model.RendererSoftware
	}
	return r.kind
}

func (r *Renderer) dispose() {
	if r == nil || r.ctx == nil {
		return
	}
	_ = r.ctx.Close()
	r.ctx = nil
	r.kind = model.RendererSoftware
}

// Arbiter bounds the number of sessions holding an accelerated render
// context. The ledger is ordered by most-recent ensure; index 0 is the
// least-recently-used entry and the first eviction candidate.
//
// resolve maps a ledger id back to its live session; ids that no longer
// resolve are swept before every ensure, so tracking drift cannot pin a
// context forever.
type Arbiter struct {
	alloc  ContextAllocator
	limit  int
	ledger []string
}

func NewArbiter(alloc ContextAllocator, limit int) *Arbiter {
	if limit <= 0 {
		limit = 1
	}
	return &Arbiter{alloc: alloc, limit: limit}
}

// Ensure grants sess an accelerated context, evicting the least-recently-used
// holder when the limit would be exceeded. Already-loaded sessions are just
// marked most-recently-used. Allocation failure is not fatal: the session
// keeps its software renderer.
func (a *Arbiter) Ensure(sess *Session, resolve func(id string) *Session) error {
	if a.alloc == nil {
		// No accelerated backend available; every session renders in software.
		return nil
	}
	a.sweep(resolve)

	if a.contains(sess.ID) {
		a.touch(sess.ID)
		if sess.renderer.Kind() == model.RendererAccelerated {
			return nil
		}
		// Ledger drift: tracked but not actually loaded. Reload below.
		a.remove(sess.ID)
	}

	for len(a.ledger) >= a.limit {
		a.evictOldest(resolve)
	}

	ctx, err := a.alloc.Allocate(sess.ID)
	if err != nil {
		return fmt.Errorf("allocate render context for %s: %w", sess.ID, err)
	}
	sess.renderer = acceleratedRenderer(ctx)
	a.ledger = append(a.ledger, sess.ID)
	return nil
}

// Release unloads the session's accelerated context, if any, and drops it
// from the ledger. Safe to call for sessions that never held one.
func (a *Arbiter) Release(sess *Session) {
	a.remove(sess.ID)
	if sess.renderer.Kind() == model.RendererAccelerated {
		sess.renderer.dispose()
		sess.renderer = softwareRenderer()
	}
}

// NotifyLost handles involuntary context loss (driver or resource pressure).
// The context is disposed and the session falls back to the software
// renderer; this is recovery, not an error.
func (a *Arbiter) NotifyLost(sess *Session) {
	a.Release(sess)
}

// Loaded returns the ids currently holding a context, LRU first.
func (a *Arbiter) Loaded() []string {
	out := make([]string, len(a.ledger))
	copy(out, a.ledger)
	return out
}

func (a *Arbiter) evictOldest(resolve func(id string) *Session) {
	if len(a.ledger) == 0 {
		return
	}
	victim := a.ledger[0]
	a.ledger = a.ledger[1:]
	if sess := resolve(victim); sess != nil {
		sess.renderer.dispose()
		sess.renderer = softwareRenderer()
	}
}

func (a *Arbiter) sweep(resolve func(id string) *Session) {
	kept := a.ledger[:0]
	for _, id := range a.ledger {
		if resolve(id) != nil {
			kept = append(kept, id)
		}
	}
	a.ledger = kept
}

func (a *Arbiter) contains(id string) bool {
	for _, v := range a.ledger {
		if v == id {
			return true
		}
	}
	return false
}

func (a *Arbiter) touch(id string) {
	a.remove(id)
	a.ledger = append(a.ledger, id)
}

func (a *Arbiter) remove(id string) {
	for i, v := range a.ledger {
		if v == id {
			a.ledger = append(a.ledger[:i], a.ledger[i+1:]...)
			return
		}
	}
}
