package termpool

import (
	"errors"
	"fmt"
	"testing"

	"github.com/g960059/termpool/internal/model"
)

type fakeContext struct {
	id     string
	closed bool
}

func (c *fakeContext) Close() error {
	c.closed = true
	return nil
}

type fakeAllocator struct {
	allocated []string
	contexts  map[string]*fakeContext
	fail      bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{contexts: map[string]*fakeContext{}}
}

func (a *fakeAllocator) Allocate(sessionID string) (RenderContext, error) {
	if a.fail {
		return nil, errors.New("no contexts available")
	}
	ctx := &fakeContext{id: sessionID}
	a.contexts[sessionID] = ctx
	a.allocated = append(a.allocated, sessionID)
	return ctx, nil
}

func newArbiterFixture(limit, sessions int) (*Arbiter, *fakeAllocator, map[string]*Session) {
	alloc := newFakeAllocator()
	arb := NewArbiter(alloc, limit)
	pool := map[string]*Session{}
	for i := 1; i <= sessions; i++ {
		id := fmt.Sprintf("s%d", i)
		pool[id] = &Session{ID: id, renderer: softwareRenderer()}
	}
	return arb, alloc, pool
}

func TestEnsureGrantsAcceleratedContext(t *testing.T) {
	arb, _, pool := newArbiterFixture(6, 1)
	resolve := func(id string) *Session { return pool[id] }

	if err := arb.Ensure(pool["s1"], resolve); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if pool["s1"].renderer.Kind() != model.RendererAccelerated {
		t.Fatalf("expected accelerated renderer, got %s", pool["s1"].renderer.Kind())
	}
	if got := arb.Loaded(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("unexpected ledger: %v", got)
	}
}

func TestEnsureEvictsLeastRecentlyUsed(t *testing.T) {
	arb, alloc, pool := newArbiterFixture(6, 7)
	resolve := func(id string) *Session { return pool[id] }

	for i := 1; i <= 6; i++ {
		if err := arb.Ensure(pool[fmt.Sprintf("s%d", i)], resolve); err != nil {
			t.Fatalf("ensure s%d: %v", i, err)
		}
	}
	if err := arb.Ensure(pool["s7"], resolve); err != nil {
		t.Fatalf("ensure s7: %v", err)
	}

	if pool["s1"].renderer.Kind() != model.RendererSoftware {
		t.Fatalf("s1 must fall back to software after eviction")
	}
	if !alloc.contexts["s1"].closed {
		t.Fatalf("evicted context must be closed")
	}
	if pool["s7"].renderer.Kind() != model.RendererAccelerated {
		t.Fatalf("s7 must hold an accelerated context")
	}
	if got := arb.Loaded(); len(got) != 6 || got[0] != "s2" || got[5] != "s7" {
		t.Fatalf("unexpected ledger after eviction: %v", got)
	}
}

func TestEnsureTouchMovesToMostRecent(t *testing.T) {
	arb, _, pool := newArbiterFixture(6, 7)
	resolve := func(id string) *Session { return pool[id] }

	for i := 1; i <= 6; i++ {
		if err := arb.Ensure(pool[fmt.Sprintf("s%d", i)], resolve); err != nil {
			t.Fatalf("ensure s%d: %v", i, err)
		}
	}
	// Re-ensure s1 so s2 becomes the eviction candidate.
	if err := arb.Ensure(pool["s1"], resolve); err != nil {
		t.Fatalf("re-ensure s1: %v", err)
	}
	if err := arb.Ensure(pool["s7"], resolve); err != nil {
		t.Fatalf("ensure s7: %v", err)
	}
	if pool["s1"].renderer.Kind() != model.RendererAccelerated {
		t.Fatalf("recently used s1 must keep its context")
	}
	if pool["s2"].renderer.Kind() != model.RendererSoftware {
		t.Fatalf("s2 must have been evicted")
	}
}

func TestEnsureSweepsDisposedSessions(t *testing.T) {
	arb, _, pool := newArbiterFixture(2, 3)
	resolve := func(id string) *Session { return pool[id] }

	if err := arb.Ensure(pool["s1"], resolve); err != nil {
		t.Fatalf("ensure s1: %v", err)
	}
	if err := arb.Ensure(pool["s2"], resolve); err != nil {
		t.Fatalf("ensure s2: %v", err)
	}
	// s1 disappears without a Release call; the sweep reclaims its slot
	// without evicting s2.
	delete(pool, "s1")
	if err := arb.Ensure(pool["s3"], resolve); err != nil {
		t.Fatalf("ensure s3: %v", err)
	}
	if pool["s2"].renderer.Kind() != model.RendererAccelerated {
		t.Fatalf("s2 must survive the sweep")
	}
	if got := arb.Loaded(); len(got) != 2 || got[0] != "s2" || got[1] != "s3" {
		t.Fatalf("unexpected ledger after sweep: %v", got)
	}
}

func TestEnsureAllocationFailureKeepsSoftware(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.fail = true
	arb := NewArbiter(alloc, 6)
	sess := &Session{ID: "s1", renderer: softwareRenderer()}
	resolve := func(id string) *Session { return sess }

	if err := arb.Ensure(sess, resolve); err == nil {
		t.Fatalf("expected allocation error")
	}
	if sess.renderer.Kind() != model.RendererSoftware {
		t.Fatalf("failed allocation must leave the software renderer")
	}
	if len(arb.Loaded()) != 0 {
		t.Fatalf("failed allocation must not enter the ledger")
	}
}

func TestReleaseAndNotifyLost(t *testing.T) {
	arb, alloc, pool := newArbiterFixture(6, 2)
	resolve := func(id string) *Session { return pool[id] }

	if err := arb.Ensure(pool["s1"], resolve); err != nil {
		t.Fatalf("ensure s1: %v", err)
	}
	arb.Release(pool["s1"])
	if pool["s1"].renderer.Kind() != model.RendererSoftware {
		t.Fatalf("released session must use the software renderer")
	}
	if !alloc.contexts["s1"].closed {
		t.Fatalf("released context must be closed")
	}

	if err := arb.Ensure(pool["s2"], resolve); err != nil {
		t.Fatalf("ensure s2: %v", err)
	}
	arb.NotifyLost(pool["s2"])
	if pool["s2"].renderer.Kind() != model.RendererSoftware {
		t.Fatalf("lost context must fall back to software")
	}
	if len(arb.Loaded()) != 0 {
		t.Fatalf("ledger must be empty, got %v", arb.Loaded())
	}
}
