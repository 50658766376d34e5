package ptyexec

import "sync"

// scrollbackRing is a bounded byte buffer of recent PTY output. When the
// limit is exceeded the oldest bytes are dropped; replay consumers tolerate
// a truncated leading sequence.
type scrollbackRing struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newScrollbackRing(limit int) *scrollbackRing {
	if limit <= 0 {
		limit = 1 << 20
	}
	return &scrollbackRing{limit: limit}
}

func (r *scrollbackRing) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.limit; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
}

func (r *scrollbackRing) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *scrollbackRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}

func (r *scrollbackRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
