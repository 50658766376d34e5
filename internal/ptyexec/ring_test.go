package ptyexec

import (
	"bytes"
	"testing"
)

func TestRingAppendWithinLimit(t *testing.T) {
	r := newScrollbackRing(16)
	r.Append([]byte("hello "))
	r.Append([]byte("world"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("unexpected contents: %q", got)
	}
	if r.Len() != 11 {
		t.Fatalf("unexpected length: %d", r.Len())
	}
}

func TestRingDropsOldestBytes(t *testing.T) {
	r := newScrollbackRing(8)
	r.Append([]byte("aaaa"))
	r.Append([]byte("bbbb"))
	r.Append([]byte("cccc"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("bbbbcccc")) {
		t.Fatalf("expected oldest bytes dropped, got %q", got)
	}
}

func TestRingOversizedChunkKeepsTail(t *testing.T) {
	r := newScrollbackRing(4)
	r.Append([]byte("abcdefgh"))
	if got := r.Bytes(); !bytes.Equal(got, []byte("efgh")) {
		t.Fatalf("expected tail of chunk, got %q", got)
	}
}

func TestRingBytesReturnsCopy(t *testing.T) {
	r := newScrollbackRing(16)
	r.Append([]byte("data"))
	got := r.Bytes()
	got[0] = 'X'
	if !bytes.Equal(r.Bytes(), []byte("data")) {
		t.Fatalf("mutating the returned slice must not alter the ring")
	}
}

func TestRingReset(t *testing.T) {
	r := newScrollbackRing(16)
	r.Append([]byte("data"))
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("expected empty ring after reset, got %d bytes", r.Len())
	}
}
