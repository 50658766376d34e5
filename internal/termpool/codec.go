package termpool

import "unicode/utf8"

// StreamDecoder splits an incoming byte stream at UTF-8 sequence boundaries.
// Output arrives in arbitrary chunks, so a single multi-byte character may be
// delivered across two events; the decoder holds the incomplete tail until
// the continuation bytes arrive instead of materializing a replacement rune.
type StreamDecoder struct {
	tail []byte
}

// Decode appends chunk to any held tail and returns the longest prefix that
// ends on a complete UTF-8 sequence. The remainder, if any, is retained for
// the next call. An empty chunk with no pending tail returns nil.
func (d *StreamDecoder) Decode(chunk []byte) []byte {
	if len(chunk) == 0 && len(d.tail) == 0 {
		return nil
	}
	buf := chunk
	if len(d.tail) > 0 {
		buf = make([]byte, 0, len(d.tail)+len(chunk))
		buf = append(buf, d.tail...)
		buf = append(buf, chunk...)
		d.tail = nil
	}
	cut := completeBoundary(buf)
	if cut < len(buf) {
		d.tail = append([]byte(nil), buf[cut:]...)
	}
	if cut == 0 {
		return nil
	}
	return buf[:cut]
}

// Pending reports how many bytes are held back waiting for a continuation.
func (d *StreamDecoder) Pending() int {
	return len(d.tail)
}

// Flush releases any held bytes as-is. Used on teardown when no continuation
// can arrive anymore.
func (d *StreamDecoder) Flush() []byte {
	tail := d.tail
	d.tail = nil
	return tail
}

// completeBoundary returns the length of the longest prefix of buf that does
// not end inside a multi-byte UTF-8 sequence. A trailing sequence that is
// malformed beyond repair (longer than utf8.UTFMax or an orphan continuation
// byte) is passed through untouched rather than held forever.
func completeBoundary(buf []byte) int {
	n := len(buf)
	// Scan back at most UTFMax-1 bytes for a start byte.
	for back := 1; back < utf8.UTFMax && back <= n; back++ {
		b := buf[n-back]
		if b < utf8.RuneSelf {
			// ASCII byte: everything before and including it is complete.
			return n - back + 1
		}
		if b&0xC0 == 0xC0 {
			// Start byte: hold it unless its sequence is already complete.
			want := sequenceLen(b)
			if want > 0 && back < want {
				return n - back
			}
			return n
		}
		// Continuation byte, keep scanning.
	}
	return n
}

func sequenceLen(start byte) int {
	switch {
	case start&0xE0 == 0xC0:
		return 2
	case start&0xF0 == 0xE0:
		return 3
	case start&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}
