package termpool

import (
	"strings"
	"time"
	"unicode"

	"github.com/eapache/queue"
	"golang.org/x/text/width"
)

// directPunctuation is the ASCII punctuation whitelist for composition text.
// Composition events carrying one of these (or its full-width form) are taken
// over the direct path because the emulator's own composition handling
// mangles them on some platforms.
const directPunctuation = `!"#$%&'()*+,-./:;<=>?@[\]^_` + "`{|}~"

type pendingInput struct {
	text     string
	fallback string
	at       time.Time
}

// InputFilter disambiguates the two delivery paths for a keystroke: the
// direct path that writes bytes to the backend immediately, and the
// emulator's own data callback that would re-send the same text. Each direct
// dispatch is queued with a timestamp; a matching emulator callback within
// the timeout window is suppressed so the backend sees the keystroke exactly
// once. Entries expire after the timeout and stop suppressing, so a callback
// that never fires cannot double-book future input.
type InputFilter struct {
	timeout time.Duration
	cap     int
	queue   *queue.Queue
}

func NewInputFilter(timeout time.Duration, capacity int) *InputFilter {
	if timeout <= 0 {
		timeout = 120 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 5
	}
	return &InputFilter{
		timeout: timeout,
		cap:     capacity,
		queue:   queue.New(),
	}
}

// ShouldIntercept reports whether text must take the direct path: direct text
// insertion, composition text matching the punctuation whitelist, or any
// non-ASCII direct character.
func ShouldIntercept(text string, composition bool) bool {
	if text == "" {
		return false
	}
	if !composition {
		return true
	}
	narrowed := width.Narrow.String(text)
	if len(narrowed) == 1 && strings.ContainsAny(narrowed, directPunctuation) {
		return true
	}
	for _, r := range text {
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}

// Track records a direct dispatch. The full-width to half-width mapping is
// stored as a fallback so an emulator callback reporting either form matches.
// The queue is bounded; the oldest entry is dropped when full.
func (f *InputFilter) Track(text string, now time.Time) {
	if text == "" {
		return
	}
	f.expire(now)
	for f.queue.Length() >= f.cap {
		f.queue.Remove()
	}
	entry := pendingInput{text: text, at: now}
	if narrowed := width.Narrow.String(text); narrowed != text {
		entry.fallback = narrowed
	}
	f.queue.Add(entry)
}

// Suppress reports whether text arriving from the emulator's data callback
// matches a tracked direct dispatch within the timeout window. A match
// consumes its entry, so repeated identical keystrokes each suppress exactly
// one callback.
func (f *InputFilter) Suppress(text string, now time.Time) bool {
	if text == "" {
		return false
	}
	f.expire(now)
	entries := make([]pendingInput, 0, f.queue.Length())
	for f.queue.Length() > 0 {
		entries = append(entries, f.queue.Remove().(pendingInput))
	}
	matched := false
	for _, entry := range entries {
		if !matched && (entry.text == text || (entry.fallback != "" && entry.fallback == text)) {
			matched = true
			continue
		}
		f.queue.Add(entry)
	}
	return matched
}

// Pending returns the number of unexpired tracked dispatches.
func (f *InputFilter) Pending(now time.Time) int {
	f.expire(now)
	return f.queue.Length()
}

func (f *InputFilter) expire(now time.Time) {
	for f.queue.Length() > 0 {
		entry := f.queue.Peek().(pendingInput)
		if now.Sub(entry.at) <= f.timeout {
			return
		}
		f.queue.Remove()
	}
}
