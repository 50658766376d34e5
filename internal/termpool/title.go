package termpool

// titleScanner extracts OSC 0/2 window-title sequences from the output
// stream so title changes can be surfaced to the owning view. The scanner is
// incremental: a sequence split across chunks is reassembled. Oversized
// sequences are discarded rather than buffered without bound.
type titleScanner struct {
	inOSC   bool
	sawEsc  bool
	buf     []byte
	dropped bool
}

const maxTitleSeq = 4096

// Scan consumes one output chunk and returns any completed titles, oldest
// first. The chunk itself is not modified; title sequences still reach the
// emulator verbatim.
func (t *titleScanner) Scan(p []byte) []string {
	var titles []string
	for i := 0; i < len(p); i++ {
		b := p[i]
		if !t.inOSC {
			if t.sawEsc {
				t.sawEsc = false
				if b == ']' {
					t.inOSC = true
					t.buf = t.buf[:0]
					t.dropped = false
				}
				continue
			}
			if b == 0x1b {
				t.sawEsc = true
			}
			continue
		}
		// Inside an OSC sequence, terminated by BEL or ST (ESC \).
		switch {
		case b == 0x07:
			if title, ok := t.finish(); ok {
				titles = append(titles, title)
			}
		case b == 0x1b:
			t.sawEsc = true
		case t.sawEsc:
			t.sawEsc = false
			if b == '\\' {
				if title, ok := t.finish(); ok {
					titles = append(titles, title)
				}
			} else {
				t.reset()
			}
		default:
			if len(t.buf) >= maxTitleSeq {
				t.dropped = true
				continue
			}
			t.buf = append(t.buf, b)
		}
	}
	return titles
}

func (t *titleScanner) finish() (string, bool) {
	body := t.buf
	dropped := t.dropped
	t.reset()
	if dropped || len(body) < 2 {
		return "", false
	}
	// OSC Ps ; Pt, where only title selectors 0 and 2 are interesting.
	if (body[0] != '0' && body[0] != '2') || body[1] != ';' {
		return "", false
	}
	return string(body[2:]), true
}

func (t *titleScanner) reset() {
	t.inOSC = false
	t.sawEsc = false
	t.buf = t.buf[:0]
	t.dropped = false
}
