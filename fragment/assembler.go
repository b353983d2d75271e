package fragment

import (
	"strings"
	"sync"

	"github.com/quietwire/otr-go/errs"
)

// buffer is one in-progress reassembly for a single remote instance tag.
type buffer struct {
	version int
	n       int
	next    int // next expected k (1-based)
	parts   []string
}

// Assembler reassembles inbound fragments, keeping one buffer per remote
// (sender) instance tag so that concurrent peer instances don't interleave
// (§4.2, §5).
type Assembler struct {
	mu      sync.Mutex
	buffers map[uint32]*buffer
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{buffers: make(map[uint32]*buffer)}
}

// Result is the outcome of accumulating one fragment line.
type Result struct {
	// Complete holds the reassembled "?OTR:....." message, non-nil only
	// when the final fragment of a message has just arrived.
	Complete []byte
	// Unknown is true when the fragment was addressed to a receiver
	// instance tag other than ours; the assembler buffer was not touched.
	Unknown bool
}

// Accumulate processes one fragment line. ourInstanceTag is 0 if we have
// not yet learned our own instance tag (in which case every receiver tag
// is accepted).
func (a *Assembler) Accumulate(line string, ourInstanceTag uint32) (*Result, error) {
	h, err := parseFragmentLine(line)
	if err != nil {
		return nil, err
	}
	if h.k < 1 || h.k > 65535 || h.n < 1 || h.n > 65535 || h.k > h.n {
		return nil, errs.ProtocolError("Accumulate", "fragment index out of range: k=%d n=%d", h.k, h.n)
	}

	if h.version >= 3 && h.recvTag != 0 && ourInstanceTag != 0 && h.recvTag != ourInstanceTag {
		return &Result{Unknown: true}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := h.senderTag // 0 for v2, where there is only ever one in-flight message

	buf, exists := a.buffers[key]
	switch {
	case h.k == 1:
		buf = &buffer{version: h.version, n: h.n, next: 1, parts: make([]string, 0, h.n)}
		a.buffers[key] = buf
	case !exists || h.n != buf.n || h.k != buf.next:
		delete(a.buffers, key)
		return nil, errs.ProtocolError("Accumulate", "out-of-order fragment: got k=%d, expected %d", h.k, nextOf(buf))
	}

	buf.parts = append(buf.parts, h.piece)
	buf.next = h.k + 1

	if h.k == h.n {
		delete(a.buffers, key)
		return &Result{Complete: []byte(strings.Join(buf.parts, ""))}, nil
	}
	return nil, nil
}

func nextOf(buf *buffer) int {
	if buf == nil {
		return 1
	}
	return buf.next
}
