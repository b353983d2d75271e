// Package fragment implements the OTR fragmentation/assembly layer (§4.2):
// splitting an outbound encoded message into host-transport-sized pieces,
// and reassembling inbound pieces back into the original message.
package fragment

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/wire"
)

// Header overhead (prefix + trailing comma) per protocol version (§4.2).
// v2's is an upper bound (unpadded decimal counters); v3 and v4 are
// constant because their counters are zero-padded and their instance
// tags are fixed-width hex.
const (
	v2HeaderUpperBound = 18
	v3HeaderSize       = 36
	v4HeaderSize       = 45
)

func headerSize(version int) (int, error) {
	switch version {
	case 2:
		return v2HeaderUpperBound, nil
	case 3:
		return v3HeaderSize, nil
	case 4:
		return v4HeaderSize, nil
	default:
		return 0, errs.ProtocolError("fragment.headerSize", "unsupported version %d", version)
	}
}

// randIdentifier picks the random 32-bit v4 fragment identifier, shared
// across every fragment of one logical message.
func randIdentifier() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate fragment identifier: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Fragment splits encoded (a full "?OTR:....." encoded message) into an
// ordered sequence of host-transport lines no larger than
// maxFragmentSize. Non-encoded content (plaintext) and already-fragmented
// input are rejected: the fragmenter refuses to re-fragment (spec.md §9).
func Fragment(version int, encoded []byte, maxFragmentSize int, senderTag, receiverTag uint32) ([]string, error) {
	if !wire.IsEncodedMessage(encoded) {
		return nil, errs.ProtocolError("Fragment", "refusing to fragment non-encoded input")
	}
	if wire.IsFragmentMessage(encoded) {
		return nil, errs.ProtocolError("Fragment", "refusing to re-fragment already-fragmented input")
	}

	hdr, err := headerSize(version)
	if err != nil {
		return nil, err
	}
	payloadSize := maxFragmentSize - hdr
	if payloadSize <= 0 {
		return nil, errs.ProtocolError("Fragment", "fragment too small: max %d, header %d", maxFragmentSize, hdr)
	}

	total := (len(encoded) + payloadSize - 1) / payloadSize
	if total < 1 {
		total = 1
	}
	if total > 65535 {
		return nil, errs.ProtocolError("Fragment", "too many fragments: %d", total)
	}

	var identifier uint32
	if version == 4 {
		if identifier, err = randIdentifier(); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, total)
	for k := 1; k <= total; k++ {
		start := (k - 1) * payloadSize
		end := start + payloadSize
		if end > len(encoded) {
			end = len(encoded)
		}
		out = append(out, buildFragment(version, k, total, identifier, senderTag, receiverTag, encoded[start:end]))
	}
	return out, nil
}

func buildFragment(version, k, total int, identifier, senderTag, receiverTag uint32, piece []byte) string {
	var b strings.Builder
	switch version {
	case 2:
		fmt.Fprintf(&b, "?OTR,%d,%d,%s,", k, total, piece)
	case 3:
		fmt.Fprintf(&b, "?OTR|%08x|%08x,%05d,%05d,%s,", senderTag, receiverTag, k, total, piece)
	case 4:
		fmt.Fprintf(&b, "?OTR|%08x|%08x|%08x,%05d,%05d,%s,", identifier, senderTag, receiverTag, k, total, piece)
	}
	return b.String()
}

func parseHex32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// header holds the parsed fixed fields of one fragment line.
type header struct {
	version              int
	identifier           uint32 // v4 only
	senderTag, recvTag   uint32 // v3/v4 only
	k, n                 int
	piece                string
}

func parseFragmentLine(line string) (*header, error) {
	switch {
	case strings.HasPrefix(line, "?OTR,"):
		rest := line[len("?OTR,"):]
		parts := strings.Split(rest, ",")
		if len(parts) != 4 || parts[3] != "" {
			return nil, errs.ProtocolError("parseFragmentLine", "malformed v2 fragment")
		}
		k, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, errs.ProtocolError("parseFragmentLine", "bad k: %v", err)
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errs.ProtocolError("parseFragmentLine", "bad n: %v", err)
		}
		return &header{version: 2, k: k, n: n, piece: parts[2]}, nil

	case strings.HasPrefix(line, "?OTR|"):
		rest := line[len("?OTR|"):]
		idx := strings.IndexByte(rest, ',')
		if idx < 0 {
			return nil, errs.ProtocolError("parseFragmentLine", "missing comma after instance tags")
		}
		tagsPart, tail := rest[:idx], rest[idx+1:]
		tagFields := strings.Split(tagsPart, "|")

		parts := strings.Split(tail, ",")
		if len(parts) != 4 || parts[3] != "" {
			return nil, errs.ProtocolError("parseFragmentLine", "malformed fragment tail")
		}
		k, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, errs.ProtocolError("parseFragmentLine", "bad k: %v", err)
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errs.ProtocolError("parseFragmentLine", "bad n: %v", err)
		}

		h := &header{k: k, n: n, piece: parts[2]}
		switch len(tagFields) {
		case 2:
			h.version = 3
			if h.senderTag, err = parseHex32(tagFields[0]); err != nil {
				return nil, errs.ProtocolError("parseFragmentLine", "bad sender tag: %v", err)
			}
			if h.recvTag, err = parseHex32(tagFields[1]); err != nil {
				return nil, errs.ProtocolError("parseFragmentLine", "bad receiver tag: %v", err)
			}
		case 3:
			h.version = 4
			if h.identifier, err = parseHex32(tagFields[0]); err != nil {
				return nil, errs.ProtocolError("parseFragmentLine", "bad identifier: %v", err)
			}
			if h.senderTag, err = parseHex32(tagFields[1]); err != nil {
				return nil, errs.ProtocolError("parseFragmentLine", "bad sender tag: %v", err)
			}
			if h.recvTag, err = parseHex32(tagFields[2]); err != nil {
				return nil, errs.ProtocolError("parseFragmentLine", "bad receiver tag: %v", err)
			}
		default:
			return nil, errs.ProtocolError("parseFragmentLine", "unexpected instance tag field count %d", len(tagFields))
		}
		return h, nil

	default:
		return nil, errs.ProtocolError("parseFragmentLine", "not a fragment")
	}
}
