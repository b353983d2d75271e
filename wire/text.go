package wire

import (
	"bytes"
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/quietwire/otr-go/errs"
)

// queryMarker prefixes a query message: "?OTRv23?" etc.
const queryMarker = "?OTR"

// msgMarker prefixes a base64-encoded message: "?OTR:....".
const msgMarker = "?OTR:"

// errorMarker prefixes an error message.
const errorMarker = "?OTR Error:"

// WhitespaceBase is the 16-byte tag every whitespace-tagged plaintext ends
// with, before any per-version tag bytes (§6).
const WhitespaceBase = "\x20\x09\x20\x20\x09\x09\x09\x09\x20\x09\x20\x09\x20\x09\x20\x20"

// Per-version whitespace tags appended after WhitespaceBase (§6).
const (
	whitespaceV2 = "  \t\t  \t "
	whitespaceV3 = "  \t\t  \t\t"
	whitespaceV4 = "  \t\t \t  "
)

// IsQueryMessage reports whether line opens with the query marker. A lone
// "?OTR?" (no version digits, or only "1") names v1 only and is treated as
// unsupported and ignored by the caller.
func IsQueryMessage(line []byte) bool {
	return bytes.HasPrefix(line, []byte(queryMarker)) && !bytes.HasPrefix(line, []byte(msgMarker))
}

// ParseQuery extracts the advertised version set from a query message of
// the form "?OTRv23?" or the bare v1-only "?OTR?".
func ParseQuery(line []byte) ([]int, error) {
	s := string(line)
	if !strings.HasPrefix(s, queryMarker) {
		return nil, errs.ProtocolError("ParseQuery", "missing query marker")
	}
	rest := s[len(queryMarker):]
	if strings.HasPrefix(rest, "?") {
		return nil, nil // bare "?OTR?": v1-only, unsupported
	}
	if !strings.HasPrefix(rest, "v") {
		return nil, errs.ProtocolError("ParseQuery", "malformed query message")
	}
	rest = rest[1:]
	end := strings.IndexByte(rest, '?')
	if end < 0 {
		return nil, errs.ProtocolError("ParseQuery", "unterminated query message")
	}
	digits := rest[:end]
	versions := make([]int, 0, len(digits))
	for i := 0; i < len(digits); i++ {
		v, err := strconv.Atoi(string(digits[i]))
		if err != nil {
			return nil, errs.ProtocolError("ParseQuery", "bad version digit %q", digits[i])
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// EncodeQuery builds a query message advertising the given versions.
func EncodeQuery(versions []int) []byte {
	var b strings.Builder
	b.WriteString(queryMarker)
	b.WriteByte('v')
	for _, v := range versions {
		b.WriteString(strconv.Itoa(v))
	}
	b.WriteByte('?')
	return []byte(b.String())
}

// IsFragmentMessage reports whether line opens a fragment of any of the
// three fragment framings (v2/v3/v4), per §4.2.
func IsFragmentMessage(line []byte) bool {
	if !bytes.HasPrefix(line, []byte("?OTR,")) && !bytes.HasPrefix(line, []byte("?OTR|")) {
		return false
	}
	return bytes.HasSuffix(line, []byte(","))
}

// IsErrorMessage reports whether line is an OTR error message.
func IsErrorMessage(line []byte) bool {
	return bytes.HasPrefix(line, []byte(errorMarker))
}

// ParseError extracts the human-readable text from an error message.
func ParseError(line []byte) string {
	return string(line[len(errorMarker):])
}

// EncodeError builds an OTR error message.
func EncodeError(text string) []byte {
	return []byte(errorMarker + text)
}

// IsEncodedMessage reports whether line is a base64-wrapped encoded
// message ("?OTR:....").
func IsEncodedMessage(line []byte) bool {
	return bytes.HasPrefix(line, []byte(msgMarker)) && bytes.HasSuffix(line, []byte("."))
}

// DecodeEncodedMessage base64-decodes the body of an encoded message.
func DecodeEncodedMessage(line []byte) ([]byte, error) {
	if !IsEncodedMessage(line) {
		return nil, errs.ProtocolError("DecodeEncodedMessage", "missing ?OTR:...  . framing")
	}
	body := line[len(msgMarker) : len(line)-1]
	out, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, errs.ProtocolError("DecodeEncodedMessage", "base64: %v", err)
	}
	return out, nil
}

// EncodeEncodedMessage base64-wraps an encoded message body.
func EncodeEncodedMessage(body []byte) []byte {
	b64 := base64.StdEncoding.EncodeToString(body)
	return []byte(msgMarker + b64 + ".")
}

func whitespaceTagFor(version int) string {
	switch version {
	case 2:
		return whitespaceV2
	case 3:
		return whitespaceV3
	case 4:
		return whitespaceV4
	default:
		return ""
	}
}

// AppendWhitespaceTag appends the whitespace base tag plus one per-version
// tag for each of versions to plaintext.
func AppendWhitespaceTag(plaintext []byte, versions []int) []byte {
	out := make([]byte, 0, len(plaintext)+len(WhitespaceBase)+8*len(versions))
	out = append(out, plaintext...)
	out = append(out, []byte(WhitespaceBase)...)
	for _, v := range versions {
		if tag := whitespaceTagFor(v); tag != "" {
			out = append(out, []byte(tag)...)
		}
	}
	return out
}

// ParseWhitespaceTag reports whether msg contains a whitespace tag and, if
// so, the plaintext with the tag stripped and the advertised versions.
func ParseWhitespaceTag(msg []byte) (plaintext []byte, versions []int, found bool) {
	idx := bytes.Index(msg, []byte(WhitespaceBase))
	if idx < 0 {
		return msg, nil, false
	}
	plaintext = msg[:idx]
	rest := msg[idx+len(WhitespaceBase):]
	for len(rest) >= 8 {
		tag := string(rest[:8])
		switch tag {
		case whitespaceV2:
			versions = append(versions, 2)
		case whitespaceV3:
			versions = append(versions, 3)
		case whitespaceV4:
			versions = append(versions, 4)
		default:
			// Unrecognized trailing bytes belong to no known per-version
			// tag; stop scanning rather than misparse arbitrary content.
			return plaintext, versions, true
		}
		rest = rest[8:]
	}
	return plaintext, versions, true
}
