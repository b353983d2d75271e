package wire

import "github.com/quietwire/otr-go/errs"

// Kind discriminates the tagged union Parse returns.
type Kind int

const (
	KindPlaintext Kind = iota
	KindQuery
	KindErrorMsg
	KindData
	KindDHCommit
	KindDHKey
	KindRevealSig
	KindSignature
	KindIdentity
	KindAuthR
	KindAuthI
	KindDataV4
	KindUnknown // recognized framing, unrecognized type tag — ignore, don't abort
)

// Parsed is the tagged union produced by Parse: exactly one of the
// pointer/value fields matching Kind is populated.
type Parsed struct {
	Kind Kind

	// KindPlaintext
	Text              string
	PlaintextVersions []int // non-nil if the plaintext carried a whitespace tag

	// KindQuery
	Versions []int

	// KindErrorMsg reuses Text.

	DHCommit  *DHCommit
	DHKey     *DHKey
	RevealSig *RevealSig
	Signature *Signature
	Data      *Data
	Identity  *Identity
	AuthR     *AuthR
	AuthI     *AuthI
	DataV4    *DataV4
}

// Parse decodes a single line of host-transport text into the tagged
// union of message kinds the rest of the core consumes (§4.1).
func Parse(line []byte) (*Parsed, error) {
	switch {
	case IsErrorMessage(line):
		return &Parsed{Kind: KindErrorMsg, Text: ParseError(line)}, nil
	case IsQueryMessage(line):
		versions, err := ParseQuery(line)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindQuery, Versions: versions}, nil
	case IsFragmentMessage(line):
		// Fragments are reassembled by package fragment before reaching
		// Parse; a lone fragment line handed here is a caller mistake.
		return nil, errs.ProtocolError("Parse", "fragment given directly to Parse; use package fragment first")
	case IsEncodedMessage(line):
		body, err := DecodeEncodedMessage(line)
		if err != nil {
			return nil, err
		}
		return parseEncoded(body)
	default:
		text, versions, tagged := ParseWhitespaceTag(line)
		p := &Parsed{Kind: KindPlaintext, Text: string(text)}
		if tagged {
			p.PlaintextVersions = versions
		}
		return p, nil
	}
}

func parseEncoded(body []byte) (*Parsed, error) {
	r := NewReader(body)
	version, err := r.Short()
	if err != nil {
		return nil, errs.ProtocolError("parseEncoded", "version: %v", err)
	}
	typ, err := r.Byte()
	if err != nil {
		return nil, errs.ProtocolError("parseEncoded", "type: %v", err)
	}
	switch typ {
	case TypeDHCommit:
		m, err := DecodeDHCommit(version, r)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindDHCommit, DHCommit: m}, nil
	case TypeDHKey:
		m, err := DecodeDHKey(version, r)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindDHKey, DHKey: m}, nil
	case TypeRevealSig:
		m, err := DecodeRevealSig(version, r)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindRevealSig, RevealSig: m}, nil
	case TypeSignature:
		m, err := DecodeSignature(version, r)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindSignature, Signature: m}, nil
	case TypeData:
		if version == 4 {
			m, err := DecodeDataV4(r)
			if err != nil {
				return nil, err
			}
			return &Parsed{Kind: KindDataV4, DataV4: m}, nil
		}
		m, err := DecodeData(version, r)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindData, Data: m}, nil
	case TypeIdentity:
		m, err := DecodeIdentity(r)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindIdentity, Identity: m}, nil
	case TypeAuthR:
		m, err := DecodeAuthR(r)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindAuthR, AuthR: m}, nil
	case TypeAuthI:
		m, err := DecodeAuthI(r)
		if err != nil {
			return nil, err
		}
		return &Parsed{Kind: KindAuthI, AuthI: m}, nil
	default:
		return &Parsed{Kind: KindUnknown}, nil
	}
}
