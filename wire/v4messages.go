package wire

import (
	"time"

	"github.com/quietwire/otr-go/errs"
)

// Client profile field type tags (§3).
const (
	CPInstanceTag        uint16 = 0x0001
	CPLongTermPubKey     uint16 = 0x0002
	CPForgingKey         uint16 = 0x0003
	CPVersions           uint16 = 0x0004
	CPExpiration         uint16 = 0x0005
	CPTransitionalDSAPub uint16 = 0x0006
	CPTransitionalDSASig uint16 = 0x0007
)

// ClientProfile is the OTRv4 signed, expiring credential binding an
// instance tag to long-term and forging Ed448 keys (§3).
type ClientProfile struct {
	InstanceTag        uint32
	LongTermPubKey     [57]byte
	ForgingKey         [57]byte
	Versions           string // e.g. "34" for v3+v4 support
	Expiration         time.Time
	TransitionalDSAPub *DSAPubRecord // optional
	TransitionalDSASig []byte        // optional, present iff TransitionalDSAPub != nil
	Signature          [114]byte     // EdDSA signature over the fields above, field-number order
}

// DSAPubRecord is the transitional DSA public key carried in a client
// profile for interop with OTRv2/v3 peers during the v3→v4 transition.
type DSAPubRecord struct {
	P, Q, G, Y []byte
}

// fieldsToSign returns the byte concatenation of every mandatory (and
// present optional) field, in field-number order, that the EdDSA
// signature in a client profile is computed over.
func (p *ClientProfile) fieldsToSign() []byte {
	w := NewWriter()
	w.Int(CPUint32(p.InstanceTag))
	w.Raw(p.LongTermPubKey[:])
	w.Raw(p.ForgingKey[:])
	w.Data([]byte(p.Versions))
	w.Long(uint64(p.Expiration.Unix()))
	if p.TransitionalDSAPub != nil {
		w.Data(p.TransitionalDSAPub.P)
		w.Data(p.TransitionalDSAPub.Q)
		w.Data(p.TransitionalDSAPub.G)
		w.Data(p.TransitionalDSAPub.Y)
		w.Data(p.TransitionalDSASig)
	}
	return w.Bytes()
}

// FieldsToSign exposes fieldsToSign for package otr, which signs it with
// the account's long-term Ed448 key when building a fresh profile.
func (p *ClientProfile) FieldsToSign() []byte { return p.fieldsToSign() }

// CPUint32 is a tiny named conversion kept so fieldsToSign reads like the
// field-tag table in §3 (INT width, not a raw cast at the call site).
func CPUint32(v uint32) uint32 { return v }

// Validate checks the client-profile invariants from §3: exactly one of
// each mandatory field is structurally guaranteed by the Go type; beyond
// that, the transitional DSA pair must be both-present-or-both-absent,
// the version set must include "4", and the profile must not be expired.
//
// A DSA public key with no transitional signature fails validation (the
// historical source leaves this as a TODO; this implementation chooses
// to fail it, per spec.md §9).
func (p *ClientProfile) Validate(now time.Time) error {
	if (p.TransitionalDSAPub != nil) != (len(p.TransitionalDSASig) != 0) {
		return errs.ProtocolError("ClientProfile.Validate", "transitional DSA key and signature must both be present or both absent")
	}
	if !containsVersion(p.Versions, '4') {
		return errs.ProtocolError("ClientProfile.Validate", "version set %q does not include version 4", p.Versions)
	}
	if !now.Before(p.Expiration) {
		return errs.ProtocolError("ClientProfile.Validate", "client profile expired at %s", p.Expiration)
	}
	return nil
}

func containsVersion(versions string, v byte) bool {
	for i := 0; i < len(versions); i++ {
		if versions[i] == v {
			return true
		}
	}
	return false
}

// Identity is the first OTRv4 DAKE message (§4.3): the initiator's client
// profile plus its ephemeral Ed448/DH-3072 key material.
type Identity struct {
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32
	Profile             *ClientProfile
	Y                   [57]byte // ephemeral ECDH (X448) public key
	B                   []byte   // ephemeral DH-3072 public value, MPI-encoded
}

// AuthR is the responder's reply to Identity (§4.3): its own client
// profile, ephemeral key material, and a ring signature over the
// transcript so far.
type AuthR struct {
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32
	Profile             *ClientProfile
	X                   [57]byte
	A                   []byte
	Sigma               RingSignature
}

// AuthI completes the DAKE (§4.3): the initiator's ring signature over
// the full transcript.
type AuthI struct {
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32
	Sigma               RingSignature
}

// RingSignature is the four-scalar OTRv4 ring (authentication) signature.
type RingSignature struct {
	C1, R1 [57]byte
	C2, R2 [57]byte
}

// DataV4 is the OTRv4 encrypted-channel message: protocol version 4 reuses
// the DATA type byte (0x03) but widens the MAC to 64 bytes and the
// recipient's next-ratchet key to an Ed448 point plus DH-3072 MPI.
type DataV4 struct {
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32
	Flags               DataFlags
	Ratchet             uint32
	MessageID           uint32
	ECDHPub             [57]byte
	DHPub               []byte // MPI-encoded, present only every third ratchet
	Nonce               [24]byte
	EncryptedMsg        []byte
	MAC                 [64]byte
}

// EncodeIdentity serializes a complete Identity message, version and type
// header included.
func EncodeIdentity(m *Identity) []byte {
	w := NewWriter()
	header(w, 4, TypeIdentity, true, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.Data(encodeClientProfile(m.Profile))
	w.Raw(m.Y[:])
	w.Data(m.B)
	return w.Bytes()
}

func encodeClientProfile(p *ClientProfile) []byte {
	w := NewWriter()
	w.Int(p.InstanceTag)
	w.Raw(p.LongTermPubKey[:])
	w.Raw(p.ForgingKey[:])
	w.Data([]byte(p.Versions))
	w.Long(uint64(p.Expiration.Unix()))
	hasDSA := p.TransitionalDSAPub != nil
	if hasDSA {
		w.Byte(1)
		w.Data(p.TransitionalDSAPub.P)
		w.Data(p.TransitionalDSAPub.Q)
		w.Data(p.TransitionalDSAPub.G)
		w.Data(p.TransitionalDSAPub.Y)
		w.Data(p.TransitionalDSASig)
	} else {
		w.Byte(0)
	}
	w.Raw(p.Signature[:])
	return w.Bytes()
}

func decodeClientProfile(buf []byte) (*ClientProfile, error) {
	r := NewReader(buf)
	p := &ClientProfile{}
	var err error
	if p.InstanceTag, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("decodeClientProfile", "instance tag: %v", err)
	}
	if p.LongTermPubKey, err = r.Ed448Point(); err != nil {
		return nil, errs.ProtocolError("decodeClientProfile", "long-term key: %v", err)
	}
	if p.ForgingKey, err = r.Ed448Point(); err != nil {
		return nil, errs.ProtocolError("decodeClientProfile", "forging key: %v", err)
	}
	versions, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("decodeClientProfile", "versions: %v", err)
	}
	p.Versions = string(versions)
	expUnix, err := r.Long()
	if err != nil {
		return nil, errs.ProtocolError("decodeClientProfile", "expiration: %v", err)
	}
	p.Expiration = time.Unix(int64(expUnix), 0).UTC()
	hasDSA, err := r.Byte()
	if err != nil {
		return nil, errs.ProtocolError("decodeClientProfile", "dsa flag: %v", err)
	}
	if hasDSA == 1 {
		rec := &DSAPubRecord{}
		if rec.P, err = r.Data(); err != nil {
			return nil, errs.ProtocolError("decodeClientProfile", "dsa p: %v", err)
		}
		if rec.Q, err = r.Data(); err != nil {
			return nil, errs.ProtocolError("decodeClientProfile", "dsa q: %v", err)
		}
		if rec.G, err = r.Data(); err != nil {
			return nil, errs.ProtocolError("decodeClientProfile", "dsa g: %v", err)
		}
		if rec.Y, err = r.Data(); err != nil {
			return nil, errs.ProtocolError("decodeClientProfile", "dsa y: %v", err)
		}
		p.TransitionalDSAPub = rec
		if p.TransitionalDSASig, err = r.Data(); err != nil {
			return nil, errs.ProtocolError("decodeClientProfile", "dsa sig: %v", err)
		}
	}
	sig, err := r.Ed448Sig()
	if err != nil {
		return nil, errs.ProtocolError("decodeClientProfile", "signature: %v", err)
	}
	p.Signature = sig
	return p, nil
}

// EncodeDataV4 serializes a complete OTRv4 DATA message, version and type
// header included.
func EncodeDataV4(m *DataV4) []byte {
	w := NewWriter()
	header(w, 4, TypeData, true, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.Byte(byte(m.Flags))
	w.Int(m.Ratchet)
	w.Int(m.MessageID)
	w.Raw(m.ECDHPub[:])
	w.Data(m.DHPub)
	w.Raw(m.Nonce[:])
	w.Data(m.EncryptedMsg)
	w.Raw(m.MAC[:])
	return w.Bytes()
}

// DecodeDataV4 parses an OTRv4 DATA message body.
func DecodeDataV4(r *Reader) (*DataV4, error) {
	m := &DataV4{}
	var err error
	if m.SenderInstanceTag, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "sender tag: %v", err)
	}
	if m.ReceiverInstanceTag, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "receiver tag: %v", err)
	}
	flags, err := r.Byte()
	if err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "flags: %v", err)
	}
	m.Flags = DataFlags(flags)
	if m.Ratchet, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "ratchet: %v", err)
	}
	if m.MessageID, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "message id: %v", err)
	}
	if m.ECDHPub, err = r.Ed448Point(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "ecdh pub: %v", err)
	}
	if m.DHPub, err = r.Data(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "dh pub: %v", err)
	}
	if m.Nonce, err = r.Nonce(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "nonce: %v", err)
	}
	if m.EncryptedMsg, err = r.Data(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "encrypted msg: %v", err)
	}
	if m.MAC, err = r.MAC4(); err != nil {
		return nil, errs.ProtocolError("DecodeDataV4", "mac: %v", err)
	}
	return m, nil
}

// EncodeAuthR serializes a complete Auth-R message, version and type
// header included.
func EncodeAuthR(m *AuthR) []byte {
	w := NewWriter()
	header(w, 4, TypeAuthR, true, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.Data(encodeClientProfile(m.Profile))
	w.Raw(m.X[:])
	w.Data(m.A)
	w.Raw(m.Sigma.C1[:]).Raw(m.Sigma.R1[:]).Raw(m.Sigma.C2[:]).Raw(m.Sigma.R2[:])
	return w.Bytes()
}

// DecodeAuthR parses an Auth-R message body.
func DecodeAuthR(r *Reader) (*AuthR, error) {
	m := &AuthR{}
	var err error
	if m.SenderInstanceTag, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "sender tag: %v", err)
	}
	if m.ReceiverInstanceTag, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "receiver tag: %v", err)
	}
	profileBytes, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "profile: %v", err)
	}
	if m.Profile, err = decodeClientProfile(profileBytes); err != nil {
		return nil, err
	}
	if m.X, err = r.Ed448Point(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "X: %v", err)
	}
	if m.A, err = r.Data(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "A: %v", err)
	}
	if m.Sigma.C1, err = r.Ed448Scalar(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "sigma c1: %v", err)
	}
	if m.Sigma.R1, err = r.Ed448Scalar(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "sigma r1: %v", err)
	}
	if m.Sigma.C2, err = r.Ed448Scalar(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "sigma c2: %v", err)
	}
	if m.Sigma.R2, err = r.Ed448Scalar(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthR", "sigma r2: %v", err)
	}
	return m, nil
}

// EncodeAuthI serializes a complete Auth-I message, version and type
// header included.
func EncodeAuthI(m *AuthI) []byte {
	w := NewWriter()
	header(w, 4, TypeAuthI, true, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.Raw(m.Sigma.C1[:]).Raw(m.Sigma.R1[:]).Raw(m.Sigma.C2[:]).Raw(m.Sigma.R2[:])
	return w.Bytes()
}

// DecodeAuthI parses an Auth-I message body.
func DecodeAuthI(r *Reader) (*AuthI, error) {
	m := &AuthI{}
	var err error
	if m.SenderInstanceTag, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthI", "sender tag: %v", err)
	}
	if m.ReceiverInstanceTag, err = r.Int(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthI", "receiver tag: %v", err)
	}
	if m.Sigma.C1, err = r.Ed448Scalar(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthI", "sigma c1: %v", err)
	}
	if m.Sigma.R1, err = r.Ed448Scalar(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthI", "sigma r1: %v", err)
	}
	if m.Sigma.C2, err = r.Ed448Scalar(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthI", "sigma c2: %v", err)
	}
	if m.Sigma.R2, err = r.Ed448Scalar(); err != nil {
		return nil, errs.ProtocolError("DecodeAuthI", "sigma r2: %v", err)
	}
	return m, nil
}

// DecodeIdentity parses an Identity message body.
func DecodeIdentity(r *Reader) (*Identity, error) {
	sender, err := r.Int()
	if err != nil {
		return nil, errs.ProtocolError("DecodeIdentity", "sender tag: %v", err)
	}
	receiver, err := r.Int()
	if err != nil {
		return nil, errs.ProtocolError("DecodeIdentity", "receiver tag: %v", err)
	}
	profileBytes, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeIdentity", "profile: %v", err)
	}
	profile, err := decodeClientProfile(profileBytes)
	if err != nil {
		return nil, err
	}
	y, err := r.Ed448Point()
	if err != nil {
		return nil, errs.ProtocolError("DecodeIdentity", "Y: %v", err)
	}
	b, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeIdentity", "B: %v", err)
	}
	return &Identity{SenderInstanceTag: sender, ReceiverInstanceTag: receiver, Profile: profile, Y: y, B: b}, nil
}
