package wire

import (
	"math/big"

	"github.com/quietwire/otr-go/errs"
)

// Message type bytes (§6).
const (
	TypeDHCommit   byte = 0x02
	TypeDHKey      byte = 0x0a
	TypeRevealSig  byte = 0x11
	TypeSignature  byte = 0x12
	TypeData       byte = 0x03
	TypeIdentity   byte = 0x35 // v4
	TypeAuthR      byte = 0x36 // v4
	TypeAuthI      byte = 0x37 // v4
)

// DHCommit is the first AKE message: the committing party's encrypted and
// hashed gx, optionally carrying v3 instance tags.
type DHCommit struct {
	Version             uint16
	SenderInstanceTag   uint32 // 0 for v2
	ReceiverInstanceTag uint32 // 0 for v2
	EncryptedGx         []byte
	HashedGx            [32]byte
}

// DHKey carries the responder's gy.
type DHKey struct {
	Version             uint16
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32
	Gy                  *big.Int
}

// RevealSig carries the revealed r and the encrypted, MAC'd signature body.
type RevealSig struct {
	Version             uint16
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32
	RevealedR           []byte
	EncryptedSig        []byte
	MACSig              [20]byte
}

// Signature carries the encrypted, MAC'd signature body.
type Signature struct {
	Version             uint16
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32
	EncryptedSig        []byte
	MACSig              [20]byte
}

// DataFlags are the BYTE flags field of a DATA message.
type DataFlags byte

// IgnoreUnreadable marks a DATA message whose failure to decrypt should not
// be reported to the user (used for TLV-only messages such as heartbeats).
const IgnoreUnreadable DataFlags = 0x01

// Data is an encrypted-channel message (§4.5/§6).
type Data struct {
	Version             uint16
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32
	Flags               DataFlags
	SenderKeyID         uint32
	RecipientKeyID      uint32
	NextDH              *big.Int // next_dh, may be nil if not yet generated
	Counter             [8]byte
	EncryptedMsg        []byte
	MAC                 [20]byte
	OldMACKeys          []byte
}

// DSASignature bundles the (r, s) pair produced by crypto/dsa.Sign for
// serialization inside an AKE signature body.
type DSASignature struct {
	R, S *big.Int
}

func header(w *Writer, version uint16, typ byte, v3 bool, sender, receiver uint32) {
	w.Short(version).Byte(typ)
	if v3 {
		w.Int(sender).Int(receiver)
	}
}

func readHeader(r *Reader, v3 bool) (sender, receiver uint32, err error) {
	if !v3 {
		return 0, 0, nil
	}
	if sender, err = r.Int(); err != nil {
		return 0, 0, err
	}
	if receiver, err = r.Int(); err != nil {
		return 0, 0, err
	}
	return sender, receiver, nil
}

// EncodeDHCommit serializes a DH-Commit message.
func EncodeDHCommit(m *DHCommit) []byte {
	w := NewWriter()
	header(w, m.Version, TypeDHCommit, m.Version >= 3, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.Data(m.EncryptedGx)
	w.Data(m.HashedGx[:])
	return w.Bytes()
}

// DecodeDHCommit parses a DH-Commit body (the SHORT version and BYTE type
// already consumed by the caller, as parseEncoded does).
func DecodeDHCommit(version uint16, r *Reader) (*DHCommit, error) {
	sender, receiver, err := readHeader(r, version >= 3)
	if err != nil {
		return nil, errs.ProtocolError("DecodeDHCommit", "instance tags: %v", err)
	}
	encGx, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeDHCommit", "encrypted gx: %v", err)
	}
	hashGx, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeDHCommit", "hashed gx: %v", err)
	}
	if len(hashGx) != 32 {
		return nil, errs.ProtocolError("DecodeDHCommit", "hashed gx length %d, want 32", len(hashGx))
	}
	m := &DHCommit{Version: version, SenderInstanceTag: sender, ReceiverInstanceTag: receiver, EncryptedGx: encGx}
	copy(m.HashedGx[:], hashGx)
	return m, nil
}

// EncodeDHKey serializes a DH-Key message.
func EncodeDHKey(m *DHKey) []byte {
	w := NewWriter()
	header(w, m.Version, TypeDHKey, m.Version >= 3, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.DHPub(m.Gy)
	return w.Bytes()
}

// DecodeDHKey parses a DH-Key body.
func DecodeDHKey(version uint16, r *Reader) (*DHKey, error) {
	sender, receiver, err := readHeader(r, version >= 3)
	if err != nil {
		return nil, errs.ProtocolError("DecodeDHKey", "instance tags: %v", err)
	}
	gy, err := r.DHPub()
	if err != nil {
		return nil, errs.ProtocolError("DecodeDHKey", "gy: %v", err)
	}
	return &DHKey{Version: version, SenderInstanceTag: sender, ReceiverInstanceTag: receiver, Gy: gy}, nil
}

// EncodeRevealSig serializes a Reveal-Signature message.
func EncodeRevealSig(m *RevealSig) []byte {
	w := NewWriter()
	header(w, m.Version, TypeRevealSig, m.Version >= 3, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.Data(m.RevealedR)
	w.Data(m.EncryptedSig)
	w.Raw(m.MACSig[:])
	return w.Bytes()
}

// DecodeRevealSig parses a Reveal-Signature body.
func DecodeRevealSig(version uint16, r *Reader) (*RevealSig, error) {
	sender, receiver, err := readHeader(r, version >= 3)
	if err != nil {
		return nil, errs.ProtocolError("DecodeRevealSig", "instance tags: %v", err)
	}
	revealedR, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeRevealSig", "revealed r: %v", err)
	}
	encSig, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeRevealSig", "encrypted sig: %v", err)
	}
	mac, err := r.MAC()
	if err != nil {
		return nil, errs.ProtocolError("DecodeRevealSig", "mac: %v", err)
	}
	return &RevealSig{
		Version: version, SenderInstanceTag: sender, ReceiverInstanceTag: receiver,
		RevealedR: revealedR, EncryptedSig: encSig, MACSig: mac,
	}, nil
}

// EncodeSignature serializes a Signature message.
func EncodeSignature(m *Signature) []byte {
	w := NewWriter()
	header(w, m.Version, TypeSignature, m.Version >= 3, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.Data(m.EncryptedSig)
	w.Raw(m.MACSig[:])
	return w.Bytes()
}

// DecodeSignature parses a Signature body.
func DecodeSignature(version uint16, r *Reader) (*Signature, error) {
	sender, receiver, err := readHeader(r, version >= 3)
	if err != nil {
		return nil, errs.ProtocolError("DecodeSignature", "instance tags: %v", err)
	}
	encSig, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeSignature", "encrypted sig: %v", err)
	}
	mac, err := r.MAC()
	if err != nil {
		return nil, errs.ProtocolError("DecodeSignature", "mac: %v", err)
	}
	return &Signature{Version: version, SenderInstanceTag: sender, ReceiverInstanceTag: receiver, EncryptedSig: encSig, MACSig: mac}, nil
}

// EncodeData serializes a DATA message.
func EncodeData(m *Data) []byte {
	w := NewWriter()
	header(w, m.Version, TypeData, m.Version >= 3, m.SenderInstanceTag, m.ReceiverInstanceTag)
	w.Byte(byte(m.Flags))
	w.Int(m.SenderKeyID)
	w.Int(m.RecipientKeyID)
	w.MPI(m.NextDH)
	w.Raw(m.Counter[:])
	w.Data(m.EncryptedMsg)
	w.Raw(m.MAC[:])
	w.Data(m.OldMACKeys)
	return w.Bytes()
}

// DecodeData parses a DATA body.
func DecodeData(version uint16, r *Reader) (*Data, error) {
	sender, receiver, err := readHeader(r, version >= 3)
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "instance tags: %v", err)
	}
	flags, err := r.Byte()
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "flags: %v", err)
	}
	senderKeyID, err := r.Int()
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "sender keyid: %v", err)
	}
	recipientKeyID, err := r.Int()
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "recipient keyid: %v", err)
	}
	nextDH, err := r.MPI()
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "next dh: %v", err)
	}
	ctr, err := r.CTR()
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "ctr: %v", err)
	}
	encMsg, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "encrypted msg: %v", err)
	}
	mac, err := r.MAC()
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "mac: %v", err)
	}
	oldMAC, err := r.Data()
	if err != nil {
		return nil, errs.ProtocolError("DecodeData", "old mac keys: %v", err)
	}
	return &Data{
		Version: version, SenderInstanceTag: sender, ReceiverInstanceTag: receiver,
		Flags: DataFlags(flags), SenderKeyID: senderKeyID, RecipientKeyID: recipientKeyID,
		NextDH: nextDH, Counter: ctr, EncryptedMsg: encMsg, MAC: mac, OldMACKeys: oldMAC,
	}, nil
}

// signedMACBody returns the DATA-prefixed bytes used as the HMAC input when
// authenticating an AKE signature body (DATA(ciphertext) per §4.3); package
// session uses the same framing for a DATA message's ciphertext.
func signedMACBody(ciphertext []byte) []byte {
	return NewWriter().Data(ciphertext).Bytes()
}

// SignedMACBody exposes signedMACBody for packages ake and session.
func SignedMACBody(ciphertext []byte) []byte {
	return signedMACBody(ciphertext)
}
