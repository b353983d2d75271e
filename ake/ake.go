// Package ake implements the OTRv2/v3 interactive signature Authenticated
// Key Exchange (§4.3): the four-message DH-Commit/DH-Key/Reveal-Signature/
// Signature exchange that authenticates a Diffie-Hellman key agreement
// with each side's long-term DSA key and produces the shared secret a
// session consumes to derive its symmetric keys.
package ake

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/dsa"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/group"
	"github.com/quietwire/otr-go/wire"
)

// StateKind discriminates the AKE state machine's four states (§3).
type StateKind int

const (
	StateNone StateKind = iota
	StateAwaitingDHKey
	StateAwaitingRevealSig
	StateAwaitingSig
)

func (k StateKind) String() string {
	switch k {
	case StateNone:
		return "none"
	case StateAwaitingDHKey:
		return "awaiting-dhkey"
	case StateAwaitingRevealSig:
		return "awaiting-revealsig"
	case StateAwaitingSig:
		return "awaiting-sig"
	default:
		return "unknown"
	}
}

// Result is produced when an AKE exchange completes successfully: the
// material a session needs to seed its first pair of session keys.
type Result struct {
	SharedSecret *big.Int
	SSID         [8]byte
	TheirKey     *dsa.PublicKey

	OurKeyID   uint32
	TheirKeyID uint32
	OurDHPriv  *big.Int
	OurDHPub   *big.Int
	TheirDHPub *big.Int
}

// Context is the per-sub-session AKE state. It holds, in one flat struct,
// every field any of the four states may need — the same shape as the
// historical otr3 akeContext, which keeps gx/gy/x/y/encryptedGx/hashedGx
// alongside a single discriminator rather than one type per state.
type Context struct {
	Version int
	Rand    io.Reader
	OurKey  *dsa.PrivateKey
	Logger  *slog.Logger

	SenderInstanceTag   uint32 // our own instance tag (0 for v2)
	ReceiverInstanceTag uint32 // learned remote instance tag

	State StateKind

	// Our committed DH value, valid once we have sent a DH-Commit.
	localX          *big.Int
	localGx         *big.Int
	localR          [16]byte
	localHashGx     [32]byte
	localEncryptedGx []byte

	// The remote party's committed DH value, as announced by their
	// DH-Commit (still hidden until they reveal r).
	remoteHashGx     [32]byte
	remoteEncryptedGx []byte

	// Our responder DH value, valid once we have sent a DH-Key.
	localY  *big.Int
	localGy *big.Int

	// The remote party's DH-Key value.
	remoteGy *big.Int

	// Derived once the shared secret is known.
	shared                     *big.Int
	ssid                       [8]byte
	c, cPrime                  [16]byte
	m1, m2, m1Prime, m2Prime   [32]byte

	ourKeyID uint32

	lastRevealSig []byte // resent verbatim on a duplicate DH-Key
}

// NewContext creates an AKE context at state None.
func NewContext(version int, rand io.Reader, ourKey *dsa.PrivateKey, senderInstanceTag uint32, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Version:           version,
		Rand:              rand,
		OurKey:            ourKey,
		Logger:            logger,
		SenderInstanceTag: senderInstanceTag,
		State:             StateNone,
		ourKeyID:          1,
	}
}

// SSID returns the session identifier derived once the AKE completes,
// the value shown to users to compare conversations out-of-band.
func (c *Context) SSID() [8]byte {
	return c.ssid
}

func (c *Context) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// StartAKE generates our ephemeral DH commitment and returns the encoded
// DH-Commit message, moving to AwaitingDHKey.
func (c *Context) StartAKE() ([]byte, error) {
	x, err := group.RandomExponent(c.Rand)
	if err != nil {
		return nil, fmt.Errorf("generate DH exponent: %w", err)
	}
	gx := group.ExpG1(x)

	var r [16]byte
	if _, err := io.ReadFull(c.Rand, r[:]); err != nil {
		return nil, fmt.Errorf("generate commit nonce: %w", err)
	}

	gxBytes := wire.NewWriter().MPI(gx).Bytes()
	encGx, err := aesCTRZero(r[:], gxBytes)
	if err != nil {
		return nil, fmt.Errorf("encrypt gx: %w", err)
	}
	hashGx := sha256.Sum256(gxBytes)

	c.localX, c.localGx, c.localR = x, gx, r
	c.localEncryptedGx, c.localHashGx = encGx, hashGx
	c.State = StateAwaitingDHKey

	c.log().Debug("ake: sending DH-Commit", "version", c.Version)
	return wire.EncodeDHCommit(&wire.DHCommit{
		Version:             uint16(c.Version),
		SenderInstanceTag:   c.SenderInstanceTag,
		ReceiverInstanceTag: 0,
		EncryptedGx:         encGx,
		HashedGx:            hashGx,
	}), nil
}

func (c *Context) becomeResponder(hashGx [32]byte, encGx []byte, remoteTag uint32) ([]byte, error) {
	y, err := group.RandomExponent(c.Rand)
	if err != nil {
		return nil, fmt.Errorf("generate DH exponent: %w", err)
	}
	gy := group.ExpG1(y)
	c.localY, c.localGy = y, gy
	c.remoteHashGx, c.remoteEncryptedGx = hashGx, encGx
	c.ReceiverInstanceTag = remoteTag
	c.State = StateAwaitingRevealSig

	c.log().Debug("ake: sending DH-Key", "version", c.Version)
	return wire.EncodeDHKey(&wire.DHKey{
		Version:             uint16(c.Version),
		SenderInstanceTag:   c.SenderInstanceTag,
		ReceiverInstanceTag: c.ReceiverInstanceTag,
		Gy:                  gy,
	}), nil
}

// HandleDHCommit implements the DH-Commit column of the transition table.
func (c *Context) HandleDHCommit(m *wire.DHCommit) ([]byte, error) {
	switch c.State {
	case StateNone:
		return c.becomeResponder(m.HashedGx, m.EncryptedGx, m.SenderInstanceTag)

	case StateAwaitingDHKey:
		ourHash := new(big.Int).SetBytes(c.localHashGx[:])
		theirHash := new(big.Int).SetBytes(m.HashedGx[:])
		if ourHash.Cmp(theirHash) < 0 {
			c.log().Debug("ake: lost DH-Commit tie-break, yielding")
			return c.becomeResponder(m.HashedGx, m.EncryptedGx, m.SenderInstanceTag)
		}
		c.log().Debug("ake: won DH-Commit tie-break, resending")
		return wire.EncodeDHCommit(&wire.DHCommit{
			Version:             uint16(c.Version),
			SenderInstanceTag:   c.SenderInstanceTag,
			ReceiverInstanceTag: 0,
			EncryptedGx:         c.localEncryptedGx,
			HashedGx:            c.localHashGx,
		}), nil

	case StateAwaitingRevealSig:
		c.remoteHashGx, c.remoteEncryptedGx = m.HashedGx, m.EncryptedGx
		c.log().Debug("ake: resending DH-Key")
		return wire.EncodeDHKey(&wire.DHKey{
			Version:             uint16(c.Version),
			SenderInstanceTag:   c.SenderInstanceTag,
			ReceiverInstanceTag: c.ReceiverInstanceTag,
			Gy:                  c.localGy,
		}), nil

	case StateAwaitingSig:
		return c.becomeResponder(m.HashedGx, m.EncryptedGx, m.SenderInstanceTag)
	}
	return nil, nil
}

// HandleDHKey implements the DH-Key column of the transition table.
func (c *Context) HandleDHKey(m *wire.DHKey) ([]byte, error) {
	switch c.State {
	case StateAwaitingDHKey:
		if err := group.CheckElement(m.Gy); err != nil {
			c.log().Warn("ake: dropping DH-Key with invalid gy", "err", err)
			return nil, nil
		}
		c.remoteGy = m.Gy
		c.ReceiverInstanceTag = m.SenderInstanceTag
		c.shared = group.Exp(m.Gy, c.localX)
		c.deriveKeys()

		reply, err := c.buildRevealSig()
		if err != nil {
			return nil, fmt.Errorf("build reveal-signature: %w", err)
		}
		c.lastRevealSig = reply
		c.State = StateAwaitingSig
		c.log().Debug("ake: sending Reveal-Signature")
		return reply, nil

	case StateAwaitingSig:
		if c.remoteGy != nil && m.Gy.Cmp(c.remoteGy) == 0 {
			c.log().Debug("ake: resending Reveal-Signature for duplicate DH-Key")
			return c.lastRevealSig, nil
		}
		return nil, nil

	default:
		return nil, nil
	}
}

// buildRevealSig signs Ma with m1/c (the non-primed keys) as the AKE
// initiator and encodes the Reveal-Signature message.
func (c *Context) buildRevealSig() ([]byte, error) {
	encSig, mac, err := c.signBody(c.m1[:], c.c[:], c.m2[:], c.localGx, c.remoteGy)
	if err != nil {
		return nil, err
	}
	return wire.EncodeRevealSig(&wire.RevealSig{
		Version:             uint16(c.Version),
		SenderInstanceTag:   c.SenderInstanceTag,
		ReceiverInstanceTag: c.ReceiverInstanceTag,
		RevealedR:           append([]byte(nil), c.localR[:]...),
		EncryptedSig:        encSig,
		MACSig:              mac,
	}), nil
}

// HandleRevealSig implements the Reveal-Signature column.
func (c *Context) HandleRevealSig(m *wire.RevealSig) ([]byte, *Result, error) {
	if c.State != StateAwaitingRevealSig {
		return nil, nil, nil
	}

	gxBytes, err := aesCTRZero(m.RevealedR, c.remoteEncryptedGx)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt revealed gx: %w", err)
	}
	if sha256.Sum256(gxBytes) != c.remoteHashGx {
		c.log().Warn("ake: dropping Reveal-Signature with bad gx hash")
		return nil, nil, nil
	}
	gx, err := wire.NewReader(gxBytes).MPI()
	if err != nil {
		return nil, nil, errs.ProtocolError("HandleRevealSig", "decode gx: %v", err)
	}
	if err := group.CheckElement(gx); err != nil {
		c.log().Warn("ake: dropping Reveal-Signature with invalid gx", "err", err)
		return nil, nil, nil
	}

	c.shared = group.Exp(gx, c.localY)
	c.deriveKeys()

	if !verifyMAC(c.m2[:], m.EncryptedSig, m.MACSig) {
		c.log().Warn("ake: dropping Reveal-Signature with bad MAC")
		return nil, nil, nil
	}

	pub, keyID, sig, err := c.openBody(c.c[:], m.EncryptedSig)
	if err != nil {
		return nil, nil, errs.ProtocolError("HandleRevealSig", "decode signature body: %v", err)
	}
	ma := computeMa(c.m1[:], gx, c.localGy, pub, keyID)
	if !dsa.Verify(pub, ma, sig.R, sig.S) {
		c.log().Warn("ake: dropping Reveal-Signature with bad signature")
		return nil, nil, nil
	}

	ourSigBytes, ourMac, err := c.signBody(c.m1Prime[:], c.cPrime[:], c.m2Prime[:], gx, c.localGy)
	if err != nil {
		return nil, nil, err
	}
	reply := wire.EncodeSignature(&wire.Signature{
		Version:             uint16(c.Version),
		SenderInstanceTag:   c.SenderInstanceTag,
		ReceiverInstanceTag: c.ReceiverInstanceTag,
		EncryptedSig:        ourSigBytes,
		MACSig:              ourMac,
	})

	c.State = StateNone
	c.log().Info("ake: session encrypted (responder)")
	return reply, &Result{
		SharedSecret: c.shared, SSID: c.ssid, TheirKey: pub,
		OurKeyID: c.ourKeyID, TheirKeyID: keyID,
		OurDHPriv: c.localY, OurDHPub: c.localGy, TheirDHPub: gx,
	}, nil
}

// HandleSignature implements the Signature column.
func (c *Context) HandleSignature(m *wire.Signature) (*Result, error) {
	if c.State != StateAwaitingSig {
		return nil, nil
	}
	if !verifyMAC(c.m2Prime[:], m.EncryptedSig, m.MACSig) {
		c.log().Warn("ake: dropping Signature with bad MAC")
		return nil, nil
	}
	pub, keyID, sig, err := c.openBody(c.cPrime[:], m.EncryptedSig)
	if err != nil {
		return nil, errs.ProtocolError("HandleSignature", "decode signature body: %v", err)
	}
	ma := computeMa(c.m1Prime[:], c.localGx, c.remoteGy, pub, keyID)
	if !dsa.Verify(pub, ma, sig.R, sig.S) {
		c.log().Warn("ake: dropping Signature with bad signature")
		return nil, nil
	}
	c.State = StateNone
	c.log().Info("ake: session encrypted (initiator)")
	return &Result{
		SharedSecret: c.shared, SSID: c.ssid, TheirKey: pub,
		OurKeyID: c.ourKeyID, TheirKeyID: keyID,
		OurDHPriv: c.localX, OurDHPub: c.localGx, TheirDHPub: c.remoteGy,
	}, nil
}

// deriveKeys computes ssid/c/c'/m1/m2/m1'/m2' from the shared secret per
// §4.3's h2 construction.
func (c *Context) deriveKeys() {
	secbytes := wire.NewWriter().MPI(c.shared).Bytes()
	h2 := func(b byte) [32]byte {
		h := sha256.New()
		h.Write([]byte{b})
		h.Write(secbytes)
		var out [32]byte
		copy(out[:], h.Sum(nil))
		return out
	}
	h0 := h2(0x00)
	copy(c.ssid[:], h0[:8])
	h1 := h2(0x01)
	copy(c.c[:], h1[:16])
	copy(c.cPrime[:], h1[16:32])
	c.m1 = h2(0x02)
	c.m2 = h2(0x03)
	c.m1Prime = h2(0x04)
	c.m2Prime = h2(0x05)
}

// signBody builds, encrypts, and MACs the Ma/X body for either the
// Reveal-Signature or Signature message, using the given (m1, c, m2) key
// triple (non-primed for the AKE initiator, primed for the responder).
func (c *Context) signBody(m1, cKey, m2 []byte, gx, gy *big.Int) ([]byte, [20]byte, error) {
	ma := computeMa(m1, gx, gy, &c.OurKey.PublicKey, c.ourKeyID)
	r, s, err := dsa.Sign(c.Rand, c.OurKey, ma)
	if err != nil {
		var zero [20]byte
		return nil, zero, fmt.Errorf("sign Ma: %w", err)
	}
	body := wire.NewWriter().DSAPub(&c.OurKey.PublicKey).Int(c.ourKeyID).MPI(r).MPI(s).Bytes()
	enc, err := aesCTRZero(cKey, body)
	if err != nil {
		var zero [20]byte
		return nil, zero, fmt.Errorf("encrypt signature body: %w", err)
	}
	mac := macSig(m2, enc)
	return enc, mac, nil
}

// openBody decrypts and parses a signature body received with key cKey.
func (c *Context) openBody(cKey, encrypted []byte) (*dsa.PublicKey, uint32, wire.DSASignature, error) {
	body, err := aesCTRZero(cKey, encrypted)
	if err != nil {
		return nil, 0, wire.DSASignature{}, err
	}
	r := wire.NewReader(body)
	pub, err := r.DSAPub()
	if err != nil {
		return nil, 0, wire.DSASignature{}, err
	}
	keyID, err := r.Int()
	if err != nil {
		return nil, 0, wire.DSASignature{}, err
	}
	sr, err := r.MPI()
	if err != nil {
		return nil, 0, wire.DSASignature{}, err
	}
	ss, err := r.MPI()
	if err != nil {
		return nil, 0, wire.DSASignature{}, err
	}
	return pub, keyID, wire.DSASignature{R: sr, S: ss}, nil
}

// computeMa is the signed payload of an AKE signature message (§4.3).
func computeMa(m1 []byte, gx, gy *big.Int, pub *dsa.PublicKey, keyID uint32) []byte {
	body := wire.NewWriter().MPI(gx).MPI(gy).DSAPub(pub).Int(keyID).Bytes()
	h := hmac.New(sha256.New, m1)
	h.Write(body)
	return h.Sum(nil)
}

func macSig(m2, ciphertext []byte) [20]byte {
	h := hmac.New(sha256.New, m2)
	h.Write(wire.SignedMACBody(ciphertext))
	var out [20]byte
	copy(out[:], h.Sum(nil)[:20])
	return out
}

func verifyMAC(m2, ciphertext []byte, want [20]byte) bool {
	got := macSig(m2, ciphertext)
	return hmac.Equal(got[:], want[:])
}

// aesCTRZero runs AES-CTR with a zero IV under a 16-byte key, the
// convention §4.3 uses for the AKE's committed gx and signature bodies.
// DATA message payloads use the message counter as the IV instead
// (session/crypto.go).
func aesCTRZero(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	var iv [16]byte
	stream := cipher.NewCTR(block, iv[:])
	out := make([]byte, len(plaintext))
	stream.XORKeyStream(out, plaintext)
	return out, nil
}

// Fingerprint computes the SHA-1 fingerprint of a DSA public key (§13 of
// SPEC_FULL.md): the identity value shown to users and fed into SMP's
// protocol tag.
func Fingerprint(pub *dsa.PublicKey) [20]byte {
	body := wire.NewWriter().MPI(pub.P).MPI(pub.Q).MPI(pub.G).MPI(pub.Y).Bytes()
	return sha1.Sum(body)
}
