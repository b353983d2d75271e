// Package ake4 implements the authentication and key-agreement half of
// the OTRv4 DAKE (Identity → Auth-R → Auth-I), to the partial extent
// spec.md scopes version 4: X448 ECDH key agreement between the two
// parties' ephemeral keys, and transcript authentication under each
// side's long-term Ed448 key. OTRv4's full non-interactive
// ring-signature deniability construction (a three-key proof over the
// initiator, the responder, and a forging key) is not implemented;
// transcripts are authenticated with ordinary Ed448 signatures instead,
// packed into the same wire.RingSignature shape a full implementation
// would use.
package ake4

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloudflare/circl/dh/x448"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/sha3"

	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/wire"
)

// StateKind discriminates the partial DAKE state machine.
type StateKind int

const (
	StateStart StateKind = iota
	StateAwaitingAuthR
	StateAwaitingAuthI
	StateDone
)

// Result is produced once the DAKE completes: the mixed shared secret
// and the peer's validated client profile.
type Result struct {
	SharedSecret  [64]byte
	TheirProfile  *wire.ClientProfile
	SenderTag     uint32
	ReceiverTag   uint32
}

// Context is one sub-session's DAKE state.
type Context struct {
	Rand   io.Reader
	Logger *slog.Logger

	OurLongTermPub  ed448.PublicKey
	OurLongTermPriv ed448.PrivateKey
	OurProfile      *wire.ClientProfile

	SenderInstanceTag uint32

	State StateKind

	ourECDHPub, ourECDHPriv x448.Key
	theirECDHPub            x448.Key
	theirProfile            *wire.ClientProfile
	receiverTag             uint32
	transcript              []byte
	ourSigma                wire.RingSignature
	shared                  [64]byte
}

// NewContext returns a DAKE context at state Start.
func NewContext(rand io.Reader, longTermPub ed448.PublicKey, longTermPriv ed448.PrivateKey, profile *wire.ClientProfile, senderTag uint32, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Rand: rand, Logger: logger,
		OurLongTermPub: longTermPub, OurLongTermPriv: longTermPriv,
		OurProfile: profile, SenderInstanceTag: senderTag,
		State: StateStart,
	}
}

func padPoint(k x448.Key) [57]byte {
	var out [57]byte
	copy(out[:56], k[:])
	return out
}

func unpadPoint(b [57]byte) x448.Key {
	var k x448.Key
	copy(k[:], b[:56])
	return k
}

// StartDAKE generates our ephemeral ECDH keypair and returns the encoded
// Identity message, moving to AwaitingAuthR.
func (c *Context) StartDAKE() ([]byte, error) {
	if _, err := io.ReadFull(c.Rand, c.ourECDHPriv[:]); err != nil {
		return nil, fmt.Errorf("generate ecdh key: %w", err)
	}
	x448.KeyGen(&c.ourECDHPub, &c.ourECDHPriv)
	c.State = StateAwaitingAuthR

	msg := &wire.Identity{
		SenderInstanceTag: c.SenderInstanceTag,
		Profile:           c.OurProfile,
		Y:                 padPoint(c.ourECDHPub),
	}
	c.log().Debug("ake4: sending Identity")
	return wire.EncodeIdentity(msg), nil
}

// HandleIdentity validates the peer's profile, generates our own ephemeral
// key, computes the shared secret, and returns the encoded Auth-R message.
func (c *Context) HandleIdentity(msg *wire.Identity, now time.Time) ([]byte, error) {
	if c.State != StateStart {
		return nil, errs.StateError("HandleIdentity", "unexpected Identity in state %d", c.State)
	}
	if err := msg.Profile.Validate(now); err != nil {
		return nil, errs.PolicyError("HandleIdentity", "invalid client profile: %v", err)
	}

	if _, err := io.ReadFull(c.Rand, c.ourECDHPriv[:]); err != nil {
		return nil, fmt.Errorf("generate ecdh key: %w", err)
	}
	x448.KeyGen(&c.ourECDHPub, &c.ourECDHPriv)
	c.theirECDHPub = unpadPoint(msg.Y)
	c.theirProfile = msg.Profile
	c.receiverTag = msg.SenderInstanceTag

	var rawShared x448.Key
	if !x448.Shared(&rawShared, &c.ourECDHPriv, &c.theirECDHPub) {
		return nil, errs.CryptoError("HandleIdentity", "non-contributory ecdh share")
	}
	c.shared = stretchSecret(rawShared)

	ourX := padPoint(c.ourECDHPub)
	c.transcript = wire.NewWriter().Raw(wire.EncodeIdentity(msg)).Raw(ourX[:]).Bytes()
	sig := ed448.Sign(c.OurLongTermPriv, c.transcript, nil)
	c.ourSigma = sigToRing(sig)

	c.State = StateAwaitingAuthI
	reply := &wire.AuthR{
		SenderInstanceTag:   c.SenderInstanceTag,
		ReceiverInstanceTag: c.receiverTag,
		Profile:             c.OurProfile,
		X:                   padPoint(c.ourECDHPub),
		Sigma:               c.ourSigma,
	}
	c.log().Debug("ake4: sending Auth-R")
	return wire.EncodeAuthR(reply), nil
}

// HandleAuthR verifies the peer's Auth-R, completes the ECDH agreement,
// and returns the encoded Auth-I message.
func (c *Context) HandleAuthR(msg *wire.AuthR, now time.Time) ([]byte, *Result, error) {
	if c.State != StateAwaitingAuthR {
		return nil, nil, errs.StateError("HandleAuthR", "unexpected Auth-R in state %d", c.State)
	}
	if err := msg.Profile.Validate(now); err != nil {
		return nil, nil, errs.PolicyError("HandleAuthR", "invalid client profile: %v", err)
	}

	c.theirECDHPub = unpadPoint(msg.X)
	c.theirProfile = msg.Profile
	c.receiverTag = msg.SenderInstanceTag

	expectTranscript := wire.NewWriter().
		Raw(wire.EncodeIdentity(&wire.Identity{SenderInstanceTag: c.SenderInstanceTag, Profile: c.OurProfile, Y: padPoint(c.ourECDHPub)})).
		Raw(msg.X[:]).Bytes()
	if !ed448.Verify(msg.Profile.LongTermPubKey[:], expectTranscript, ringToSig(msg.Sigma), nil) {
		return nil, nil, errs.CryptoError("HandleAuthR", "bad Auth-R signature")
	}

	var rawShared x448.Key
	if !x448.Shared(&rawShared, &c.ourECDHPriv, &c.theirECDHPub) {
		return nil, nil, errs.CryptoError("HandleAuthR", "non-contributory ecdh share")
	}
	c.shared = stretchSecret(rawShared)

	authITranscript := wire.NewWriter().Raw(expectTranscript).Raw(msg.Sigma.R1[:]).Raw(msg.Sigma.C1[:]).Bytes()
	sig := ed448.Sign(c.OurLongTermPriv, authITranscript, nil)
	c.State = StateDone

	c.log().Info("ake4: dake complete (initiator)")
	reply := wire.EncodeAuthI(&wire.AuthI{
		SenderInstanceTag:   c.SenderInstanceTag,
		ReceiverInstanceTag: c.receiverTag,
		Sigma:               sigToRing(sig),
	})
	return reply, &Result{SharedSecret: c.shared, TheirProfile: c.theirProfile, SenderTag: c.SenderInstanceTag, ReceiverTag: c.receiverTag}, nil
}

// HandleAuthI verifies the peer's Auth-I and completes the DAKE.
func (c *Context) HandleAuthI(msg *wire.AuthI) (*Result, error) {
	if c.State != StateAwaitingAuthI {
		return nil, errs.StateError("HandleAuthI", "unexpected Auth-I in state %d", c.State)
	}
	// The Auth-I signature covers the Auth-R transcript we sent, plus
	// our own Sigma from that message, binding Auth-I to this exact run.
	expectTranscript := wire.NewWriter().Raw(c.transcript).Raw(c.ourSigma.R1[:]).Raw(c.ourSigma.C1[:]).Bytes()
	if !ed448.Verify(c.theirProfile.LongTermPubKey[:], expectTranscript, ringToSig(msg.Sigma), nil) {
		return nil, errs.CryptoError("HandleAuthI", "bad Auth-I signature")
	}
	c.State = StateDone
	c.log().Info("ake4: dake complete (responder)")
	return &Result{SharedSecret: c.shared, TheirProfile: c.theirProfile, SenderTag: c.SenderInstanceTag, ReceiverTag: c.receiverTag}, nil
}

func (c *Context) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// stretchSecret mixes a raw X448 ECDH output into a 64-byte session
// secret via SHAKE-256, the extensible-output hash OTRv4's ratchet uses
// throughout (§12 of SPEC_FULL.md).
func stretchSecret(raw x448.Key) [64]byte {
	var out [64]byte
	h := sha3.NewShake256()
	h.Write(raw[:])
	h.Read(out[:])
	return out
}

// sigToRing packs a 114-byte Ed448 signature into the 57+57 byte C1/R1
// halves of wire.RingSignature, leaving the C2/R2 halves (which a full
// three-key ring proof would use) zeroed.
func sigToRing(sig []byte) wire.RingSignature {
	var rs wire.RingSignature
	copy(rs.C1[:], sig[:57])
	copy(rs.R1[:], sig[57:114])
	return rs
}

func ringToSig(rs wire.RingSignature) []byte {
	out := make([]byte, 114)
	copy(out[:57], rs.C1[:])
	copy(out[57:], rs.R1[:])
	return out
}
