// Package otr is the public entry point (C7's host-facing API): it wires
// together the wire codec, fragmenter, AKE, SMP, session, and dispatcher
// packages into the handful of calls an embedding application makes —
// start a session, send and receive messages, and run SMP — against the
// Host interface it supplies.
package otr

import (
	"crypto/dsa"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cloudflare/circl/sign/ed448"

	"github.com/quietwire/otr-go/ake"
	"github.com/quietwire/otr-go/ake4"
	"github.com/quietwire/otr-go/dispatch"
	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/fragment"
	"github.com/quietwire/otr-go/host"
	"github.com/quietwire/otr-go/session"
	"github.com/quietwire/otr-go/smp"
	"github.com/quietwire/otr-go/wire"
)

// Policy re-exports host.Policy so callers need only import this package.
type Policy = host.Policy

// clientProfileLifetime is how long a freshly built client profile is
// valid before a peer must reject it.
const clientProfileLifetime = 14 * 24 * time.Hour

// Conversation is one (account, peer) OTR conversation: everything
// needed to negotiate, maintain, and tear down encryption with a single
// remote party, across however many of their client instances show up.
type Conversation struct {
	Account string
	Peer    string

	Host   host.Host
	Rand   io.Reader
	Logger *slog.Logger

	policy       host.Policy
	dsaKey       *dsa.PrivateKey
	ed448Pub     ed448.PublicKey
	ed448Priv    ed448.PrivateKey

	disp *dispatch.Conversation
	asm  *fragment.Assembler

	pendingSMP map[uint32]*smp.SMP1 // by RemoteInstanceTag, 0 for the master
}

// NewConversation constructs a Conversation, pulling policy and key
// material from h.
func NewConversation(account, peer string, h host.Host, rand io.Reader, logger *slog.Logger) (*Conversation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsaKey, err := h.LocalDSAKeyPair(account)
	if err != nil {
		return nil, fmt.Errorf("load local DSA key pair: %w", err)
	}
	ed448Pub, ed448Priv, err := h.LocalEd448KeyPair(account)
	if err != nil {
		return nil, fmt.Errorf("load local Ed448 key pair: %w", err)
	}
	policy := h.SessionPolicy(peer)
	ourTag := h.InstanceTag(account)
	if ourTag == 0 {
		for ourTag < 0x100 {
			var b [4]byte
			if _, err := io.ReadFull(rand, b[:]); err != nil {
				return nil, fmt.Errorf("generate instance tag: %w", err)
			}
			ourTag = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		}
	}

	c := &Conversation{
		Account: account, Peer: peer, Host: h, Rand: rand, Logger: logger,
		policy: policy, dsaKey: dsaKey, ed448Pub: ed448Pub, ed448Priv: ed448Priv,
		disp:       dispatch.New(ourTag, func() { notify(h, peer).MultipleInstancesDetected(peer) }),
		asm:        fragment.NewAssembler(),
		pendingSMP: make(map[uint32]*smp.SMP1),
	}
	return c, nil
}

func notify(h host.Host, peer string) host.Notifier {
	if n, ok := h.(host.Notifier); ok {
		return n
	}
	return host.NopNotifier{}
}

// StartSession advertises our supported OTR versions to the peer,
// inviting them to begin an AKE.
func (c *Conversation) StartSession() error {
	versions := c.policy.Versions()
	if len(versions) == 0 {
		return errs.PolicyError("StartSession", "no OTR versions enabled")
	}
	return c.Host.InjectMessage(c.Peer, wire.EncodeQuery(versions))
}

// EndSession sends a disconnect TLV on every established sub-session and
// transitions them to Finished.
func (c *Conversation) EndSession() error {
	for _, sub := range c.disp.AllSessions() {
		if sub.Session == nil || sub.Session.State != session.StateEncrypted {
			continue
		}
		if err := c.encryptAndSend(sub, nil, []session.TLV{session.DisconnectTLV()}, 0); err != nil {
			return err
		}
		sub.Session.Finish()
		notify(c.Host, c.Peer).Finished(c.Peer)
	}
	return nil
}

// Send encrypts plaintext and delivers it to the peer's active
// sub-session, or sends it unencrypted (optionally whitespace-tagged) if
// no encrypted sub-session exists and policy permits.
func (c *Conversation) Send(plaintext []byte) error {
	sub, err := c.disp.OutboundSession()
	if err != nil {
		if c.policy.RequireEncryption {
			return errs.PolicyError("Send", "encryption required but no session established")
		}
		out := plaintext
		if c.policy.SendWhitespaceTag {
			out = wire.AppendWhitespaceTag(plaintext, c.policy.Versions())
		}
		return c.Host.InjectMessage(c.Peer, out)
	}
	return c.encryptAndSend(sub, plaintext, nil, 0)
}

// encryptAndSend rotates our sending DH key forward if the peer's
// current key id has caught up to it (§4.5's invariant that a sending
// key rotates once the peer's received key id catches up), then
// encrypts and delivers the message.
func (c *Conversation) encryptAndSend(sub *dispatch.SubSession, plaintext []byte, tlvs []session.TLV, flags wire.DataFlags) error {
	_, theirKeyID, _ := sub.Session.Keys.OutgoingSlot()
	if err := sub.Session.EnsureOurKeyAhead(theirKeyID); err != nil {
		return err
	}
	out, err := sub.Session.Encrypt(plaintext, tlvs, flags)
	if err != nil {
		return err
	}
	return c.send(sub, out.Encoded)
}

// send delivers an encoded message to the peer, fragmenting it first if
// the transport's size ceiling requires it.
func (c *Conversation) send(sub *dispatch.SubSession, encoded []byte) error {
	max := c.Host.MaxMessageSize(c.Peer)
	if max <= 0 || len(encoded) <= max {
		return c.Host.InjectMessage(c.Peer, encoded)
	}
	pieces, err := fragment.Fragment(sub.Version, encoded, max, c.disp.OurInstanceTag, sub.RemoteInstanceTag)
	if err != nil {
		return fmt.Errorf("fragment outgoing message: %w", err)
	}
	for _, p := range pieces {
		if err := c.Host.InjectMessage(c.Peer, []byte(p)); err != nil {
			return err
		}
	}
	return nil
}

// Receive processes one inbound wire-level line. It returns decrypted
// plaintext when the message carries any (nil otherwise, e.g. for pure
// protocol control messages), and strips OTR framing from plaintext
// whitespace tags before returning it.
func (c *Conversation) Receive(raw []byte) ([]byte, error) {
	if wire.IsFragmentMessage(raw) {
		res, err := c.asm.Accumulate(string(raw), c.disp.OurInstanceTag)
		if err != nil {
			return nil, err
		}
		if res == nil || res.Unknown || res.Complete == nil {
			return nil, nil
		}
		raw = res.Complete
	}

	parsed, err := wire.Parse(raw)
	if err != nil {
		return nil, err
	}

	switch parsed.Kind {
	case wire.KindPlaintext:
		if len(parsed.PlaintextVersions) > 0 && c.policy.WhitespaceStartAKE {
			if err := c.startAKE(pickVersion(c.policy, parsed.PlaintextVersions)); err != nil {
				c.Logger.Warn("otr: failed to start AKE from whitespace tag", "err", err)
			}
		}
		if sub, err := c.disp.OutboundSession(); err == nil && sub.Session != nil && sub.Session.State == session.StateEncrypted {
			notify(c.Host, c.Peer).UnencryptedMessageReceived(c.Peer, parsed.Text)
		}
		return []byte(parsed.Text), nil

	case wire.KindQuery:
		v := pickVersion(c.policy, parsed.Versions)
		if v == 0 {
			return nil, errs.PolicyError("Receive", "no mutually supported OTR version")
		}
		return nil, c.startAKE(v)

	case wire.KindErrorMsg:
		if c.policy.ErrorStartAKE {
			return nil, c.StartSession()
		}
		return nil, nil

	case wire.KindDHCommit, wire.KindDHKey, wire.KindRevealSig, wire.KindSignature:
		return nil, c.handleAKE(parsed)

	case wire.KindIdentity, wire.KindAuthR, wire.KindAuthI:
		return nil, c.handleDAKE(parsed)

	case wire.KindData:
		return c.handleData(parsed.Data)

	case wire.KindDataV4:
		// OTRv4's double-ratchet data-message exchange is out of scope for
		// the partial DAKE this package wires in (see handleDAKE); a v4
		// DATA message has no session to decrypt it with yet.
		notify(c.Host, c.Peer).UnreadableMessageReceived(c.Peer)
		return nil, nil

	default:
		return nil, nil
	}
}

func pickVersion(p host.Policy, offered []int) int {
	allowed := map[int]bool{}
	for _, v := range p.Versions() {
		allowed[v] = true
	}
	best := 0
	for _, v := range offered {
		if allowed[v] && v > best {
			best = v
		}
	}
	return best
}

func (c *Conversation) startAKE(version int) error {
	switch version {
	case 2, 3:
		akeCtx := ake.NewContext(version, c.Rand, c.dsaKey, c.disp.OurInstanceTag, c.Logger)
		msg, err := akeCtx.StartAKE()
		if err != nil {
			return err
		}
		c.disp.Master().AKE = akeCtx
		return c.Host.InjectMessage(c.Peer, msg)

	case 4:
		profile, err := c.buildProfile()
		if err != nil {
			return err
		}
		akeCtx := ake4.NewContext(c.Rand, c.ed448Pub, c.ed448Priv, profile, c.disp.OurInstanceTag, c.Logger)
		msg, err := akeCtx.StartDAKE()
		if err != nil {
			return err
		}
		c.disp.Master().AKE4 = akeCtx
		return c.Host.InjectMessage(c.Peer, msg)

	default:
		return errs.PolicyError("startAKE", "unsupported version %d", version)
	}
}

// buildProfile constructs and self-signs a fresh client profile (§12 of
// SPEC_FULL.md). The forging key a full ring signature would need is left
// zeroed: ake4's partial DAKE never builds one (see its package doc).
func (c *Conversation) buildProfile() (*wire.ClientProfile, error) {
	versions := "4"
	if c.policy.AllowV3 {
		versions = "34"
	}
	p := &wire.ClientProfile{
		InstanceTag: c.disp.OurInstanceTag,
		Versions:    versions,
		Expiration:  time.Now().Add(clientProfileLifetime),
	}
	copy(p.LongTermPubKey[:], c.ed448Pub)
	sig := ed448.Sign(c.ed448Priv, p.FieldsToSign(), nil)
	copy(p.Signature[:], sig)
	return p, nil
}

func (c *Conversation) handleAKE(p *wire.Parsed) error {
	var senderTag, receiverTag uint32
	var version int
	switch p.Kind {
	case wire.KindDHCommit:
		senderTag, receiverTag, version = p.DHCommit.SenderInstanceTag, p.DHCommit.ReceiverInstanceTag, int(p.DHCommit.Version)
	case wire.KindDHKey:
		senderTag, receiverTag, version = p.DHKey.SenderInstanceTag, p.DHKey.ReceiverInstanceTag, int(p.DHKey.Version)
	case wire.KindRevealSig:
		senderTag, receiverTag, version = p.RevealSig.SenderInstanceTag, p.RevealSig.ReceiverInstanceTag, int(p.RevealSig.Version)
	case wire.KindSignature:
		senderTag, receiverTag, version = p.Signature.SenderInstanceTag, p.Signature.ReceiverInstanceTag, int(p.Signature.Version)
	}

	sub, dropped, err := c.disp.RouteInbound(version, senderTag, receiverTag)
	if err != nil {
		return err
	}
	if dropped {
		return nil
	}
	if sub.AKE == nil {
		sub.AKE = ake.NewContext(version, c.Rand, c.dsaKey, c.disp.OurInstanceTag, c.Logger)
	}

	var reply []byte
	var result *ake.Result
	switch p.Kind {
	case wire.KindDHCommit:
		reply, err = sub.AKE.HandleDHCommit(p.DHCommit)
	case wire.KindDHKey:
		reply, err = sub.AKE.HandleDHKey(p.DHKey)
	case wire.KindRevealSig:
		reply, result, err = sub.AKE.HandleRevealSig(p.RevealSig)
	case wire.KindSignature:
		result, err = sub.AKE.HandleSignature(p.Signature)
	}
	if err != nil {
		return err
	}
	if reply != nil {
		if err := c.send(sub, reply); err != nil {
			return err
		}
	}
	if result != nil {
		c.establishSession(sub, version, result)
	}
	return nil
}

func (c *Conversation) establishSession(sub *dispatch.SubSession, version int, result *ake.Result) {
	keys := session.NewKeyTable(c.Rand, result.OurKeyID, result.OurDHPriv, result.OurDHPub, result.TheirKeyID, result.TheirDHPub)
	sub.Session = session.New(version, c.disp.OurInstanceTag, sub.RemoteInstanceTag, keys, c.Logger)
	sub.SMP = smp.NewContext(c.Rand)
	sub.TheirFingerprint = ake.Fingerprint(result.TheirKey)
	c.disp.NoteEncrypted(sub.RemoteInstanceTag)
	notify(c.Host, c.Peer).GoneSecure(c.Peer, result.SSID)
	notify(c.Host, c.Peer).FingerprintSeen(c.Peer, sub.TheirFingerprint)
}

// handleDAKE drives the partial OTRv4 DAKE (ake4) to completion. A
// completed DAKE is reported to the host, but no session.Session is
// established from it: the key table in package session implements only
// the classic OTRv2/v3 2x2 table, and OTRv4's double-ratchet data message
// exchange is outside this partial v4 implementation's scope (see
// ake4's and smp4's package docs).
func (c *Conversation) handleDAKE(p *wire.Parsed) error {
	var senderTag, receiverTag uint32
	switch p.Kind {
	case wire.KindIdentity:
		senderTag, receiverTag = p.Identity.SenderInstanceTag, p.Identity.ReceiverInstanceTag
	case wire.KindAuthR:
		senderTag, receiverTag = p.AuthR.SenderInstanceTag, p.AuthR.ReceiverInstanceTag
	case wire.KindAuthI:
		senderTag, receiverTag = p.AuthI.SenderInstanceTag, p.AuthI.ReceiverInstanceTag
	}

	sub, dropped, err := c.disp.RouteInbound(4, senderTag, receiverTag)
	if err != nil {
		return err
	}
	if dropped {
		return nil
	}
	if sub.AKE4 == nil {
		profile, err := c.buildProfile()
		if err != nil {
			return err
		}
		sub.AKE4 = ake4.NewContext(c.Rand, c.ed448Pub, c.ed448Priv, profile, c.disp.OurInstanceTag, c.Logger)
	}

	now := time.Now()
	var reply []byte
	var result *ake4.Result
	switch p.Kind {
	case wire.KindIdentity:
		reply, err = sub.AKE4.HandleIdentity(p.Identity, now)
	case wire.KindAuthR:
		reply, result, err = sub.AKE4.HandleAuthR(p.AuthR, now)
	case wire.KindAuthI:
		result, err = sub.AKE4.HandleAuthI(p.AuthI)
	}
	if err != nil {
		return err
	}
	if reply != nil {
		if err := c.send(sub, reply); err != nil {
			return err
		}
	}
	if result != nil {
		c.disp.NoteEncrypted(sub.RemoteInstanceTag)
		var ssid [8]byte
		copy(ssid[:], result.SharedSecret[:8])
		notify(c.Host, c.Peer).GoneSecure(c.Peer, ssid)
	}
	return nil
}

func (c *Conversation) handleData(data *wire.Data) ([]byte, error) {
	sub, dropped, err := c.disp.RouteInbound(int(data.Version), data.SenderInstanceTag, data.ReceiverInstanceTag)
	if err != nil {
		return nil, err
	}
	if dropped || sub.Session == nil {
		if data.Flags&wire.IgnoreUnreadable == 0 {
			notify(c.Host, c.Peer).UnreadableMessageReceived(c.Peer)
		}
		return nil, nil
	}

	plaintext, tlvs, err := sub.Session.Receive(data)
	if err != nil {
		if data.Flags&wire.IgnoreUnreadable == 0 {
			notify(c.Host, c.Peer).UnreadableMessageReceived(c.Peer)
		}
		return nil, err
	}
	if err := c.handleTLVs(sub, tlvs); err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, nil
	}
	return plaintext, nil
}

func (c *Conversation) handleTLVs(sub *dispatch.SubSession, tlvs []session.TLV) error {
	for _, t := range tlvs {
		switch t.Type {
		case session.TLVDisconnect:
			sub.Session.Finish()
			notify(c.Host, c.Peer).Finished(c.Peer)

		case session.TLVSMP1, session.TLVSMP1Q:
			m, err := smp.DecodeSMP1(t.Value, t.Type == session.TLVSMP1Q)
			if err != nil {
				return err
			}
			c.pendingSMP[sub.RemoteInstanceTag] = m
			notify(c.Host, c.Peer).SMPRequested(c.Peer, m.Question)

		case session.TLVSMP2:
			m, err := smp.DecodeSMP2(t.Value)
			if err != nil {
				return err
			}
			reply, err := sub.SMP.HandleSMP2(m)
			if err != nil {
				notify(c.Host, c.Peer).SMPFailed(c.Peer)
				return err
			}
			return c.sendTLV(sub, session.TLV{Type: session.TLVSMP3, Value: smp.EncodeSMP3(reply)})

		case session.TLVSMP3:
			m, err := smp.DecodeSMP3(t.Value)
			if err != nil {
				return err
			}
			reply, matched, err := sub.SMP.HandleSMP3(m)
			if err != nil {
				notify(c.Host, c.Peer).SMPFailed(c.Peer)
				return err
			}
			if err := c.sendTLV(sub, session.TLV{Type: session.TLVSMP4, Value: smp.EncodeSMP4(reply)}); err != nil {
				return err
			}
			if matched {
				notify(c.Host, c.Peer).SMPSucceeded(c.Peer)
			} else {
				notify(c.Host, c.Peer).SMPFailed(c.Peer)
			}

		case session.TLVSMP4:
			m, err := smp.DecodeSMP4(t.Value)
			if err != nil {
				return err
			}
			matched, err := sub.SMP.HandleSMP4(m)
			if err != nil {
				notify(c.Host, c.Peer).SMPFailed(c.Peer)
				return err
			}
			if matched {
				notify(c.Host, c.Peer).SMPSucceeded(c.Peer)
			} else {
				notify(c.Host, c.Peer).SMPFailed(c.Peer)
			}

		case session.TLVSMPAbort:
			if sub.SMP != nil {
				sub.SMP.Abort()
			}
			delete(c.pendingSMP, sub.RemoteInstanceTag)
		}
	}
	return nil
}

func (c *Conversation) sendTLV(sub *dispatch.SubSession, t session.TLV) error {
	return c.encryptAndSend(sub, nil, []session.TLV{t}, wire.IgnoreUnreadable)
}

// InitSMP starts a Socialist Millionaires' Protocol run against the
// peer's outbound sub-session, optionally attaching a human-readable
// question.
func (c *Conversation) InitSMP(secretInput []byte, question string) error {
	sub, err := c.disp.OutboundSession()
	if err != nil {
		return err
	}
	if sub.SMP == nil {
		sub.SMP = smp.NewContext(c.Rand)
	}
	// We are the initiator here, so our fingerprint comes first, matching
	// smp.ComputeSecret's (initiator, responder) argument order.
	ourFP := ake.Fingerprint(&c.dsaKey.PublicKey)
	secret := smp.ComputeSecret(ourFP, sub.TheirFingerprint, ssidOf(sub), secretInput)
	m, err := sub.SMP.StartSMP(secret)
	if err != nil {
		return err
	}
	m.Question = question
	tlvType := session.TLVSMP1
	if question != "" {
		tlvType = session.TLVSMP1Q
	}
	return c.sendTLV(sub, session.TLV{Type: tlvType, Value: smp.EncodeSMP1(m)})
}

// RespondSMP answers the SMP request most recently received on the
// outbound sub-session (surfaced to the host via Notifier.SMPRequested)
// with secretInput as our side's answer.
func (c *Conversation) RespondSMP(secretInput []byte) error {
	sub, err := c.disp.OutboundSession()
	if err != nil {
		return err
	}
	m, ok := c.pendingSMP[sub.RemoteInstanceTag]
	if !ok {
		return errs.StateError("RespondSMP", "no pending SMP request on this sub-session")
	}
	delete(c.pendingSMP, sub.RemoteInstanceTag)

	// The peer initiated this SMP run, so their fingerprint comes first.
	ourFP := ake.Fingerprint(&c.dsaKey.PublicKey)
	secret := smp.ComputeSecret(sub.TheirFingerprint, ourFP, ssidOf(sub), secretInput)
	reply, err := sub.SMP.HandleSMP1(m, secret)
	if err != nil {
		return err
	}
	return c.sendTLV(sub, session.TLV{Type: session.TLVSMP2, Value: smp.EncodeSMP2(reply)})
}

// AbortSMP cancels any in-progress SMP run on the outbound sub-session.
func (c *Conversation) AbortSMP() error {
	sub, err := c.disp.OutboundSession()
	if err != nil {
		return err
	}
	if sub.SMP != nil {
		sub.SMP.Abort()
	}
	delete(c.pendingSMP, sub.RemoteInstanceTag)
	return c.sendTLV(sub, session.TLV{Type: session.TLVSMPAbort})
}

// ssidOf returns the ssid tying an SMP run to the sub-session's AKE, so
// an SMP transcript replayed against a different conversation can never
// be mistaken for a match.
func ssidOf(sub *dispatch.SubSession) [8]byte {
	if sub.AKE != nil {
		return sub.AKE.SSID()
	}
	return [8]byte{}
}
