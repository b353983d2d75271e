// Package dispatch implements the multi-instance dispatcher (§4.6, C6):
// one conversation with a peer account may be talking to several
// physical client instances at once, each identified by its own OTRv3/
// v4 instance tag. The dispatcher holds one sub-session per remote
// instance tag, routes inbound messages to the right one, and decides
// which sub-session outbound plaintext should go to by default.
package dispatch

import (
	"sync"

	"github.com/quietwire/otr-go/ake"
	"github.com/quietwire/otr-go/ake4"
	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/session"
	"github.com/quietwire/otr-go/smp"
)

// SubSession is everything the dispatcher tracks for one remote
// instance: its AKE progress (v2/v3 or v4, whichever is negotiated),
// its SMP run if any, and its message session once established.
type SubSession struct {
	RemoteInstanceTag uint32 // 0 for the v2 master, which has no instance tags
	Version           int

	AKE     *ake.Context
	AKE4    *ake4.Context
	SMP     *smp.Context
	Session *session.Session

	// TheirFingerprint is the peer's DSA fingerprint, recorded once this
	// sub-session's AKE completes, so later SMP runs can tie the shared
	// secret to both parties' identities without threading it through
	// every caller.
	TheirFingerprint [20]byte
}

// State returns the sub-session's message state, or StatePlaintext if
// no Session has been established yet.
func (s *SubSession) State() session.MessageState {
	if s.Session == nil {
		return session.StatePlaintext
	}
	return s.Session.State
}

// Conversation holds every sub-session for one (account, peer) pair.
type Conversation struct {
	mu sync.Mutex

	OurInstanceTag uint32

	// master is the sub-session used for v2 peers, which predate
	// instance tags entirely, and as the very first contact point
	// before any remote instance tag is known.
	master *SubSession
	subs   map[uint32]*SubSession // keyed by remote instance tag (v3/v4 only)

	// outbound is the remote instance tag outbound plaintext is routed
	// to by default; 0 means "the master session".
	outbound uint32

	onMultipleInstances func()
}

// New returns an empty Conversation for our own instance tag.
func New(ourInstanceTag uint32, onMultipleInstances func()) *Conversation {
	return &Conversation{
		OurInstanceTag:      ourInstanceTag,
		master:              &SubSession{},
		subs:                make(map[uint32]*SubSession),
		onMultipleInstances: onMultipleInstances,
	}
}

// Master returns the v2/pre-AKE sub-session.
func (c *Conversation) Master() *SubSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

// RouteInbound decides which sub-session an inbound message addressed
// to (senderTag, receiverTag) belongs to, creating a new one if this is
// the first message from a previously unseen remote instance. It
// returns (nil, true, nil) when the message must be silently dropped:
// either addressed to a receiver instance tag other than ours, or a
// v3/v4 message claiming a zero sender tag, which predates instance
// tags only in v2 and is otherwise malformed.
func (c *Conversation) RouteInbound(version int, senderTag, receiverTag uint32) (sub *SubSession, dropped bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if version < 3 {
		return c.master, false, nil
	}
	if senderTag == 0 {
		return nil, true, nil
	}
	if receiverTag != 0 && c.OurInstanceTag != 0 && receiverTag != c.OurInstanceTag {
		return nil, true, nil
	}

	if sub, ok := c.subs[senderTag]; ok {
		return sub, false, nil
	}

	sub = &SubSession{RemoteInstanceTag: senderTag, Version: version}
	c.replicateMasterAKEStateLocked(sub)
	c.subs[senderTag] = sub

	if len(c.subs) > 1 && c.onMultipleInstances != nil {
		c.onMultipleInstances()
	}
	return sub, false, nil
}

// replicateMasterAKEStateLocked copies an in-progress master AKE (begun
// before any remote instance tag was known, e.g. from a locally
// initiated DH-Commit broadcast) into a freshly discovered sub-session,
// so the new instance doesn't have to restart the handshake from
// scratch. Caller holds c.mu.
func (c *Conversation) replicateMasterAKEStateLocked(sub *SubSession) {
	if c.master == nil {
		return
	}
	if c.master.AKE != nil && c.master.AKE.State != ake.StateNone {
		cp := *c.master.AKE
		sub.AKE = &cp
	}
	if c.master.AKE4 != nil && c.master.AKE4.State != ake4.StateStart {
		cp4 := *c.master.AKE4
		sub.AKE4 = &cp4
	}
}

// SetOutbound records remoteTag as the default destination for outbound
// plaintext, overriding whatever NoteEncrypted chose automatically
// (§4.6).
func (c *Conversation) SetOutbound(remoteTag uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = remoteTag
}

// NoteEncrypted auto-switches the outbound target to remoteTag if this
// is the first sub-session to reach StateEncrypted.
func (c *Conversation) NoteEncrypted(remoteTag uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbound == 0 {
		c.outbound = remoteTag
	}
}

// OutboundSession returns the sub-session outbound plaintext should be
// sent through.
func (c *Conversation) OutboundSession() (*SubSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outbound == 0 {
		if c.master.Session != nil {
			return c.master, nil
		}
		return nil, errs.StateError("OutboundSession", "no encrypted sub-session available")
	}
	sub, ok := c.subs[c.outbound]
	if !ok {
		return nil, errs.StateError("OutboundSession", "outbound instance %08x not found", c.outbound)
	}
	return sub, nil
}

// AllSessions returns every sub-session (including the master), for
// operations that must broadcast or tear down every live instance at
// once (e.g. ending the conversation).
func (c *Conversation) AllSessions() []*SubSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*SubSession, 0, len(c.subs)+1)
	out = append(out, c.master)
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}
