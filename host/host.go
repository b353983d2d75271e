// Package host defines the boundary between this library and its
// embedder (§4.6, C7): the callbacks an application must supply to
// inject messages onto the wire, surface its own long-term identity,
// and receive notifications about what is happening to a conversation.
package host

import (
	"crypto/dsa"

	"github.com/cloudflare/circl/sign/ed448"
)

// Policy controls what a sub-session is willing to negotiate and
// require, mirroring the bit flags real OTR policy objects expose.
type Policy struct {
	AllowV2 bool
	AllowV3 bool
	AllowV4 bool

	RequireEncryption bool // refuse to send plaintext once OTR is possible
	SendWhitespaceTag bool
	WhitespaceStartAKE bool // start an AKE on seeing a whitespace tag
	ErrorStartAKE      bool // start an AKE on seeing an OTR error message
}

// Versions returns the OTR protocol versions this policy is willing to
// negotiate, highest first.
func (p Policy) Versions() []int {
	var out []int
	if p.AllowV4 {
		out = append(out, 4)
	}
	if p.AllowV3 {
		out = append(out, 3)
	}
	if p.AllowV2 {
		out = append(out, 2)
	}
	return out
}

// Host is the set of callbacks a conversation needs from its embedder.
type Host interface {
	// InjectMessage delivers an outgoing wire-level message (already
	// fragmented if necessary) to the remote party over the embedder's
	// transport.
	InjectMessage(recipient string, message []byte) error

	// LocalDSAKeyPair returns this account's long-term OTRv2/v3 signing
	// key, generating and persisting one on first use if the embedder
	// wishes.
	LocalDSAKeyPair(account string) (*dsa.PrivateKey, error)

	// LocalEd448KeyPair returns this account's long-term OTRv4 signing
	// key.
	LocalEd448KeyPair(account string) (ed448.PublicKey, ed448.PrivateKey, error)

	// SessionPolicy returns the policy to apply for a given peer.
	SessionPolicy(peer string) Policy

	// MaxMessageSize returns the largest single wire-level message the
	// transport to peer can carry before fragmentation is required.
	MaxMessageSize(peer string) int

	// InstanceTag returns a stable instance tag for this account, or 0
	// to request one be generated and remembered by the caller.
	InstanceTag(account string) uint32
}

// Notifier is an optional extension a Host may also implement to learn
// about conversation lifecycle events. Every method has a safe no-op
// default via NopNotifier, so implementing Host alone remains valid.
type Notifier interface {
	GoneSecure(peer string, ssid [8]byte)
	GoneInsecure(peer string)
	Finished(peer string)
	SMPRequested(peer, question string)
	SMPSucceeded(peer string)
	SMPFailed(peer string)
	FingerprintSeen(peer string, fingerprint [20]byte)
	MultipleInstancesDetected(peer string)
	UnreadableMessageReceived(peer string)
	UnencryptedMessageReceived(peer, message string)
}

// NopNotifier implements Notifier with no-op methods, so a Host
// implementation can embed it and override only the callbacks it cares
// about.
type NopNotifier struct{}

func (NopNotifier) GoneSecure(string, [8]byte)         {}
func (NopNotifier) GoneInsecure(string)                {}
func (NopNotifier) Finished(string)                    {}
func (NopNotifier) SMPRequested(string, string)        {}
func (NopNotifier) SMPSucceeded(string)                {}
func (NopNotifier) SMPFailed(string)                   {}
func (NopNotifier) FingerprintSeen(string, [20]byte)   {}
func (NopNotifier) MultipleInstancesDetected(string)   {}
func (NopNotifier) UnreadableMessageReceived(string)   {}
func (NopNotifier) UnencryptedMessageReceived(string, string) {}

// FragmentPolicy bundles the two host facts the fragmenter needs: the
// transport's size ceiling and the protocol version in use.
type FragmentPolicy struct {
	MaxMessageSize int
	Version        int
}
