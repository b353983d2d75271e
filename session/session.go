package session

import (
	"log/slog"

	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/wire"
)

// MessageState is the high-level state of one sub-session's message
// exchange (§4.5): whether it is unencrypted, has an active OTR
// encryption underway, or has been torn down.
type MessageState int

const (
	StatePlaintext MessageState = iota
	StateEncrypted
	StateFinished
)

func (s MessageState) String() string {
	switch s {
	case StatePlaintext:
		return "plaintext"
	case StateEncrypted:
		return "encrypted"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Session holds one sub-session's message state and session key table
// once an AKE has completed. It is the C5 component: everything needed
// to turn outgoing plaintext+TLVs into a wire DATA message and back.
type Session struct {
	Logger *slog.Logger

	Version             int
	SenderInstanceTag   uint32
	ReceiverInstanceTag uint32

	State MessageState
	Keys  *KeyTable
}

// New constructs a Session in StateEncrypted from a freshly completed
// AKE's key material.
func New(version int, senderTag, receiverTag uint32, keys *KeyTable, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Logger: logger, Version: version,
		SenderInstanceTag: senderTag, ReceiverInstanceTag: receiverTag,
		State: StateEncrypted, Keys: keys,
	}
}

// Outgoing is the result of encrypting one outgoing message.
type Outgoing struct {
	Encoded []byte
}

// Encrypt builds a DATA message from plaintext and any TLVs to append,
// using the session's current outgoing key slot, and advances the
// sending counter.
func (s *Session) Encrypt(plaintext []byte, tlvs []TLV, flags wire.DataFlags) (*Outgoing, error) {
	if s.State != StateEncrypted {
		return nil, errs.StateError("Encrypt", "session not encrypted (state=%s)", s.State)
	}
	body := append(append([]byte(nil), plaintext...), 0)
	body = append(body, EncodeTLVs(tlvs)...)

	ourKeyID, theirKeyID, nextDH := s.Keys.OutgoingSlot()

	ciphertext, counter, mac, err := s.Keys.Encrypt(ourKeyID, theirKeyID, body, wire.SignedMACBody)
	if err != nil {
		return nil, err
	}
	oldMACKeys := s.Keys.DrainRevealedMACKeys()

	out := wire.EncodeData(&wire.Data{
		Version:             uint16(s.Version),
		SenderInstanceTag:   s.SenderInstanceTag,
		ReceiverInstanceTag: s.ReceiverInstanceTag,
		Flags:               flags,
		SenderKeyID:         ourKeyID,
		RecipientKeyID:      theirKeyID,
		NextDH:              nextDH,
		Counter:             counter,
		EncryptedMsg:        ciphertext,
		MAC:                 mac,
		OldMACKeys:          oldMACKeys,
	})
	return &Outgoing{Encoded: out}, nil
}

// Receive decrypts an inbound DATA message, verifies its counter and
// MAC, rotates the key table if the sender announced a new DH key, and
// returns the decrypted plaintext and its trailing TLVs.
func (s *Session) Receive(m *wire.Data) ([]byte, []TLV, error) {
	if s.State != StateEncrypted {
		return nil, nil, errs.StateError("Receive", "session not encrypted (state=%s)", s.State)
	}
	plaintextAndTLVs, err := s.Keys.Decrypt(m.RecipientKeyID, m.SenderKeyID, m.Counter, m.EncryptedMsg, m.MAC, wire.SignedMACBody)
	if err != nil {
		return nil, nil, err
	}
	if m.NextDH != nil {
		if err := s.Keys.RotateTheirKey(m.SenderKeyID+1, m.NextDH); err != nil {
			s.log().Warn("session: ignoring invalid announced next DH key", "err", err)
		}
	}

	nul := indexByte(plaintextAndTLVs, 0)
	if nul < 0 {
		return nil, nil, errs.ProtocolError("Receive", "missing NUL plaintext terminator")
	}
	plaintext := plaintextAndTLVs[:nul]
	tlvs, err := DecodeTLVs(plaintextAndTLVs[nul+1:])
	if err != nil {
		return nil, nil, err
	}
	return plaintext, tlvs, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Finish transitions the session to Finished, as when a disconnect TLV
// arrives or the host tears the conversation down locally.
func (s *Session) Finish() {
	s.State = StateFinished
}

func (s *Session) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// EnsureOurKeyAhead rotates our DH key forward if the peer's most
// recently announced key ID has caught up to ours, so we always have a
// fresh key ready to offer (§4.5).
func (s *Session) EnsureOurKeyAhead(theirKeyID uint32) error {
	ourKeyID, _, _ := s.Keys.OutgoingSlot()
	if theirKeyID >= ourKeyID {
		return s.Keys.RotateOurKey()
	}
	return nil
}
