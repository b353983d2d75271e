// Package session implements OTR session state and key management (§4.5,
// §5): the per-sub-session message state machine, the rotating 4-slot
// session key table, send/receive counters with replay rejection, the
// MAC-key reveal queue, the extra symmetric key, and TLV framing.
package session

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"io"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/group"
	"github.com/quietwire/otr-go/wire"
)

// slotKeys holds the derived material for one (our DH key, their DH key)
// pairing: the AES/MAC keys for both directions and the send counter we
// own for this pairing.
type slotKeys struct {
	ourKeyID, theirKeyID uint32
	ourDHPriv, ourDHPub  *big.Int
	theirDHPub           *big.Int

	sendAES, recvAES [16]byte
	sendMAC, recvMAC [20]byte

	sendCounter uint64 // atomic
	recvCounter uint64 // atomic, highest counter value accepted so far
}

// KeyTable is the rotating 4-slot session key table (§4.5): two of our
// DH keys (current and previous) crossed with two of theirs, the same
// shape historical OTR implementations call a 2x2 session_keys table.
type KeyTable struct {
	mu   sync.Mutex
	rand io.Reader

	// index 0 is current, index 1 is the key rotated out but kept alive
	// long enough to decrypt messages still in flight against it.
	ourPriv [2]*big.Int
	ourPub  [2]*big.Int
	ourID   [2]uint32

	theirPub [2]*big.Int
	theirID  [2]uint32

	slots [2][2]*slotKeys // [ourIdx][theirIdx]

	revealQueue [][20]byte // MAC keys to disclose once no longer needed
}

// NewKeyTable seeds the table from an AKE result: our first DH keypair
// and their first DH public key, both at key ID 1.
func NewKeyTable(rand io.Reader, ourKeyID uint32, ourPriv, ourPub *big.Int, theirKeyID uint32, theirPub *big.Int) *KeyTable {
	t := &KeyTable{rand: rand}
	t.ourPriv[0], t.ourPub[0], t.ourID[0] = ourPriv, ourPub, ourKeyID
	t.theirPub[0], t.theirID[0] = theirPub, theirKeyID
	t.recomputeLocked(0, 0)
	return t
}

// deriveDirectionalKeys derives the AES and MAC keys for both directions
// of one session key slot from the raw (non-MPI-encoded) DH shared
// secret, per §4.5's literal AES = SHA1(tag || SHA1(raw_gxy)) [16 bytes].
func deriveDirectionalKeys(s *big.Int, ourPub, theirPub *big.Int) (sendAES [16]byte, sendMAC [20]byte, recvAES [16]byte, recvMAC [20]byte) {
	rawGXY := s.Bytes()
	var mine, theirs byte
	if ourPub.Cmp(theirPub) > 0 {
		mine, theirs = 0x01, 0x02
	} else {
		mine, theirs = 0x02, 0x01
	}
	inner := sha1.Sum(rawGXY)
	h := func(tag byte) [16]byte {
		outer := sha1.Sum(append([]byte{tag}, inner[:]...))
		var out [16]byte
		copy(out[:], outer[:16])
		return out
	}
	sendAES = h(mine)
	recvAES = h(theirs)
	sendMAC = sha1.Sum(sendAES[:])
	recvMAC = sha1.Sum(recvAES[:])
	return
}

// recomputeLocked (re)derives the slot at [ourIdx][theirIdx] from the
// currently stored DH values. Caller holds t.mu.
func (t *KeyTable) recomputeLocked(ourIdx, theirIdx int) {
	if t.ourPriv[ourIdx] == nil || t.theirPub[theirIdx] == nil {
		return
	}
	s := group.Exp(t.theirPub[theirIdx], t.ourPriv[ourIdx])
	sendAES, sendMAC, recvAES, recvMAC := deriveDirectionalKeys(s, t.ourPub[ourIdx], t.theirPub[theirIdx])
	t.slots[ourIdx][theirIdx] = &slotKeys{
		ourKeyID: t.ourID[ourIdx], theirKeyID: t.theirID[theirIdx],
		ourDHPriv: t.ourPriv[ourIdx], ourDHPub: t.ourPub[ourIdx], theirDHPub: t.theirPub[theirIdx],
		sendAES: sendAES, sendMAC: sendMAC, recvAES: recvAES, recvMAC: recvMAC,
	}
}

// retiredSendMACs collects the sending MAC keys of slots about to be
// overwritten and discarded, so callers can queue them for disclosure.
func retiredSendMACs(slots ...*slotKeys) [][20]byte {
	var out [][20]byte
	for _, s := range slots {
		if s != nil {
			out = append(out, s.sendMAC)
		}
	}
	return out
}

// RotateOurKey generates a fresh local DH keypair, demoting the current
// one to "previous", per §4.5's rule that we must always be ready to
// offer our latest key in the next outgoing message. The slot pushed out
// entirely by this rotation has its sending MAC key queued for reveal.
func (t *KeyTable) RotateOurKey() error {
	x, err := group.RandomExponent(t.rand)
	if err != nil {
		return err
	}
	gx := group.ExpG1(x)

	t.mu.Lock()
	retired := retiredSendMACs(t.slots[1][0], t.slots[1][1])
	t.ourPriv[1], t.ourPub[1], t.ourID[1] = t.ourPriv[0], t.ourPub[0], t.ourID[0]
	t.ourPriv[0], t.ourPub[0], t.ourID[0] = x, gx, t.ourID[0]+1
	t.slots[1][0], t.slots[1][1] = t.slots[0][0], t.slots[0][1]
	t.recomputeLocked(0, 0)
	t.recomputeLocked(0, 1)
	t.mu.Unlock()

	for _, k := range retired {
		t.QueueRevealedMACKeys(k)
	}
	return nil
}

// RotateTheirKey records a new DH public key the peer has announced,
// demoting their previous key. The slot pushed out entirely by this
// rotation has its sending MAC key queued for reveal.
func (t *KeyTable) RotateTheirKey(keyID uint32, pub *big.Int) error {
	if err := group.CheckElement(pub); err != nil {
		return err
	}
	t.mu.Lock()
	retired := retiredSendMACs(t.slots[0][1], t.slots[1][1])
	t.theirPub[1], t.theirID[1] = t.theirPub[0], t.theirID[0]
	t.theirPub[0], t.theirID[0] = pub, keyID
	t.slots[0][1], t.slots[1][1] = t.slots[0][0], t.slots[1][0]
	t.recomputeLocked(0, 0)
	t.recomputeLocked(1, 0)
	t.mu.Unlock()

	for _, k := range retired {
		t.QueueRevealedMACKeys(k)
	}
	return nil
}

// find locates the slot matching a given (our, their) key ID pair.
func (t *KeyTable) find(ourKeyID, theirKeyID uint32) *slotKeys {
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if s := t.slots[i][j]; s != nil && s.ourKeyID == ourKeyID && s.theirKeyID == theirKeyID {
				return s
			}
		}
	}
	return nil
}

// OutgoingSlot returns the slot to encrypt the next message with: our
// current key paired with their current key.
func (t *KeyTable) OutgoingSlot() (ourKeyID, theirKeyID uint32, nextDH *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[0][0]
	return s.ourKeyID, s.theirKeyID, t.ourPub[0]
}

// Encrypt runs AES-CTR over plaintext using the (ourKeyID, theirKeyID)
// slot, returning the ciphertext, the counter value used, and the MAC
// over the wire-framed ciphertext.
func (t *KeyTable) Encrypt(ourKeyID, theirKeyID uint32, plaintext []byte, framer func(ciphertext []byte) []byte) (ciphertext []byte, counter [8]byte, mac [20]byte, err error) {
	t.mu.Lock()
	s := t.find(ourKeyID, theirKeyID)
	t.mu.Unlock()
	if s == nil {
		return nil, counter, mac, errs.StateError("Encrypt", "no session key for (%d,%d)", ourKeyID, theirKeyID)
	}
	n := atomic.AddUint64(&s.sendCounter, 1)
	putCounter(&counter, n)
	ciphertext, err = aesCTR(s.sendAES[:], counter, plaintext)
	if err != nil {
		return nil, counter, mac, err
	}
	mac = macOver(s.sendMAC[:], framer(ciphertext))
	return ciphertext, counter, mac, nil
}

// Decrypt verifies the MAC and counter, then decrypts ciphertext using
// the (ourKeyID, theirKeyID) slot. A counter not strictly greater than
// the highest one seen so far is a replay and is rejected (§4.5, §8).
func (t *KeyTable) Decrypt(ourKeyID, theirKeyID uint32, counter [8]byte, ciphertext []byte, mac [20]byte, framer func(ciphertext []byte) []byte) ([]byte, error) {
	t.mu.Lock()
	s := t.find(ourKeyID, theirKeyID)
	t.mu.Unlock()
	if s == nil {
		return nil, errs.StateError("Decrypt", "no session key for (%d,%d)", ourKeyID, theirKeyID)
	}
	if got := macOver(s.recvMAC[:], framer(ciphertext)); !hmac.Equal(got[:], mac[:]) {
		return nil, errs.CryptoError("Decrypt", "MAC mismatch")
	}
	n := counterValue(counter)
	for {
		prev := atomic.LoadUint64(&s.recvCounter)
		if n <= prev {
			return nil, errs.ProtocolError("Decrypt", "replayed or out-of-order counter %d <= %d", n, prev)
		}
		if atomic.CompareAndSwapUint64(&s.recvCounter, prev, n) {
			break
		}
	}
	return aesCTR(s.recvAES[:], counter, ciphertext)
}

// QueueRevealedMACKeys appends a used sending MAC key to the reveal
// queue. A sub-session may disclose these once the corresponding
// messages can no longer be meaningfully repudiated as deniable (§4.5).
func (t *KeyTable) QueueRevealedMACKeys(key [20]byte) {
	t.mu.Lock()
	t.revealQueue = append(t.revealQueue, key)
	t.mu.Unlock()
}

// DrainRevealedMACKeys returns and clears the queued MAC keys, encoded
// for the "old MAC keys" trailer of an outgoing DATA message.
func (t *KeyTable) DrainRevealedMACKeys() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.revealQueue) == 0 {
		return nil
	}
	w := wire.NewWriter()
	for _, k := range t.revealQueue {
		w.Raw(k[:])
	}
	t.revealQueue = nil
	return w.Bytes()
}

// ExtraSymmetricKey derives the 256-bit extra symmetric key available to
// TLV type 8 consumers (§4.5, §13), tied to a specific session key slot
// so both sides agree on it without further negotiation.
func (t *KeyTable) ExtraSymmetricKey(ourKeyID, theirKeyID uint32) ([32]byte, error) {
	t.mu.Lock()
	s := t.find(ourKeyID, theirKeyID)
	t.mu.Unlock()
	var out [32]byte
	if s == nil {
		return out, errs.StateError("ExtraSymmetricKey", "no session key for (%d,%d)", ourKeyID, theirKeyID)
	}
	h := sha256.New()
	h.Write([]byte{0xff})
	h.Write(group.Exp(s.theirDHPub, s.ourDHPriv).Bytes())
	copy(out[:], h.Sum(nil))
	return out, nil
}

func putCounter(out *[8]byte, n uint64) {
	for i := 7; i >= 0; i-- {
		out[i] = byte(n)
		n >>= 8
	}
}

func counterValue(c [8]byte) uint64 {
	var n uint64
	for _, b := range c {
		n = n<<8 | uint64(b)
	}
	return n
}

func macOver(key, framed []byte) [20]byte {
	h := hmac.New(sha1.New, key)
	h.Write(framed)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}
