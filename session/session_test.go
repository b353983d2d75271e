package session

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/quietwire/otr-go/group"
	"github.com/quietwire/otr-go/wire"
)

// pairedKeyTables builds two KeyTables that mirror a completed AKE: each
// side's "our" keypair is the other's "their" public key, both at key ID 1.
func pairedKeyTables(t *testing.T) (alice, bob *KeyTable) {
	t.Helper()
	aPriv, err := group.RandomExponent(rand.Reader)
	if err != nil {
		t.Fatalf("RandomExponent: %v", err)
	}
	bPriv, err := group.RandomExponent(rand.Reader)
	if err != nil {
		t.Fatalf("RandomExponent: %v", err)
	}
	aPub := group.ExpG1(aPriv)
	bPub := group.ExpG1(bPriv)

	alice = NewKeyTable(rand.Reader, 1, aPriv, aPub, 1, bPub)
	bob = NewKeyTable(rand.Reader, 1, bPriv, bPub, 1, aPub)
	return alice, bob
}

func TestKeyTableEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob := pairedKeyTables(t)

	ourKeyID, theirKeyID, _ := alice.OutgoingSlot()
	ciphertext, counter, mac, err := alice.Encrypt(ourKeyID, theirKeyID, []byte("hello bob"), wire.SignedMACBody)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	plaintext, err := bob.Decrypt(theirKeyID, ourKeyID, counter, ciphertext, mac, wire.SignedMACBody)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello bob" {
		t.Fatalf("got %q, want %q", plaintext, "hello bob")
	}
}

func TestKeyTableDecryptRejectsReplayedCounter(t *testing.T) {
	alice, bob := pairedKeyTables(t)

	ourKeyID, theirKeyID, _ := alice.OutgoingSlot()
	ciphertext, counter, mac, err := alice.Encrypt(ourKeyID, theirKeyID, []byte("once"), wire.SignedMACBody)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := bob.Decrypt(theirKeyID, ourKeyID, counter, ciphertext, mac, wire.SignedMACBody); err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	if _, err := bob.Decrypt(theirKeyID, ourKeyID, counter, ciphertext, mac, wire.SignedMACBody); err == nil {
		t.Fatal("expected replayed counter to be rejected")
	}
}

func TestKeyTableDecryptRejectsBadMAC(t *testing.T) {
	alice, bob := pairedKeyTables(t)

	ourKeyID, theirKeyID, _ := alice.OutgoingSlot()
	ciphertext, counter, mac, err := alice.Encrypt(ourKeyID, theirKeyID, []byte("tamper me"), wire.SignedMACBody)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	mac[0] ^= 0xff

	if _, err := bob.Decrypt(theirKeyID, ourKeyID, counter, ciphertext, mac, wire.SignedMACBody); err == nil {
		t.Fatal("expected corrupted MAC to be rejected")
	}
}

func TestKeyTableRotateOurKeyKeepsOldSlotAlive(t *testing.T) {
	alice, bob := pairedKeyTables(t)

	ourKeyID, theirKeyID, _ := alice.OutgoingSlot()
	ciphertext, counter, mac, err := alice.Encrypt(ourKeyID, theirKeyID, []byte("before rotation"), wire.SignedMACBody)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := alice.RotateOurKey(); err != nil {
		t.Fatalf("RotateOurKey: %v", err)
	}
	newKeyID, _, _ := alice.OutgoingSlot()
	if newKeyID != ourKeyID+1 {
		t.Fatalf("got key id %d, want %d", newKeyID, ourKeyID+1)
	}

	// Bob still has not rotated, so a message sent against the previous
	// slot must still decrypt.
	plaintext, err := bob.Decrypt(theirKeyID, ourKeyID, counter, ciphertext, mac, wire.SignedMACBody)
	if err != nil {
		t.Fatalf("Decrypt against retired slot: %v", err)
	}
	if string(plaintext) != "before rotation" {
		t.Fatalf("got %q", plaintext)
	}
}

func TestKeyTableRotateTheirKeyRejectsInvalidElement(t *testing.T) {
	alice, _ := pairedKeyTables(t)
	if err := alice.RotateTheirKey(5, big.NewInt(1)); err == nil {
		t.Fatal("expected out-of-range DH public key to be rejected")
	}
}

func TestKeyTableQueueAndDrainRevealedMACKeys(t *testing.T) {
	alice, _ := pairedKeyTables(t)
	if out := alice.DrainRevealedMACKeys(); out != nil {
		t.Fatalf("expected nil with nothing queued, got %v", out)
	}

	var k1, k2 [20]byte
	k1[0], k2[0] = 1, 2
	alice.QueueRevealedMACKeys(k1)
	alice.QueueRevealedMACKeys(k2)

	out := alice.DrainRevealedMACKeys()
	if len(out) != 40 {
		t.Fatalf("expected 40 bytes of revealed MAC keys, got %d", len(out))
	}
	if out := alice.DrainRevealedMACKeys(); out != nil {
		t.Fatal("expected drain to clear the queue")
	}
}

func TestKeyTableExtraSymmetricKeyAgreesBothDirections(t *testing.T) {
	alice, bob := pairedKeyTables(t)
	ourKeyID, theirKeyID, _ := alice.OutgoingSlot()

	aliceKey, err := alice.ExtraSymmetricKey(ourKeyID, theirKeyID)
	if err != nil {
		t.Fatalf("alice.ExtraSymmetricKey: %v", err)
	}
	bobKey, err := bob.ExtraSymmetricKey(theirKeyID, ourKeyID)
	if err != nil {
		t.Fatalf("bob.ExtraSymmetricKey: %v", err)
	}
	if aliceKey != bobKey {
		t.Fatal("extra symmetric key should agree between both sides")
	}
}

func TestSessionEncryptReceiveRoundTripWithTLVs(t *testing.T) {
	aliceKeys, bobKeys := pairedKeyTables(t)
	alice := New(3, 0x11, 0x22, aliceKeys, nil)
	bob := New(3, 0x22, 0x11, bobKeys, nil)

	out, err := alice.Encrypt([]byte("hi bob"), []TLV{DisconnectTLV()}, 0)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	r := wire.NewReader(out.Encoded)
	if _, err := r.Short(); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if _, err := r.Byte(); err != nil {
		t.Fatalf("read type: %v", err)
	}
	data, err := wire.DecodeData(3, r)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}

	plaintext, tlvs, err := bob.Receive(data)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(plaintext) != "hi bob" {
		t.Fatalf("got %q, want %q", plaintext, "hi bob")
	}
	if len(tlvs) != 1 || tlvs[0].Type != TLVDisconnect {
		t.Fatalf("expected a single disconnect TLV, got %+v", tlvs)
	}
}

func TestSessionReceiveRejectsWhenNotEncrypted(t *testing.T) {
	aliceKeys, _ := pairedKeyTables(t)
	alice := New(3, 0x11, 0x22, aliceKeys, nil)
	alice.Finish()

	if _, err := alice.Encrypt([]byte("x"), nil, 0); err == nil {
		t.Fatal("expected Encrypt to fail once finished")
	}
	if _, _, err := alice.Receive(&wire.Data{}); err == nil {
		t.Fatal("expected Receive to fail once finished")
	}
}

func TestSessionEnsureOurKeyAheadRotatesWhenPeerCatchesUp(t *testing.T) {
	aliceKeys, _ := pairedKeyTables(t)
	alice := New(3, 0x11, 0x22, aliceKeys, nil)

	ourKeyID, _, _ := aliceKeys.OutgoingSlot()
	if err := alice.EnsureOurKeyAhead(ourKeyID); err != nil {
		t.Fatalf("EnsureOurKeyAhead: %v", err)
	}
	newKeyID, _, _ := aliceKeys.OutgoingSlot()
	if newKeyID != ourKeyID+1 {
		t.Fatalf("expected rotation when peer caught up, got key id %d", newKeyID)
	}
}

func TestSessionEnsureOurKeyAheadNoopWhenAlreadyAhead(t *testing.T) {
	aliceKeys, _ := pairedKeyTables(t)
	alice := New(3, 0x11, 0x22, aliceKeys, nil)

	ourKeyID, _, _ := aliceKeys.OutgoingSlot()
	if err := alice.EnsureOurKeyAhead(0); err != nil {
		t.Fatalf("EnsureOurKeyAhead: %v", err)
	}
	newKeyID, _, _ := aliceKeys.OutgoingSlot()
	if newKeyID != ourKeyID {
		t.Fatal("should not rotate when our key is already ahead")
	}
}

func TestTLVEncodeDecodeRoundTrip(t *testing.T) {
	in := []TLV{
		PaddingTLV(4),
		DisconnectTLV(),
		ExtraKeyTLV([]byte("context")),
		{Type: TLVSMP1Q, Value: []byte("question?")},
	}
	out, err := DecodeTLVs(EncodeTLVs(in))
	if err != nil {
		t.Fatalf("DecodeTLVs: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d TLVs, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Type != in[i].Type || string(out[i].Value) != string(in[i].Value) {
			t.Fatalf("tlv %d: got %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestDecodeTLVsRejectsTruncatedValue(t *testing.T) {
	w := wire.NewWriter()
	w.Short(TLVPadding)
	w.Short(10) // claims 10 bytes but none follow
	if _, err := DecodeTLVs(w.Bytes()); err == nil {
		t.Fatal("expected truncated TLV value to be rejected")
	}
}
