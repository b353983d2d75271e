package ake

import (
	"crypto/dsa"
	"crypto/rand"
	"testing"

	"github.com/quietwire/otr-go/wire"
)

func genDSAKey(t *testing.T) *dsa.PrivateKey {
	t.Helper()
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); err != nil {
		t.Fatalf("generate DSA parameters: %v", err)
	}
	key := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	if err := dsa.GenerateKey(key, rand.Reader); err != nil {
		t.Fatalf("generate DSA key: %v", err)
	}
	return key
}

func decode[T any](t *testing.T, raw []byte, decodeFn func(version uint16, r *wire.Reader) (T, error)) T {
	t.Helper()
	r := wire.NewReader(raw)
	version, err := r.Short()
	if err != nil {
		t.Fatalf("read version: %v", err)
	}
	if _, err := r.Byte(); err != nil {
		t.Fatalf("read type: %v", err)
	}
	m, err := decodeFn(version, r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

// runAKE drives a full four-message exchange at the given version between two fresh
// Contexts, alice as the initiator, and returns both sides' results.
func runAKE(t *testing.T, version int) (*Result, *Result) {
	t.Helper()
	aliceKey, bobKey := genDSAKey(t), genDSAKey(t)
	alice := NewContext(version, rand.Reader, aliceKey, 0x11111111, nil)
	bob := NewContext(version, rand.Reader, bobKey, 0x22222222, nil)

	commitRaw, err := alice.StartAKE()
	if err != nil {
		t.Fatalf("alice.StartAKE: %v", err)
	}
	commit := decode(t, commitRaw, wire.DecodeDHCommit)

	keyRaw, err := bob.HandleDHCommit(commit)
	if err != nil {
		t.Fatalf("bob.HandleDHCommit: %v", err)
	}
	key := decode(t, keyRaw, wire.DecodeDHKey)

	revealRaw, err := alice.HandleDHKey(key)
	if err != nil {
		t.Fatalf("alice.HandleDHKey: %v", err)
	}
	reveal := decode(t, revealRaw, wire.DecodeRevealSig)

	sigRaw, bobResult, err := bob.HandleRevealSig(reveal)
	if err != nil {
		t.Fatalf("bob.HandleRevealSig: %v", err)
	}
	if bobResult == nil {
		t.Fatal("bob did not complete the AKE")
	}
	sig := decode(t, sigRaw, wire.DecodeSignature)

	aliceResult, err := alice.HandleSignature(sig)
	if err != nil {
		t.Fatalf("alice.HandleSignature: %v", err)
	}
	if aliceResult == nil {
		t.Fatal("alice did not complete the AKE")
	}
	return aliceResult, bobResult
}

func TestAKEFullExchangeV3(t *testing.T) {
	alice, bob := runAKE(t, 3)
	if alice.SSID != bob.SSID {
		t.Fatalf("ssid mismatch: alice=%x bob=%x", alice.SSID, bob.SSID)
	}
	if alice.SharedSecret.Cmp(bob.SharedSecret) != 0 {
		t.Fatal("shared secret mismatch")
	}
	if alice.OurDHPub.Cmp(bob.TheirDHPub) != 0 {
		t.Fatal("alice's DH public key not what bob recorded")
	}
}

func TestAKEFullExchangeV2(t *testing.T) {
	alice, bob := runAKE(t, 2)
	if alice.SSID != bob.SSID {
		t.Fatal("v2 ssid mismatch")
	}
}

func TestAKETieBreakHigherHashWins(t *testing.T) {
	aliceKey, bobKey := genDSAKey(t), genDSAKey(t)
	alice := NewContext(3, rand.Reader, aliceKey, 0x01, nil)
	bob := NewContext(3, rand.Reader, bobKey, 0x02, nil)

	aliceCommitRaw, err := alice.StartAKE()
	if err != nil {
		t.Fatalf("alice.StartAKE: %v", err)
	}
	bobCommitRaw, err := bob.StartAKE()
	if err != nil {
		t.Fatalf("bob.StartAKE: %v", err)
	}
	aliceCommit := decode(t, aliceCommitRaw, wire.DecodeDHCommit)
	bobCommit := decode(t, bobCommitRaw, wire.DecodeDHCommit)

	// Each side receives the other's simultaneous DH-Commit.
	aliceReply, err := alice.HandleDHCommit(bobCommit)
	if err != nil {
		t.Fatalf("alice.HandleDHCommit: %v", err)
	}
	bobReply, err := bob.HandleDHCommit(aliceCommit)
	if err != nil {
		t.Fatalf("bob.HandleDHCommit: %v", err)
	}

	// Exactly one side should have yielded (sent a DH-Key) and the other
	// should have resent its own DH-Commit.
	aliceYielded := aliceReply != nil && alice.State == StateAwaitingRevealSig
	bobYielded := bobReply != nil && bob.State == StateAwaitingRevealSig
	if aliceYielded == bobYielded {
		t.Fatalf("exactly one side should yield the tie-break: alice=%v bob=%v", aliceYielded, bobYielded)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	key := genDSAKey(t)
	fp1 := Fingerprint(&key.PublicKey)
	fp2 := Fingerprint(&key.PublicKey)
	if fp1 != fp2 {
		t.Fatal("Fingerprint should be deterministic for the same key")
	}
}
