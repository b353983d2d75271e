package wire

import (
	"testing"
	"time"
)

func testProfile() *ClientProfile {
	p := &ClientProfile{
		InstanceTag: 0x01020304,
		Versions:    "34",
		Expiration:  time.Unix(1900000000, 0).UTC(),
	}
	for i := range p.LongTermPubKey {
		p.LongTermPubKey[i] = byte(i)
	}
	for i := range p.ForgingKey {
		p.ForgingKey[i] = byte(i + 1)
	}
	for i := range p.Signature {
		p.Signature[i] = byte(i + 2)
	}
	return p
}

func TestClientProfileRoundTrip(t *testing.T) {
	p := testProfile()
	encoded := encodeClientProfile(p)
	got, err := decodeClientProfile(encoded)
	if err != nil {
		t.Fatalf("decodeClientProfile: %v", err)
	}
	if got.InstanceTag != p.InstanceTag || got.Versions != p.Versions {
		t.Fatalf("got %+v, want %+v", got, p)
	}
	if got.LongTermPubKey != p.LongTermPubKey || got.ForgingKey != p.ForgingKey || got.Signature != p.Signature {
		t.Fatalf("key material mismatch")
	}
	if !got.Expiration.Equal(p.Expiration) {
		t.Fatalf("expiration mismatch: got %v, want %v", got.Expiration, p.Expiration)
	}
	if got.TransitionalDSAPub != nil {
		t.Fatalf("unexpected transitional DSA key")
	}
}

func TestClientProfileRoundTripWithTransitionalDSA(t *testing.T) {
	p := testProfile()
	p.TransitionalDSAPub = &DSAPubRecord{P: []byte{1}, Q: []byte{2}, G: []byte{3}, Y: []byte{4}}
	p.TransitionalDSASig = []byte{5, 6, 7}

	got, err := decodeClientProfile(encodeClientProfile(p))
	if err != nil {
		t.Fatalf("decodeClientProfile: %v", err)
	}
	if got.TransitionalDSAPub == nil {
		t.Fatal("expected transitional DSA key to survive round trip")
	}
	if string(got.TransitionalDSAPub.Y) != "\x04" || string(got.TransitionalDSASig) != "\x05\x06\x07" {
		t.Fatalf("got %+v / sig %v", got.TransitionalDSAPub, got.TransitionalDSASig)
	}
}

func TestClientProfileValidateRejectsExpired(t *testing.T) {
	p := testProfile()
	p.Versions = "4"
	if err := p.Validate(time.Unix(2000000000, 0)); err == nil {
		t.Fatal("expected expired profile to fail validation")
	}
}

func TestClientProfileValidateRejectsMissingV4(t *testing.T) {
	p := testProfile()
	p.Versions = "3"
	if err := p.Validate(time.Unix(1000000000, 0)); err == nil {
		t.Fatal("expected profile without version 4 to fail validation")
	}
}

func TestClientProfileValidateRejectsMismatchedTransitionalFields(t *testing.T) {
	p := testProfile()
	p.Versions = "34"
	p.TransitionalDSAPub = &DSAPubRecord{P: []byte{1}, Q: []byte{1}, G: []byte{1}, Y: []byte{1}}
	if err := p.Validate(time.Unix(1000000000, 0)); err == nil {
		t.Fatal("expected mismatched transitional DSA fields to fail validation")
	}
}

func TestClientProfileValidateAccepts(t *testing.T) {
	p := testProfile()
	p.Versions = "34"
	if err := p.Validate(time.Unix(1000000000, 0)); err != nil {
		t.Fatalf("expected valid profile, got %v", err)
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	m := &Identity{
		SenderInstanceTag: 0x11, ReceiverInstanceTag: 0x22,
		Profile: testProfile(),
		B:       []byte{9, 9, 9},
	}
	for i := range m.Y {
		m.Y[i] = byte(i + 3)
	}
	encoded := EncodeIdentity(m)

	r := NewReader(encoded)
	version, _ := r.Short()
	typ, _ := r.Byte()
	if version != 4 || typ != TypeIdentity {
		t.Fatalf("got version %d type %x", version, typ)
	}
	got, err := DecodeIdentity(r)
	if err != nil {
		t.Fatalf("DecodeIdentity: %v", err)
	}
	if got.SenderInstanceTag != m.SenderInstanceTag || got.ReceiverInstanceTag != m.ReceiverInstanceTag {
		t.Fatalf("tags mismatch: %+v", got)
	}
	if got.Y != m.Y {
		t.Fatalf("Y mismatch")
	}
	if got.Profile.InstanceTag != m.Profile.InstanceTag {
		t.Fatalf("profile mismatch: %+v", got.Profile)
	}
}

func TestAuthRRoundTrip(t *testing.T) {
	m := &AuthR{
		SenderInstanceTag: 1, ReceiverInstanceTag: 2,
		Profile: testProfile(),
		A:       []byte{1, 2, 3},
	}
	for i := range m.X {
		m.X[i] = byte(i)
	}
	for i := range m.Sigma.C1 {
		m.Sigma.C1[i] = byte(i)
		m.Sigma.R1[i] = byte(i + 1)
		m.Sigma.C2[i] = byte(i + 2)
		m.Sigma.R2[i] = byte(i + 3)
	}
	encoded := EncodeAuthR(m)

	r := NewReader(encoded)
	r.Short()
	r.Byte()
	got, err := DecodeAuthR(r)
	if err != nil {
		t.Fatalf("DecodeAuthR: %v", err)
	}
	if got.X != m.X || got.Sigma != m.Sigma {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestAuthIRoundTrip(t *testing.T) {
	m := &AuthI{SenderInstanceTag: 1, ReceiverInstanceTag: 2}
	for i := range m.Sigma.C1 {
		m.Sigma.C1[i] = byte(i)
		m.Sigma.R1[i] = byte(i + 1)
		m.Sigma.C2[i] = byte(i + 2)
		m.Sigma.R2[i] = byte(i + 3)
	}
	encoded := EncodeAuthI(m)

	r := NewReader(encoded)
	r.Short()
	r.Byte()
	got, err := DecodeAuthI(r)
	if err != nil {
		t.Fatalf("DecodeAuthI: %v", err)
	}
	if got.Sigma != m.Sigma {
		t.Fatalf("sigma mismatch: %+v", got.Sigma)
	}
}

func TestDataV4RoundTrip(t *testing.T) {
	m := &DataV4{
		SenderInstanceTag: 1, ReceiverInstanceTag: 2,
		Flags: IgnoreUnreadable, Ratchet: 3, MessageID: 4,
		DHPub: []byte{1, 2}, EncryptedMsg: []byte("secret"),
	}
	for i := range m.ECDHPub {
		m.ECDHPub[i] = byte(i)
	}
	for i := range m.Nonce {
		m.Nonce[i] = byte(i + 1)
	}
	for i := range m.MAC {
		m.MAC[i] = byte(i + 2)
	}
	encoded := EncodeDataV4(m)

	parsed, err := Parse(EncodeEncodedMessage(encoded))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Kind != KindDataV4 {
		t.Fatalf("got kind %v, want KindDataV4", parsed.Kind)
	}
	got := parsed.DataV4
	if got.Ratchet != 3 || got.MessageID != 4 || string(got.EncryptedMsg) != "secret" {
		t.Fatalf("got %+v", got)
	}
	if got.MAC != m.MAC || got.Nonce != m.Nonce {
		t.Fatalf("mac/nonce mismatch")
	}
}
