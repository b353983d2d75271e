// Package smp implements the OTRv3 Socialist Millionaires' Protocol
// (§4.4): a zero-knowledge proof that both parties hold the same secret
// value, without revealing the secret (or anything about a mismatch)
// to either side.
package smp

import (
	"crypto/sha256"
	"io"
	"math/big"

	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/group"
	"github.com/quietwire/otr-go/wire"
)

// StateKind discriminates the SMP state machine (§4.4).
type StateKind int

const (
	StateExpect1 StateKind = iota
	StateExpect2
	StateExpect3
	StateExpect4
	StateSucceeded
	StateFailed
	StateCheated
)

func (k StateKind) String() string {
	switch k {
	case StateExpect1:
		return "expect1"
	case StateExpect2:
		return "expect2"
	case StateExpect3:
		return "expect3"
	case StateExpect4:
		return "expect4"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCheated:
		return "cheated"
	default:
		return "unknown"
	}
}

// The eight proof-step domain-separation bytes used across the protocol's
// four messages (§4.4): two knowledge proofs per side in SMP1/SMP2, one
// representation proof each in SMP2/SMP3, one equality-of-logs proof each
// in SMP3/SMP4.
const (
	versionProveA2 byte = iota + 1
	versionProveA3
	versionProveB2
	versionProveB3
	versionProveRB
	versionProveRA
	versionEqualityA
	versionEqualityB
)

// SMP1 is the first SMP message, optionally carrying a human-readable
// question (the SMP1Q variant, §13 of SPEC_FULL.md).
type SMP1 struct {
	Question       string
	G2a, G3a       *big.Int
	C2, D2, C3, D3 *big.Int
}

// SMP2 is the second SMP message.
type SMP2 struct {
	G2b, G3b       *big.Int
	C2, D2, C3, D3 *big.Int
	Pb, Qb         *big.Int
	Cp, D5, D6     *big.Int
}

// SMP3 is the third SMP message.
type SMP3 struct {
	Pa, Qa     *big.Int
	Cp, D5, D6 *big.Int
	Ra         *big.Int
	Cr, D7     *big.Int
}

// SMP4 is the fourth and final SMP message.
type SMP4 struct {
	Rb     *big.Int
	Cr, D7 *big.Int
}

// EncodeSMP1 serializes an SMP1 payload (TLV type 2, or 7 for SMP1Q).
func EncodeSMP1(m *SMP1) []byte {
	w := wire.NewWriter()
	if m.Question != "" {
		w.Data([]byte(m.Question))
	}
	return w.MPI(m.G2a).MPI(m.C2).MPI(m.D2).MPI(m.G3a).MPI(m.C3).MPI(m.D3).Bytes()
}

// DecodeSMP1 parses an SMP1 payload. hasQuestion selects the SMP1Q framing.
func DecodeSMP1(buf []byte, hasQuestion bool) (*SMP1, error) {
	r := wire.NewReader(buf)
	m := &SMP1{}
	if hasQuestion {
		q, err := r.Data()
		if err != nil {
			return nil, err
		}
		m.Question = string(q)
	}
	var err error
	if m.G2a, err = r.MPI(); err != nil {
		return nil, err
	}
	if m.C2, err = r.MPI(); err != nil {
		return nil, err
	}
	if m.D2, err = r.MPI(); err != nil {
		return nil, err
	}
	if m.G3a, err = r.MPI(); err != nil {
		return nil, err
	}
	if m.C3, err = r.MPI(); err != nil {
		return nil, err
	}
	if m.D3, err = r.MPI(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeSMP2 serializes an SMP2 payload (TLV type 3).
func EncodeSMP2(m *SMP2) []byte {
	return wire.NewWriter().
		MPI(m.G2b).MPI(m.C2).MPI(m.D2).MPI(m.G3b).MPI(m.C3).MPI(m.D3).
		MPI(m.Pb).MPI(m.Qb).MPI(m.Cp).MPI(m.D5).MPI(m.D6).Bytes()
}

// DecodeSMP2 parses an SMP2 payload.
func DecodeSMP2(buf []byte) (*SMP2, error) {
	r := wire.NewReader(buf)
	m := &SMP2{}
	fields := []**big.Int{&m.G2b, &m.C2, &m.D2, &m.G3b, &m.C3, &m.D3, &m.Pb, &m.Qb, &m.Cp, &m.D5, &m.D6}
	for _, f := range fields {
		v, err := r.MPI()
		if err != nil {
			return nil, err
		}
		*f = v
	}
	return m, nil
}

// EncodeSMP3 serializes an SMP3 payload (TLV type 4).
func EncodeSMP3(m *SMP3) []byte {
	return wire.NewWriter().
		MPI(m.Pa).MPI(m.Qa).MPI(m.Cp).MPI(m.D5).MPI(m.D6).
		MPI(m.Ra).MPI(m.Cr).MPI(m.D7).Bytes()
}

// DecodeSMP3 parses an SMP3 payload.
func DecodeSMP3(buf []byte) (*SMP3, error) {
	r := wire.NewReader(buf)
	m := &SMP3{}
	fields := []**big.Int{&m.Pa, &m.Qa, &m.Cp, &m.D5, &m.D6, &m.Ra, &m.Cr, &m.D7}
	for _, f := range fields {
		v, err := r.MPI()
		if err != nil {
			return nil, err
		}
		*f = v
	}
	return m, nil
}

// EncodeSMP4 serializes an SMP4 payload (TLV type 5).
func EncodeSMP4(m *SMP4) []byte {
	return wire.NewWriter().MPI(m.Rb).MPI(m.Cr).MPI(m.D7).Bytes()
}

// DecodeSMP4 parses an SMP4 payload.
func DecodeSMP4(buf []byte) (*SMP4, error) {
	r := wire.NewReader(buf)
	m := &SMP4{}
	fields := []**big.Int{&m.Rb, &m.Cr, &m.D7}
	for _, f := range fields {
		v, err := r.MPI()
		if err != nil {
			return nil, err
		}
		*f = v
	}
	return m, nil
}

// ComputeSecret folds the shared answer into the group-element input SMP
// actually proves equality of (§4.4): a hash of a version byte, both
// parties' fingerprints in initiator-then-responder order, the session's
// ssid, and the user-supplied secret bytes.
func ComputeSecret(initiatorFingerprint, responderFingerprint [20]byte, ssid [8]byte, secretInput []byte) *big.Int {
	h := sha256.New()
	h.Write([]byte{1})
	h.Write(initiatorFingerprint[:])
	h.Write(responderFingerprint[:])
	h.Write(ssid[:])
	h.Write(secretInput)
	return new(big.Int).SetBytes(h.Sum(nil))
}

// Context is one SMP run's state, held by the sub-session that started or
// received it. Like ake.Context, it is a single flat struct carrying
// every field any state might need rather than a type per state.
type Context struct {
	Rand      io.Reader
	State     StateKind
	Initiator bool
	secret    *big.Int

	a2, a3 *big.Int
	b2, b3 *big.Int

	g2a, g3a *big.Int
	g2b, g3b *big.Int
	g2, g3   *big.Int

	r      *big.Int
	pa, qa *big.Int
	pb, qb *big.Int
}

// NewContext returns an SMP context ready to start or receive a run.
func NewContext(rand io.Reader) *Context {
	return &Context{Rand: rand, State: StateExpect1}
}

func (c *Context) idle() bool {
	switch c.State {
	case StateExpect1, StateSucceeded, StateFailed, StateCheated:
		return true
	default:
		return false
	}
}

// StartSMP begins an SMP run as the initiator, producing the SMP1 message.
func (c *Context) StartSMP(secret *big.Int) (*SMP1, error) {
	if !c.idle() {
		return nil, errs.StateError("StartSMP", "SMP already in progress in state %s", c.State)
	}
	a2, err := group.RandomExponent(c.Rand)
	if err != nil {
		return nil, err
	}
	a3, err := group.RandomExponent(c.Rand)
	if err != nil {
		return nil, err
	}
	g2a, g3a := group.ExpG1(a2), group.ExpG1(a3)
	c2, d2, err := proveKnowledge(c.Rand, versionProveA2, a2)
	if err != nil {
		return nil, err
	}
	c3, d3, err := proveKnowledge(c.Rand, versionProveA3, a3)
	if err != nil {
		return nil, err
	}

	*c = Context{Rand: c.Rand, Initiator: true, secret: secret, a2: a2, a3: a3, g2a: g2a, g3a: g3a, State: StateExpect2}
	return &SMP1{G2a: g2a, G3a: g3a, C2: c2, D2: d2, C3: c3, D3: d3}, nil
}

// HandleSMP1 verifies an incoming SMP1 and produces SMP2 as the responder.
func (c *Context) HandleSMP1(m *SMP1, secret *big.Int) (*SMP2, error) {
	if !c.idle() {
		return nil, errs.StateError("HandleSMP1", "SMP already in progress in state %s", c.State)
	}
	if err := checkElements(m.G2a, m.G3a); err != nil {
		c.State = StateCheated
		return nil, err
	}
	if !verifyKnowledge(versionProveA2, m.C2, m.D2, m.G2a) || !verifyKnowledge(versionProveA3, m.C3, m.D3, m.G3a) {
		c.State = StateCheated
		return nil, errs.CryptoError("HandleSMP1", "bad knowledge proof")
	}

	b2, err := group.RandomExponent(c.Rand)
	if err != nil {
		return nil, err
	}
	b3, err := group.RandomExponent(c.Rand)
	if err != nil {
		return nil, err
	}
	g2b, g3b := group.ExpG1(b2), group.ExpG1(b3)
	cb2, db2, err := proveKnowledge(c.Rand, versionProveB2, b2)
	if err != nil {
		return nil, err
	}
	cb3, db3, err := proveKnowledge(c.Rand, versionProveB3, b3)
	if err != nil {
		return nil, err
	}

	g2 := group.Exp(m.G2a, b2)
	g3 := group.Exp(m.G3a, b3)
	r, err := group.RandomExponent(c.Rand)
	if err != nil {
		return nil, err
	}
	pb := group.Exp(g3, r)
	qb := mulMod(group.ExpG1(r), group.Exp(g2, secret))
	cp, d5, d6, err := proveRepresentation(c.Rand, versionProveRB, g2, g3, r, secret)
	if err != nil {
		return nil, err
	}

	*c = Context{
		Rand: c.Rand, Initiator: false, secret: secret,
		b2: b2, b3: b3, g2a: m.G2a, g3a: m.G3a, g2b: g2b, g3b: g3b,
		g2: g2, g3: g3, r: r, pb: pb, qb: qb, State: StateExpect3,
	}
	return &SMP2{G2b: g2b, G3b: g3b, C2: cb2, D2: db2, C3: cb3, D3: db3, Pb: pb, Qb: qb, Cp: cp, D5: d5, D6: d6}, nil
}

// HandleSMP2 verifies an incoming SMP2 and produces SMP3 as the initiator.
func (c *Context) HandleSMP2(m *SMP2) (*SMP3, error) {
	if c.State != StateExpect2 {
		c.State = StateCheated
		return nil, errs.StateError("HandleSMP2", "unexpected SMP2 in state %s", c.State)
	}
	if err := checkElements(m.G2b, m.G3b, m.Pb, m.Qb); err != nil {
		c.State = StateCheated
		return nil, err
	}
	if !verifyKnowledge(versionProveB2, m.C2, m.D2, m.G2b) || !verifyKnowledge(versionProveB3, m.C3, m.D3, m.G3b) {
		c.State = StateCheated
		return nil, errs.CryptoError("HandleSMP2", "bad knowledge proof")
	}
	g2 := group.Exp(m.G2b, c.a2)
	g3 := group.Exp(m.G3b, c.a3)
	if !verifyRepresentation(versionProveRB, g2, g3, m.Pb, m.Qb, m.Cp, m.D5, m.D6) {
		c.State = StateCheated
		return nil, errs.CryptoError("HandleSMP2", "bad representation proof")
	}

	r, err := group.RandomExponent(c.Rand)
	if err != nil {
		return nil, err
	}
	pa := group.Exp(g3, r)
	qa := mulMod(group.ExpG1(r), group.Exp(g2, c.secret))
	cp, d5, d6, err := proveRepresentation(c.Rand, versionProveRA, g2, g3, r, c.secret)
	if err != nil {
		return nil, err
	}

	h := mulMod(qa, modInverse(m.Qb))
	ra := group.Exp(h, c.a3)
	cr, d7, err := proveEquality(c.Rand, versionEqualityA, h, c.a3)
	if err != nil {
		return nil, err
	}

	c.g2, c.g3 = g2, g3
	c.g2b, c.g3b, c.pb, c.qb = m.G2b, m.G3b, m.Pb, m.Qb
	c.r, c.pa, c.qa = r, pa, qa
	c.State = StateExpect4
	return &SMP3{Pa: pa, Qa: qa, Cp: cp, D5: d5, D6: d6, Ra: ra, Cr: cr, D7: d7}, nil
}

// HandleSMP3 verifies an incoming SMP3, resolves the match as the
// responder, and produces SMP4.
func (c *Context) HandleSMP3(m *SMP3) (*SMP4, bool, error) {
	if c.State != StateExpect3 {
		c.State = StateCheated
		return nil, false, errs.StateError("HandleSMP3", "unexpected SMP3 in state %s", c.State)
	}
	if err := checkElements(m.Pa, m.Qa, m.Ra); err != nil {
		c.State = StateCheated
		return nil, false, err
	}
	if !verifyRepresentation(versionProveRA, c.g2, c.g3, m.Pa, m.Qa, m.Cp, m.D5, m.D6) {
		c.State = StateCheated
		return nil, false, errs.CryptoError("HandleSMP3", "bad representation proof")
	}
	h := mulMod(m.Qa, modInverse(c.qb))
	if !verifyEquality(versionEqualityA, h, c.g3a, m.Ra, m.Cr, m.D7) {
		c.State = StateCheated
		return nil, false, errs.CryptoError("HandleSMP3", "bad equality proof")
	}

	rab := group.Exp(m.Ra, c.b3)
	paOverPb := mulMod(m.Pa, modInverse(c.pb))
	matched := rab.Cmp(paOverPb) == 0

	cr, d7, err := proveEquality(c.Rand, versionEqualityB, h, c.b3)
	if err != nil {
		return nil, false, err
	}
	rb := group.Exp(h, c.b3)

	if matched {
		c.State = StateSucceeded
	} else {
		c.State = StateFailed
	}
	return &SMP4{Rb: rb, Cr: cr, D7: d7}, matched, nil
}

// HandleSMP4 verifies the final SMP4 and resolves the match as the
// initiator.
func (c *Context) HandleSMP4(m *SMP4) (bool, error) {
	if c.State != StateExpect4 {
		c.State = StateCheated
		return false, errs.StateError("HandleSMP4", "unexpected SMP4 in state %s", c.State)
	}
	if err := checkElements(m.Rb); err != nil {
		c.State = StateCheated
		return false, err
	}
	h := mulMod(c.qa, modInverse(c.qb))
	if !verifyEquality(versionEqualityB, h, c.g3b, m.Rb, m.Cr, m.D7) {
		c.State = StateCheated
		return false, errs.CryptoError("HandleSMP4", "bad equality proof")
	}
	rab := group.Exp(m.Rb, c.a3)
	paOverPb := mulMod(c.pa, modInverse(c.pb))
	matched := rab.Cmp(paOverPb) == 0
	if matched {
		c.State = StateSucceeded
	} else {
		c.State = StateFailed
	}
	return matched, nil
}

// Abort resets the context to idle, as when an SMP-abort TLV arrives or a
// conflicting local request preempts an in-progress run. A fresh
// StartSMP/HandleSMP1 is accepted immediately afterward (spec.md §9:
// SMP message ordering is tolerant).
func (c *Context) Abort() {
	*c = Context{Rand: c.Rand, State: StateExpect1}
}

func checkElements(elems ...*big.Int) error {
	for _, e := range elems {
		if err := group.CheckElement(e); err != nil {
			return err
		}
	}
	return nil
}

func mulMod(a, b *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Mul(a, b), group.P)
}

func modInverse(a *big.Int) *big.Int {
	return new(big.Int).ModInverse(a, group.P)
}

func subMod(a, b *big.Int) *big.Int {
	return new(big.Int).Mod(new(big.Int).Sub(a, b), group.Q)
}

// proveKnowledge produces a Schnorr proof of knowledge of x where gx = g1^x.
func proveKnowledge(rand io.Reader, version byte, x *big.Int) (c, d *big.Int, err error) {
	r, err := group.RandomExponent(rand)
	if err != nil {
		return nil, nil, err
	}
	t := group.ExpG1(r)
	c = new(big.Int).Mod(group.HashMPIs(version, t), group.Q)
	d = subMod(r, new(big.Int).Mul(x, c))
	return c, d, nil
}

func verifyKnowledge(version byte, c, d, gx *big.Int) bool {
	t := mulMod(group.ExpG1(d), group.Exp(gx, c))
	expected := new(big.Int).Mod(group.HashMPIs(version, t), group.Q)
	return expected.Cmp(c) == 0
}

// proveRepresentation proves knowledge of (r, secret) such that
// p = g3^r and q = g1^r * g2^secret.
func proveRepresentation(rand io.Reader, version byte, g2, g3, r, secret *big.Int) (c, d1, d2 *big.Int, err error) {
	r1, err := group.RandomExponent(rand)
	if err != nil {
		return nil, nil, nil, err
	}
	r2, err := group.RandomExponent(rand)
	if err != nil {
		return nil, nil, nil, err
	}
	t1 := group.Exp(g3, r1)
	t2 := mulMod(group.ExpG1(r1), group.Exp(g2, r2))
	c = new(big.Int).Mod(group.HashMPIs(version, t1, t2), group.Q)
	d1 = subMod(r1, new(big.Int).Mul(r, c))
	d2 = subMod(r2, new(big.Int).Mul(secret, c))
	return c, d1, d2, nil
}

func verifyRepresentation(version byte, g2, g3, p, q, c, d1, d2 *big.Int) bool {
	t1 := mulMod(group.Exp(g3, d1), group.Exp(p, c))
	t2 := mulMod(mulMod(group.ExpG1(d1), group.Exp(g2, d2)), group.Exp(q, c))
	expected := new(big.Int).Mod(group.HashMPIs(version, t1, t2), group.Q)
	return expected.Cmp(c) == 0
}

// proveEquality proves knowledge of x such that gx = g1^x and hy = h^x.
func proveEquality(rand io.Reader, version byte, h, x *big.Int) (c, d *big.Int, err error) {
	r, err := group.RandomExponent(rand)
	if err != nil {
		return nil, nil, err
	}
	t1 := group.ExpG1(r)
	t2 := group.Exp(h, r)
	c = new(big.Int).Mod(group.HashMPIs(version, t1, t2), group.Q)
	d = subMod(r, new(big.Int).Mul(x, c))
	return c, d, nil
}

func verifyEquality(version byte, h, gx, hy, c, d *big.Int) bool {
	t1 := mulMod(group.ExpG1(d), group.Exp(gx, c))
	t2 := mulMod(group.Exp(h, d), group.Exp(hy, c))
	expected := new(big.Int).Mod(group.HashMPIs(version, t1, t2), group.Q)
	return expected.Cmp(c) == 0
}
