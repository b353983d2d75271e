// Package group implements the 1536-bit prime-order subgroup arithmetic
// shared by the OTRv2/v3 AKE (package ake) and the v3 SMP engine
// (package smp): the fixed prime p, its order-q subgroup, the generator
// g1, and the range checks both protocols require on every received
// group element and exponent (§4.3, §4.4).
package group

import (
	"crypto/sha256"
	"math/big"

	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/wire"
)

// P is the 1536-bit MODP prime used by OTR's DH-1536 (RFC 3526 Group 5).
var P, _ = new(big.Int).SetString(""+
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD"+
	"129024E088A67CC74020BBEA63B139B22514A08798E3404"+
	"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C"+
	"245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406"+
	"B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE"+
	"45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD"+
	"24CF5F83655D23DCA3AD961C62F356208552BB9ED529077"+
	"096966D670C354E4ABC9804F1746C08CA18217C32905E46"+
	"2E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF"+
	"06F4C52C9DE2BCBF6955817183995497CEA956AE515D226"+
	"1898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

// Q is the order of the prime-order subgroup, (P-1)/2.
var Q = new(big.Int).Rsh(new(big.Int).Sub(P, big.NewInt(1)), 1)

// G1 is the subgroup generator used by both the AKE and SMP.
var G1 = big.NewInt(2)

var two = big.NewInt(2)

// pMinus2 is the upper bound for a valid group element: 2 ≤ y ≤ p-2.
var pMinus2 = new(big.Int).Sub(P, two)

// CheckElement validates a received group element per §4.3/§4.4:
// 2 ≤ y ≤ p-2.
func CheckElement(y *big.Int) error {
	if y == nil || y.Cmp(two) < 0 || y.Cmp(pMinus2) > 0 {
		return errs.CryptoError("group.CheckElement", "group element out of range")
	}
	return nil
}

// CheckExponent validates a received scalar per §4.4: 1 ≤ x < q.
func CheckExponent(x *big.Int) error {
	one := big.NewInt(1)
	if x == nil || x.Cmp(one) < 0 || x.Cmp(Q) >= 0 {
		return errs.CryptoError("group.CheckExponent", "exponent out of range")
	}
	return nil
}

// RandomExponent draws a uniform exponent in [1, q) using the given
// random source (injectable for deterministic tests, per spec.md §9).
func RandomExponent(rand interface{ Read([]byte) (int, error) }) (*big.Int, error) {
	// Reduce 192 random bytes (> the 1536-bit modulus) mod (q-1), then add
	// 1, so the result lands in [1, q) with negligible bias.
	buf := make([]byte, 192)
	for {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		x := new(big.Int).SetBytes(buf)
		qMinus1 := new(big.Int).Sub(Q, big.NewInt(1))
		x.Mod(x, qMinus1)
		x.Add(x, big.NewInt(1))
		if err := CheckExponent(x); err == nil {
			return x, nil
		}
	}
}

// ExpG1 computes g1^x mod p.
func ExpG1(x *big.Int) *big.Int {
	return new(big.Int).Exp(G1, x, P)
}

// Exp computes base^x mod p.
func Exp(base, x *big.Int) *big.Int {
	return new(big.Int).Exp(base, x, P)
}

// HashMPIs computes SHA-256 over a version byte followed by the
// MPI-encoding of each element, the transcript-hash shape SMP's proofs
// use for their Schnorr-style challenges (§4.4: "c = H(version_byte, t1,
// [t2])").
func HashMPIs(version byte, elems ...*big.Int) *big.Int {
	h := sha256.New()
	h.Write([]byte{version})
	w := wire.NewWriter()
	for _, e := range elems {
		w.MPI(e)
	}
	h.Write(w.Bytes())
	return new(big.Int).SetBytes(h.Sum(nil))
}
