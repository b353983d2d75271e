package group

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"testing"
)

func TestCheckElementBounds(t *testing.T) {
	tests := []struct {
		name string
		y    *big.Int
		ok   bool
	}{
		{"nil", nil, false},
		{"one", big.NewInt(1), false},
		{"two", big.NewInt(2), true},
		{"pMinus2", new(big.Int).Sub(P, big.NewInt(2)), true},
		{"pMinus1", new(big.Int).Sub(P, big.NewInt(1)), false},
		{"p", P, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckElement(tt.y)
			if (err == nil) != tt.ok {
				t.Fatalf("CheckElement(%v): err=%v, want ok=%v", tt.y, err, tt.ok)
			}
		})
	}
}

func TestCheckExponentBounds(t *testing.T) {
	tests := []struct {
		name string
		x    *big.Int
		ok   bool
	}{
		{"nil", nil, false},
		{"zero", big.NewInt(0), false},
		{"one", big.NewInt(1), true},
		{"qMinus1", new(big.Int).Sub(Q, big.NewInt(1)), true},
		{"q", Q, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckExponent(tt.x)
			if (err == nil) != tt.ok {
				t.Fatalf("CheckExponent(%v): err=%v, want ok=%v", tt.x, err, tt.ok)
			}
		})
	}
}

func TestRandomExponentInRange(t *testing.T) {
	for i := 0; i < 20; i++ {
		x, err := RandomExponent(rand.Reader)
		if err != nil {
			t.Fatalf("RandomExponent: %v", err)
		}
		if err := CheckExponent(x); err != nil {
			t.Fatalf("generated exponent out of range: %v", err)
		}
	}
}

func TestExpG1MatchesExp(t *testing.T) {
	x := big.NewInt(12345)
	if ExpG1(x).Cmp(Exp(G1, x)) != 0 {
		t.Fatal("ExpG1 should match Exp(G1, x)")
	}
}

func TestDiffieHellmanAgreement(t *testing.T) {
	a, err := RandomExponent(rand.Reader)
	if err != nil {
		t.Fatalf("RandomExponent: %v", err)
	}
	b, err := RandomExponent(rand.Reader)
	if err != nil {
		t.Fatalf("RandomExponent: %v", err)
	}
	A := ExpG1(a)
	B := ExpG1(b)
	sharedFromA := Exp(B, a)
	sharedFromB := Exp(A, b)
	if sharedFromA.Cmp(sharedFromB) != 0 {
		t.Fatal("DH agreement failed: shared secrets differ")
	}
}

func TestHashMPIsDeterministicAndDomainSeparated(t *testing.T) {
	a, b := big.NewInt(7), big.NewInt(9)
	h1 := HashMPIs(1, a, b)
	h2 := HashMPIs(1, a, b)
	if h1.Cmp(h2) != 0 {
		t.Fatal("HashMPIs should be deterministic")
	}
	h3 := HashMPIs(2, a, b)
	if h1.Cmp(h3) == 0 {
		t.Fatal("different version bytes should hash differently")
	}
}

func TestHashMPIsOrderSensitive(t *testing.T) {
	a, b := big.NewInt(7), big.NewInt(9)
	h1 := HashMPIs(1, a, b)
	h2 := HashMPIs(1, b, a)
	if bytes.Equal(h1.Bytes(), h2.Bytes()) {
		t.Fatal("HashMPIs should be sensitive to argument order")
	}
}
