package fragment

import (
	"strings"
	"testing"

	"github.com/quietwire/otr-go/wire"
)

func TestFragmentAndReassembleV3(t *testing.T) {
	encoded := wire.EncodeEncodedMessage([]byte(strings.Repeat("x", 200)))
	pieces, err := Fragment(3, encoded, 60, 0xaabbccdd, 0x11223344)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(pieces) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(pieces))
	}

	asm := NewAssembler()
	var result *Result
	for _, p := range pieces {
		r, err := asm.Accumulate(p, 0x11223344)
		if err != nil {
			t.Fatalf("Accumulate: %v", err)
		}
		if r != nil {
			result = r
		}
	}
	if result == nil || string(result.Complete) != string(encoded) {
		t.Fatalf("reassembled message mismatch: got %+v", result)
	}
}

func TestFragmentAndReassembleV4(t *testing.T) {
	encoded := wire.EncodeEncodedMessage([]byte(strings.Repeat("y", 300)))
	pieces, err := Fragment(4, encoded, 80, 1, 2)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}

	asm := NewAssembler()
	var result *Result
	for _, p := range pieces {
		r, err := asm.Accumulate(p, 0)
		if err != nil {
			t.Fatalf("Accumulate: %v", err)
		}
		if r != nil {
			result = r
		}
	}
	if result == nil || string(result.Complete) != string(encoded) {
		t.Fatal("v4 reassembly mismatch")
	}
}

func TestFragmentSingleMessageFitsInOnePiece(t *testing.T) {
	encoded := wire.EncodeEncodedMessage([]byte("short"))
	pieces, err := Fragment(3, encoded, 200, 1, 2)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(pieces) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(pieces))
	}
}

func TestFragmentRejectsNonEncodedInput(t *testing.T) {
	if _, err := Fragment(3, []byte("plaintext"), 20, 1, 2); err == nil {
		t.Fatal("expected error fragmenting plaintext")
	}
}

func TestFragmentRejectsRefragmenting(t *testing.T) {
	encoded := wire.EncodeEncodedMessage([]byte(strings.Repeat("z", 100)))
	pieces, err := Fragment(3, encoded, 40, 1, 2)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if _, err := Fragment(3, []byte(pieces[0]), 20, 1, 2); err == nil {
		t.Fatal("expected error re-fragmenting an already-fragmented piece")
	}
}

func TestAccumulateRejectsOutOfOrderFragment(t *testing.T) {
	encoded := wire.EncodeEncodedMessage([]byte(strings.Repeat("w", 200)))
	pieces, err := Fragment(3, encoded, 50, 1, 2)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(pieces) < 3 {
		t.Fatalf("need at least 3 fragments for this test, got %d", len(pieces))
	}
	asm := NewAssembler()
	if _, err := asm.Accumulate(pieces[0], 0); err != nil {
		t.Fatalf("Accumulate first: %v", err)
	}
	if _, err := asm.Accumulate(pieces[2], 0); err == nil {
		t.Fatal("expected error skipping a fragment")
	}
}

func TestAccumulateDropsUnknownReceiverTag(t *testing.T) {
	encoded := wire.EncodeEncodedMessage([]byte("hello"))
	pieces, err := Fragment(3, encoded, 200, 1, 0xdeadbeef)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	asm := NewAssembler()
	r, err := asm.Accumulate(pieces[0], 0x12345678)
	if err != nil {
		t.Fatalf("Accumulate: %v", err)
	}
	if r == nil || !r.Unknown {
		t.Fatal("expected Unknown result for mismatched receiver tag")
	}
}

func TestAccumulateInterleavedSendersDoNotCollide(t *testing.T) {
	encA := wire.EncodeEncodedMessage([]byte(strings.Repeat("a", 100)))
	encB := wire.EncodeEncodedMessage([]byte(strings.Repeat("b", 100)))
	piecesA, err := Fragment(3, encA, 40, 0x01, 0x99)
	if err != nil {
		t.Fatalf("Fragment A: %v", err)
	}
	piecesB, err := Fragment(3, encB, 40, 0x02, 0x99)
	if err != nil {
		t.Fatalf("Fragment B: %v", err)
	}

	asm := NewAssembler()
	var resultA, resultB *Result
	max := len(piecesA)
	if len(piecesB) > max {
		max = len(piecesB)
	}
	for i := 0; i < max; i++ {
		if i < len(piecesA) {
			r, err := asm.Accumulate(piecesA[i], 0)
			if err != nil {
				t.Fatalf("Accumulate A: %v", err)
			}
			if r != nil {
				resultA = r
			}
		}
		if i < len(piecesB) {
			r, err := asm.Accumulate(piecesB[i], 0)
			if err != nil {
				t.Fatalf("Accumulate B: %v", err)
			}
			if r != nil {
				resultB = r
			}
		}
	}
	if resultA == nil || string(resultA.Complete) != string(encA) {
		t.Fatal("message A reassembly corrupted by interleaving")
	}
	if resultB == nil || string(resultB.Complete) != string(encB) {
		t.Fatal("message B reassembly corrupted by interleaving")
	}
}
