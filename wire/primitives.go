// Package wire implements the OTR binary wire format: the fixed-width and
// variable-length primitives (§4.1), the message encodings built from
// them, and the text framings (query tag, whitespace tag, error message,
// fragment, base64-wrapped encoded message) that appear on a single line
// of the host transport.
package wire

import (
	"crypto/dsa"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/quietwire/otr-go/errs"
)

// MaxDataLen is the largest decoded length a DATA primitive may declare
// (2^31 - 8, per §4.1); anything larger is a length-too-large parse failure.
const MaxDataLen = (1 << 31) - 8

// Reader walks a byte slice left to right, decoding OTR binary primitives.
// It never panics: every method reports an error on short input.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential primitive decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the undecoded tail of the buffer.
func (r *Reader) Remaining() []byte {
	return r.buf[r.pos:]
}

// Len reports how many bytes are left to read.
func (r *Reader) Len() int {
	return len(r.buf) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.Len() < n {
		return nil, errs.ProtocolError("wire.take", "need %d bytes, have %d", n, r.Len())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Byte reads a 1-byte BYTE primitive.
func (r *Reader) Byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, fmt.Errorf("read BYTE: %w", err)
	}
	return b[0], nil
}

// Short reads a 2-byte SHORT primitive.
func (r *Reader) Short() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, fmt.Errorf("read SHORT: %w", err)
	}
	return binary.BigEndian.Uint16(b), nil
}

// Int reads a 4-byte INT primitive.
func (r *Reader) Int() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, fmt.Errorf("read INT: %w", err)
	}
	return binary.BigEndian.Uint32(b), nil
}

// Long reads an 8-byte LONG primitive.
func (r *Reader) Long() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, fmt.Errorf("read LONG: %w", err)
	}
	return binary.BigEndian.Uint64(b), nil
}

// CTR reads the 8-byte counter prefix of a DATA message.
func (r *Reader) CTR() ([8]byte, error) {
	var out [8]byte
	b, err := r.take(8)
	if err != nil {
		return out, fmt.Errorf("read CTR: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// MAC reads a 20-byte v2/v3 MAC.
func (r *Reader) MAC() ([20]byte, error) {
	var out [20]byte
	b, err := r.take(20)
	if err != nil {
		return out, fmt.Errorf("read MAC: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// MAC4 reads a 64-byte v4 MAC.
func (r *Reader) MAC4() ([64]byte, error) {
	var out [64]byte
	b, err := r.take(64)
	if err != nil {
		return out, fmt.Errorf("read MAC-OTR4: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// SSID reads the 8-byte session identifier.
func (r *Reader) SSID() ([8]byte, error) {
	var out [8]byte
	b, err := r.take(8)
	if err != nil {
		return out, fmt.Errorf("read SSID: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// Nonce reads a 24-byte v4 nonce.
func (r *Reader) Nonce() ([24]byte, error) {
	var out [24]byte
	b, err := r.take(24)
	if err != nil {
		return out, fmt.Errorf("read NONCE: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// Data reads a DATA primitive: an INT length prefix followed by that many
// bytes. A declared length above MaxDataLen is a parse failure.
func (r *Reader) Data() ([]byte, error) {
	n, err := r.Int()
	if err != nil {
		return nil, fmt.Errorf("read DATA length: %w", err)
	}
	if n > MaxDataLen {
		return nil, errs.ProtocolError("wire.Data", "length-too-large: %d", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, fmt.Errorf("read DATA body: %w", err)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// MPI reads an MPI primitive: an INT length followed by an unsigned
// big-endian magnitude, and returns it as a *big.Int.
func (r *Reader) MPI() (*big.Int, error) {
	b, err := r.Data()
	if err != nil {
		return nil, fmt.Errorf("read MPI: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}

// DHPub reads a DH public key, which on the wire is a bare MPI.
func (r *Reader) DHPub() (*big.Int, error) {
	y, err := r.MPI()
	if err != nil {
		return nil, fmt.Errorf("read DH-PUBKEY: %w", err)
	}
	return y, nil
}

// DSAPub reads a DSA-PUBKEY: SHORT type=0 followed by MPIs p, q, g, y.
func (r *Reader) DSAPub() (*dsa.PublicKey, error) {
	typ, err := r.Short()
	if err != nil {
		return nil, fmt.Errorf("read DSA-PUBKEY type: %w", err)
	}
	if typ != 0 {
		return nil, errs.ProtocolError("wire.DSAPub", "unknown DSA pubkey type %d", typ)
	}
	p, err := r.MPI()
	if err != nil {
		return nil, fmt.Errorf("read DSA p: %w", err)
	}
	q, err := r.MPI()
	if err != nil {
		return nil, fmt.Errorf("read DSA q: %w", err)
	}
	g, err := r.MPI()
	if err != nil {
		return nil, fmt.Errorf("read DSA g: %w", err)
	}
	y, err := r.MPI()
	if err != nil {
		return nil, fmt.Errorf("read DSA y: %w", err)
	}
	return &dsa.PublicKey{
		Parameters: dsa.Parameters{P: p, Q: q, G: g},
		Y:          y,
	}, nil
}

// Ed448Point reads a 57-byte v4 Ed448/X448 encoded point.
func (r *Reader) Ed448Point() ([57]byte, error) {
	var out [57]byte
	b, err := r.take(57)
	if err != nil {
		return out, fmt.Errorf("read Ed448-POINT: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// Ed448Scalar reads a 57-byte v4 scalar.
func (r *Reader) Ed448Scalar() ([57]byte, error) {
	var out [57]byte
	b, err := r.take(57)
	if err != nil {
		return out, fmt.Errorf("read Ed448-SCALAR: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// Ed448Sig reads a 114-byte v4 Ed448 signature.
func (r *Reader) Ed448Sig() ([114]byte, error) {
	var out [114]byte
	b, err := r.take(114)
	if err != nil {
		return out, fmt.Errorf("read Ed448-SIG: %w", err)
	}
	copy(out[:], b)
	return out, nil
}

// Fingerprint reads an n-byte fingerprint (20 for v2/v3, 56 for v4).
func (r *Reader) Fingerprint(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, fmt.Errorf("read FINGERPRINT: %w", err)
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Writer accumulates OTR binary primitives into a byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Byte appends a BYTE.
func (w *Writer) Byte(b byte) *Writer {
	w.buf = append(w.buf, b)
	return w
}

// Short appends a SHORT.
func (w *Writer) Short(v uint16) *Writer {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// Int appends an INT.
func (w *Writer) Int(v uint32) *Writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// Long appends a LONG.
func (w *Writer) Long(v uint64) *Writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

// Raw appends raw bytes with no length prefix (CTR/MAC/SSID/NONCE/points).
func (w *Writer) Raw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Data appends a DATA primitive.
func (w *Writer) Data(b []byte) *Writer {
	w.Int(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// MPI appends an MPI primitive with minimal unsigned encoding.
func (w *Writer) MPI(n *big.Int) *Writer {
	if n == nil || n.Sign() == 0 {
		return w.Data(nil)
	}
	return w.Data(n.Bytes())
}

// DHPub appends a DH public key (a bare MPI).
func (w *Writer) DHPub(y *big.Int) *Writer {
	return w.MPI(y)
}

// DSAPub appends a DSA-PUBKEY.
func (w *Writer) DSAPub(pub *dsa.PublicKey) *Writer {
	w.Short(0)
	w.MPI(pub.P)
	w.MPI(pub.Q)
	w.MPI(pub.G)
	w.MPI(pub.Y)
	return w
}
