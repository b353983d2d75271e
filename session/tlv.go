package session

import (
	"github.com/quietwire/otr-go/errs"
	"github.com/quietwire/otr-go/wire"
)

// TLV type tags (§4.5, §13).
const (
	TLVPadding     uint16 = 0
	TLVDisconnect  uint16 = 1
	TLVSMP1        uint16 = 2
	TLVSMP2        uint16 = 3
	TLVSMP3        uint16 = 4
	TLVSMP4        uint16 = 5
	TLVSMPAbort    uint16 = 6
	TLVSMP1Q       uint16 = 7
	TLVExtraSymKey uint16 = 8
)

// TLV is one type-length-value record appended to a plaintext fragment
// inside a DATA message (§4.5).
type TLV struct {
	Type  uint16
	Value []byte
}

// EncodeTLVs serializes a sequence of TLV records.
func EncodeTLVs(tlvs []TLV) []byte {
	w := wire.NewWriter()
	for _, t := range tlvs {
		w.Short(t.Type)
		w.Short(uint16(len(t.Value)))
		w.Raw(t.Value)
	}
	return w.Bytes()
}

// DecodeTLVs parses a sequence of TLV records from the tail of a
// decrypted DATA message payload.
func DecodeTLVs(buf []byte) ([]TLV, error) {
	r := wire.NewReader(buf)
	var out []TLV
	for r.Len() > 0 {
		typ, err := r.Short()
		if err != nil {
			return nil, errs.ProtocolError("DecodeTLVs", "read type: %v", err)
		}
		length, err := r.Short()
		if err != nil {
			return nil, errs.ProtocolError("DecodeTLVs", "read length: %v", err)
		}
		if r.Len() < int(length) {
			return nil, errs.ProtocolError("DecodeTLVs", "truncated TLV value")
		}
		value := append([]byte(nil), r.Remaining()[:length]...)
		// Advance the reader past the value we just copied.
		for i := uint16(0); i < length; i++ {
			if _, err := r.Byte(); err != nil {
				return nil, err
			}
		}
		out = append(out, TLV{Type: typ, Value: value})
	}
	return out, nil
}

// PaddingTLV builds a padding record of the requested value length,
// letting a caller round a plaintext fragment up to a fixed size.
func PaddingTLV(length int) TLV {
	return TLV{Type: TLVPadding, Value: make([]byte, length)}
}

// DisconnectTLV signals that the sender is tearing down the session.
func DisconnectTLV() TLV {
	return TLV{Type: TLVDisconnect}
}

// ExtraKeyTLV carries the caller-chosen context bytes that accompany a
// TLV type 8 "use the extra symmetric key" announcement.
func ExtraKeyTLV(context []byte) TLV {
	return TLV{Type: TLVExtraSymKey, Value: context}
}
