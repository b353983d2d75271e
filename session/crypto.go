package session

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// aesCTR runs AES-128-CTR with an IV formed from the 8-byte OTR counter
// followed by eight zero bytes (§4.5).
func aesCTR(key []byte, counter [8]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	var iv [16]byte
	copy(iv[:8], counter[:])
	stream := cipher.NewCTR(block, iv[:])
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}
