package eip3009

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// NewNonce returns 32 bytes from crypto/rand as a 0x-prefixed hex string.
func NewNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random nonce: %w", err)
	}
	return hexutil.Encode(buf), nil
}
