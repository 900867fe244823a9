package escalation

import (
	"crypto/rand"
	"encoding/hex"
)

const tokenBytes = 32

// NewToken returns 256 bits of randomness, hex encoded. The token alone
// grants the right to claim an escalation.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
