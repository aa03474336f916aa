package wire

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrAuthFailed is returned when a peer's handshake MAC does not
// validate (spec §7 "Protocol" kind — terminates the connection).
var ErrAuthFailed = errors.New("wire: handshake authentication failed")

// NewNonce returns a fresh cryptographically random nonce, single-use
// per connection direction (spec §6).
func NewNonce() ([]byte, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("wire: generating nonce: %w", err)
	}
	return b, nil
}

// ComputeMAC is HMAC-SHA256(sharedSecret, nonce ‖ nodeID), as spec §6
// specifies for handshake authentication.
func ComputeMAC(sharedSecret, nonce []byte, nodeID string) []byte {
	m := hmac.New(sha256.New, sharedSecret)
	m.Write(nonce)
	m.Write([]byte(nodeID))
	return m.Sum(nil)
}

// VerifyMAC reports whether mac is the correct HMAC for (nonce, nodeID)
// under sharedSecret, using constant-time comparison.
func VerifyMAC(sharedSecret, nonce []byte, nodeID string, mac []byte) bool {
	return hmac.Equal(ComputeMAC(sharedSecret, nonce, nodeID), mac)
}
