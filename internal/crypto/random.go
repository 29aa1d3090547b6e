package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// TokenBytes is the entropy, in bytes, of every generated token. 32 bytes
// keeps identifiers well above the 128-bit unguessability floor.
const TokenBytes = 32

// GenerateSecureToken creates a cryptographically secure random token.
// The result is unpadded base64url, safe for cookie values, URL query
// parameters and storage keys alike.
func GenerateSecureToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
