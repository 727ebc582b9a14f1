package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// randomHex returns n random bytes hex-encoded. Falls back to a time-based
// value only if the system entropy source fails.
func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}

// randomToken returns n random bytes as unpadded URL-safe base64, the
// encoding shared by CSRF tokens, OAuth state values, and PKCE verifiers.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
