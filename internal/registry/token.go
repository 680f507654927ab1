package registry

import (
	"crypto/rand"
	"encoding/base64"
)

const tokenBytes = 32

// GenerateToken returns a high-entropy opaque bearer token for a new agent.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
