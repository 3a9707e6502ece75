package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	apiKeyPrefix = "sa_"
	tokenPrefix  = "tk_"
	// keyBytes yields 256 bits of entropy per generated credential.
	keyBytes = 32
)

// NewAPIKey generates an opaque service-account key. The key is returned to
// the caller exactly once, at creation time.
func NewAPIKey() (string, error) {
	return generateKey(apiKeyPrefix)
}

// NewTokenKey generates an opaque user bearer token.
func NewTokenKey() (string, error) {
	return generateKey(tokenPrefix)
}

func generateKey(prefix string) (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("identity: generate key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
