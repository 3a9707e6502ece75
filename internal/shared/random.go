package shared

import (
	"crypto/rand"
	"encoding/base64"
)

// NewStateToken mints an opaque single-use token for OAuth state binding.
func NewStateToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
