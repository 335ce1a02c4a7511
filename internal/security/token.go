package security

import (
	"crypto/rand"
	"encoding/base64"
)

// NewSessionToken creates a cryptographically secure random session token
// (256 bits). The token is returned URL-safe base64 encoded so it can be
// stored in a cookie and embedded in a file name.
func NewSessionToken() (string, error) {
	randomBytes := make([]byte, 32)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
