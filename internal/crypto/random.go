// Package crypto provides random tokens and at-rest sealing of stored secrets.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandToken returns n random bytes encoded as unpadded base64url.
func RandToken(n int) (string, error) {
	b, err := RandBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
