package crypto

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for stretching the configured seal passphrase.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

const (
	keyLen       = chacha20poly1305.KeySize
	sealedPrefix = "v1:"
)

// ErrSealed is returned when a sealed value cannot be opened.
var ErrSealed = errors.New("sealed value is malformed or was sealed with another key")

// Sealer encrypts short secrets with XChaCha20-Poly1305 under a key derived
// from a passphrase. Output is "v1:" + base64(nonce || ciphertext).
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a purpose-bound key from passphrase.
// Different purposes yield independent keys from the same passphrase.
func NewSealer(passphrase []byte, purpose string) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty seal passphrase")
	}
	salt := sha256.Sum256([]byte("neodb-bridge/seal"))
	master := argon2.IDKey(passphrase, salt[:], argonTime, argonMemory, argonThreads, keyLen)

	key := make([]byte, keyLen)
	if _, err := hkdf.New(sha256.New, master, nil, []byte(purpose)).Read(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad.
func (s *Sealer) Seal(plaintext, aad string) (string, error) {
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, []byte(plaintext), []byte(aad))
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (s *Sealer) Open(sealed, aad string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrSealed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX {
		return "", ErrSealed
	}
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	pt, err := s.aead.Open(nil, nonce, ct, []byte(aad))
	if err != nil {
		return "", ErrSealed
	}
	return string(pt), nil
}

// IsSealed reports whether v looks like Seal output.
func IsSealed(v string) bool { return strings.HasPrefix(v, sealedPrefix) }
