// Package secret seals OAuth tokens before they are written to the database.
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

var ErrMalformed = errors.New("malformed sealed value")

// Sealer encrypts and decrypts short secrets stored at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// AEADSealer seals values with XChaCha20-Poly1305 and a random nonce per value.
type AEADSealer struct {
	aead cipher.AEAD
}

// NewAEADSealer builds a sealer from a 32-byte key.
func NewAEADSealer(key []byte) (*AEADSealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	return &AEADSealer{aead: aead}, nil
}

// NewAEADSealerFromBase64 decodes a standard base64 key and builds a sealer.
func NewAEADSealerFromBase64(encodedKey string) (*AEADSealer, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}

	return NewAEADSealer(key)
}

func (s *AEADSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (s *AEADSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrMalformed
	}

	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}

	if len(raw) < s.aead.NonceSize()+s.aead.Overhead() {
		return "", ErrMalformed
	}

	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}

	return string(plaintext), nil
}

// PlaintextSealer stores values unchanged. It is used when no key is configured.
type PlaintextSealer struct{}

func (PlaintextSealer) Seal(plaintext string) (string, error) { return plaintext, nil }

func (PlaintextSealer) Open(sealed string) (string, error) { return sealed, nil }
