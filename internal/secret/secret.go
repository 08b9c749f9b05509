// Package secret encrypts credentials before they reach the durable store.
// Values are sealed with XChaCha20-Poly1305 under a key derived from the
// configured encryption secret; plaintext tokens exist only in memory at the
// point of use.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrInvalidCiphertext = errors.New("secret: invalid ciphertext")

// Box seals and opens credential strings.
type Box struct {
	key [chacha20poly1305.KeySize]byte
}

// NewBox derives the sealing key from the configured secret string.
func NewBox(encryptionSecret string) (*Box, error) {
	if strings.TrimSpace(encryptionSecret) == "" {
		return nil, errors.New("secret: encryption secret is required")
	}
	b := &Box{key: sha256.Sum256([]byte(encryptionSecret))}
	return b, nil
}

// Seal encrypts plaintext and returns a base64 string safe to persist.
func (b *Box) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", fmt.Errorf("secret: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", fmt.Errorf("secret: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}
