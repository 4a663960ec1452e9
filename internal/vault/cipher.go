package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	keyInfo = "klear-broker credential vault v1"
)

var (
	ErrEmptySecret  = errors.New("vault secret must not be empty")
	ErrInvalidToken = errors.New("token length must be positive")

	envelopeEncoding = base64.StdEncoding.Strict()
)

// DecryptionError is returned for any envelope that cannot be opened:
// malformed encoding, wrong length, or a failed authentication tag.
type DecryptionError struct {
	Reason string
}

func (e *DecryptionError) Error() string {
	return "credential decryption failed: " + e.Reason
}

// IsDecryptionError reports whether err wraps a *DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// Cipher seals secrets with AES-256-GCM. The key is derived once from the
// configured secret and held only in memory.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the process key from secret with HKDF-SHA256.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext || tag). A fresh random nonce
// is drawn for every call.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopeEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. It never returns partial
// plaintext; every failure is a *DecryptionError.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	raw, err := envelopeEncoding.DecodeString(envelope)
	if err != nil {
		return "", &DecryptionError{Reason: "malformed envelope"}
	}
	if len(raw) < nonceSize+tagSize {
		return "", &DecryptionError{Reason: "envelope too short"}
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

// GenerateToken returns n random bytes hex encoded. Tokens are capability
// handles and are never used as key material.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidToken
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
