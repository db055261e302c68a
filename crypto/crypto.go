// Package crypto seals OAuth tokens at rest with AES-256-GCM. Stored values
// carry a version number so plaintext rows written before a key was configured
// stay readable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Storage versions.
const (
	VersionPlain  = 0
	VersionAESGCM = 1
)

// ErrNoKey is returned when an encrypted value is read without a key.
var ErrNoKey = errors.New("crypto: value is encrypted but ENCRYPTION_KEY is not configured")

// Encryptor is an authenticated cipher.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor with AES-256-GCM. Output is
// nonce || ciphertext || tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}
	n := e.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n, len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		// Don't expose internal error details
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// Box seals strings for storage. A Box without a key passes values through
// and marks them VersionPlain.
type Box struct {
	enc Encryptor
}

// NewBox builds a Box from a base64 key; an empty key gives a plaintext Box.
func NewBox(base64Key string) (*Box, error) {
	if base64Key == "" {
		return &Box{}, nil
	}
	enc, err := NewAESEncryptor(base64Key)
	if err != nil {
		return nil, err
	}
	return &Box{enc: enc}, nil
}

// Enabled reports whether values are encrypted.
func (b *Box) Enabled() bool { return b != nil && b.enc != nil }

// Version is the storage version Seal produces.
func (b *Box) Version() int {
	if b.Enabled() {
		return VersionAESGCM
	}
	return VersionPlain
}

// Seal encrypts s and base64-encodes it. Empty strings stay empty.
func (b *Box) Seal(s string) (string, error) {
	if !b.Enabled() || s == "" {
		return s, nil
	}
	ct, err := b.enc.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Open reverses Seal for a value stored with the given version.
func (b *Box) Open(s string, version int) (string, error) {
	if version == VersionPlain || s == "" {
		return s, nil
	}
	if version != VersionAESGCM {
		return "", fmt.Errorf("crypto: unknown storage version %d", version)
	}
	if !b.Enabled() {
		return "", ErrNoKey
	}
	ct, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := b.enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
