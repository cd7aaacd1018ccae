package broker

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"

	"order_pipeline/internal/core"
	apperrors "order_pipeline/pkg/errors"
)

// Cipher seals credential material with AES-256-GCM before it leaves
// process memory. The nonce is prepended to the ciphertext so a sealed
// blob is self-contained.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from the configured key: either 32 raw
// bytes or 64 hex characters.
func NewCipher(key string) (*Cipher, error) {
	raw := []byte(key)
	if len(key) == 64 {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, err, "encryption key is not valid hex")
		}
		raw = decoded
	}
	if len(raw) != 32 {
		return nil, apperrors.E(apperrors.ErrValidation, "encryption key must be 32 bytes, got %d", len(raw))
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts the credential set.
func (c *Cipher) Seal(creds core.Credentials) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob back into a credential set. Tampered or
// truncated blobs fail authentication.
func (c *Cipher) Open(blob []byte) (core.Credentials, error) {
	var creds core.Credentials
	if len(blob) < c.aead.NonceSize() {
		return creds, apperrors.E(apperrors.ErrValidation, "sealed credentials too short")
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return creds, apperrors.Wrap(apperrors.ErrValidation, err, "credential decryption failed")
	}
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return creds, err
	}
	return creds, nil
}
