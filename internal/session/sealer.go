package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// Sealer protects the stored booking password with AES-GCM so the shared
// store never holds it in the clear.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from a 16/24/32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts the plaintext and returns nonce+ciphertext as base64.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealedB64 string) (string, error) {
	buf, err := base64.RawStdEncoding.DecodeString(sealedB64)
	if err != nil {
		return "", err
	}
	nonceSize := s.aead.NonceSize()
	if len(buf) < nonceSize {
		return "", fmt.Errorf("session: sealed value too short")
	}
	plaintext, err := s.aead.Open(nil, buf[:nonceSize], buf[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
