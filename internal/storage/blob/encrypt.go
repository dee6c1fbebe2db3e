package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	encryptionMetadataKey = "clip-encryption"
	// the object key is bound as additional data so ciphertext cannot be moved between clips
	encryptionMethod = "aes-gcm+key"
)

var errCiphertextTooShort = errors.New("encrypted payload too short")

type sealer struct {
	aead cipher.AEAD
}

// newSealer returns nil when no key is configured.
func newSealer(raw string) (*sealer, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("storage.encryption_key must be base64: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("storage.encryption_key must decode to 16, 24 or 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: gcm}, nil
}

// seal returns nonce || ciphertext for plain, authenticated against objectKey.
func (s *sealer) seal(objectKey string, plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(objectKey)), nil
}

func (s *sealer) open(objectKey string, payload []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(payload) < n+s.aead.Overhead() {
		return nil, errCiphertextTooShort
	}
	return s.aead.Open(nil, payload[:n], payload[n:], []byte(objectKey))
}
