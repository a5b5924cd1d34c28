package transfer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	ivSize  = 12
	tagSize = 16
)

// Cipher seals and opens chunks with AES-256-GCM. Each sealed chunk carries
// its own random IV: `iv(12) || ciphertext || tag(16)`.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a chunk cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts one chunk and prefixes the IV.
func (c *Cipher) Seal(plain []byte) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	out := make([]byte, 0, ivSize+len(plain)+tagSize)
	out = append(out, iv...)
	return c.aead.Seal(out, iv, plain, nil), nil
}

// Open decrypts one framed chunk. Any truncation or tampering fails
// authentication and returns an error.
func (c *Cipher) Open(frame []byte) ([]byte, error) {
	if len(frame) < ivSize+tagSize {
		return nil, fmt.Errorf("chunk too short: %d bytes", len(frame))
	}
	plain, err := c.aead.Open(nil, frame[:ivSize], frame[ivSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt chunk: %w", err)
	}
	return plain, nil
}

// GenerateKey returns a fresh 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodeKey renders a key for the `#k=` URL fragment: base64url, no padding.
func EncodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DecodeKey parses a `#k=` fragment value.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
