// Package pii seals personally identifying fields before they are stored.
package pii

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
	"strings"

	"golang.org/x/crypto/hkdf"
)

// SealedPrefix marks values produced by Sealer.
const SealedPrefix = "enc:v1:"

const phoneKeyInfo = "giftexplain-demographics-phone"

var (
	// ErrNotSealed is returned by Open for values without SealedPrefix.
	ErrNotSealed = errors.New("value is not sealed")
	// ErrInvalidKey is returned for a master key that is not 32 hex-encoded bytes.
	ErrInvalidKey = errors.New("master key must be 64 hex characters")
)

// Sealer encrypts phone numbers with AES-256-GCM under a key derived from the
// master key with HKDF-SHA256.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewSealer creates a Sealer from a hex-encoded 32-byte master key.
func NewSealer(masterKeyHex string) (*Sealer, error) {
	masterKey, err := hex.DecodeString(strings.TrimSpace(masterKeyHex))
	if err != nil || len(masterKey) != 32 {
		return nil, ErrInvalidKey
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(phoneKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive phone key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead, rand: rand.Reader}, nil
}

// SealPhone encrypts phone. The empty string stays empty.
func (s *Sealer) SealPhone(phone string) (string, error) {
	if phone == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(phone), []byte(phoneKeyInfo))
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses SealPhone.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", errors.New("sealed value too short")
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], []byte(phoneKeyInfo))
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plain), nil
}

// IsSealed reports whether v was produced by a Sealer.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}

// Redactor keeps only the last four digits of a phone number. It is used when
// no master key is configured.
type Redactor struct{}

// SealPhone masks every digit except the last four.
func (Redactor) SealPhone(phone string) (string, error) {
	return Redact(phone), nil
}

// Redact masks every digit of v except the last four, keeping separators.
func Redact(v string) string {
	digits := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			if digits > 4 {
				r = '*'
			}
			digits--
		}
		b.WriteRune(r)
	}
	return b.String()
}
