// Package vault encrypts stored third-party credentials with envelope
// encryption. Each secret gets its own random data key (DEK) used for
// AES-256-GCM, and only the small DEK is sent to the key-management
// backend for wrapping, never the payload itself.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Envelope serialization errors.
var (
	// ErrMalformedCiphertext means the stored value does not split into
	// the four expected hex fields.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
	// ErrTamperDetected means GCM authentication failed. The payload or
	// tag was modified at rest; no plaintext is ever returned.
	ErrTamperDetected = errors.New("tamper detected")
)

const (
	dekSize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce
	tagSize   = 16
)

// KeyWrapper wraps and unwraps data keys with a master key held
// elsewhere. Implementations must not log or retain the raw key bytes.
type KeyWrapper interface {
	WrapKey(ctx context.Context, dek []byte) ([]byte, error)
	UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Service encrypts and decrypts credential payloads.
type Service struct {
	wrapper KeyWrapper
}

func NewService(wrapper KeyWrapper) *Service {
	return &Service{wrapper: wrapper}
}

// Encrypt produces `hex(wrappedDEK):hex(nonce):hex(tag):hex(payload)`.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return "", fmt.Errorf("generate data key: %w", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	payload := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	wrapped, err := s.wrapper.WrapKey(ctx, dek)
	if err != nil {
		return "", fmt.Errorf("wrap data key: %w", err)
	}

	return strings.Join([]string{
		hex.EncodeToString(wrapped),
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(payload),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Any authentication failure surfaces as
// ErrTamperDetected; corrupted plaintext is never returned.
func (s *Service) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 4 {
		return nil, ErrMalformedCiphertext
	}

	fields := make([][]byte, 4)
	for i, part := range parts {
		raw, err := hex.DecodeString(part)
		if err != nil {
			return nil, ErrMalformedCiphertext
		}
		fields[i] = raw
	}
	wrapped, nonce, tag, payload := fields[0], fields[1], fields[2], fields[3]
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return nil, ErrMalformedCiphertext
	}

	dek, err := s.wrapper.UnwrapKey(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	sealed := append(append([]byte{}, payload...), tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrTamperDetected
	}
	return plaintext, nil
}

// TestConnection round-trips a canary through the full envelope path.
// Run at startup so key-management permission problems fail fast
// instead of at the first credential read.
func (s *Service) TestConnection(ctx context.Context) error {
	const canary = "vault-connectivity-check"

	ciphertext, err := s.Encrypt(ctx, []byte(canary))
	if err != nil {
		return fmt.Errorf("canary encrypt: %w", err)
	}
	plaintext, err := s.Decrypt(ctx, ciphertext)
	if err != nil {
		return fmt.Errorf("canary decrypt: %w", err)
	}
	if string(plaintext) != canary {
		return errors.New("canary mismatch after round-trip")
	}
	return nil
}
