package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/cloudkms/v1"

	"seatgate/internal/config"
)

// NewWrapper builds the key-management backend selected by the config.
func NewWrapper(ctx context.Context, cfg config.VaultConfig) (KeyWrapper, error) {
	switch cfg.Backend {
	case "cloudkms":
		return NewCloudKMSWrapper(ctx, cfg)
	case "memory":
		return NewMemoryWrapper(cfg.MasterKeyHex)
	default:
		return nil, fmt.Errorf("unknown vault backend %q", cfg.Backend)
	}
}

// CloudKMSWrapper wraps data keys with a Google Cloud KMS crypto key.
// Only the DEK crosses the wire; payloads stay local.
type CloudKMSWrapper struct {
	svc     *cloudkms.Service
	keyName string
	timeout time.Duration
}

func NewCloudKMSWrapper(ctx context.Context, cfg config.VaultConfig) (*CloudKMSWrapper, error) {
	svc, err := cloudkms.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("init cloud kms client: %w", err)
	}
	return &CloudKMSWrapper{
		svc:     svc,
		keyName: cfg.KeyName,
		timeout: cfg.CallTimeout,
	}, nil
}

func (w *CloudKMSWrapper) WrapKey(ctx context.Context, dek []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.svc.Projects.Locations.KeyRings.CryptoKeys.
		Encrypt(w.keyName, &cloudkms.EncryptRequest{
			Plaintext: base64.StdEncoding.EncodeToString(dek),
		}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("kms encrypt: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(resp.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode kms ciphertext: %w", err)
	}
	return wrapped, nil
}

func (w *CloudKMSWrapper) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.svc.Projects.Locations.KeyRings.CryptoKeys.
		Decrypt(w.keyName, &cloudkms.DecryptRequest{
			Ciphertext: base64.StdEncoding.EncodeToString(wrapped),
		}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	dek, err := base64.StdEncoding.DecodeString(resp.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("decode kms plaintext: %w", err)
	}
	return dek, nil
}

// MemoryWrapper wraps data keys with a local AES-256-GCM master key.
// Intended for development and tests only; the master key lives in
// process memory and offers none of the audit or rotation guarantees a
// real key-management service provides.
type MemoryWrapper struct {
	gcm cipher.AEAD
}

// NewMemoryWrapper seeds the wrapper from a hex-encoded 256-bit master
// key. An empty seed generates a random ephemeral key, which makes
// previously wrapped DEKs unrecoverable across restarts.
func NewMemoryWrapper(masterKeyHex string) (*MemoryWrapper, error) {
	var master []byte
	if masterKeyHex == "" {
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
	} else {
		var err error
		master, err = hex.DecodeString(masterKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		if len(master) != 32 {
			return nil, errors.New("master key must be 32 bytes")
		}
	}

	block, err := aes.NewCipher(master)
	if err != nil {
		return nil, fmt.Errorf("init master cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init master gcm: %w", err)
	}
	return &MemoryWrapper{gcm: gcm}, nil
}

func (w *MemoryWrapper) WrapKey(_ context.Context, dek []byte) ([]byte, error) {
	nonce := make([]byte, w.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate wrap nonce: %w", err)
	}
	return w.gcm.Seal(nonce, nonce, dek, nil), nil
}

func (w *MemoryWrapper) UnwrapKey(_ context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) < w.gcm.NonceSize() {
		return nil, errors.New("wrapped key too short")
	}
	nonce, sealed := wrapped[:w.gcm.NonceSize()], wrapped[w.gcm.NonceSize():]
	dek, err := w.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	return dek, nil
}
