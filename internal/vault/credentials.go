package vault

import (
	"context"
	"fmt"
)

// CredentialCiphertextStore is the persistence surface for encrypted
// credentials.
type CredentialCiphertextStore interface {
	Put(ctx context.Context, customerID, integrationType, ciphertext string) error
	Get(ctx context.Context, customerID, integrationType string) (string, error)
}

// Credentials combines the envelope service with ciphertext storage so
// callers only ever see plaintext in memory. Integration handlers fetch
// secrets through here when a tool executes.
type Credentials struct {
	store CredentialCiphertextStore
	svc   *Service
}

func NewCredentials(store CredentialCiphertextStore, svc *Service) *Credentials {
	return &Credentials{store: store, svc: svc}
}

// Store encrypts and persists a credential for a (customer,
// integration) pair, replacing any previous value.
func (c *Credentials) Store(ctx context.Context, customerID, integrationType string, plaintext []byte) error {
	ciphertext, err := c.svc.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	if err := c.store.Put(ctx, customerID, integrationType, ciphertext); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Fetch loads and decrypts a credential.
func (c *Credentials) Fetch(ctx context.Context, customerID, integrationType string) ([]byte, error) {
	ciphertext, err := c.store.Get(ctx, customerID, integrationType)
	if err != nil {
		return nil, err
	}
	return c.svc.Decrypt(ctx, ciphertext)
}
