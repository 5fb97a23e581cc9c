package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatgate/internal/store"
)

type memoryCredentialStore struct {
	values map[string]string
}

func (m *memoryCredentialStore) Put(_ context.Context, customerID, integrationType, ciphertext string) error {
	m.values[customerID+"/"+integrationType] = ciphertext
	return nil
}

func (m *memoryCredentialStore) Get(_ context.Context, customerID, integrationType string) (string, error) {
	ciphertext, ok := m.values[customerID+"/"+integrationType]
	if !ok {
		return "", store.ErrNotFound
	}
	return ciphertext, nil
}

func TestCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := &memoryCredentialStore{values: make(map[string]string)}
	creds := NewCredentials(mem, newTestService(t))

	secret := []byte(`{"token":"glpat-abc123"}`)
	require.NoError(t, creds.Store(ctx, "cust-1", "gitlab", secret))

	// Only ciphertext is persisted.
	stored := mem.values["cust-1/gitlab"]
	assert.NotContains(t, stored, "glpat-abc123")

	plaintext, err := creds.Fetch(ctx, "cust-1", "gitlab")
	require.NoError(t, err)
	assert.Equal(t, secret, plaintext)

	// Re-storing replaces the previous ciphertext.
	require.NoError(t, creds.Store(ctx, "cust-1", "gitlab", []byte("rotated")))
	plaintext, err = creds.Fetch(ctx, "cust-1", "gitlab")
	require.NoError(t, err)
	assert.Equal(t, "rotated", string(plaintext))
}

func TestCredentialsFetchMissing(t *testing.T) {
	mem := &memoryCredentialStore{values: make(map[string]string)}
	creds := NewCredentials(mem, newTestService(t))

	_, err := creds.Fetch(context.Background(), "cust-1", "jira")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
