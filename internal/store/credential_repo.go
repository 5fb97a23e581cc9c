package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialRepository stores envelope-encrypted third-party
// credentials. Plaintext never reaches this layer.
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a credential repository backed by GORM.
func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Put upserts the ciphertext for a (customer, integration) pair.
func (r *CredentialRepository) Put(ctx context.Context, customerID, integrationType, ciphertext string) error {
	cred := Credential{
		CustomerID:      customerID,
		IntegrationType: integrationType,
		Ciphertext:      ciphertext,
		UpdatedAt:       time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}, {Name: "integration_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
	}).Create(&cred).Error
}

// Get returns the stored ciphertext for a (customer, integration) pair.
func (r *CredentialRepository) Get(ctx context.Context, customerID, integrationType string) (string, error) {
	var cred Credential
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND integration_type = ?", customerID, integrationType).
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return cred.Ciphertext, nil
}
