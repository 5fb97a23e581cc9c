package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// LicenseRepository provides persistence for licenses, registered
// instances and the validation audit log.
type LicenseRepository struct {
	db *gorm.DB
}

// NewLicenseRepository creates a license repository backed by GORM.
func NewLicenseRepository(db *gorm.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// FindByKey looks up a license by its key.
func (r *LicenseRepository) FindByKey(ctx context.Context, key string) (*License, error) {
	var lic License
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&lic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

// MarkExpired transitions a license to expired. The status guard makes
// the transition happen exactly once even when validations race.
func (r *LicenseRepository) MarkExpired(ctx context.Context, licenseID uint) error {
	return r.db.WithContext(ctx).
		Model(&License{}).
		Where("id = ? AND status = ?", licenseID, LicenseStatusActive).
		Update("status", LicenseStatusExpired).Error
}

// CountInstances returns the number of registered instances for a license.
func (r *LicenseRepository) CountInstances(ctx context.Context, licenseID uint) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Instance{}).
		Where("license_id = ?", licenseID).
		Count(&count).Error
	return int(count), err
}

// UpsertInstance creates the instance row on first sight or touches
// LastSeen on subsequent validations. The returned flag reports whether
// the row was newly inserted, which is what instance accounting keys on.
func (r *LicenseRepository) UpsertInstance(ctx context.Context, inst *Instance) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "license_id"}, {Name: "instance_id"}},
		DoNothing: true,
	}).Create(inst)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Existing instance: touch only, never duplicate-insert.
	err := r.db.WithContext(ctx).
		Model(&Instance{}).
		Where("license_id = ? AND instance_id = ?", inst.LicenseID, inst.InstanceID).
		Updates(map[string]interface{}{
			"last_seen": inst.LastSeen,
			"version":   inst.Version,
			"ip":        inst.IP,
			"hostname":  inst.Hostname,
		}).Error
	return false, err
}

// DeleteInstance removes an instance registration. Used to roll back a
// just-inserted row when the license was already at capacity.
func (r *LicenseRepository) DeleteInstance(ctx context.Context, licenseID uint, instanceID string) error {
	return r.db.WithContext(ctx).
		Where("license_id = ? AND instance_id = ?", licenseID, instanceID).
		Delete(&Instance{}).Error
}

// AppendValidationLog appends one audit row for a validation attempt.
func (r *LicenseRepository) AppendValidationLog(ctx context.Context, entry *ValidationLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ValidationCounts aggregates validation outcomes for a license since
// the given time.
func (r *LicenseRepository) ValidationCounts(ctx context.Context, licenseID uint, since time.Time) (total, successful int64, err error) {
	err = r.db.WithContext(ctx).
		Model(&ValidationLog{}).
		Where("license_id = ? AND created_at >= ?", licenseID, since).
		Count(&total).Error
	if err != nil {
		return 0, 0, err
	}
	err = r.db.WithContext(ctx).
		Model(&ValidationLog{}).
		Where("license_id = ? AND created_at >= ? AND success = ?", licenseID, since, true).
		Count(&successful).Error
	return total, successful, err
}
