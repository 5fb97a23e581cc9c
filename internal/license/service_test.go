package license

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatgate/internal/config"
	"seatgate/internal/store"
)

// fakeStore is an in-memory Store for pipeline tests.
type fakeStore struct {
	licenses  map[string]*store.License
	instances map[string]*store.Instance
	logs      []*store.ValidationLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		licenses:  make(map[string]*store.License),
		instances: make(map[string]*store.Instance),
	}
}

func instanceKey(licenseID uint, instanceID string) string {
	return fmt.Sprintf("%d/%s", licenseID, instanceID)
}

func (f *fakeStore) FindByKey(_ context.Context, key string) (*store.License, error) {
	lic, ok := f.licenses[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *lic
	return &cp, nil
}

func (f *fakeStore) MarkExpired(_ context.Context, licenseID uint) error {
	for _, lic := range f.licenses {
		if lic.ID == licenseID && lic.Status == store.LicenseStatusActive {
			lic.Status = store.LicenseStatusExpired
		}
	}
	return nil
}

func (f *fakeStore) CountInstances(_ context.Context, licenseID uint) (int, error) {
	count := 0
	for _, inst := range f.instances {
		if inst.LicenseID == licenseID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) UpsertInstance(_ context.Context, inst *store.Instance) (bool, error) {
	key := instanceKey(inst.LicenseID, inst.InstanceID)
	if existing, ok := f.instances[key]; ok {
		existing.LastSeen = inst.LastSeen
		existing.Version = inst.Version
		existing.IP = inst.IP
		existing.Hostname = inst.Hostname
		return false, nil
	}
	cp := *inst
	f.instances[key] = &cp
	return true, nil
}

func (f *fakeStore) DeleteInstance(_ context.Context, licenseID uint, instanceID string) error {
	delete(f.instances, instanceKey(licenseID, instanceID))
	return nil
}

func (f *fakeStore) AppendValidationLog(_ context.Context, entry *store.ValidationLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeStore) ValidationCounts(_ context.Context, licenseID uint, since time.Time) (int64, int64, error) {
	var total, successful int64
	for _, entry := range f.logs {
		if entry.LicenseID != licenseID || entry.CreatedAt.Before(since) {
			continue
		}
		total++
		if entry.Success {
			successful++
		}
	}
	return total, successful, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(fs *fakeStore, at time.Time) *Service {
	svc := NewService(fs, config.Default().License, testLogger())
	svc.now = func() time.Time { return at }
	return svc
}

func signedRequest(key, version, instanceID string, ts time.Time) *Request {
	timestamp := ts.UnixMilli()
	return &Request{
		Key:        key,
		Version:    version,
		InstanceID: instanceID,
		Timestamp:  timestamp,
		Signature:  Signature(key, version, instanceID, timestamp),
	}
}

func activeLicense(id uint, key string, maxInstances int, expiresAt *time.Time) *store.License {
	return &store.License{
		ID:           id,
		Key:          key,
		Tier:         "enterprise",
		Features:     []string{"streaming", "integrations"},
		Status:       store.LicenseStatusActive,
		MaxInstances: maxInstances,
		ExpiresAt:    expiresAt,
	}
}

func TestValidateFieldPresence(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestService(newFakeStore(), now)

	tests := []struct {
		name string
		req  *Request
	}{
		{"missing key", &Request{Version: "1", InstanceID: "i", Timestamp: now.UnixMilli()}},
		{"missing version", &Request{Key: "k", InstanceID: "i", Timestamp: now.UnixMilli()}},
		{"missing instance id", &Request{Key: "k", Version: "1", Timestamp: now.UnixMilli()}},
		{"missing timestamp", &Request{Key: "k", Version: "1", InstanceID: "i"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Validate(context.Background(), tt.req, "10.0.0.1", "host")
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, ErrCodeInvalidRequest, res.ErrorCode)
		})
	}
}

func TestValidateFreshness(t *testing.T) {
	now := time.Now().UTC()
	fs := newFakeStore()
	fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 10, nil)
	svc := newTestService(fs, now)

	t.Run("six minutes old is replay", func(t *testing.T) {
		req := signedRequest("SF-ENT-AAAA", "1.0.0", "i1", now.Add(-6*time.Minute))
		res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
		require.NoError(t, err)
		assert.Equal(t, ErrCodeRequestTooOld, res.ErrorCode)
	})

	t.Run("rejected independent of signature correctness", func(t *testing.T) {
		req := signedRequest("SF-ENT-AAAA", "1.0.0", "i1", now.Add(-6*time.Minute))
		req.Signature = "garbage"
		res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
		require.NoError(t, err)
		assert.Equal(t, ErrCodeRequestTooOld, res.ErrorCode)
	})

	t.Run("two minutes in the future is clock skew", func(t *testing.T) {
		req := signedRequest("SF-ENT-AAAA", "1.0.0", "i1", now.Add(2*time.Minute))
		res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
		require.NoError(t, err)
		assert.Equal(t, ErrCodeInvalidTimestamp, res.ErrorCode)
	})

	// Freshness failures terminate before the lookup stage and must
	// not reach the audit log.
	assert.Empty(t, fs.logs)
}

func TestValidateUnknownLicense(t *testing.T) {
	now := time.Now().UTC()
	fs := newFakeStore()
	svc := newTestService(fs, now)

	req := signedRequest("SF-ENT-MISSING", "1.0.0", "i1", now)
	res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
	require.NoError(t, err)
	assert.Equal(t, ErrCodeLicenseNotFound, res.ErrorCode)

	require.Len(t, fs.logs, 1)
	assert.Equal(t, uint(0), fs.logs[0].LicenseID)
	assert.False(t, fs.logs[0].Success)
}

func TestValidateBadSignature(t *testing.T) {
	now := time.Now().UTC()
	fs := newFakeStore()
	fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 10, nil)
	svc := newTestService(fs, now)

	req := signedRequest("SF-ENT-AAAA", "1.0.0", "i1", now)
	req.Signature = Signature("SF-ENT-BBBB", "1.0.0", "i1", req.Timestamp)

	res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
	require.NoError(t, err)
	assert.Equal(t, ErrCodeInvalidSignature, res.ErrorCode)
	require.Len(t, fs.logs, 1)
	assert.Equal(t, uint(1), fs.logs[0].LicenseID)
}

func TestValidateStatus(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		status string
		code   string
	}{
		{store.LicenseStatusSuspended, ErrCodeLicenseSuspended},
		{store.LicenseStatusRevoked, ErrCodeLicenseRevoked},
		{store.LicenseStatusExpired, ErrCodeLicenseExpired},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			fs := newFakeStore()
			lic := activeLicense(1, "SF-ENT-AAAA", 10, nil)
			lic.Status = tt.status
			fs.licenses["SF-ENT-AAAA"] = lic
			svc := newTestService(fs, now)

			req := signedRequest("SF-ENT-AAAA", "1.0.0", "i1", now)
			res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
			require.NoError(t, err)
			assert.Equal(t, tt.code, res.ErrorCode)
		})
	}
}

func TestValidateExpiryTransition(t *testing.T) {
	now := time.Now().UTC()
	expired := now.Add(-time.Hour)
	fs := newFakeStore()
	fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 10, &expired)
	svc := newTestService(fs, now)

	req := signedRequest("SF-ENT-AAAA", "1.0.0", "i1", now)
	res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
	require.NoError(t, err)
	assert.Equal(t, ErrCodeLicenseExpired, res.ErrorCode)

	// The transition is persisted immediately.
	assert.Equal(t, store.LicenseStatusExpired, fs.licenses["SF-ENT-AAAA"].Status)

	// Subsequent validations hit the status stage, not the expiry stage.
	res, err = svc.Validate(context.Background(), req, "10.0.0.1", "host")
	require.NoError(t, err)
	assert.Equal(t, ErrCodeLicenseExpired, res.ErrorCode)
}

func TestValidateInstanceAccounting(t *testing.T) {
	now := time.Now().UTC()
	expiry := now.Add(30 * 24 * time.Hour)

	fs := newFakeStore()
	fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 2, &expiry)
	svc := newTestService(fs, now)
	ctx := context.Background()

	validate := func(instanceID string) *Result {
		req := signedRequest("SF-ENT-AAAA", "1.0.0", instanceID, now)
		res, err := svc.Validate(ctx, req, "10.0.0.1", "host")
		require.NoError(t, err)
		return res
	}

	res := validate("i1")
	assert.True(t, res.Valid)
	assert.Equal(t, 1, res.CurrentInstances)

	res = validate("i2")
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.CurrentInstances)

	res = validate("i3")
	assert.False(t, res.Valid)
	assert.Equal(t, ErrCodeInstanceLimitExceeded, res.ErrorCode)
	assert.Equal(t, 2, res.CurrentInstances)

	// Re-validating a registered instance never increases the count.
	res = validate("i1")
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.CurrentInstances)

	// The rejected instance did not sneak into the registry.
	count, err := fs.CountInstances(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestValidateGrandfathering(t *testing.T) {
	now := time.Now().UTC()
	fs := newFakeStore()
	lic := activeLicense(1, "SF-ENT-AAAA", 2, nil)
	fs.licenses["SF-ENT-AAAA"] = lic

	// Three instances were registered before the cap was lowered to 2.
	for _, id := range []string{"i1", "i2", "i3"} {
		fs.instances[instanceKey(1, id)] = &store.Instance{
			LicenseID:  1,
			InstanceID: id,
			CreatedAt:  now.Add(-48 * time.Hour),
			LastSeen:   now.Add(-time.Hour),
		}
	}
	svc := newTestService(fs, now)
	ctx := context.Background()

	for _, id := range []string{"i1", "i2", "i3"} {
		req := signedRequest("SF-ENT-AAAA", "1.0.0", id, now)
		res, err := svc.Validate(ctx, req, "10.0.0.1", "host")
		require.NoError(t, err)
		assert.True(t, res.Valid, "registered instance %s must stay valid", id)
		assert.Equal(t, 3, res.CurrentInstances)
	}

	req := signedRequest("SF-ENT-AAAA", "1.0.0", "i4", now)
	res, err := svc.Validate(ctx, req, "10.0.0.1", "host")
	require.NoError(t, err)
	assert.Equal(t, ErrCodeInstanceLimitExceeded, res.ErrorCode)
}

func TestValidateWarnings(t *testing.T) {
	now := time.Now().UTC()

	t.Run("high utilization", func(t *testing.T) {
		fs := newFakeStore()
		fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 5, nil)
		for _, id := range []string{"i1", "i2", "i3"} {
			fs.instances[instanceKey(1, id)] = &store.Instance{LicenseID: 1, InstanceID: id}
		}
		svc := newTestService(fs, now)

		req := signedRequest("SF-ENT-AAAA", "1.0.0", "i4", now)
		res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
		require.NoError(t, err)
		require.True(t, res.Valid)
		assert.Contains(t, res.Warnings, WarnInstanceUtilization) // 4 of 5
	})

	t.Run("expiring soon", func(t *testing.T) {
		expiry := now.Add(10 * 24 * time.Hour)
		fs := newFakeStore()
		fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 100, &expiry)
		svc := newTestService(fs, now)

		req := signedRequest("SF-ENT-AAAA", "1.0.0", "i1", now)
		res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
		require.NoError(t, err)
		require.True(t, res.Valid)
		assert.Contains(t, res.Warnings, WarnExpiringSoon)
	})

	t.Run("no warnings when healthy", func(t *testing.T) {
		expiry := now.Add(365 * 24 * time.Hour)
		fs := newFakeStore()
		fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 100, &expiry)
		svc := newTestService(fs, now)

		req := signedRequest("SF-ENT-AAAA", "1.0.0", "i1", now)
		res, err := svc.Validate(context.Background(), req, "10.0.0.1", "host")
		require.NoError(t, err)
		require.True(t, res.Valid)
		assert.Empty(t, res.Warnings)
	})
}

func TestValidateAuditTrail(t *testing.T) {
	now := time.Now().UTC()
	fs := newFakeStore()
	fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 2, nil)
	svc := newTestService(fs, now)
	ctx := context.Background()

	// success, success, limit-exceeded, repeat success
	for _, id := range []string{"i1", "i2", "i3", "i1"} {
		req := signedRequest("SF-ENT-AAAA", "1.0.0", id, now)
		_, err := svc.Validate(ctx, req, "10.0.0.1", "host")
		require.NoError(t, err)
	}

	require.Len(t, fs.logs, 4)
	assert.True(t, fs.logs[0].Success)
	assert.True(t, fs.logs[1].Success)
	assert.False(t, fs.logs[2].Success)
	assert.Equal(t, ErrCodeInstanceLimitExceeded, fs.logs[2].ErrorCode)
	assert.True(t, fs.logs[3].Success)
}

func TestStats(t *testing.T) {
	now := time.Now().UTC()
	fs := newFakeStore()
	fs.licenses["SF-ENT-AAAA"] = activeLicense(1, "SF-ENT-AAAA", 2, nil)
	svc := newTestService(fs, now)
	ctx := context.Background()

	for _, id := range []string{"i1", "i2", "i3"} {
		req := signedRequest("SF-ENT-AAAA", "1.0.0", id, now)
		_, err := svc.Validate(ctx, req, "10.0.0.1", "host")
		require.NoError(t, err)
	}

	stats, err := svc.Stats(ctx, "SF-ENT-AAAA")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CurrentInstances)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Successful)
	assert.Equal(t, int64(1), stats.Failed)

	_, err = svc.Stats(ctx, "SF-ENT-MISSING")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
