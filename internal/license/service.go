package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"seatgate/internal/config"
	"seatgate/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Store is the persistence surface the validation service needs.
type Store interface {
	FindByKey(ctx context.Context, key string) (*store.License, error)
	MarkExpired(ctx context.Context, licenseID uint) error
	CountInstances(ctx context.Context, licenseID uint) (int, error)
	UpsertInstance(ctx context.Context, inst *store.Instance) (bool, error)
	DeleteInstance(ctx context.Context, licenseID uint, instanceID string) error
	AppendValidationLog(ctx context.Context, entry *store.ValidationLog) error
	ValidationCounts(ctx context.Context, licenseID uint, since time.Time) (total, successful int64, err error)
}

// Request is a license validation request as received on the wire.
// Timestamp is unix milliseconds and is part of the signed canonical
// string.
type Request struct {
	Key        string `json:"key" validate:"required"`
	Version    string `json:"version" validate:"required"`
	InstanceID string `json:"instanceId" validate:"required"`
	Timestamp  int64  `json:"timestamp" validate:"required"`
	Signature  string `json:"signature"`
}

// Result is the entitlement decision for one validation attempt.
type Result struct {
	Valid            bool
	ErrorCode        string
	Tier             string
	Features         []string
	ExpiresAt        *time.Time
	MaxInstances     int
	CurrentInstances int
	Warnings         []string
}

// Stats is the operational aggregate returned for a license key.
type Stats struct {
	License          *store.License
	CurrentInstances int
	Total            int64
	Successful       int64
	Failed           int64
}

// Service orchestrates the validation pipeline: signature check, status
// and expiry checks, and per-license instance accounting. Stateless per
// call; replicas coordinate only through the store.
type Service struct {
	store  Store
	cfg    config.LicenseConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a license validation service.
func NewService(st Store, cfg config.LicenseConfig, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "license")),
		now:    time.Now,
	}
}

// Validate runs the ordered validation pipeline. Each stage
// short-circuits on failure. Terminal outcomes from the license lookup
// onward append exactly one validation-log row. A non-nil error means
// infrastructure failure, not an invalid license.
func (s *Service) Validate(ctx context.Context, req *Request, ip, hostname string) (*Result, error) {
	tracer := otel.Tracer("license-service")
	ctx, span := tracer.Start(ctx, "license.validate",
		trace.WithAttributes(
			attribute.String("license.key_prefix", keyPrefix(req.Key)),
			attribute.String("license.instance_id", req.InstanceID),
		),
	)
	defer span.End()

	now := s.now().UTC()

	// Stage 1: field presence.
	if err := validate.Struct(req); err != nil {
		return &Result{ErrorCode: ErrCodeInvalidRequest}, nil
	}

	// Stage 2: freshness. Stale timestamps are replay attempts, future
	// ones are client clock skew.
	ts := time.UnixMilli(req.Timestamp).UTC()
	if now.Sub(ts) > s.cfg.MaxRequestAge {
		return &Result{ErrorCode: ErrCodeRequestTooOld}, nil
	}
	if ts.Sub(now) > s.cfg.MaxClockSkew {
		return &Result{ErrorCode: ErrCodeInvalidTimestamp}, nil
	}

	// Stage 3: existence.
	lic, err := s.store.FindByKey(ctx, req.Key)
	if errors.Is(err, store.ErrNotFound) {
		s.appendLog(ctx, 0, req.InstanceID, ip, ErrCodeLicenseNotFound)
		s.logger.WarnContext(ctx, "validation failed: unknown license",
			slog.String("key_prefix", keyPrefix(req.Key)),
			slog.String("ip", ip))
		return &Result{ErrorCode: ErrCodeLicenseNotFound}, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("license lookup: %w", err)
	}

	// Stage 4: signature, keyed by the license's own key.
	if !VerifySignature(lic.Key, req.Version, req.InstanceID, req.Timestamp, req.Signature) {
		s.appendLog(ctx, lic.ID, req.InstanceID, ip, ErrCodeInvalidSignature)
		s.logger.WarnContext(ctx, "validation failed: bad signature",
			slog.String("key_prefix", keyPrefix(lic.Key)),
			slog.String("ip", ip))
		return &Result{ErrorCode: ErrCodeInvalidSignature}, nil
	}

	// Stage 5: status.
	if lic.Status != store.LicenseStatusActive {
		code := "LICENSE_" + strings.ToUpper(lic.Status)
		s.appendLog(ctx, lic.ID, req.InstanceID, ip, code)
		return &Result{ErrorCode: code}, nil
	}

	// Stage 6: expiry. The transition to expired is persisted exactly
	// once; the status guard in MarkExpired handles racing validations.
	if lic.ExpiresAt != nil && lic.ExpiresAt.Before(now) {
		if err := s.store.MarkExpired(ctx, lic.ID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("mark expired: %w", err)
		}
		s.appendLog(ctx, lic.ID, req.InstanceID, ip, ErrCodeLicenseExpired)
		return &Result{ErrorCode: ErrCodeLicenseExpired}, nil
	}

	// Stage 7: instance accounting. The count is read before the
	// upsert so already-registered instances stay valid even when the
	// cap was lowered below the current count; only never-seen
	// instances are blocked at capacity.
	preCount, err := s.store.CountInstances(ctx, lic.ID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("count instances: %w", err)
	}

	inst := &store.Instance{
		LicenseID:  lic.ID,
		InstanceID: req.InstanceID,
		Version:    req.Version,
		IP:         ip,
		Hostname:   hostname,
		CreatedAt:  now,
		LastSeen:   now,
	}
	inserted, err := s.store.UpsertInstance(ctx, inst)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upsert instance: %w", err)
	}

	if inserted && lic.MaxInstances > 0 && preCount >= lic.MaxInstances {
		// Roll the registration back so a rejected instance does not
		// become grandfathered on retry.
		if err := s.store.DeleteInstance(ctx, lic.ID, req.InstanceID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("remove over-limit instance: %w", err)
		}
		s.appendLog(ctx, lic.ID, req.InstanceID, ip, ErrCodeInstanceLimitExceeded)
		s.logger.WarnContext(ctx, "validation failed: instance limit exceeded",
			slog.String("key_prefix", keyPrefix(lic.Key)),
			slog.Int("max_instances", lic.MaxInstances),
			slog.Int("current_instances", preCount))
		return &Result{
			ErrorCode:        ErrCodeInstanceLimitExceeded,
			MaxInstances:     lic.MaxInstances,
			CurrentInstances: preCount,
		}, nil
	}

	current := preCount
	if inserted {
		current++
	}

	// Stage 8: success with non-fatal warnings.
	var warnings []string
	if lic.MaxInstances > 0 && current*100 >= lic.MaxInstances*80 {
		warnings = append(warnings, WarnInstanceUtilization)
	}
	if lic.ExpiresAt != nil && lic.ExpiresAt.Sub(now) <= 30*24*time.Hour {
		warnings = append(warnings, WarnExpiringSoon)
	}

	s.appendLog(ctx, lic.ID, req.InstanceID, ip, "")

	span.SetAttributes(
		attribute.Bool("license.valid", true),
		attribute.Int("license.current_instances", current),
	)

	return &Result{
		Valid:            true,
		Tier:             lic.Tier,
		Features:         lic.Features,
		ExpiresAt:        lic.ExpiresAt,
		MaxInstances:     lic.MaxInstances,
		CurrentInstances: current,
		Warnings:         warnings,
	}, nil
}

// Stats aggregates validation outcomes over the configured window plus
// the current instance count. Read-only.
func (s *Service) Stats(ctx context.Context, key string) (*Stats, error) {
	lic, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	count, err := s.store.CountInstances(ctx, lic.ID)
	if err != nil {
		return nil, err
	}

	since := s.now().UTC().Add(-s.cfg.StatsWindow)
	total, successful, err := s.store.ValidationCounts(ctx, lic.ID, since)
	if err != nil {
		return nil, err
	}

	return &Stats{
		License:          lic,
		CurrentInstances: count,
		Total:            total,
		Successful:       successful,
		Failed:           total - successful,
	}, nil
}

// appendLog writes the audit row for a terminal pipeline outcome. Audit
// failures are logged but do not change the validation decision.
func (s *Service) appendLog(ctx context.Context, licenseID uint, instanceID, ip, errorCode string) {
	entry := &store.ValidationLog{
		LicenseID:  licenseID,
		InstanceID: instanceID,
		Success:    errorCode == "",
		ErrorCode:  errorCode,
		IP:         ip,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.AppendValidationLog(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to append validation log",
			slog.String("error", err.Error()),
			slog.Uint64("license_id", uint64(licenseID)))
	}
}

// keyPrefix redacts a license key for logs, keeping only the prefix.
func keyPrefix(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:8] + "****"
}
