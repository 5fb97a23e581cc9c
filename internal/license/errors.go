package license

// Error codes returned by the validation pipeline. Each code maps to
// exactly one failing pipeline stage and is stable API surface.
const (
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeRequestTooOld         = "REQUEST_TOO_OLD"
	ErrCodeInvalidTimestamp      = "INVALID_TIMESTAMP"
	ErrCodeLicenseNotFound       = "LICENSE_NOT_FOUND"
	ErrCodeInvalidSignature      = "INVALID_SIGNATURE"
	ErrCodeLicenseSuspended      = "LICENSE_SUSPENDED"
	ErrCodeLicenseExpired        = "LICENSE_EXPIRED"
	ErrCodeLicenseRevoked        = "LICENSE_REVOKED"
	ErrCodeInstanceLimitExceeded = "INSTANCE_LIMIT_EXCEEDED"
)

// Warning codes attached to successful validations.
const (
	WarnInstanceUtilization = "INSTANCE_UTILIZATION_HIGH"
	WarnExpiringSoon        = "LICENSE_EXPIRING_SOON"
)
