package store

import (
	"time"

	"gorm.io/datatypes"
)

// License is the persistent entitlement record for a customer license.
// The key doubles as the shared HMAC secret for validation requests.
type License struct {
	ID uint `gorm:"primaryKey"`

	Key  string `gorm:"uniqueIndex;not null"`
	Tier string

	// Features is the entitlement feature set for this license.
	Features datatypes.JSONSlice[string] `gorm:"type:json"`

	// Status is one of active, suspended, expired, revoked. The expired
	// transition is applied exactly once, the first time a validation
	// observes ExpiresAt in the past.
	Status string `gorm:"not null;default:active"`

	MaxInstances int
	ExpiresAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// License status values.
const (
	LicenseStatusActive    = "active"
	LicenseStatusSuspended = "suspended"
	LicenseStatusExpired   = "expired"
	LicenseStatusRevoked   = "revoked"
)

// Instance is one running copy of a licensed client, unique per
// (license, instance id). First validation creates the row; later
// validations only touch LastSeen.
type Instance struct {
	ID uint `gorm:"primaryKey"`

	LicenseID  uint   `gorm:"uniqueIndex:idx_instance_identity,priority:1;not null"`
	InstanceID string `gorm:"uniqueIndex:idx_instance_identity,priority:2;not null"`

	Version  string
	IP       string
	Hostname string

	CreatedAt time.Time
	LastSeen  time.Time
}

// ValidationLog is the append-only audit row written for every
// validation attempt. Never mutated or deleted by this service.
type ValidationLog struct {
	ID uint `gorm:"primaryKey"`

	// LicenseID is 0 when the presented key was unknown.
	LicenseID  uint   `gorm:"index"`
	InstanceID string
	Success    bool
	ErrorCode  string
	IP         string

	CreatedAt time.Time `gorm:"index"`
}

// Connection is a currently-open session occupying a seat. Unique per
// (customer, user, role) so a second connect for the same identity
// overwrites rather than duplicates.
type Connection struct {
	ID uint `gorm:"primaryKey"`

	CustomerID string `gorm:"uniqueIndex:idx_connection_identity,priority:1;not null"`
	UserID     string `gorm:"uniqueIndex:idx_connection_identity,priority:2;not null"`
	Role       string `gorm:"uniqueIndex:idx_connection_identity,priority:3;not null"`

	ConnectionID   string
	EstablishedAt  time.Time
	LastHeartbeat  time.Time `gorm:"index"`
	IP             string
	UserAgent      string
	CredentialHash string
}

// Connection roles.
const (
	RoleDeveloper   = "developer"
	RoleStakeholder = "stakeholder"
	RoleAdmin       = "admin"
)

// ConnectionEvent is the append-only audit trail for seat lifecycle
// transitions.
type ConnectionEvent struct {
	ID uint `gorm:"primaryKey"`

	CustomerID string `gorm:"index:idx_event_customer,priority:1"`
	UserID     string
	Role       string
	EventType  string `gorm:"not null"`
	IP         string
	Detail     string
	SeatLimit  int
	ActiveCount int

	CreatedAt time.Time `gorm:"index:idx_event_customer,priority:2"`
}

// Connection event types.
const (
	EventConnect    = "connect"
	EventRejected   = "rejected"
	EventHeartbeat  = "heartbeat"
	EventDisconnect = "disconnect"
	EventTimeout    = "timeout"
)

// SeatAggregate is the derived per-(customer, role) active-seat count,
// recomputed after every admission, disconnect and timeout.
type SeatAggregate struct {
	ID uint `gorm:"primaryKey"`

	CustomerID string `gorm:"uniqueIndex:idx_seat_aggregate,priority:1;not null"`
	Role       string `gorm:"uniqueIndex:idx_seat_aggregate,priority:2;not null"`

	ActiveCount int
	UpdatedAt   time.Time
}

// Credential stores a third-party integration secret for a customer.
// Only the envelope ciphertext is ever persisted.
type Credential struct {
	ID uint `gorm:"primaryKey"`

	CustomerID      string `gorm:"uniqueIndex:idx_credential_identity,priority:1;not null"`
	IntegrationType string `gorm:"uniqueIndex:idx_credential_identity,priority:2;not null"`

	// Ciphertext is hex(wrappedDEK):hex(iv):hex(authTag):hex(payload).
	Ciphertext string `gorm:"type:text;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
