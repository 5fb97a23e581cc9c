// Package seats decides whether a customer connection may occupy a seat,
// keeps the session registry fresh through heartbeats, and reclaims
// abandoned sessions in the background. All coordination happens through
// the shared store so multiple replicas can run the same logic safely.
package seats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"seatgate/internal/config"
	"seatgate/internal/observability"
	"seatgate/internal/store"
)

// Store is the persistence surface the admission controller, heartbeat
// handler and reaper need.
type Store interface {
	HasRecentActivity(ctx context.Context, customerID, userID, role string, since time.Time) (bool, error)
	ActiveSeatCount(ctx context.Context, customerID, role string) (int, error)
	UpsertConnection(ctx context.Context, conn *store.Connection) error
	DeleteConnection(ctx context.Context, customerID, userID, role string) (bool, error)
	TouchHeartbeat(ctx context.Context, customerID, userID, role string, at time.Time) (bool, error)
	StaleConnections(ctx context.Context, cutoff time.Time) ([]store.Connection, error)
	DeleteIfStale(ctx context.Context, connID uint, cutoff time.Time) (bool, error)
	RecomputeSeatAggregate(ctx context.Context, customerID, role string) (int, error)
	AppendEvent(ctx context.Context, event *store.ConnectionEvent) error
}

// Session identifies one client connection attempt.
type Session struct {
	CustomerID     string
	UserID         string
	Role           string
	ConnectionID   string
	IP             string
	UserAgent      string
	CredentialHash string
}

// Decision is the admission outcome. SeatLimit and ActiveCount are
// populated on rejection so the client can back off with context.
type Decision struct {
	Admitted    bool
	Reconnect   bool
	SeatLimit   int
	ActiveCount int
}

// Controller admits, disconnects and heartbeats sessions.
type Controller struct {
	store  Store
	cfg    config.SeatsConfig
	logger *slog.Logger

	now func() time.Time
}

func NewController(st Store, cfg config.SeatsConfig, logger *slog.Logger) *Controller {
	return &Controller{
		store:  st,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "seat-controller")),
		now:    time.Now,
	}
}

// Admit decides whether the session may occupy a seat. seatLimit of -1
// means unlimited; enforced false means legacy unmanaged mode where
// every connection is admitted and only audited.
//
// The capacity check and the registration upsert are two store calls,
// not one transaction. Two different new identities racing at exactly
// the limit can both land, a bounded overshoot the reaper and the
// recomputed aggregate absorb.
func (c *Controller) Admit(ctx context.Context, sess *Session, seatLimit int, enforced bool) (*Decision, error) {
	tracer := otel.Tracer("seat-controller")
	ctx, span := tracer.Start(ctx, "seats.admit")
	span.SetAttributes(
		attribute.String("seats.customer_id", sess.CustomerID),
		attribute.String("seats.role", sess.Role),
		attribute.Int("seats.limit", seatLimit),
	)
	defer span.End()

	now := c.now().UTC()

	if !enforced {
		if err := c.register(ctx, sess, now, seatLimit, 0); err != nil {
			return nil, err
		}
		return &Decision{Admitted: true, SeatLimit: seatLimit}, nil
	}

	// A recent connection or event for this exact identity means the
	// client is reconnecting after a blip. It already holds a seat, so
	// the capacity check would only starve it of its own slot.
	recent, err := c.store.HasRecentActivity(ctx, sess.CustomerID, sess.UserID, sess.Role, now.Add(-c.cfg.GraceWindow))
	if err != nil {
		return nil, fmt.Errorf("grace window lookup: %w", err)
	}
	if recent {
		count, err := c.store.ActiveSeatCount(ctx, sess.CustomerID, sess.Role)
		if err != nil {
			return nil, fmt.Errorf("active seat count: %w", err)
		}
		if err := c.register(ctx, sess, now, seatLimit, count); err != nil {
			return nil, err
		}
		c.logger.InfoContext(ctx, "reconnect admitted within grace window",
			slog.String("customer_id", sess.CustomerID),
			slog.String("role", sess.Role))
		return &Decision{Admitted: true, Reconnect: true, SeatLimit: seatLimit, ActiveCount: count}, nil
	}

	active, err := c.store.ActiveSeatCount(ctx, sess.CustomerID, sess.Role)
	if err != nil {
		return nil, fmt.Errorf("active seat count: %w", err)
	}

	if seatLimit != -1 && active >= seatLimit {
		c.appendEvent(ctx, sess, store.EventRejected, "seat limit reached", seatLimit, active)
		c.logger.WarnContext(ctx, "connection rejected at seat limit",
			slog.String("customer_id", sess.CustomerID),
			slog.String("role", sess.Role),
			slog.Int("seat_limit", seatLimit),
			slog.Int("active_count", active))
		return &Decision{Admitted: false, SeatLimit: seatLimit, ActiveCount: active}, nil
	}

	if err := c.register(ctx, sess, now, seatLimit, active); err != nil {
		return nil, err
	}
	return &Decision{Admitted: true, SeatLimit: seatLimit, ActiveCount: active + 1}, nil
}

// register upserts the Connection row, refreshes the aggregate and
// appends the connect event. Keyed on (customer, user, role), so a
// repeat admission for the same identity never double-counts.
func (c *Controller) register(ctx context.Context, sess *Session, now time.Time, seatLimit, active int) error {
	conn := &store.Connection{
		CustomerID:     sess.CustomerID,
		UserID:         sess.UserID,
		Role:           sess.Role,
		ConnectionID:   sess.ConnectionID,
		EstablishedAt:  now,
		LastHeartbeat:  now,
		IP:             sess.IP,
		UserAgent:      sess.UserAgent,
		CredentialHash: sess.CredentialHash,
	}
	if err := c.store.UpsertConnection(ctx, conn); err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	count, err := c.store.RecomputeSeatAggregate(ctx, sess.CustomerID, sess.Role)
	if err != nil {
		return fmt.Errorf("recompute seats: %w", err)
	}
	observability.SetActiveSeats(sess.CustomerID, sess.Role, count)
	c.appendEvent(ctx, sess, store.EventConnect, "", seatLimit, active)
	return nil
}

// Disconnect releases the identity's seat. Safe to call for sessions
// the reaper already reclaimed.
func (c *Controller) Disconnect(ctx context.Context, sess *Session) error {
	deleted, err := c.store.DeleteConnection(ctx, sess.CustomerID, sess.UserID, sess.Role)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if !deleted {
		return nil
	}
	count, err := c.store.RecomputeSeatAggregate(ctx, sess.CustomerID, sess.Role)
	if err != nil {
		return fmt.Errorf("recompute seats: %w", err)
	}
	observability.SetActiveSeats(sess.CustomerID, sess.Role, count)
	c.appendEvent(ctx, sess, store.EventDisconnect, "", 0, 0)
	return nil
}

// Heartbeat refreshes liveness for an admitted session. Returns false
// when the session no longer exists so the caller re-runs the full
// admission flow instead of continuing a phantom session. A heartbeat
// never consumes a seat.
func (c *Controller) Heartbeat(ctx context.Context, customerID, userID, role string) (bool, error) {
	found, err := c.store.TouchHeartbeat(ctx, customerID, userID, role, c.now().UTC())
	if err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	return found, nil
}

func (c *Controller) appendEvent(ctx context.Context, sess *Session, eventType, detail string, seatLimit, active int) {
	event := &store.ConnectionEvent{
		CustomerID:  sess.CustomerID,
		UserID:      sess.UserID,
		Role:        sess.Role,
		EventType:   eventType,
		IP:          sess.IP,
		Detail:      detail,
		SeatLimit:   seatLimit,
		ActiveCount: active,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.store.AppendEvent(ctx, event); err != nil {
		c.logger.ErrorContext(ctx, "failed to append connection event",
			slog.String("error", err.Error()),
			slog.String("event_type", eventType),
			slog.String("customer_id", sess.CustomerID))
	}
}
