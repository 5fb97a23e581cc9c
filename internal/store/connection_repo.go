package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConnectionRepository provides persistence for open sessions, their
// audit trail and the derived seat aggregates. All mutations are
// idempotent upserts or conditional deletes: the admission controller,
// heartbeat handler and reaper may run on separate replicas.
type ConnectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository creates a connection repository backed by GORM.
func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// HasRecentActivity reports whether this exact identity had an open
// connection or a lifecycle event since the given time. Used for the
// grace-window reconnect check.
func (r *ConnectionRepository) HasRecentActivity(ctx context.Context, customerID, userID, role string, since time.Time) (bool, error) {
	var conn Connection
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND user_id = ? AND role = ? AND last_heartbeat >= ?", customerID, userID, role, since).
		First(&conn).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	var event ConnectionEvent
	err = r.db.WithContext(ctx).
		Where("customer_id = ? AND user_id = ? AND role = ? AND created_at >= ? AND event_type IN ?",
			customerID, userID, role, since,
			[]string{EventConnect, EventHeartbeat, EventDisconnect}).
		Order("created_at DESC").
		First(&event).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// ActiveSeatCount counts open connections for a (customer, role) pair.
func (r *ConnectionRepository) ActiveSeatCount(ctx context.Context, customerID, role string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Connection{}).
		Where("customer_id = ? AND role = ?", customerID, role).
		Count(&count).Error
	return int(count), err
}

// UpsertConnection records an admitted session. The unique index on
// (customer_id, user_id, role) makes a second connect for the same
// identity overwrite instead of double-count.
func (r *ConnectionRepository) UpsertConnection(ctx context.Context, conn *Connection) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "customer_id"}, {Name: "user_id"}, {Name: "role"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"connection_id", "established_at", "last_heartbeat", "ip", "user_agent", "credential_hash",
		}),
	}).Create(conn).Error
}

// DeleteConnection removes a session row. Returns false when no row
// existed, which callers treat as an already-reclaimed session.
func (r *ConnectionRepository) DeleteConnection(ctx context.Context, customerID, userID, role string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("customer_id = ? AND user_id = ? AND role = ?", customerID, userID, role).
		Delete(&Connection{})
	return res.RowsAffected > 0, res.Error
}

// TouchHeartbeat refreshes LastHeartbeat on the matching session row.
// Returns false when the row is gone (reclaimed by the reaper).
func (r *ConnectionRepository) TouchHeartbeat(ctx context.Context, customerID, userID, role string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&Connection{}).
		Where("customer_id = ? AND user_id = ? AND role = ?", customerID, userID, role).
		Update("last_heartbeat", at)
	return res.RowsAffected > 0, res.Error
}

// StaleConnections returns sessions whose heartbeat is older than the
// cutoff.
func (r *ConnectionRepository) StaleConnections(ctx context.Context, cutoff time.Time) ([]Connection, error) {
	var conns []Connection
	err := r.db.WithContext(ctx).
		Where("last_heartbeat < ?", cutoff).
		Find(&conns).Error
	return conns, err
}

// DeleteIfStale deletes a session only if its heartbeat is still older
// than the cutoff at delete time. A session that heartbeated between
// scan and delete survives, and a concurrent reaper run deleting the
// same row is a harmless no-op.
func (r *ConnectionRepository) DeleteIfStale(ctx context.Context, connID uint, cutoff time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND last_heartbeat < ?", connID, cutoff).
		Delete(&Connection{})
	return res.RowsAffected > 0, res.Error
}

// RecomputeSeatAggregate refreshes the derived active-seat count for a
// (customer, role) pair from the current connection rows.
func (r *ConnectionRepository) RecomputeSeatAggregate(ctx context.Context, customerID, role string) (int, error) {
	count, err := r.ActiveSeatCount(ctx, customerID, role)
	if err != nil {
		return 0, err
	}
	agg := SeatAggregate{
		CustomerID:  customerID,
		Role:        role,
		ActiveCount: count,
		UpdatedAt:   time.Now().UTC(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}, {Name: "role"}},
		DoUpdates: clause.AssignmentColumns([]string{"active_count", "updated_at"}),
	}).Create(&agg).Error
	return count, err
}

// AppendEvent appends one audit row to the connection event trail.
func (r *ConnectionRepository) AppendEvent(ctx context.Context, event *ConnectionEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}
