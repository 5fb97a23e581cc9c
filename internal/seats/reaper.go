package seats

import (
	"context"
	"log/slog"
	"time"

	"seatgate/internal/config"
	"seatgate/internal/observability"
	"seatgate/internal/store"
)

// Reaper deletes sessions whose heartbeat has gone stale, freeing their
// seats. It is the only reclamation path for clients that crash or lose
// network without a graceful close; worst-case leak duration is
// HeartbeatTimeout + ReapInterval.
type Reaper struct {
	store  Store
	cfg    config.SeatsConfig
	logger *slog.Logger

	now func() time.Time
}

func NewReaper(st Store, cfg config.SeatsConfig, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:  st,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "connection-reaper")),
		now:    time.Now,
	}
}

// Run ticks until the context is cancelled. Intended to be started as a
// goroutine at application boot.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "connection reaper started",
		slog.Duration("interval", r.cfg.ReapInterval),
		slog.Duration("timeout", r.cfg.HeartbeatTimeout))

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "connection reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reap pass failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// ReapOnce scans for stale sessions and reclaims them. Each delete is
// conditioned on the staleness cutoff at delete time, so a session that
// heartbeats between the scan and the delete survives, and concurrent
// reaper replicas turn double-deletes into no-ops.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().Add(-r.cfg.HeartbeatTimeout)

	stale, err := r.store.StaleConnections(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, conn := range stale {
		deleted, err := r.store.DeleteIfStale(ctx, conn.ID, cutoff)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to reap stale connection",
				slog.String("error", err.Error()),
				slog.String("customer_id", conn.CustomerID))
			continue
		}
		if !deleted {
			continue
		}
		reaped++

		count, err := r.store.RecomputeSeatAggregate(ctx, conn.CustomerID, conn.Role)
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to recompute seats after reap",
				slog.String("error", err.Error()),
				slog.String("customer_id", conn.CustomerID))
		} else {
			observability.SetActiveSeats(conn.CustomerID, conn.Role, count)
		}

		event := &store.ConnectionEvent{
			CustomerID: conn.CustomerID,
			UserID:     conn.UserID,
			Role:       conn.Role,
			EventType:  store.EventTimeout,
			IP:         conn.IP,
			Detail:     "heartbeat timeout",
			CreatedAt:  r.now().UTC(),
		}
		if err := r.store.AppendEvent(ctx, event); err != nil {
			r.logger.ErrorContext(ctx, "failed to append timeout event",
				slog.String("error", err.Error()),
				slog.String("customer_id", conn.CustomerID))
		}
	}

	if reaped > 0 {
		observability.RecordReaped(reaped)
		r.logger.InfoContext(ctx, "reclaimed stale connections",
			slog.Int("count", reaped))
	}
	return reaped, nil
}
