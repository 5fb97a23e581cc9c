package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apierrors "seatgate/internal/errors"
	"seatgate/internal/infrastructure"
	"seatgate/internal/middleware"
	"seatgate/internal/observability"
	"seatgate/internal/seats"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 4096
)

// ConnectionHandler owns the long-lived session endpoint and the
// heartbeat endpoint. Both require a verified connection token; the
// session identity comes from the token claims on each request, never
// from shared handler state.
type ConnectionHandler struct {
	controller *seats.Controller
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

func NewConnectionHandler(controller *seats.Controller, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		controller: controller,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With(slog.String("handler", "connection")),
	}
}

// Routes returns the session routes. Token auth is applied by the
// caller when mounting.
func (h *ConnectionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", h.Connect)
	r.Post("/heartbeat", h.Heartbeat)
	return r
}

type seatRejection struct {
	Error       string `json:"error"`
	Details     string `json:"details"`
	SeatLimit   int    `json:"seatLimit"`
	ActiveCount int    `json:"activeCount"`
}

func (s *seatRejection) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusTooManyRequests)
	return nil
}

// Connect handles GET /api/connections/ws. The admission decision runs
// before the WebSocket upgrade so a rejected client receives a regular
// 429 JSON body it can parse.
func (h *ConnectionHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		render.Render(w, r, apierrors.ErrUnauthorized)
		return
	}

	sess := &seats.Session{
		CustomerID:   claims.CustomerID,
		UserID:       claims.MachineID,
		Role:         claims.Role,
		ConnectionID: uuid.New().String(),
		IP:           clientAddr(r),
		UserAgent:    r.UserAgent(),
	}

	decision, err := h.controller.Admit(ctx, sess, claims.SeatLimit, claims.SeatLimitsEnforced)
	if err != nil {
		h.logger.ErrorContext(ctx, "admission failed on infrastructure",
			slog.String("trace_id", infrastructure.GetTraceID(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrInternalServer)
		return
	}
	if !decision.Admitted {
		observability.RecordAdmission("rejected")
		render.Render(w, r, &seatRejection{
			Error:       "SEAT_LIMIT_EXCEEDED",
			Details:     "All seats for this role are in use",
			SeatLimit:   decision.SeatLimit,
			ActiveCount: decision.ActiveCount,
		})
		return
	}
	if decision.Reconnect {
		observability.RecordAdmission("reconnect")
	} else {
		observability.RecordAdmission("admitted")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error. Release the seat we
		// just took.
		h.logger.WarnContext(ctx, "websocket upgrade failed",
			slog.String("error", err.Error()))
		if derr := h.controller.Disconnect(ctx, sess); derr != nil {
			h.logger.ErrorContext(ctx, "failed to release seat after upgrade error",
				slog.String("error", derr.Error()))
		}
		return
	}

	h.logger.InfoContext(ctx, "session established",
		slog.String("customer_id", sess.CustomerID),
		slog.String("role", sess.Role),
		slog.String("connection_id", sess.ConnectionID),
		slog.Bool("reconnect", decision.Reconnect))

	h.serve(r, conn, sess)
}

// serve pumps the socket until the client goes away, then releases the
// seat synchronously. If the process dies first, the cleanup worker
// reclaims the seat on heartbeat timeout.
func (h *ConnectionHandler) serve(r *http.Request, conn *websocket.Conn, sess *seats.Session) {
	ctx := r.Context()
	defer func() {
		conn.Close()
		if err := h.controller.Disconnect(ctx, sess); err != nil {
			h.logger.ErrorContext(ctx, "disconnect cleanup failed",
				slog.String("error", err.Error()),
				slog.String("connection_id", sess.ConnectionID))
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

type heartbeatResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat handles POST /api/connections/heartbeat. 404 means the
// session was already reclaimed and the client must re-admit.
func (h *ConnectionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := middleware.ClaimsFromContext(ctx)
	if !ok {
		render.Render(w, r, apierrors.ErrUnauthorized)
		return
	}

	found, err := h.controller.Heartbeat(ctx, claims.CustomerID, claims.MachineID, claims.Role)
	if err != nil {
		observability.RecordHeartbeat("error")
		h.logger.ErrorContext(ctx, "heartbeat failed on infrastructure",
			slog.String("trace_id", infrastructure.GetTraceID(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrInternalServer)
		return
	}
	if !found {
		observability.RecordHeartbeat("not_found")
		render.Render(w, r, apierrors.ErrConnectionNotFound)
		return
	}

	observability.RecordHeartbeat("ok")
	render.JSON(w, r, &heartbeatResponse{Success: true, Timestamp: time.Now().UTC()})
}
