package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seatgate/internal/config"
	"seatgate/internal/license"
	"seatgate/internal/middleware"
	"seatgate/internal/seats"
	"seatgate/internal/store"
	"seatgate/internal/token"
	"seatgate/internal/vault"
)

// licenseStore is an in-memory license.Store.
type licenseStore struct {
	licenses  map[string]*store.License
	instances map[string]*store.Instance
	logs      []*store.ValidationLog
}

func newLicenseStore() *licenseStore {
	return &licenseStore{
		licenses:  make(map[string]*store.License),
		instances: make(map[string]*store.Instance),
	}
}

func (f *licenseStore) FindByKey(_ context.Context, key string) (*store.License, error) {
	lic, ok := f.licenses[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *lic
	return &cp, nil
}

func (f *licenseStore) MarkExpired(_ context.Context, licenseID uint) error {
	for _, lic := range f.licenses {
		if lic.ID == licenseID && lic.Status == store.LicenseStatusActive {
			lic.Status = store.LicenseStatusExpired
		}
	}
	return nil
}

func (f *licenseStore) CountInstances(_ context.Context, licenseID uint) (int, error) {
	count := 0
	for _, inst := range f.instances {
		if inst.LicenseID == licenseID {
			count++
		}
	}
	return count, nil
}

func (f *licenseStore) UpsertInstance(_ context.Context, inst *store.Instance) (bool, error) {
	key := fmt.Sprintf("%d/%s", inst.LicenseID, inst.InstanceID)
	if existing, ok := f.instances[key]; ok {
		existing.LastSeen = inst.LastSeen
		return false, nil
	}
	cp := *inst
	f.instances[key] = &cp
	return true, nil
}

func (f *licenseStore) DeleteInstance(_ context.Context, licenseID uint, instanceID string) error {
	delete(f.instances, fmt.Sprintf("%d/%s", licenseID, instanceID))
	return nil
}

func (f *licenseStore) AppendValidationLog(_ context.Context, entry *store.ValidationLog) error {
	f.logs = append(f.logs, entry)
	return nil
}

func (f *licenseStore) ValidationCounts(_ context.Context, licenseID uint, since time.Time) (int64, int64, error) {
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

// seatStore is an in-memory seats.Store.
type seatStore struct {
	connections map[string]*store.Connection
	events      []*store.ConnectionEvent
	nextID      uint
}

func newSeatStore() *seatStore {
	return &seatStore{connections: make(map[string]*store.Connection)}
}

func seatKey(customerID, userID, role string) string {
	return customerID + "/" + userID + "/" + role
}

func (f *seatStore) HasRecentActivity(_ context.Context, customerID, userID, role string, since time.Time) (bool, error) {
	if conn, ok := f.connections[seatKey(customerID, userID, role)]; ok {
		if !conn.LastHeartbeat.Before(since) {
			return true, nil
		}
	}
	for _, ev := range f.events {
		if ev.CustomerID == customerID && ev.UserID == userID && ev.Role == role &&
			ev.EventType != store.EventRejected && !ev.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (f *seatStore) ActiveSeatCount(_ context.Context, customerID, role string) (int, error) {
	count := 0
	for _, conn := range f.connections {
		if conn.CustomerID == customerID && conn.Role == role {
			count++
		}
	}
	return count, nil
}

func (f *seatStore) UpsertConnection(_ context.Context, conn *store.Connection) error {
	key := seatKey(conn.CustomerID, conn.UserID, conn.Role)
	if existing, ok := f.connections[key]; ok {
		existing.ConnectionID = conn.ConnectionID
		existing.LastHeartbeat = conn.LastHeartbeat
		return nil
	}
	f.nextID++
	cp := *conn
	cp.ID = f.nextID
	f.connections[key] = &cp
	return nil
}

func (f *seatStore) DeleteConnection(_ context.Context, customerID, userID, role string) (bool, error) {
	key := seatKey(customerID, userID, role)
	if _, ok := f.connections[key]; !ok {
		return false, nil
	}
	delete(f.connections, key)
	return true, nil
}

func (f *seatStore) TouchHeartbeat(_ context.Context, customerID, userID, role string, at time.Time) (bool, error) {
	conn, ok := f.connections[seatKey(customerID, userID, role)]
	if !ok {
		return false, nil
	}
	conn.LastHeartbeat = at
	return true, nil
}

func (f *seatStore) StaleConnections(_ context.Context, cutoff time.Time) ([]store.Connection, error) {
	var stale []store.Connection
	for _, conn := range f.connections {
		if conn.LastHeartbeat.Before(cutoff) {
			stale = append(stale, *conn)
		}
	}
	return stale, nil
}

func (f *seatStore) DeleteIfStale(_ context.Context, connID uint, cutoff time.Time) (bool, error) {
	for key, conn := range f.connections {
		if conn.ID == connID && conn.LastHeartbeat.Before(cutoff) {
			delete(f.connections, key)
			return true, nil
		}
	}
	return false, nil
}

func (f *seatStore) RecomputeSeatAggregate(ctx context.Context, customerID, role string) (int, error) {
	return f.ActiveSeatCount(ctx, customerID, role)
}

func (f *seatStore) AppendEvent(_ context.Context, event *store.ConnectionEvent) error {
	f.events = append(f.events, event)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newValidateRouter(fs *licenseStore) chi.Router {
	svc := license.NewService(fs, config.Default().License, discardLogger())
	handler := NewValidateHandler(svc, discardLogger())

	r := chi.NewRouter()
	r.Mount("/api/validate", handler.Routes())
	r.Get("/api/stats/{key}", handler.Stats)
	return r
}

func signedBody(t *testing.T, key, version, instanceID string, ts time.Time) *bytes.Buffer {
	t.Helper()
	timestamp := ts.UnixMilli()
	body, err := json.Marshal(map[string]any{
		"key":        key,
		"version":    version,
		"instanceId": instanceID,
		"timestamp":  timestamp,
		"signature":  license.Signature(key, version, instanceID, timestamp),
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestValidateEndpoint(t *testing.T) {
	fs := newLicenseStore()
	fs.licenses["SF-ENT-AAAA"] = &store.License{
		ID:           1,
		Key:          "SF-ENT-AAAA",
		Tier:         "enterprise",
		Features:     []string{"streaming"},
		Status:       store.LicenseStatusActive,
		MaxInstances: 2,
	}
	router := newValidateRouter(fs)

	t.Run("valid license returns 200", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/validate", signedBody(t, "SF-ENT-AAAA", "1.0.0", "i1", time.Now()))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["valid"])
		assert.Equal(t, "enterprise", resp["tier"])
		assert.Equal(t, float64(1), resp["currentInstances"])
	})

	t.Run("bad signature returns 400 with error code", func(t *testing.T) {
		body, err := json.Marshal(map[string]any{
			"key":        "SF-ENT-AAAA",
			"version":    "1.0.0",
			"instanceId": "i1",
			"timestamp":  time.Now().UnixMilli(),
			"signature":  strings.Repeat("0", 64),
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/validate", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["valid"])
		assert.Equal(t, "INVALID_SIGNATURE", resp["error"])
	})

	t.Run("missing fields return 400 INVALID_REQUEST", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/validate", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_REQUEST", resp["error"])
	})
}

func TestStatsEndpoint(t *testing.T) {
	fs := newLicenseStore()
	fs.licenses["SF-ENT-AAAA"] = &store.License{
		ID:           1,
		Key:          "SF-ENT-AAAA",
		Tier:         "enterprise",
		Status:       store.LicenseStatusActive,
		MaxInstances: 2,
	}
	fs.logs = []*store.ValidationLog{
		{LicenseID: 1, Success: true, CreatedAt: time.Now()},
		{LicenseID: 1, Success: false, CreatedAt: time.Now()},
	}
	router := newValidateRouter(fs)

	t.Run("known key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/stats/SF-ENT-AAAA", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp statsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "SF-ENT-AAAA", resp.License.Key)
		assert.Equal(t, int64(2), resp.Validations.Total)
		assert.Equal(t, int64(1), resp.Validations.Successful)
		assert.Equal(t, int64(1), resp.Validations.Failed)
	})

	t.Run("unknown key returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/stats/SF-ENT-MISSING", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func newConnectionRouter(ss *seatStore, signer *token.Signer) chi.Router {
	controller := seats.NewController(ss, config.Default().Seats, discardLogger())
	handler := NewConnectionHandler(controller, discardLogger())

	r := chi.NewRouter()
	r.With(middleware.TokenAuth(signer, discardLogger())).Mount("/api/connections", handler.Routes())
	return r
}

func issueToken(t *testing.T, signer *token.Signer, machineID string, seatLimit int) string {
	t.Helper()
	raw, err := signer.Issue(&token.Claims{
		CustomerID:         "cust-1",
		Features:           []string{"streaming"},
		MachineID:          machineID,
		Role:               store.RoleDeveloper,
		SeatLimit:          seatLimit,
		SeatLimitsEnforced: true,
	})
	require.NoError(t, err)
	return raw
}

func TestHeartbeatEndpoint(t *testing.T) {
	ss := newSeatStore()
	signer := token.NewSigner("test-secret", time.Hour)
	router := newConnectionRouter(ss, signer)

	heartbeat := func(tok string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/connections/heartbeat", nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("no token returns 401", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, heartbeat("").Code)
	})

	t.Run("no session returns 404", func(t *testing.T) {
		rec := heartbeat(issueToken(t, signer, "m-1", 1))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("live session returns 200", func(t *testing.T) {
		ss.connections[seatKey("cust-1", "m-1", "developer")] = &store.Connection{
			ID: 1, CustomerID: "cust-1", UserID: "m-1", Role: "developer",
			LastHeartbeat: time.Now().Add(-time.Minute),
		}

		rec := heartbeat(issueToken(t, signer, "m-1", 1))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp heartbeatResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
	})
}

func TestConnectEndpoint(t *testing.T) {
	ss := newSeatStore()
	signer := token.NewSigner("test-secret", time.Hour)
	router := newConnectionRouter(ss, signer)

	server := httptest.NewServer(router)
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/connections/ws"

	t.Run("first identity is admitted", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token="+issueToken(t, signer, "m-1", 1), nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		// Second identity hits the seat limit while the first socket is
		// still open.
		_, resp2, err := websocket.DefaultDialer.Dial(wsURL+"?token="+issueToken(t, signer, "m-2", 1), nil)
		require.Error(t, err)
		require.NotNil(t, resp2)
		assert.Equal(t, http.StatusTooManyRequests, resp2.StatusCode)

		body, err := io.ReadAll(resp2.Body)
		require.NoError(t, err)
		var rejection seatRejection
		require.NoError(t, json.Unmarshal(body, &rejection))
		assert.Equal(t, "SEAT_LIMIT_EXCEEDED", rejection.Error)
		assert.Equal(t, 1, rejection.SeatLimit)
		assert.Equal(t, 1, rejection.ActiveCount)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=garbage", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

type credentialMap struct {
	values map[string]string
}

func (m *credentialMap) Put(_ context.Context, customerID, integrationType, ciphertext string) error {
	m.values[customerID+"/"+integrationType] = ciphertext
	return nil
}

func (m *credentialMap) Get(_ context.Context, customerID, integrationType string) (string, error) {
	ciphertext, ok := m.values[customerID+"/"+integrationType]
	if !ok {
		return "", store.ErrNotFound
	}
	return ciphertext, nil
}

func TestCredentialsEndpoint(t *testing.T) {
	wrapper, err := vault.NewMemoryWrapper("")
	require.NoError(t, err)
	mem := &credentialMap{values: make(map[string]string)}
	creds := vault.NewCredentials(mem, vault.NewService(wrapper))
	handler := NewCredentialsHandler(creds, discardLogger())

	r := chi.NewRouter()
	r.Mount("/api/credentials", handler.Routes())

	t.Run("missing credential returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/credentials/cust-1/jira", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("store then check", func(t *testing.T) {
		body := strings.NewReader(`{"secret":"jira-api-token"}`)
		req := httptest.NewRequest(http.MethodPut, "/api/credentials/cust-1/jira", body)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		// Persisted value is ciphertext, not the secret.
		assert.NotContains(t, mem.values["cust-1/jira"], "jira-api-token")

		req = httptest.NewRequest(http.MethodGet, "/api/credentials/cust-1/jira", nil)
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"configured":true`)
	})

	t.Run("empty secret rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/credentials/cust-1/jira", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
