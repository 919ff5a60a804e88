package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/broadcast"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/circuit"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/command"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/dedup"
	pkgerrors "github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/health"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/state"
)

type testEnv struct {
	server     *Server
	store      *state.Store
	breaker    *circuit.Breaker
	dispatcher *command.Dispatcher
	health     *health.Monitor
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := metric.NewMetricsRegistry()
	store, err := state.New(state.Config{HistorySize: 10}, state.WithMetrics(registry))
	require.NoError(t, err)
	dd, err := dedup.New(ctx, dedup.Config{Window: 5 * time.Second, SweepInterval: time.Hour}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dd.Close() })

	hub := broadcast.NewHub(nil)
	breaker := circuit.New("ingest", circuit.DefaultConfig())
	pipeline, err := ingest.New(store, dd, breaker, hub, ingest.WithMetrics(registry))
	require.NoError(t, err)
	dispatcher, err := command.NewDispatcher(hub, command.WithMetrics(registry))
	require.NoError(t, err)
	monitor := health.NewMonitor()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg, Dependencies{
		Pipeline:   pipeline,
		Store:      store,
		Dispatcher: dispatcher,
		Health:     monitor,
		Metrics:    registry,
	})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Register(s.Outbox()))

	return &testEnv{server: s, store: store, breaker: breaker, dispatcher: dispatcher, health: monitor}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer_RequiresDependencies(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Dependencies{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Addr = ""
	_, err = NewServer(cfg, Dependencies{})
	assert.True(t, pkgerrors.IsInvalid(err))
}

func TestPostTelemetry_Accepted(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(http.MethodPost, "/telemetry", `{"voltage":14.8,"current":1200,"packetNumber":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"accepted":true,"duplicate":false}`, rec.Body.String())

	rec = e.do(http.MethodGet, "/telemetry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got SnapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Snapshot.Voltage)
	assert.Equal(t, 14.8, *got.Snapshot.Voltage)
	assert.Equal(t, ingest.DefaultDeviceID, got.Snapshot.DeviceID)
	assert.Equal(t, uint32(1), got.Stats.PacketsReceived)
}

func TestPostTelemetry_Duplicate(t *testing.T) {
	e := newTestEnv(t, nil)

	body := `{"deviceId":"esp32_uav","voltage":14.8,"packetNumber":42}`
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/telemetry", body).Code)

	rec := e.do(http.MethodPost, "/telemetry", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":true,"duplicate":true}`, rec.Body.String())
	assert.Equal(t, uint64(1), e.store.GetStats().DuplicatePackets)
}

func TestPostTelemetry_Rejections(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantReason string
	}{
		{"out of range", `{"voltage":999}`, http.StatusBadRequest, "voltage: 999 outside [0, 50]"},
		{"malformed JSON", `{"voltage":`, http.StatusBadRequest, "malformed JSON object"},
		{"not an object", `[1,2,3]`, http.StatusBadRequest, "malformed JSON object"},
		{"oversize body", `{"pad":"` + strings.Repeat("x", DefaultMaxRequestSize) + `"}`, http.StatusRequestEntityTooLarge, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/telemetry", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			got := decode(t, rec)
			assert.Equal(t, false, got["accepted"])
			assert.Equal(t, tt.wantReason, got["reason"])
		})
	}

	// nothing reached the live record
	assert.Nil(t, e.store.GetSnapshot().Voltage)
}

func TestPostTelemetry_CircuitOpen(t *testing.T) {
	e := newTestEnv(t, nil)
	for i := 0; i < 5; i++ {
		_ = e.breaker.Execute(func() error { return errors.New("boom") })
	}
	require.Equal(t, circuit.Open, e.breaker.State())

	rec := e.do(http.MethodPost, "/telemetry", `{"voltage":14.8}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t,
		`{"accepted":false,"duplicate":false,"reason":"service degraded: circuit breaker open"}`,
		rec.Body.String())
}

func TestCommand_DeliveredOnNextPoll(t *testing.T) {
	e := newTestEnv(t, nil)

	// first poll opens the device's cursor
	rec := e.do(http.MethodPost, "/telemetry", `{"deviceId":"rover_1","voltage":14.8}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decode(t, rec), "commands")

	rec = e.do(http.MethodPost, "/command", `{"command":"relay_on","deviceId":"rover_1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var ack command.Ack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Accepted)
	assert.False(t, ack.Urgent)
	assert.Equal(t, "rover_1", ack.Target)
	assert.Equal(t, []string{"http"}, ack.Delivered)

	rec = e.do(http.MethodPost, "/telemetry", `{"deviceId":"rover_1","voltage":14.7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	cmds, ok := got["commands"].([]any)
	require.True(t, ok, rec.Body.String())
	require.Len(t, cmds, 1)
	cmd := cmds[0].(map[string]any)
	assert.Equal(t, ack.ID, cmd["id"])
	assert.Equal(t, "relay", cmd["command"])
	assert.Equal(t, "on", cmd["action"])
	assert.Equal(t, "rover_1", cmd["deviceId"])

	// collected once
	rec = e.do(http.MethodPost, "/telemetry", `{"deviceId":"rover_1","voltage":14.6}`)
	assert.NotContains(t, decode(t, rec), "commands")
}

func TestCommand_EmergencyTargetsAll(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(http.MethodPost, "/command", `{"command":"emergency_stop","deviceId":"rover_1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack command.Ack
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Urgent)
	assert.Equal(t, command.TargetAll, ack.Target)
	// no device has polled yet
	assert.Empty(t, ack.Delivered)
}

func TestCommand_Invalid(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{"unknown command", `{"command":"fly"}`, "unknown command"},
		{"unsupported action", `{"command":"relay","action":"explode"}`, "does not support"},
		{"schema violation", `{"command":"RELAY; rm -rf"}`, "command"},
		{"missing command", `{"action":"on"}`, "command"},
		{"not JSON", `relay on`, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/command", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			got := decode(t, rec)
			assert.Equal(t, float64(http.StatusBadRequest), got["status"])
			assert.Contains(t, got["error"], tt.contains)
		})
	}
}

func TestHistoryAndDevices(t *testing.T) {
	e := newTestEnv(t, nil)
	for i := 1; i <= 3; i++ {
		body := fmt.Sprintf(`{"deviceId":"rover_1","voltage":%d,"packetNumber":%d}`, 10+i, i)
		require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/telemetry", body).Code)
	}

	rec := e.do(http.MethodGet, "/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])

	rec = e.do(http.MethodGet, "/history", "")
	assert.Equal(t, float64(3), decode(t, rec)["count"])

	rec = e.do(http.MethodGet, "/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodGet, "/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, float64(1), got["count"])
	devices := got["devices"].([]any)
	assert.Equal(t, "rover_1", devices[0].(map[string]any)["deviceId"])
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)

	e.health.UpdateHealthy("ingest", "breaker closed")
	rec := e.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, health.StatusHealthy, decode(t, rec)["status"])

	e.health.UpdateDegraded("broker", "disconnected")
	rec = e.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, health.StatusDegraded, decode(t, rec)["status"])

	e.health.UpdateUnhealthy("http", "down")
	rec = e.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsAndStats(t *testing.T) {
	e := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/telemetry", `{"voltage":14.8}`).Code)

	rec := e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `telemetry_packets_accepted_total{transport="http"} 1`)

	rec = e.do(http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Contains(t, got, "store")
	assert.Contains(t, got, "http")

	stats := e.server.Stats()
	assert.Equal(t, uint64(3), stats.RequestsTotal)
	assert.Equal(t, uint64(0), stats.RequestsFailed)
}

func TestRouting(t *testing.T) {
	e := newTestEnv(t, func(c *Config) {
		c.EnableCORS = true
		c.CORSOrigins = []string{"http://dashboard.local"}
	})

	rec := e.do(http.MethodDelete, "/telemetry", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), http.MethodPost)

	req := httptest.NewRequest(http.MethodOptions, "/command", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	out := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusNoContent, out.Code)
	assert.Equal(t, "http://dashboard.local", out.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/devices", nil)
	req.Header.Set("Origin", "http://evil.local")
	req.Header.Set("X-Request-ID", "abc123")
	out = httptest.NewRecorder()
	e.server.Handler().ServeHTTP(out, req)
	assert.Empty(t, out.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "abc123", out.Header().Get("X-Request-ID"))
}

func TestGetOrGenerateRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := getOrGenerateRequestID(req)
		assert.Len(t, id, 16)
		assert.False(t, ids[id], "duplicate request ID %s", id)
		ids[id] = true
	}

	req.Header.Set("X-Request-ID", "existing-request-id-12345")
	assert.Equal(t, "existing-request-id-12345", getOrGenerateRequestID(req))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{
			name:           "invalid error maps to 400",
			err:            pkgerrors.WrapInvalid(pkgerrors.ErrInvalidData, "test", "test", "invalid input"),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "timeout error maps to 504",
			err:            pkgerrors.WrapTransient(pkgerrors.ErrConnectionTimeout, "test", "test", "timeout occurred"),
			expectedStatus: http.StatusGatewayTimeout,
		},
		{
			name:           "circuit open maps to 503",
			err:            pkgerrors.WrapTransient(pkgerrors.ErrCircuitOpen, "Breaker", "Execute", "admit call"),
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "fatal error maps to 500",
			err:            pkgerrors.WrapFatal(pkgerrors.ErrStoreInconsistent, "test", "test", "fatal error"),
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "nil maps to 500",
			err:            nil,
			expectedStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, mapErrorToHTTPStatus(tt.err))
		})
	}
}

func TestServer_StartStop(t *testing.T) {
	e := newTestEnv(t, func(c *Config) { c.H2C = true })

	require.NoError(t, e.server.Start(context.Background()))
	assert.True(t, e.server.Health().IsHealthy())
	assert.Error(t, e.server.Start(context.Background()))

	resp, err := http.Get("http://" + e.server.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, e.server.Stop(time.Second))
	assert.True(t, e.server.Health().IsUnhealthy())
	assert.NoError(t, e.server.Stop(time.Second))
}
