package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/broadcast"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/circuit"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/config"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/input/broker"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/input/websocket"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/metric"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// fakeBroker is an in-memory broker shared by every client it hands out.
type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]broker.MessageHandler
	published map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:  make(map[string]broker.MessageHandler),
		published: make(map[string][][]byte),
	}
}

func (b *fakeBroker) factory() (broker.Client, error) {
	return &fakeClient{b: b}, nil
}

func (b *fakeBroker) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	require.True(t, ok, "no subscription on %s", topic)
	h(topic, []byte(payload))
}

func (b *fakeBroker) publishedOn(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[topic]...)
}

type fakeClient struct{ b *fakeBroker }

func (c *fakeClient) Connect(context.Context) error { return nil }

func (c *fakeClient) Subscribe(_ context.Context, topic string, handler broker.MessageHandler) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.handlers[topic] = handler
	return nil
}

func (c *fakeClient) Publish(_ context.Context, topic string, payload []byte, _ bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.published[topic] = append(c.b.published[topic], payload)
	return nil
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) OnConnectionLost(func(error)) {}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Simulation.Enabled = false
	cfg.Monitor.Interval = 50 * time.Millisecond
	cfg.Monitor.ConnectionTimeout = 2 * time.Second
	cfg.Monitor.FallbackGrace = 50 * time.Millisecond
	cfg.Ingest.BreakerReset = time.Minute
	return cfg
}

// ServiceSuite runs the end-to-end scenarios against a started hub.
type ServiceSuite struct {
	suite.Suite
	svc    *Service
	broker *fakeBroker
	client *http.Client
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.svc = nil
	s.broker = newFakeBroker()
	s.client = &http.Client{Timeout: 5 * time.Second}
}

func (s *ServiceSuite) TearDownTest() {
	if s.svc != nil {
		_ = s.svc.Stop(2 * time.Second)
	}
}

func (s *ServiceSuite) start(mutate func(*config.Config)) *Service {
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := New(cfg, nil, metric.NewMetricsRegistry(), WithBrokerFactory(s.broker.factory))
	s.Require().NoError(err)
	s.Require().NoError(svc.Start(context.Background()))
	s.svc = svc
	return svc
}

func (s *ServiceSuite) url(path string) string {
	return "http://" + s.svc.Addr() + path
}

func (s *ServiceSuite) do(method, path, body string) (int, map[string]any) {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.url(path), r)
	s.Require().NoError(err)
	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Require().NoError(json.Unmarshal(data, &out), string(data))
	return resp.StatusCode, out
}

func (s *ServiceSuite) dialDevice(id string) *gorilla.Conn {
	conn, _, err := gorilla.DefaultDialer.Dial("ws://"+s.svc.Addr()+"/ws", nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })

	payload, err := json.Marshal(websocket.Announce{DeviceID: id})
	s.Require().NoError(err)
	s.Require().NoError(conn.WriteJSON(websocket.MessageEnvelope{
		Type:      websocket.TypeDeviceAnnounce,
		ID:        "announce-1",
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}))
	s.nextFrame(conn, websocket.TypeAck)
	return conn
}

func (s *ServiceSuite) nextFrame(conn *gorilla.Conn, typ string) websocket.MessageEnvelope {
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.Require().NoError(conn.SetReadDeadline(deadline))
		var env websocket.MessageEnvelope
		s.Require().NoError(conn.ReadJSON(&env), "waiting for %s", typ)
		if env.Type == typ {
			return env
		}
	}
}

func (s *ServiceSuite) tripBreaker() {
	b := s.svc.Breaker()
	for i := 0; i < s.svc.cfg.Ingest.BreakerThreshold; i++ {
		_ = b.Execute(func() error { return stderrors.New("store unavailable") })
	}
	s.Require().Equal(circuit.Open, b.State())
}

// Scenario A: a packet is merged once; its retransmission is a duplicate.
func (s *ServiceSuite) TestScenarioA_AcceptThenDuplicate() {
	svc := s.start(nil)
	body := `{"voltage":14.8,"current":2.1,"packetNumber":1,"deviceId":"d1"}`

	code, resp := s.do(http.MethodPost, "/telemetry", body)
	s.Equal(http.StatusOK, code)
	s.Equal(true, resp["accepted"])
	s.Equal(false, resp["duplicate"])

	snap := svc.Store().GetSnapshot()
	s.Require().NotNil(snap.Voltage)
	s.InDelta(14.8, *snap.Voltage, 1e-9)
	s.Equal(uint32(1), svc.Store().GetStats().PacketsReceived)

	code, resp = s.do(http.MethodPost, "/telemetry", body)
	s.Equal(http.StatusOK, code)
	s.Equal(true, resp["duplicate"])
	s.Equal(uint32(1), svc.Store().GetStats().PacketsReceived)
	s.Equal(uint64(1), svc.Store().GetStats().DuplicatePackets)
}

// Scenario B: an out-of-range field rejects the packet and is counted.
func (s *ServiceSuite) TestScenarioB_OutOfRangeRejected() {
	svc := s.start(nil)

	code, resp := s.do(http.MethodPost, "/telemetry", `{"voltage":999}`)
	s.Equal(http.StatusBadRequest, code)
	s.Equal(false, resp["accepted"])
	s.Contains(resp["reason"], "voltage")

	s.Nil(svc.Store().GetSnapshot().Voltage)
	s.Equal(uint64(1), svc.Store().GetStats().InvalidPackets)
	s.Equal(uint32(0), svc.Store().GetStats().PacketsReceived)
}

// Scenario C: a silent device times out and the simulation takes over.
func (s *ServiceSuite) TestScenarioC_TimeoutThenFallback() {
	svc := s.start(func(cfg *config.Config) {
		cfg.Simulation.Enabled = true
		cfg.Simulation.Interval = 20 * time.Millisecond
		cfg.Monitor.Interval = 20 * time.Millisecond
		cfg.Monitor.ConnectionTimeout = 150 * time.Millisecond
		cfg.Monitor.FallbackGrace = 30 * time.Millisecond
	})

	code, _ := s.do(http.MethodPost, "/telemetry", `{"voltage":15.1,"deviceId":"d1"}`)
	s.Require().Equal(http.StatusOK, code)

	s.Eventually(func() bool {
		return svc.Store().ConnectionStatus() == telemetry.StatusTimeout
	}, 3*time.Second, 10*time.Millisecond)

	s.Eventually(func() bool {
		return svc.Fallback().Active() && svc.Store().GetSnapshot().DeviceID == telemetry.SyntheticDeviceID
	}, 3*time.Second, 10*time.Millisecond)

	first := svc.Store().GetSnapshot().Timestamp
	s.Eventually(func() bool {
		return svc.Store().GetSnapshot().Timestamp > first
	}, 3*time.Second, 10*time.Millisecond, "synthetic samples keep arriving")
	s.Equal(telemetry.StatusTimeout, svc.Store().ConnectionStatus(), "synthetic data never marks the link connected")
}

// A device that has announced but not yet reported keeps the fallback down.
func (s *ServiceSuite) TestAnnouncedDeviceHoldsOffFallback() {
	svc := s.start(func(cfg *config.Config) {
		cfg.Simulation.Enabled = true
		cfg.Simulation.Interval = 20 * time.Millisecond
		cfg.Monitor.FallbackGrace = 300 * time.Millisecond
	})
	s.Require().True(svc.Fallback().Pending())

	s.dialDevice("d1")
	time.Sleep(600 * time.Millisecond)

	s.False(svc.Fallback().Active())
	s.False(svc.Fallback().Pending())
	s.NotEqual(telemetry.SyntheticDeviceID, svc.Store().GetSnapshot().DeviceID)
	devices := svc.Store().Devices()
	s.Require().Len(devices, 1)
	s.Equal("d1", devices[0].DeviceID)
}

// Scenario D: two broker topics merge into one record.
func (s *ServiceSuite) TestScenarioD_BrokerFieldsMerge() {
	svc := s.start(func(cfg *config.Config) {
		cfg.Broker.Enabled = true
	})
	s.Require().Eventually(func() bool {
		return svc.Broker().State() == broker.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	s.broker.deliver(s.T(), "krti/uav/voltage", "15.92")
	time.Sleep(50 * time.Millisecond)
	s.broker.deliver(s.T(), "krti/uav/current", "0.20")

	s.Eventually(func() bool {
		snap := svc.Store().GetSnapshot()
		return snap.Voltage != nil && snap.Current != nil
	}, 2*time.Second, 5*time.Millisecond)

	snap := svc.Store().GetSnapshot()
	s.InDelta(15.92, *snap.Voltage, 1e-9)
	s.InDelta(0.20, *snap.Current, 1e-9)
	s.Equal("esp32_uav", snap.DeviceID)
	s.Require().NotNil(snap.ConnectionType)
	s.Equal(telemetry.TransportBroker, *snap.ConnectionType)
}

// Scenario E: an emergency command reaches every transport while the
// ingestion breaker is open, and ingestion keeps failing fast.
func (s *ServiceSuite) TestScenarioE_EmergencyWithBreakerOpen() {
	svc := s.start(func(cfg *config.Config) {
		cfg.Broker.Enabled = true
	})
	s.Require().Eventually(func() bool {
		return svc.Broker().State() == broker.StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// the first poll opens the device's outbox cursor
	code, _ := s.do(http.MethodPost, "/telemetry", `{"voltage":15.0,"deviceId":"d1"}`)
	s.Require().Equal(http.StatusOK, code)
	conn := s.dialDevice("d2")

	s.tripBreaker()

	code, ack := s.do(http.MethodPost, "/command", `{"command":"emergency","action":"on"}`)
	s.Require().Equal(http.StatusAccepted, code)
	s.Equal(true, ack["urgent"])
	s.ElementsMatch([]any{"broker", "http", "socket"}, ack["delivered"])

	s.Len(s.broker.publishedOn("krti/uav/command"), 1)
	frame := s.nextFrame(conn, websocket.TypeCommand)
	var wire map[string]any
	s.Require().NoError(json.Unmarshal(frame.Payload, &wire))
	s.Equal("emergency", wire["command"])
	s.Equal("on", wire["action"])

	code, resp := s.do(http.MethodPost, "/telemetry", `{"voltage":15.0,"deviceId":"d1"}`)
	s.Equal(http.StatusServiceUnavailable, code)
	s.Equal("service degraded: circuit breaker open", resp["reason"])

	code, h := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, code)
	s.Equal("degraded", h["status"])
}

func (s *ServiceSuite) TestStatsAndMetricsRoutes() {
	s.start(nil)
	code, _ := s.do(http.MethodPost, "/telemetry", `{"voltage":14.0,"packetNumber":7,"deviceId":"d1"}`)
	s.Require().Equal(http.StatusOK, code)

	code, stats := s.do(http.MethodGet, "/stats", "")
	s.Equal(http.StatusOK, code)
	s.Equal("running", stats["status"])
	s.Contains(stats, "store")
	s.Contains(stats, "breaker")
	s.Equal(float64(1), stats["dedup"].(map[string]any)["entries"])
	s.ElementsMatch([]any{"http", "socket"}, stats["publishers"])
	s.NotContains(stats, "broker")

	resp, err := s.client.Get(s.url("/metrics"))
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Contains(string(body), "telemetry_packets_accepted_total")
}

func (s *ServiceSuite) TestStopBroadcastsShutdownFirst() {
	svc := s.start(nil)
	obs := broadcast.NewChanObserver(1024)
	_, err := svc.Hub().Subscribe(obs)
	s.Require().NoError(err)
	conn, _, err := gorilla.DefaultDialer.Dial("ws://"+svc.Addr()+"/ws", nil)
	s.Require().NoError(err)
	defer conn.Close()
	s.nextFrame(conn, string(broadcast.EventSnapshot))
	s.Require().Eventually(func() bool { return svc.Hub().Count() == 2 }, time.Second, 5*time.Millisecond)

	s.Require().NoError(svc.Stop(2 * time.Second))
	s.Equal(StatusStopped, svc.Status())

	var kinds []broadcast.EventKind
	for len(obs.C()) > 0 {
		kinds = append(kinds, (<-obs.C()).Kind)
	}
	s.Contains(kinds, broadcast.EventShutdown)

	s.nextFrame(conn, string(broadcast.EventShutdown))

	_, err = s.client.Get(s.url("/health"))
	s.Error(err, "listener closed")

	s.NoError(svc.Stop(time.Second), "second stop is a no-op")
	err = svc.Start(context.Background())
	s.Require().Error(err)
	s.True(errors.IsFatal(err))
}

func (s *ServiceSuite) TestStartTwice() {
	svc := s.start(nil)
	err := svc.Start(context.Background())
	s.Require().Error(err)
	s.True(errors.IsInvalid(err))
}

func TestNew_RequiresValidConfig(t *testing.T) {
	_, err := New(nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	cfg := testConfig()
	cfg.Ingest.DedupWindow = 0
	_, err = New(cfg, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNew_FallbackOnlyWhenEnabled(t *testing.T) {
	cfg := testConfig()
	svc, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, svc.Fallback())
	assert.Nil(t, svc.Broker())
	assert.Equal(t, StatusStopped, svc.Status())
	require.NoError(t, svc.Stop(time.Second))

	cfg = testConfig()
	cfg.Simulation.Enabled = true
	svc, err = New(cfg, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc.Fallback())
	assert.True(t, svc.Health().IsUnhealthy(), "listener not started")

	require.NoError(t, svc.Stop(time.Second))
	assert.True(t, errors.IsFatal(svc.Start(context.Background())))
}
