package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/broadcast"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/command"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/health"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/state"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// Message types
const (
	TypeDeviceAnnounce = "device_announce"
	TypeTelemetry      = "telemetry"
	TypeCommand        = "command"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeAck            = "ack"
	TypeNack           = "nack"
)

// Nack reasons beyond the ingest rejection reasons.
const (
	ReasonInvalidEnvelope = "invalid_envelope"
	ReasonUnknownType     = "unknown_type"
	ReasonRejected        = "rejected"
)

const (
	maxMetadataEntries = 16
	maxMetadataKey     = 32
	maxMetadataValue   = 128
)

// MessageEnvelope wraps every frame with type discrimination.
type MessageEnvelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Nack is the payload of a nack reply.
type Nack struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// Announce is the payload of device_announce.
type Announce struct {
	DeviceID string            `json:"deviceId"`
	Name     string            `json:"name,omitempty"`
	Firmware string            `json:"firmware,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Submitter is the ingestion entry point.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) ingest.Result
}

// Dispatcher accepts operator commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, req command.Request) (command.Ack, error)
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDispatcher enables the command message type.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithPresence is called with the device id of every accepted announce.
// *ingest.Pipeline.NotifyPresence fits.
func WithPresence(fn func(deviceID string)) Option {
	return func(s *Server) {
		s.presence = fn
	}
}

// Server is an http.Handler serving the socket endpoint. It is also the
// command publisher for announced socket devices.
type Server struct {
	cfg        Config
	submit     Submitter
	store      *state.Store
	hub        *broadcast.Hub
	dispatcher Dispatcher
	presence   func(deviceID string)
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*client

	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once

	connectionsTotal atomic.Int64
	messagesReceived atomic.Int64
	errorCount       atomic.Int64
}

// NewServer creates the socket endpoint.
func NewServer(cfg Config, submit Submitter, store *state.Store, hub *broadcast.Hub, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if submit == nil || store == nil || hub == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer",
			"submitter, store and hub are required")
	}

	s := &Server{
		cfg:      cfg,
		submit:   submit,
		store:    store,
		hub:      hub,
		logger:   slog.Default(),
		clients:  make(map[string]*client),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "websocket")
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		EnableCompression: cfg.EnableCompression,
		CheckOrigin:       s.checkOrigin,
	}
	return s, nil
}

// Path returns the mount path.
func (s *Server) Path() string { return s.cfg.Path }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection and serves the peer until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.errorCount.Add(1)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	c := newClient(fmt.Sprintf("client-%d", s.connectionsTotal.Add(1)), conn, s.cfg.SendQueue)

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	s.wg.Add(2)
	go s.writePump(c)

	unsubscribe, err := s.hub.Subscribe(c)
	if err != nil {
		s.logger.Warn("observer subscription failed", "client", c.id, "error", err)
	} else {
		c.setUnsubscribe(unsubscribe)
	}

	s.logger.Debug("client connected", "client", c.id, "remote", r.RemoteAddr)
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("client read failed", "client", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		s.messagesReceived.Add(1)

		env, err := parseEnvelope(data)
		if err != nil {
			s.errorCount.Add(1)
			s.reply(c, nackEnvelope("", ReasonInvalidEnvelope, err.Error()))
			continue
		}
		s.handleMessage(c, env)
	}
}

// writePump is the only writer on the connection.
func (s *Server) writePump(c *client) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	write := func(kind int, data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(kind, data); err != nil {
			s.logger.Debug("client write failed", "client", c.id, "error", err)
			c.close()
			return false
		}
		return true
	}

	for {
		select {
		case data := <-c.send:
			if !write(websocket.TextMessage, data) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			// flush what was queued before the close, e.g. the shutdown event
			for {
				select {
				case data := <-c.send:
					if !write(websocket.TextMessage, data) {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
						time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (s *Server) removeClient(c *client) {
	c.close()
	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	if id := c.DeviceID(); id != "" {
		s.logger.Info("device socket closed", "device", id, "client", c.id)
	} else {
		s.logger.Debug("client disconnected", "client", c.id)
	}
}

func parseEnvelope(data []byte) (*MessageEnvelope, error) {
	var env MessageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "parseEnvelope", "unmarshal message")
	}
	if env.Type == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("missing message type"), "Server", "parseEnvelope", "validate envelope")
	}
	return &env, nil
}

func (s *Server) handleMessage(c *client, env *MessageEnvelope) {
	ctx := context.Background()
	switch env.Type {
	case TypeDeviceAnnounce:
		s.handleAnnounce(c, env)

	case TypeTelemetry:
		raw, err := decodeObject(env.Payload)
		if err != nil {
			s.store.RecordInvalid()
			s.reply(c, nackEnvelope(env.ID, ingest.ReasonInvalid, err.Error()))
			return
		}
		res := s.submit.Submit(ctx, ingest.Submission{
			DeviceID:  c.DeviceID(),
			Transport: telemetry.TransportSocket,
			Profile:   telemetry.ProfileStrict,
			Raw:       raw,
		})
		if !res.Accepted {
			s.reply(c, nackEnvelope(env.ID, rejectReason(res), res.Reason))
			return
		}
		s.reply(c, ackEnvelope(env.ID, res))

	case TypeCommand:
		if s.dispatcher == nil {
			s.reply(c, nackEnvelope(env.ID, ReasonUnknownType, "commands are not accepted on this endpoint"))
			return
		}
		var req command.Request
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.reply(c, nackEnvelope(env.ID, ingest.ReasonInvalid, "malformed command payload"))
			return
		}
		req.Source = telemetry.TransportSocket
		ack, err := s.dispatcher.Dispatch(ctx, req)
		if err != nil {
			s.reply(c, nackEnvelope(env.ID, ReasonRejected, ingest.Describe(err)))
			return
		}
		s.reply(c, ackEnvelope(env.ID, ack))

	case TypePing:
		s.reply(c, &MessageEnvelope{Type: TypePong, ID: env.ID, Timestamp: time.Now().UnixMilli()})

	case TypeAck, TypeNack, TypePong:
		// replies from a device to our commands

	default:
		s.errorCount.Add(1)
		s.reply(c, nackEnvelope(env.ID, ReasonUnknownType, fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

func (s *Server) handleAnnounce(c *client, env *MessageEnvelope) {
	var a Announce
	if err := json.Unmarshal(env.Payload, &a); err != nil {
		s.reply(c, nackEnvelope(env.ID, ingest.ReasonInvalid, "malformed announce payload"))
		return
	}
	if err := telemetry.ValidDeviceID(a.DeviceID); err != nil {
		s.reply(c, nackEnvelope(env.ID, ingest.ReasonInvalid, err.Error()))
		return
	}
	if prev := c.DeviceID(); prev != "" && prev != a.DeviceID {
		s.reply(c, nackEnvelope(env.ID, ingest.ReasonInvalid,
			fmt.Sprintf("socket already announced as %q", prev)))
		return
	}

	reg, created := s.store.RegisterDevice(a.DeviceID, telemetry.TransportSocket, a.metadata())
	c.setDeviceID(a.DeviceID)
	// devices take commands directly, not the dashboard stream
	c.unsubscribe()

	if created {
		if _, err := s.hub.Publish(broadcast.EventDevice, ingest.DeviceEvent{
			DeviceID:  a.DeviceID,
			Transport: telemetry.TransportSocket,
			Status:    telemetry.StatusConnected,
		}); err != nil {
			s.logger.Warn("broadcast failed", "error", err)
		}
	}
	if s.presence != nil {
		s.presence(a.DeviceID)
	}
	s.logger.Info("device announced", "device", a.DeviceID, "client", c.id, "new", created)
	s.reply(c, ackEnvelope(env.ID, reg))
}

// metadata merges name and firmware into the free-form map and bounds it.
func (a Announce) metadata() map[string]string {
	out := make(map[string]string, len(a.Metadata)+2)
	keys := make([]string, 0, len(a.Metadata))
	for k := range a.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(out) >= maxMetadataEntries {
			break
		}
		if k == "" || len(k) > maxMetadataKey {
			continue
		}
		out[k] = truncate(a.Metadata[k], maxMetadataValue)
	}
	if a.Name != "" {
		out["name"] = truncate(a.Name, maxMetadataValue)
	}
	if a.Firmware != "" {
		out["firmware"] = truncate(a.Firmware, maxMetadataValue)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func decodeObject(payload json.RawMessage) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("missing telemetry payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return nil, fmt.Errorf("telemetry payload must be a JSON object")
	}
	return raw, nil
}

func rejectReason(res ingest.Result) string {
	switch {
	case errors.IsInvalid(res.Err):
		return ingest.ReasonInvalid
	case res.Reason == ingest.Describe(errors.ErrCircuitOpen):
		return ingest.ReasonCircuitOpen
	default:
		return ingest.ReasonShutdown
	}
}

func ackEnvelope(id string, payload any) *MessageEnvelope {
	env := &MessageEnvelope{Type: TypeAck, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			env.Payload = data
		}
	}
	return env
}

func nackEnvelope(id, reason, msg string) *MessageEnvelope {
	data, _ := json.Marshal(Nack{Reason: reason, Error: msg})
	return &MessageEnvelope{Type: TypeNack, ID: id, Timestamp: time.Now().UnixMilli(), Payload: data}
}

// reply queues a direct response, waiting up to WriteTimeout for room.
func (s *Server) reply(c *client, env *MessageEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("envelope encoding failed", "type", env.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := c.enqueue(ctx, data); err != nil {
		s.logger.Debug("reply dropped", "client", c.id, "type", env.Type, "error", err)
	}
}

// Name implements command.Publisher.
func (s *Server) Name() string { return string(telemetry.TransportSocket) }

// Reaches implements command.Publisher.
func (s *Server) Reaches(target string) bool {
	return len(s.devicesFor(target)) > 0
}

func (s *Server) devicesFor(target string) []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	var out []*client
	for _, c := range s.clients {
		id := c.DeviceID()
		if id == "" || c.closed.Load() {
			continue
		}
		if target == command.TargetAll || target == id {
			out = append(out, c)
		}
	}
	return out
}

// PublishCommand implements command.Publisher. It succeeds when at least
// one addressed device socket took the command.
func (s *Server) PublishCommand(ctx context.Context, cmd command.Command) error {
	targets := s.devicesFor(cmd.Target)
	if len(targets) == 0 {
		return errors.WrapTransient(errors.ErrNoConnection, "Server", "PublishCommand",
			"find device socket for "+cmd.Target)
	}
	wire, err := json.Marshal(cmd.Wire())
	if err != nil {
		return errors.WrapFatal(err, "Server", "PublishCommand", "encode command")
	}
	data, err := json.Marshal(MessageEnvelope{
		Type:      TypeCommand,
		ID:        cmd.ID,
		Timestamp: cmd.IssuedAt.UnixMilli(),
		Payload:   wire,
	})
	if err != nil {
		return errors.WrapFatal(err, "Server", "PublishCommand", "encode envelope")
	}

	var lastErr error
	delivered := 0
	for _, c := range targets {
		if err := c.enqueue(ctx, data); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.WrapTransient(lastErr, "Server", "PublishCommand", "queue command")
	}
	return nil
}

// Clients returns the number of connected peers.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Health reports the endpoint state.
func (s *Server) Health() health.Status {
	select {
	case <-s.shutdown:
		return health.NewUnhealthy("websocket", "endpoint closed")
	default:
	}
	return health.NewHealthy("websocket", fmt.Sprintf("%d clients, %d messages", s.Clients(), s.messagesReceived.Load()))
}

// Stop closes every connection, flushing queued frames first, and waits up
// to timeout for the peers to be released.
func (s *Server) Stop(timeout time.Duration) error {
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("websocket endpoint stopped", "connections_total", s.connectionsTotal.Load())
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Server", "Stop", "wait for clients")
	}
}
