package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/command"
	cerrors "github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/ingest"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/state"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

const (
	healthSystemName = "telemetry-hub"
	maxHistoryLimit  = 1000
)

// TelemetryResponse is the reply to a device push. Commands carries
// whatever the outbox holds for the device.
type TelemetryResponse struct {
	Accepted  bool              `json:"accepted"`
	Duplicate bool              `json:"duplicate"`
	Reason    string            `json:"reason,omitempty"`
	Commands  []command.Command `json:"commands,omitempty"`
}

// SnapshotResponse is the body of GET /telemetry.
type SnapshotResponse struct {
	Snapshot telemetry.Record `json:"snapshot"`
	Stats    state.Stats      `json:"stats"`
}

var errBodyTooLarge = errors.New("request body too large")

// readBody reads at most MaxRequestSize bytes and reports oversize bodies.
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		return nil, err
	}
	s.bytesReceived.Add(uint64(len(body)))
	if int64(len(body)) > s.cfg.MaxRequestSize {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func (s *Server) handleGetTelemetry(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, SnapshotResponse{
		Snapshot: s.deps.Store.GetSnapshot(),
		Stats:    s.deps.Store.GetStats(),
	})
}

func (s *Server) handlePostTelemetry(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, TelemetryResponse{Reason: err.Error()})
			return
		}
		s.writeJSON(w, http.StatusBadRequest, TelemetryResponse{Reason: "failed to read request body"})
		return
	}

	// numbers stay json.Number so integer fields keep full precision
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		s.deps.Store.RecordInvalid()
		s.writeJSON(w, http.StatusBadRequest, TelemetryResponse{Reason: "malformed JSON object"})
		return
	}

	res := s.deps.Pipeline.Submit(r.Context(), ingest.Submission{
		Transport: telemetry.TransportHTTP,
		Profile:   telemetry.ProfileStrict,
		Raw:       raw,
	})
	if !res.Accepted {
		s.writeJSON(w, mapErrorToHTTPStatus(res.Err), TelemetryResponse{Reason: res.Reason})
		return
	}

	resp := TelemetryResponse{Accepted: true, Duplicate: res.Duplicate}
	resp.Commands = s.outbox.Collect(s.deviceID(raw))
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) deviceID(raw map[string]any) string {
	if id, ok := raw["deviceId"].(string); ok && id != "" {
		return id
	}
	return s.deps.DefaultDeviceID
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := s.deps.Dispatcher.Parse(body)
	if err != nil {
		s.writeError(w, mapErrorToHTTPStatus(err), reason(err))
		return
	}
	req.Source = telemetry.TransportHTTP

	// delivery continues even if the operator disconnects
	ack, err := s.deps.Dispatcher.Dispatch(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.writeError(w, mapErrorToHTTPStatus(err), reason(err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries := s.deps.Store.History(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.deps.Store.Devices()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(devices),
		"devices": devices,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		s.writeJSON(w, http.StatusOK, s.Health())
		return
	}
	status := s.deps.Health.AggregateHealth(healthSystemName)
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

// HTTPStats are the gateway's own request counters.
type HTTPStats struct {
	RequestsTotal   uint64        `json:"requestsTotal"`
	RequestsSuccess uint64        `json:"requestsSuccess"`
	RequestsFailed  uint64        `json:"requestsFailed"`
	BytesReceived   uint64        `json:"bytesReceived"`
	BytesSent       uint64        `json:"bytesSent"`
	OutboxEvicted   uint64        `json:"outboxEvicted"`
	Uptime          time.Duration `json:"uptime"`
}

// Stats returns the request counters.
func (s *Server) Stats() HTTPStats {
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()
	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return HTTPStats{
		RequestsTotal:   s.requestsTotal.Load(),
		RequestsSuccess: s.requestsSuccess.Load(),
		RequestsFailed:  s.requestsFailed.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		BytesSent:       s.bytesSent.Load(),
		OutboxEvicted:   s.outbox.Evicted(),
		Uptime:          uptime,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats != nil {
		s.writeJSON(w, http.StatusOK, s.deps.Stats())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"store": s.deps.Store.GetStats(),
		"http":  s.Stats(),
	})
}

// reason returns the message a classified error was built from, falling
// back to the sanitized class message.
func reason(err error) string {
	var ce *cerrors.ClassifiedError
	if errors.As(err, &ce) {
		if inner := errors.Unwrap(ce.Err); inner != nil {
			return inner.Error()
		}
	}
	return sanitizeError(err)
}
