// Package telemetry defines the canonical telemetry record, the device
// registration and history types, and the validator every transport funnels
// its input through.
//
// A Record distinguishes "absent" from "zero": every optional field is a
// pointer. Merging a fragment into the live record overwrites only the fields
// the fragment carries, so partial updates from different transports compose
// field by field.
package telemetry

import (
	"time"
)

// SyntheticDeviceID identifies records produced by the simulation fallback.
const SyntheticDeviceID = "dummy_device"

// TransportKind names the link a record or command travelled over.
type TransportKind string

// Transport kinds
const (
	TransportHTTP   TransportKind = "http"
	TransportSocket TransportKind = "socket"
	TransportBroker TransportKind = "broker"
	TransportNone   TransportKind = "none"
)

// Valid reports whether k is one of the known transport kinds.
func (k TransportKind) Valid() bool {
	switch k {
	case TransportHTTP, TransportSocket, TransportBroker, TransportNone:
		return true
	}
	return false
}

// EmergencyState is the device's emergency latch.
type EmergencyState string

// Emergency states
const (
	EmergencyNormal  EmergencyState = "normal"
	EmergencyActive  EmergencyState = "active"
	EmergencyCleared EmergencyState = "cleared"
)

// Valid reports whether s is a known emergency state.
func (s EmergencyState) Valid() bool {
	switch s {
	case EmergencyNormal, EmergencyActive, EmergencyCleared:
		return true
	}
	return false
}

// ConnectionStatus is the hub's view of the device link.
type ConnectionStatus string

// Connection statuses
const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusTimeout      ConnectionStatus = "timeout"
)

// Valid reports whether s is a known connection status.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusConnected, StatusDisconnected, StatusTimeout:
		return true
	}
	return false
}

// Record is the canonical telemetry record. A nil field is absent.
type Record struct {
	Voltage          *float64          `json:"voltage,omitempty"`
	Current          *float64          `json:"current,omitempty"`
	Power            *float64          `json:"power,omitempty"`
	Temperature      *float64          `json:"temperature,omitempty"`
	Humidity         *float64          `json:"humidity,omitempty"`
	Latitude         *float64          `json:"latitude,omitempty"`
	Longitude        *float64          `json:"longitude,omitempty"`
	Altitude         *float64          `json:"altitude,omitempty"`
	Speed            *float64          `json:"speed,omitempty"`
	SignalStrength   *float64          `json:"signalStrength,omitempty"`
	Satellites       *int              `json:"satellites,omitempty"`
	RelayOn          *bool             `json:"relayOn,omitempty"`
	Emergency        *EmergencyState   `json:"emergency,omitempty"`
	ConnectionStatus *ConnectionStatus `json:"connectionStatus,omitempty"`
	ConnectionType   *TransportKind    `json:"connectionType,omitempty"`
	PacketNumber     *uint32           `json:"packetNumber,omitempty"`
	DeviceID         string            `json:"deviceId,omitempty"`
	// Timestamp is epoch milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

func mergePtr[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Merge overwrites every field present in fragment. Absent fields keep their
// current value. The receiver never aliases fragment's pointers.
func (r *Record) Merge(fragment Record) {
	mergePtr(&r.Voltage, fragment.Voltage)
	mergePtr(&r.Current, fragment.Current)
	mergePtr(&r.Power, fragment.Power)
	mergePtr(&r.Temperature, fragment.Temperature)
	mergePtr(&r.Humidity, fragment.Humidity)
	mergePtr(&r.Latitude, fragment.Latitude)
	mergePtr(&r.Longitude, fragment.Longitude)
	mergePtr(&r.Altitude, fragment.Altitude)
	mergePtr(&r.Speed, fragment.Speed)
	mergePtr(&r.SignalStrength, fragment.SignalStrength)
	mergePtr(&r.Satellites, fragment.Satellites)
	mergePtr(&r.RelayOn, fragment.RelayOn)
	mergePtr(&r.Emergency, fragment.Emergency)
	mergePtr(&r.ConnectionStatus, fragment.ConnectionStatus)
	mergePtr(&r.ConnectionType, fragment.ConnectionType)
	mergePtr(&r.PacketNumber, fragment.PacketNumber)
	if fragment.DeviceID != "" {
		r.DeviceID = fragment.DeviceID
	}
	if fragment.Timestamp != 0 {
		r.Timestamp = fragment.Timestamp
	}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	return Record{
		Voltage:          clonePtr(r.Voltage),
		Current:          clonePtr(r.Current),
		Power:            clonePtr(r.Power),
		Temperature:      clonePtr(r.Temperature),
		Humidity:         clonePtr(r.Humidity),
		Latitude:         clonePtr(r.Latitude),
		Longitude:        clonePtr(r.Longitude),
		Altitude:         clonePtr(r.Altitude),
		Speed:            clonePtr(r.Speed),
		SignalStrength:   clonePtr(r.SignalStrength),
		Satellites:       clonePtr(r.Satellites),
		RelayOn:          clonePtr(r.RelayOn),
		Emergency:        clonePtr(r.Emergency),
		ConnectionStatus: clonePtr(r.ConnectionStatus),
		ConnectionType:   clonePtr(r.ConnectionType),
		PacketNumber:     clonePtr(r.PacketNumber),
		DeviceID:         r.DeviceID,
		Timestamp:        r.Timestamp,
	}
}

// Fields lists the JSON names of the telemetry fields present, in canonical
// order. DeviceID and Timestamp are identity, not telemetry, and are omitted.
func (r Record) Fields() []string {
	var out []string
	for _, f := range fieldTable {
		if f.present(&r) {
			out = append(out, f.key)
		}
	}
	return out
}

// Empty reports whether no telemetry field is present.
func (r Record) Empty() bool {
	for _, f := range fieldTable {
		if f.present(&r) {
			return false
		}
	}
	return true
}

// Registration tracks a device the hub has heard from recently.
type Registration struct {
	DeviceID    string            `json:"deviceId"`
	Transport   TransportKind     `json:"transport"`
	ConnectedAt time.Time         `json:"connectedAt"`
	LastSeen    time.Time         `json:"lastSeen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy that shares nothing with r.
func (r Registration) Clone() Registration {
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	return r
}

// HistoryEntry is an immutable copy of the live record after an accepted update.
type HistoryEntry struct {
	Record     Record    `json:"record"`
	ReceivedAt time.Time `json:"receivedAt"`
}
