package state

import (
	"sort"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// RegisterDevice records an announced device, merging metadata into any
// existing registration. It reports whether the registration is new.
func (s *Store) RegisterDevice(deviceID string, kind telemetry.TransportKind, metadata map[string]string) (telemetry.Registration, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.touchLocked(deviceID, kind, now)
	reg := s.devices[deviceID]
	if len(metadata) > 0 {
		if reg.Metadata == nil {
			reg.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			reg.Metadata[k] = v
		}
	}
	return reg.Clone(), created
}

// TouchDevice refreshes a device's last-seen time, creating the registration
// on first sight. Duplicates call this too: a retransmitting device is alive.
func (s *Store) TouchDevice(deviceID string, kind telemetry.TransportKind) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touchLocked(deviceID, kind, now)
}

func (s *Store) touchLocked(deviceID string, kind telemetry.TransportKind, now time.Time) bool {
	if reg, ok := s.devices[deviceID]; ok {
		reg.LastSeen = now
		reg.Transport = kind
		return false
	}
	s.devices[deviceID] = &telemetry.Registration{
		DeviceID:    deviceID,
		Transport:   kind,
		ConnectedAt: now,
		LastSeen:    now,
	}
	s.setLiveGauge()
	s.logger.Info("device registered", "device", deviceID, "transport", kind)
	return true
}

// RemoveStaleDevices drops registrations not seen for longer than timeout and
// returns their ids, sorted.
func (s *Store) RemoveStaleDevices(timeout time.Duration) []string {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, reg := range s.devices {
		if now.Sub(reg.LastSeen) > timeout {
			delete(s.devices, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		s.setLiveGauge()
	}
	return removed
}

// Devices returns copies of all registrations, sorted by id.
func (s *Store) Devices() []telemetry.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]telemetry.Registration, 0, len(s.devices))
	for _, reg := range s.devices {
		out = append(out, reg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// HasRealDevice reports whether any registration other than the synthetic
// device is live.
func (s *Store) HasRealDevice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.devices {
		if id != telemetry.SyntheticDeviceID {
			return true
		}
	}
	return false
}

// setLiveGauge is called with the lock held.
func (s *Store) setLiveGauge() {
	if s.registry != nil {
		s.registry.CoreMetrics().DevicesLive.Set(float64(len(s.devices)))
	}
}
