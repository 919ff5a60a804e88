package broker

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// Topic suffixes under the configured prefix.
const (
	TopicVoltage   = "voltage"
	TopicCurrent   = "current"
	TopicPower     = "power"
	TopicRelay     = "relay"
	TopicPosition  = "position"
	TopicEmergency = "emergency"
	TopicSpeed     = "speed"
	TopicCommand   = "command"
)

// InboundTopics lists the suffixes the adapter subscribes to.
var InboundTopics = []string{
	TopicVoltage,
	TopicCurrent,
	TopicPower,
	TopicRelay,
	TopicPosition,
	TopicEmergency,
	TopicSpeed,
}

var scalarFields = map[string]string{
	TopicVoltage:   "voltage",
	TopicCurrent:   "current",
	TopicPower:     "power",
	TopicRelay:     "relayOn",
	TopicEmergency: "emergency",
	TopicSpeed:     "speed",
}

// decodePayload turns one topic's payload into a raw one-field fragment for
// the validator. Unknown topics return nil. Payloads that cannot be read
// still produce a fragment so the validator reports them.
func decodePayload(suffix string, payload []byte) map[string]any {
	text := strings.TrimSpace(string(payload))

	if suffix == TopicPosition {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		var pos map[string]any
		if err := dec.Decode(&pos); err != nil || pos == nil {
			return map[string]any{"latitude": text}
		}
		out := make(map[string]any, 4)
		for _, key := range []string{"lat", "latitude", "lng", "lon", "longitude", "alt", "altitude", "sats", "satellites"} {
			if v, ok := pos[key]; ok {
				out[key] = v
			}
		}
		if len(out) == 0 {
			return map[string]any{"latitude": text}
		}
		return out
	}

	key, ok := scalarFields[suffix]
	if !ok {
		return nil
	}
	// firmware sometimes quotes scalars
	if unq := strings.Trim(text, `"`); unq != text {
		text = unq
	}
	return map[string]any{key: text}
}

// emergencyPayload is the on/off form echoed back on the emergency topic.
func emergencyPayload(state telemetry.EmergencyState) []byte {
	if state == telemetry.EmergencyActive {
		return []byte("on")
	}
	return []byte("off")
}
