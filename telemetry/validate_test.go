package telemetry

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

func TestValidate_StrictBounds(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]any
		valid bool
	}{
		{"voltage low edge", map[string]any{"voltage": 0.0}, true},
		{"voltage high edge", map[string]any{"voltage": 50.0}, true},
		{"voltage negative", map[string]any{"voltage": -1.0}, false},
		{"voltage too high", map[string]any{"voltage": 100.0}, false},
		{"current negative ok", map[string]any{"current": -500.0}, true},
		{"current too negative", map[string]any{"current": -20000.0}, false},
		{"power edge", map[string]any{"power": -500000.0}, true},
		{"power over", map[string]any{"power": 500001.0}, false},
		{"temperature cold", map[string]any{"temperature": -51.0}, false},
		{"humidity over", map[string]any{"humidity": 100.5}, false},
		{"latitude edge", map[string]any{"latitude": -90.0}, true},
		{"latitude over", map[string]any{"latitude": 91.0}, false},
		{"longitude over", map[string]any{"longitude": 181.0}, false},
		{"longitude alias", map[string]any{"lng": 105.3}, true},
		{"altitude too low", map[string]any{"altitude": -1001.0}, false},
		{"speed negative", map[string]any{"speed": -0.1}, false},
		{"rssi positive", map[string]any{"rssi": 1.0}, false},
		{"rssi floor", map[string]any{"signalStrength": -127.0}, true},
		{"satellites integral", map[string]any{"satellites": 12.0}, true},
		{"satellites fractional", map[string]any{"satellites": 7.5}, false},
		{"satellites over", map[string]any{"satellites": 51.0}, false},
		{"relay string", map[string]any{"relayState": "HIDUP"}, true},
		{"relay garbage", map[string]any{"relayOn": "maybe"}, false},
		{"emergency enum", map[string]any{"emergency": "active"}, true},
		{"emergency unknown", map[string]any{"emergency": "panic"}, false},
		{"status enum", map[string]any{"connectionStatus": "timeout"}, true},
		{"status unknown", map[string]any{"connectionStatus": "sleepy"}, false},
		{"transport enum", map[string]any{"connectionType": "broker"}, true},
		{"transport unknown", map[string]any{"connectionType": "carrier-pigeon"}, false},
		{"packet max", map[string]any{"packetNumber": float64(math.MaxUint32)}, true},
		{"packet negative", map[string]any{"packetNumber": -1.0}, false},
		{"packet too large", map[string]any{"packetNumber": float64(math.MaxUint32) + 1}, false},
		{"voltage NaN string", map[string]any{"voltage": "NaN"}, false},
		{"voltage Inf", map[string]any{"voltage": math.Inf(1)}, false},
		{"voltage wrong type", map[string]any{"voltage": true}, false},
		{"timestamp negative", map[string]any{"timestamp": -5.0}, false},
		{"device id ok", map[string]any{"deviceId": "esp32-uav_01"}, true},
		{"device id bad chars", map[string]any{"deviceId": "rm -rf /"}, false},
		{"device id too long", map[string]any{"deviceId": strings.Repeat("a", MaxDeviceIDLength+1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Validate(tt.raw, ProfileStrict)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "validation failures classify as invalid")

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

// Test strict validation fails the whole record on one bad field
func TestValidate_StrictRejectsWholeRecord(t *testing.T) {
	rec, _, err := Validate(map[string]any{"voltage": 12.0, "current": 50.0, "latitude": 200.0}, ProfileStrict)
	require.Error(t, err)
	assert.True(t, rec.Empty())

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "latitude", verr.Field)
	assert.Equal(t, "latitude: 200 outside [-90, 90]", verr.Error())
	assert.ErrorIs(t, err, errors.ErrOutOfRange)
}

// Test relaxed validation drops bad fields and keeps good ones
func TestValidate_RelaxedDropsFields(t *testing.T) {
	rec, issues, err := Validate(map[string]any{
		"voltage":  "12.6",
		"current":  -20000.0,
		"speed":    "fast",
		"lat":      -5.35,
		"deviceId": "uav-1",
	}, ProfileRelaxed)

	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "current", issues[0].Field)
	assert.Equal(t, "speed", issues[1].Field)

	require.NotNil(t, rec.Voltage)
	assert.Equal(t, 12.6, *rec.Voltage)
	assert.Nil(t, rec.Current)
	assert.Nil(t, rec.Speed)
	assert.Equal(t, -5.35, *rec.Latitude)
	assert.Equal(t, "uav-1", rec.DeviceID)
	assert.Equal(t, []string{"voltage", "latitude"}, rec.Fields())
}

func TestValidate_RelaxedStillRejectsBadDeviceID(t *testing.T) {
	_, _, err := Validate(map[string]any{"voltage": 12.0, "deviceId": 42.0}, ProfileRelaxed)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidate_UnknownKeysStripped(t *testing.T) {
	rec, issues, err := Validate(map[string]any{"voltage": 11.1, "__proto__": "x", "cmd": "reboot"}, ProfileStrict)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, []string{"voltage"}, rec.Fields())
}

func TestValidate_CanonicalKeyWinsOverAlias(t *testing.T) {
	rec, _, err := Validate(map[string]any{"latitude": 1.0, "lat": 2.0}, ProfileStrict)
	require.NoError(t, err)
	assert.Equal(t, 1.0, *rec.Latitude)
}

func TestValidate_JSONNumbers(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"voltage": 12.5, "packetNumber": 4294967295, "satellites": 9}`))
	dec.UseNumber()
	var raw map[string]any
	require.NoError(t, dec.Decode(&raw))

	rec, _, err := Validate(raw, ProfileStrict)
	require.NoError(t, err)
	assert.Equal(t, uint32(math.MaxUint32), *rec.PacketNumber)
	assert.Equal(t, 9, *rec.Satellites)
}

func TestValidate_NullMeansAbsent(t *testing.T) {
	rec, _, err := Validate(map[string]any{"voltage": nil, "current": 1.0}, ProfileStrict)
	require.NoError(t, err)
	assert.Nil(t, rec.Voltage)
	assert.NotNil(t, rec.Current)
}

func TestParseRelayAndEmergency(t *testing.T) {
	for _, s := range []any{"1", "true", "ON", "HIDUP", true, 1.0} {
		v, ok := ParseRelay(s)
		assert.True(t, ok, "%v", s)
		assert.True(t, v, "%v", s)
	}
	for _, s := range []any{"0", "false", "off", "MATI", false, 0.0} {
		v, ok := ParseRelay(s)
		assert.True(t, ok, "%v", s)
		assert.False(t, v, "%v", s)
	}
	_, ok := ParseRelay(2.0)
	assert.False(t, ok)

	assert.Equal(t, EmergencyActive, ParseEmergency("on"))
	assert.Equal(t, EmergencyNormal, ParseEmergency("OFF"))
	assert.Equal(t, EmergencyCleared, ParseEmergency("cleared"))
	assert.False(t, ParseEmergency("bogus").Valid())
}

func TestValidateRecord(t *testing.T) {
	in := Record{
		Voltage:   Ptr(60.0),
		Current:   Ptr(1.5),
		DeviceID:  "uav-1",
		Timestamp: 1700000000000,
	}

	_, _, err := ValidateRecord(in, ProfileStrict)
	require.Error(t, err)

	out, issues, err := ValidateRecord(in, ProfileRelaxed)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Nil(t, out.Voltage)
	assert.Equal(t, 1.5, *out.Current)
	assert.NotNil(t, in.Voltage, "input is not modified")

	_, _, err = ValidateRecord(Record{DeviceID: "bad id"}, ProfileRelaxed)
	assert.Error(t, err)
}
