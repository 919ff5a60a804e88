package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

// Profile selects how the validator treats a bad field.
type Profile int

const (
	// ProfileStrict rejects the whole record on the first bad field.
	ProfileStrict Profile = iota
	// ProfileRelaxed drops bad fields and keeps the rest. Used for broker
	// input, where each topic carries one field and a single bad reading
	// must not discard the running record.
	ProfileRelaxed
)

func (p Profile) String() string {
	if p == ProfileRelaxed {
		return "relaxed"
	}
	return "strict"
}

// Limits shared with adapters and tests.
const (
	MaxDeviceIDLength = 64
	maxTimestampMs    = 32503680000000 // 3000-01-01
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// ValidationError describes one rejected field. It unwraps to
// errors.ErrOutOfRange or errors.ErrInvalidData.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func malformed(field string, v any, want string) *ValidationError {
	return &ValidationError{
		Field:  field,
		Value:  v,
		Reason: fmt.Sprintf("expected %s, got %T", want, v),
		Err:    errors.ErrInvalidData,
	}
}

func outOfRange(field string, v any, min, max float64) *ValidationError {
	return &ValidationError{
		Field:  field,
		Value:  v,
		Reason: fmt.Sprintf("%v outside [%g, %g]", v, min, max),
		Err:    errors.ErrOutOfRange,
	}
}

type field struct {
	key     string
	aliases []string
	decode  func(v any, r *Record) *ValidationError
	check   func(r *Record) *ValidationError
	clear   func(r *Record)
	present func(r *Record) bool
}

func floatField(key string, get func(*Record) **float64, min, max float64, aliases ...string) field {
	return field{
		key:     key,
		aliases: aliases,
		decode: func(v any, r *Record) *ValidationError {
			f, ok := toFloat(v)
			if !ok {
				return malformed(key, v, "number")
			}
			*get(r) = &f
			return nil
		},
		check: func(r *Record) *ValidationError {
			p := *get(r)
			if p == nil {
				return nil
			}
			if math.IsNaN(*p) || math.IsInf(*p, 0) || *p < min || *p > max {
				return outOfRange(key, *p, min, max)
			}
			return nil
		},
		clear:   func(r *Record) { *get(r) = nil },
		present: func(r *Record) bool { return *get(r) != nil },
	}
}

func enumField[T ~string](key string, get func(*Record) **T, parse func(string) T, valid func(T) bool, aliases ...string) field {
	return field{
		key:     key,
		aliases: aliases,
		decode: func(v any, r *Record) *ValidationError {
			var val T
			switch x := v.(type) {
			case string:
				val = parse(strings.ToLower(strings.TrimSpace(x)))
			case bool:
				// only emergency accepts booleans; others fail the validity check
				val = parse(strconv.FormatBool(x))
			default:
				return malformed(key, v, "string")
			}
			*get(r) = &val
			return nil
		},
		check: func(r *Record) *ValidationError {
			p := *get(r)
			if p == nil || valid(*p) {
				return nil
			}
			return &ValidationError{
				Field:  key,
				Value:  string(*p),
				Reason: fmt.Sprintf("unknown value %q", string(*p)),
				Err:    errors.ErrInvalidData,
			}
		},
		clear:   func(r *Record) { *get(r) = nil },
		present: func(r *Record) bool { return *get(r) != nil },
	}
}

func identity[T ~string](s string) T { return T(s) }

// ParseEmergency maps device and broker spellings onto EmergencyState.
func ParseEmergency(s string) EmergencyState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1", "active", "emergency":
		return EmergencyActive
	case "off", "false", "0", "normal":
		return EmergencyNormal
	case "cleared", "clear":
		return EmergencyCleared
	}
	return EmergencyState(s)
}

// ParseRelay accepts the relay spellings used by firmware and broker topics.
func ParseRelay(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToUpper(strings.TrimSpace(x)) {
		case "1", "TRUE", "ON", "HIDUP":
			return true, true
		case "0", "FALSE", "OFF", "MATI":
			return false, true
		}
		return false, false
	}
	if f, ok := toFloat(v); ok {
		switch f {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	}
	return false, false
}

var fieldTable = []field{
	floatField("voltage", func(r *Record) **float64 { return &r.Voltage }, 0, 50),
	floatField("current", func(r *Record) **float64 { return &r.Current }, -10000, 10000),
	floatField("power", func(r *Record) **float64 { return &r.Power }, -500000, 500000),
	floatField("temperature", func(r *Record) **float64 { return &r.Temperature }, -50, 100, "temp"),
	floatField("humidity", func(r *Record) **float64 { return &r.Humidity }, 0, 100),
	floatField("latitude", func(r *Record) **float64 { return &r.Latitude }, -90, 90, "lat"),
	floatField("longitude", func(r *Record) **float64 { return &r.Longitude }, -180, 180, "lng", "lon"),
	floatField("altitude", func(r *Record) **float64 { return &r.Altitude }, -1000, 50000, "alt"),
	floatField("speed", func(r *Record) **float64 { return &r.Speed }, 0, 1000),
	floatField("signalStrength", func(r *Record) **float64 { return &r.SignalStrength }, -127, 0, "rssi", "signal"),
	{
		key:     "satellites",
		aliases: []string{"sats"},
		decode: func(v any, r *Record) *ValidationError {
			f, ok := toFloat(v)
			if !ok || f != math.Trunc(f) {
				return malformed("satellites", v, "integer")
			}
			if f < 0 || f > 50 {
				return outOfRange("satellites", v, 0, 50)
			}
			n := int(f)
			r.Satellites = &n
			return nil
		},
		check: func(r *Record) *ValidationError {
			if r.Satellites != nil && (*r.Satellites < 0 || *r.Satellites > 50) {
				return outOfRange("satellites", *r.Satellites, 0, 50)
			}
			return nil
		},
		clear:   func(r *Record) { r.Satellites = nil },
		present: func(r *Record) bool { return r.Satellites != nil },
	},
	{
		key:     "relayOn",
		aliases: []string{"relayState", "relay"},
		decode: func(v any, r *Record) *ValidationError {
			b, ok := ParseRelay(v)
			if !ok {
				return malformed("relayOn", v, "boolean")
			}
			r.RelayOn = &b
			return nil
		},
		check:   func(*Record) *ValidationError { return nil },
		clear:   func(r *Record) { r.RelayOn = nil },
		present: func(r *Record) bool { return r.RelayOn != nil },
	},
	enumField("emergency", func(r *Record) **EmergencyState { return &r.Emergency },
		ParseEmergency, EmergencyState.Valid, "emergencyState"),
	enumField("connectionStatus", func(r *Record) **ConnectionStatus { return &r.ConnectionStatus },
		identity[ConnectionStatus], ConnectionStatus.Valid),
	enumField("connectionType", func(r *Record) **TransportKind { return &r.ConnectionType },
		identity[TransportKind], TransportKind.Valid),
	{
		key:     "packetNumber",
		aliases: []string{"packet", "seq"},
		decode: func(v any, r *Record) *ValidationError {
			f, ok := toFloat(v)
			if !ok || f != math.Trunc(f) {
				return malformed("packetNumber", v, "integer")
			}
			if f < 0 || f > math.MaxUint32 {
				return outOfRange("packetNumber", v, 0, math.MaxUint32)
			}
			n := uint32(f)
			r.PacketNumber = &n
			return nil
		},
		check:   func(*Record) *ValidationError { return nil },
		clear:   func(r *Record) { r.PacketNumber = nil },
		present: func(r *Record) bool { return r.PacketNumber != nil },
	},
}

func lookup(raw map[string]any, f field) (any, bool) {
	if v, ok := raw[f.key]; ok && v != nil {
		return v, true
	}
	for _, alias := range f.aliases {
		if v, ok := raw[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// ValidDeviceID checks length and charset of a device identifier.
func ValidDeviceID(id string) error {
	if id == "" || len(id) > MaxDeviceIDLength || !deviceIDPattern.MatchString(id) {
		return &ValidationError{
			Field:  "deviceId",
			Value:  id,
			Reason: fmt.Sprintf("must be 1-%d characters of [A-Za-z0-9_.:-]", MaxDeviceIDLength),
			Err:    errors.ErrInvalidData,
		}
	}
	return nil
}

// Validate decodes a raw key/value map into a Record. Unknown keys are
// ignored and aliases (lat, lng, rssi, relayState, ...) are accepted.
//
// Under ProfileStrict the first bad field fails the record with an invalid
// classified error wrapping a *ValidationError. Under ProfileRelaxed bad
// fields are dropped and reported in issues; only a malformed device id
// fails the record.
func Validate(raw map[string]any, profile Profile) (Record, []*ValidationError, error) {
	var rec Record
	var issues []*ValidationError

	for _, f := range fieldTable {
		v, ok := lookup(raw, f)
		if !ok {
			continue
		}
		verr := f.decode(v, &rec)
		if verr == nil {
			verr = f.check(&rec)
		}
		if verr == nil {
			continue
		}
		if profile == ProfileStrict {
			return Record{}, nil, errors.WrapInvalid(verr, "Validator", "Validate", "strict validation")
		}
		f.clear(&rec)
		issues = append(issues, verr)
	}

	if v, ok := raw["deviceId"]; ok && v != nil {
		id, isString := v.(string)
		if !isString {
			return Record{}, issues, errors.WrapInvalid(malformed("deviceId", v, "string"),
				"Validator", "Validate", "device id")
		}
		if err := ValidDeviceID(id); err != nil {
			return Record{}, issues, errors.WrapInvalid(err, "Validator", "Validate", "device id")
		}
		rec.DeviceID = id
	}

	if v, ok := raw["timestamp"]; ok && v != nil {
		ts, verr := decodeTimestamp(v)
		switch {
		case verr == nil:
			rec.Timestamp = ts
		case profile == ProfileStrict:
			return Record{}, nil, errors.WrapInvalid(verr, "Validator", "Validate", "strict validation")
		default:
			issues = append(issues, verr)
		}
	}

	return rec, issues, nil
}

// ValidateRecord applies the same bounds to an already-typed record. It
// returns a cleaned copy; rec is not modified.
func ValidateRecord(rec Record, profile Profile) (Record, []*ValidationError, error) {
	out := rec.Clone()
	var issues []*ValidationError

	for _, f := range fieldTable {
		verr := f.check(&out)
		if verr == nil {
			continue
		}
		if profile == ProfileStrict {
			return Record{}, nil, errors.WrapInvalid(verr, "Validator", "ValidateRecord", "strict validation")
		}
		f.clear(&out)
		issues = append(issues, verr)
	}

	if out.DeviceID != "" {
		if err := ValidDeviceID(out.DeviceID); err != nil {
			return Record{}, issues, errors.WrapInvalid(err, "Validator", "ValidateRecord", "device id")
		}
	}
	if out.Timestamp < 0 || out.Timestamp > maxTimestampMs {
		verr := outOfRange("timestamp", out.Timestamp, 0, maxTimestampMs)
		if profile == ProfileStrict {
			return Record{}, nil, errors.WrapInvalid(verr, "Validator", "ValidateRecord", "strict validation")
		}
		out.Timestamp = 0
		issues = append(issues, verr)
	}
	return out, issues, nil
}

func decodeTimestamp(v any) (int64, *ValidationError) {
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, malformed("timestamp", v, "integer epoch")
	}
	if f < 0 || f > maxTimestampMs {
		return 0, outOfRange("timestamp", v, 0, maxTimestampMs)
	}
	return int64(f), nil
}

// toFloat accepts JSON numbers, Go numeric kinds and decimal strings.
// Broker payloads arrive as strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
