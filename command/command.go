// Package command turns operator requests into commands and fans them out to
// every transport that can reach the target device.
//
// Commands form a closed enumeration:
//
//	relay      on | off | toggle
//	emergency  on | off
//	reboot     now
//	status     query
//
// Emergency commands are urgent: they always target every device and are
// handed to every publisher regardless of the ingestion circuit breaker,
// which this package never consults.
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/telemetry"
)

// Kind is the command family.
type Kind string

// Command kinds
const (
	KindRelay     Kind = "relay"
	KindEmergency Kind = "emergency"
	KindReboot    Kind = "reboot"
	KindStatus    Kind = "status"
)

// TargetAll addresses every device.
const TargetAll = "all"

// MaxTokenLength bounds command and action strings.
const MaxTokenLength = 32

// actions lists the valid actions per kind; the first entry is the default
// when a request omits the action, or "" when the action is required.
var actions = map[Kind][]string{
	KindRelay:     {"", "on", "off", "toggle"},
	KindEmergency: {"", "on", "off"},
	KindReboot:    {"now", "now"},
	KindStatus:    {"query", "query"},
}

// shorthands map single-word commands onto kind and action.
var shorthands = map[string]struct {
	kind   Kind
	action string
}{
	"relay_on":        {KindRelay, "on"},
	"relay_off":       {KindRelay, "off"},
	"relay_toggle":    {KindRelay, "toggle"},
	"emergency_stop":  {KindEmergency, "on"},
	"emergency_on":    {KindEmergency, "on"},
	"emergency_clear": {KindEmergency, "off"},
	"emergency_off":   {KindEmergency, "off"},
}

// Request is an operator command as received from HTTP or a dashboard
// socket.
type Request struct {
	Command  string                  `json:"command"`
	Action   string                  `json:"action,omitempty"`
	Value    *float64                `json:"value,omitempty"`
	DeviceID string                  `json:"deviceId,omitempty"`
	Source   telemetry.TransportKind `json:"-"`
}

// Command is a validated, addressed command. It is fire-and-forget.
type Command struct {
	ID        string
	Target    string
	Kind      Kind
	Action    string
	Value     *float64
	Transport telemetry.TransportKind
	Urgent    bool
	IssuedAt  time.Time
}

// Wire is the outbound JSON shape devices receive.
type Wire struct {
	ID        string   `json:"id"`
	Command   Kind     `json:"command"`
	Action    string   `json:"action"`
	Value     *float64 `json:"value,omitempty"`
	DeviceID  string   `json:"deviceId"`
	Urgent    bool     `json:"urgent"`
	Timestamp int64    `json:"timestamp"`
}

// Wire returns the device-facing representation.
func (c Command) Wire() Wire {
	return Wire{
		ID:        c.ID,
		Command:   c.Kind,
		Action:    c.Action,
		Value:     c.Value,
		DeviceID:  c.Target,
		Urgent:    c.Urgent,
		Timestamp: c.IssuedAt.UnixMilli(),
	}
}

// MarshalJSON encodes the wire form.
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Wire())
}

// Addresses reports whether c is meant for deviceID.
func (c Command) Addresses(deviceID string) bool {
	return c.Target == TargetAll || c.Target == deviceID
}

// resolve maps a request onto kind and action.
func resolve(req Request) (Kind, string, error) {
	if sh, ok := shorthands[req.Command]; ok {
		if req.Action != "" && req.Action != sh.action {
			return "", "", invalid(fmt.Errorf("%w: %q conflicts with action %q", errors.ErrUnknownCommand, req.Command, req.Action))
		}
		return sh.kind, sh.action, nil
	}

	kind := Kind(req.Command)
	valid, ok := actions[kind]
	if !ok {
		return "", "", invalid(fmt.Errorf("%w: %q", errors.ErrUnknownCommand, req.Command))
	}

	action := req.Action
	if action == "" {
		action = valid[0]
		if action == "" {
			return "", "", invalid(fmt.Errorf("%w: %s requires an action", errors.ErrUnknownCommand, kind))
		}
		return kind, action, nil
	}
	for _, a := range valid[1:] {
		if a == action {
			return kind, action, nil
		}
	}
	return "", "", invalid(fmt.Errorf("%w: %s does not support %q", errors.ErrUnknownCommand, kind, action))
}

func invalid(err error) error {
	return errors.WrapInvalid(err, "Dispatcher", "Dispatch", "resolve command")
}
