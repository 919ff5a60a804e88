// Package websocket is the persistent-socket surface of the hub.
//
// A single endpoint serves two kinds of peer. A device announces itself
// with device_announce, streams telemetry and receives commands addressed
// to it. A dashboard simply connects: it is subscribed to the broadcast hub,
// gets the current snapshot first and then every event, and may issue
// operator commands.
//
// # Message Protocol
//
// Every frame in both directions is a JSON envelope:
//
//	type MessageEnvelope struct {
//	    Type      string          // see below
//	    ID        string          // correlation id, echoed in ack/nack
//	    Timestamp int64           // Unix milliseconds
//	    Payload   json.RawMessage // type specific
//	}
//
// Inbound types:
//
//	device_announce  {"deviceId":"esp32_uav","name":"...","firmware":"..."}
//	telemetry        a telemetry object, validated strictly
//	command          {"command":"relay","action":"on","deviceId":"..."}
//	ping             answered with pong
//
// Outbound types are ack, nack, pong, command (to devices) and the
// broadcast event kinds: snapshot, telemetry, status, stats, command,
// device, shutdown.
//
// A nack payload carries {"reason":"...","error":"..."}. Reasons are
// invalid_envelope, unknown_type, invalid, circuit_open, shutdown and
// rejected.
//
// # Keepalive
//
// The server pings every PingInterval and drops a peer that has been silent
// for PongTimeout. Frames larger than MaxMessageSize close the connection.
package websocket
