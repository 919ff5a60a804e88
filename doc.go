// Package telemetryhub is the ground-station hub for the KRTI UAV: it
// accepts telemetry from the aircraft over HTTP, WebSocket or an MQTT/NATS
// broker, keeps the latest merged state, relays every change to live
// observers and routes operator commands back to the device.
//
// # Layout
//
//	cmd/telemetryd      entry point, flags and logging
//	config              defaults, JSON/YAML layers, TELEMETRY_ env overrides
//	service             component wiring and ordered shutdown
//	telemetry           record model, validation and merging
//	ingest              validate, dedup, breaker, store, broadcast
//	state               latest snapshot, ring history, device registry
//	broadcast           observer hub
//	command             command validation and fan-out
//	monitor             connection watchdog
//	simulation          synthetic fallback generator
//	gateway/http        REST gateway, command outbox, /health and /metrics
//	input/websocket     device and dashboard sockets
//	input/broker        MQTT and NATS topic adapter
//	natsclient          NATS connection management and JetStream KV
//
// The supporting packages (errors, metric, health, circuit, dedup and
// pkg/...) carry no telemetry knowledge and are shared by the above.
package telemetryhub
