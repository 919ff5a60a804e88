// Package service builds the telemetry hub from its configuration and owns
// its lifecycle.
//
// New constructs every component and wires them together:
//
//	transports (http, websocket, broker)
//	        │ Submit
//	        ▼
//	ingest.Pipeline ── validate, dedup, breaker, store, hub
//	        │ NotifyRealData
//	        ▼
//	simulation.Fallback ◄── monitor.ConnectionMonitor (RequestStart)
//
// Commands flow the other way: the command.Dispatcher fans each command
// out to the HTTP outbox, socket devices and the broker.
//
// Stop shuts down in a fixed order: the shutdown event is broadcast first,
// then the monitor and fallback timers stop, then the broker link, the
// socket endpoint and finally the HTTP listener close.
package service
