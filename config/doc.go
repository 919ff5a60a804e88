// Package config loads the hub's startup configuration.
//
// Configuration is read once at startup from three layers, later layers
// overriding earlier ones field by field:
//
//  1. Built-in defaults (Default)
//  2. Optional files, JSON or YAML by extension
//  3. Environment variables prefixed TELEMETRY_
//
// Durations are written as strings ("5s", "250ms", "1d") in files and
// environment variables.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("telemetry.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// # Environment Overrides
//
//	TELEMETRY_HTTP_ADDR            http.addr
//	TELEMETRY_DEVICE_ID            device_id
//	TELEMETRY_DEDUP_WINDOW         ingest.dedup_window
//	TELEMETRY_HISTORY_SIZE         ingest.history_size
//	TELEMETRY_BREAKER_THRESHOLD    ingest.breaker_threshold
//	TELEMETRY_BREAKER_RESET        ingest.breaker_reset
//	TELEMETRY_CONNECTION_TIMEOUT   monitor.connection_timeout
//	TELEMETRY_MONITOR_INTERVAL     monitor.interval
//	TELEMETRY_FALLBACK_ENABLED     simulation.enabled
//	TELEMETRY_FALLBACK_INTERVAL    simulation.interval
//	TELEMETRY_BROKER_ENABLED       broker.enabled
//	TELEMETRY_BROKER_BACKEND       broker.backend
//	TELEMETRY_BROKER_URL           broker.url
//	TELEMETRY_BROKER_USERNAME      broker.username
//	TELEMETRY_BROKER_PASSWORD      broker.password
//	TELEMETRY_BROKER_PREFIX        broker.topic_prefix
//	TELEMETRY_METRICS_ENABLED      metrics.enabled
//
// A malformed override fails the load rather than being ignored.
package config
