package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "TELEMETRY"

// durationKeys are the map keys decoded as time.Duration. Files and
// environment variables carry them as strings.
var durationKeys = map[string]bool{
	"dedup_window":       true,
	"breaker_reset":      true,
	"interval":           true,
	"connection_timeout": true,
	"fallback_grace":     true,
	"read_timeout":       true,
	"write_timeout":      true,
	"command_ttl":        true,
	"ping_interval":      true,
	"pong_timeout":       true,
	"connect_timeout":    true,
	"initial_backoff":    true,
	"max_backoff":        true,
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix replaces the TELEMETRY prefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer and the environment, in that order.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map with durations
// converted to nanoseconds.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	} else {
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations walks the map and rewrites duration strings in place.
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case string:
			if !durationKeys[k] {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "1d")
func parseDurationWithDays(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap overrides only the fields present in the map.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if len(override) == 0 {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	dec := json.NewDecoder(bytes.NewReader(mergedJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides. A value that
// does not parse fails the load.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := envReader{l: l}

	env.str("HTTP_ADDR", &cfg.HTTP.Addr)
	env.str("DEVICE_ID", &cfg.DeviceID)

	env.duration("DEDUP_WINDOW", &cfg.Ingest.DedupWindow)
	env.integer("HISTORY_SIZE", &cfg.Ingest.HistorySize)
	env.integer("BREAKER_THRESHOLD", &cfg.Ingest.BreakerThreshold)
	env.duration("BREAKER_RESET", &cfg.Ingest.BreakerReset)

	env.duration("CONNECTION_TIMEOUT", &cfg.Monitor.ConnectionTimeout)
	env.duration("MONITOR_INTERVAL", &cfg.Monitor.Interval)

	env.boolean("FALLBACK_ENABLED", &cfg.Simulation.Enabled)
	env.duration("FALLBACK_INTERVAL", &cfg.Simulation.Interval)

	env.boolean("BROKER_ENABLED", &cfg.Broker.Enabled)
	env.str("BROKER_BACKEND", &cfg.Broker.Backend)
	env.str("BROKER_URL", &cfg.Broker.URL)
	env.str("BROKER_USERNAME", &cfg.Broker.Username)
	env.str("BROKER_PASSWORD", &cfg.Broker.Password)
	env.str("BROKER_PREFIX", &cfg.Broker.TopicPrefix)

	env.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)

	return env.err
}

// envReader collects the first failure so the override list stays flat.
type envReader struct {
	l   *Loader
	err error
}

func (e *envReader) lookup(name string) (string, string, bool) {
	if e.err != nil {
		return "", "", false
	}
	key := e.l.envPrefix + "_" + name
	val, ok := e.l.lookupEnv(key)
	if !ok || val == "" {
		return key, "", false
	}
	if err := validateEnvVar(key, val); err != nil {
		e.fail(key, err)
		return key, "", false
	}
	return key, strings.TrimSpace(val), true
}

func (e *envReader) fail(key string, err error) {
	e.err = errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, key, err),
		"Loader", "applyEnvOverrides", "parse environment")
}

func (e *envReader) str(name string, dst *string) {
	if _, val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	key, val, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := parseDurationWithDays(val)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

func (e *envReader) integer(name string, dst *int) {
	key, val, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(name string, dst *bool) {
	key, val, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

// SaveToFile writes the configuration as JSON or YAML by extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "marshal")
	}
	return safeWriteFile(path, data)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
