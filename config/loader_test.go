package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arrsahzyy/Proyek-TD-KRTI-2025-WEB-sub001/errors"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// noEnv isolates a loader from the process environment.
func noEnv(l *Loader) *Loader {
	l.lookupEnv = func(string) (string, bool) { return "", false }
	return l
}

func withEnv(l *Loader, env map[string]string) *Loader {
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestLoadWithoutLayersReturnsDefaults(t *testing.T) {
	cfg, err := noEnv(NewLoader()).Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadJSONLayer(t *testing.T) {
	path := writeFile(t, "telemetry.json", `{
		"device_id": "uav_2",
		"http": {"addr": ":9090"},
		"ingest": {"dedup_window": "2s"},
		"monitor": {"connection_timeout": "1m"}
	}`)

	l := noEnv(NewLoader())
	l.EnableValidation(true)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "uav_2", cfg.DeviceID)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.Ingest.DedupWindow)
	assert.Equal(t, time.Minute, cfg.Monitor.ConnectionTimeout)

	// untouched fields keep their defaults
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 100, cfg.Ingest.HistorySize)
}

func TestLoadYAMLLayerOverridesJSON(t *testing.T) {
	base := writeFile(t, "base.json", `{"http": {"addr": ":9090"}, "ingest": {"history_size": 50}}`)
	over := writeFile(t, "override.yaml", `
http:
  addr: ":7070"
broker:
  enabled: true
  backend: nats
  url: nats://localhost:4222
  initial_backoff: 500ms
simulation:
  enabled: false
`)

	l := noEnv(NewLoader())
	l.AddLayer(base)
	l.AddLayer(over)
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 50, cfg.Ingest.HistorySize)
	assert.True(t, cfg.Broker.Enabled)
	assert.Equal(t, "nats", cfg.Broker.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Broker.InitialBackoff)
	assert.Equal(t, "krti/uav/", cfg.Broker.TopicPrefix)
	assert.False(t, cfg.Simulation.Enabled)
}

func TestLoadDurationWithDays(t *testing.T) {
	path := writeFile(t, "days.yml", "ingest:\n  breaker_reset: 1d\n")
	cfg, err := noEnv(NewLoader()).LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.Ingest.BreakerReset)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad duration", "bad.json", `{"ingest": {"dedup_window": "soon"}}`},
		{"unknown field", "typo.json", `{"ingest": {"dedup_windw": "1s"}}`},
		{"malformed json", "broken.json", `{"http": {"addr": ":1"}`},
		{"malformed yaml", "broken.yaml", "http: [unclosed"},
		{"wrong extension", "cfg.toml", `addr = ":1"`},
		{"too deep", "deep.json", strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.body)
			_, err := noEnv(NewLoader()).LoadFile(path)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := noEnv(NewLoader()).LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	l := withEnv(NewLoader(), map[string]string{
		"TELEMETRY_HTTP_ADDR":          ":1234",
		"TELEMETRY_DEVICE_ID":          "drone_7",
		"TELEMETRY_DEDUP_WINDOW":       "750ms",
		"TELEMETRY_CONNECTION_TIMEOUT": "30s",
		"TELEMETRY_FALLBACK_ENABLED":   "false",
		"TELEMETRY_BREAKER_THRESHOLD":  "9",
		"TELEMETRY_BROKER_ENABLED":     "true",
		"TELEMETRY_BROKER_URL":         "tcp://broker:1883",
		"TELEMETRY_BROKER_PASSWORD":    "secret",
		"TELEMETRY_BROKER_PREFIX":      "fleet/a",
	})
	l.EnableValidation(true)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":1234", cfg.HTTP.Addr)
	assert.Equal(t, "drone_7", cfg.DeviceID)
	assert.Equal(t, 750*time.Millisecond, cfg.Ingest.DedupWindow)
	assert.Equal(t, 30*time.Second, cfg.Monitor.ConnectionTimeout)
	assert.False(t, cfg.Simulation.Enabled)
	assert.Equal(t, 9, cfg.Ingest.BreakerThreshold)
	assert.True(t, cfg.Broker.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.Broker.URL)
	assert.Equal(t, "secret", cfg.Broker.Password)
	assert.Equal(t, "fleet/a/", cfg.Broker.TopicPrefix)
}

func TestEnvOverridesFileLayer(t *testing.T) {
	path := writeFile(t, "telemetry.json", `{"http": {"addr": ":9090"}}`)
	l := withEnv(NewLoader(), map[string]string{"TELEMETRY_HTTP_ADDR": ":7777"})
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.HTTP.Addr)
}

func TestEnvOverrideMalformed(t *testing.T) {
	tests := map[string]string{
		"TELEMETRY_DEDUP_WINDOW":      "fast",
		"TELEMETRY_HISTORY_SIZE":      "many",
		"TELEMETRY_FALLBACK_ENABLED":  "perhaps",
		"TELEMETRY_MONITOR_INTERVAL":  "5x",
		"TELEMETRY_BREAKER_THRESHOLD": "1.5",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := withEnv(NewLoader(), map[string]string{key: val}).Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestSetEnvPrefix(t *testing.T) {
	t.Setenv("HUB_TEST_HTTP_ADDR", ":4321")
	l := NewLoader()
	l.SetEnvPrefix("HUB_TEST_")
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, ":4321", cfg.HTTP.Addr)
}

func TestSaveAndReload(t *testing.T) {
	for _, name := range []string{"saved.json", "saved.yaml"} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.DeviceID = "uav_9"
			cfg.Ingest.DedupWindow = 3 * time.Second
			cfg.Broker.Enabled = true

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveToFile(path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

			loaded, err := noEnv(NewLoader()).LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "uav_9", loaded.DeviceID)
			assert.Equal(t, 3*time.Second, loaded.Ingest.DedupWindow)
			assert.True(t, loaded.Broker.Enabled)
		})
	}
}

func TestValidateConfigPath(t *testing.T) {
	assert.Error(t, validateConfigPath(""))
	assert.Error(t, validateConfigPath("../outside.json"))
	assert.Error(t, validateConfigPath("config.ini"))
	assert.NoError(t, validateConfigPath("telemetry.yaml"))
	assert.NoError(t, validateConfigPath("/etc/telemetry/hub.json"))
}

func TestValidateJSONDepthIgnoresStrings(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "[[[[{{{{\"]]"}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [`)))
	assert.Error(t, validateJSONDepth([]byte(`]`)))
}
