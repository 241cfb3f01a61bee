package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, `
monitor:
  interval: 2s
  log_collection: false
job:
  hostfile: /etc/jobwatch/hostfile
history:
  driver: sqlite3
  dsn: /tmp/history.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "2s", cfg.Monitor.Interval)
	assert.False(t, cfg.Monitor.LogCollection)
	assert.True(t, cfg.Monitor.Diagnostics, "unset keys keep their default")
	assert.Equal(t, "./logs/monitor", cfg.Monitor.OutputDir)
	assert.Equal(t, "/etc/jobwatch/hostfile", cfg.Job.Hostfile)
	assert.Equal(t, 22, cfg.Collection.SSH.Port)
	assert.Equal(t, "sqlite3", cfg.History.Driver)

	mc, err := cfg.ToMonitorConfig()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, mc.Interval)
	assert.Equal(t, 5*time.Second, mc.StopTimeout)
	assert.False(t, mc.EnableLogCollection)
	assert.True(t, mc.EnableDiagnostics)
}

func TestLoadRestoresExplicitEmptyValues(t *testing.T) {
	path := writeConfig(t, `
monitor:
  interval: ""
logging:
  level: ""
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10s", cfg.Monitor.Interval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "monitor: [", "failed to parse"},
		{"bad interval", "monitor:\n  interval: soon\n", "monitor.interval"},
		{"zero interval", "monitor:\n  interval: 0s\n", "must be positive"},
		{"negative tail", "collection:\n  tail_bytes: -1\n", "tail_bytes"},
		{"unknown driver", "history:\n  driver: oracle\n  dsn: x\n", "history.driver"},
		{"driver without dsn", "history:\n  driver: postgres\n", "history.dsn"},
		{"archive without bucket", "diagnostics:\n  archive:\n    endpoint: s3.local:9000\n", "bucket"},
		{"bad port", "collection:\n  ssh:\n    port: 70000\n", "port"},
		{"bad retention age", "retention:\n  artifact_max_age: forever\n", "retention.artifact_max_age"},
		{"cert without key", "api:\n  tls_cert: api.crt\n", "tls_key"},
		{"client ca without cert", "api:\n  client_ca: ca.pem\n", "client_ca"},
		{"negative keep", "retention:\n  keep_per_node: -2\n", "keep_per_node"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, ExampleConfig))
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), cfg.Collection.TailBytes)
	assert.Equal(t, "jobwatch/", cfg.Diagnostics.Archive.Prefix)
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.Diagnostics.Archive.SecretKey = "hunter2"
	cfg.History.Driver = "postgres"
	cfg.History.DSN = "postgres://jobwatch:pw@db/jobwatch"

	red := cfg.Redacted()
	assert.Equal(t, "********", red.Diagnostics.Archive.SecretKey)
	assert.Equal(t, "********", red.History.DSN)
	assert.Equal(t, "hunter2", cfg.Diagnostics.Archive.SecretKey, "the receiver is not modified")

	data, err := red.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, red.Monitor, back.Monitor)
}

func TestToRetentionConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
retention:
  artifact_max_age: 24h
  keep_per_node: 20
  history_max_age: 720h
`))
	require.NoError(t, err)

	rc, err := cfg.ToRetentionConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, rc.Interval, "interval keeps its default")
	assert.Equal(t, 24*time.Hour, rc.ArtifactMaxAge)
	assert.Equal(t, 20, rc.KeepPerNode)
	assert.Equal(t, 720*time.Hour, rc.HistoryMaxAge)
	assert.True(t, rc.Enabled())

	rc, err = Default().ToRetentionConfig()
	require.NoError(t, err)
	assert.False(t, rc.Enabled(), "retention is off by default")
}
