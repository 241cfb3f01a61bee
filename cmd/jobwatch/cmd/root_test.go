package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/jobwatch/internal/config"
	"github.com/psantana5/jobwatch/internal/logging"
	"github.com/psantana5/jobwatch/internal/shutdown"
)

func withConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })
	initConfig()
	return path
}

func TestLoadConfigAppliesEnvironment(t *testing.T) {
	outDir := t.TempDir()
	withConfigFile(t, "monitor:\n  interval: 5s\n  output_dir: "+outDir+"\n")

	t.Setenv("JOBWATCH_MONITOR_INTERVAL", "30s")
	t.Setenv("JOBWATCH_JOB_HOSTFILE", "/etc/jobwatch/hosts")
	t.Setenv("JOBWATCH_MONITOR_DIAGNOSTICS", "false")
	t.Setenv("JOBWATCH_RETENTION_KEEP_PER_NODE", "12")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "30s", cfg.Monitor.Interval, "environment beats the file")
	assert.Equal(t, outDir, cfg.Monitor.OutputDir)
	assert.Equal(t, "/etc/jobwatch/hosts", cfg.Job.Hostfile)
	assert.False(t, cfg.Monitor.Diagnostics)
	assert.Equal(t, 12, cfg.Retention.KeepPerNode)
	assert.True(t, cfg.Monitor.LogCollection, "untouched keys keep their defaults")
}

func TestLoadConfigRejectsInvalidOverride(t *testing.T) {
	withConfigFile(t, "monitor:\n  interval: 5s\n")
	t.Setenv("JOBWATCH_MONITOR_INTERVAL", "soon")

	_, err := loadConfig()
	assert.ErrorContains(t, err, "monitor.interval")
}

func TestBuildCollaborators(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	cfg := config.Default()
	cfg.Job.LogDir = t.TempDir()
	cfg.Job.PidsDir = t.TempDir()
	cfg.Job.Hostfile = filepath.Join(t.TempDir(), "hosts")

	sd := shutdown.New(0, nil)
	collab, err := buildCollaborators(cfg, logging.Discard(), sd)
	require.NoError(t, err, "missing ssh credentials only disable remote collection")
	assert.NotNil(t, collab.Status)
	assert.NotNil(t, collab.Logs)
	assert.NotNil(t, collab.Reports)
	assert.NotNil(t, collab.Topology)
	assert.Zero(t, sd.Shutdown())

	cfg.Monitor.LogCollection = false
	cfg.Monitor.Diagnostics = false
	cfg.Job.Hostfile = ""
	collab, err = buildCollaborators(cfg, logging.Discard(), shutdown.New(0, nil))
	require.NoError(t, err)
	assert.Nil(t, collab.Logs)
	assert.Nil(t, collab.Reports)
	assert.Nil(t, collab.Topology)

	cfg.Monitor.Diagnostics = true
	cfg.Diagnostics.SignaturesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = buildCollaborators(cfg, logging.Discard(), shutdown.New(0, nil))
	assert.ErrorContains(t, err, "signatures file")
}

func TestShortHelpers(t *testing.T) {
	assert.Equal(t, "3f1c2a9b", shortID("3f1c2a9b-77aa-4c1e-9d0e-2b1f4a5c6d7e"))
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "-", truncateText("", 10))
	assert.Equal(t, "abcdefg...", truncateText("abcdefghijklmnop", 10))
	assert.Equal(t, "-", orDash(""))
}
