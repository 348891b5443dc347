package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
)

const sampleConfig = `
data_dir: /var/lib/cluso
http_addr: ":9100"
node:
  address: 10.0.0.7
  control_port: 7500
  app_port: 25565
cluster:
  heartbeat_interval: 1s
  election_timeout: 5s
  state_backend: bolt
  secret: correct-horse-battery
replication:
  watch: [world, plugins]
  ignore: ["*.tmp"]
  read_retry_delay: 250ms
application:
  command: /usr/bin/server
  args: ["--nogui"]
`

// TestLoadConfig tests that YAML settings land on the node config
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluso.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	fc, err := loadConfig(path, true)
	require.NoError(t, err)
	require.NoError(t, fc.Validate())
	assert.Equal(t, "mangos", fc.Transport, "unset keys keep their defaults")
	assert.Equal(t, 10*time.Second, fc.Application.StopTimeout)

	cfg := fc.clusterConfig()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tcp://10.0.0.7:7500", cfg.ControlAddr())
	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.ElectionTimeout)
	assert.Equal(t, "bolt", cfg.StateBackend)
	assert.Equal(t, 25565, cfg.AppPort)
	assert.Equal(t, cluster.DefaultConfig().DataPort, cfg.DataPort, "unset ports are defaulted")
	assert.Equal(t, cluster.DefaultConfig().ElectionDesync, cfg.ElectionDesync)

	repl := fc.replicationConfig()
	require.NoError(t, repl.Validate())
	assert.Equal(t, filepath.Join("/var/lib/cluso", "shared"), repl.Root)
	assert.Equal(t, []string{"world", "plugins"}, repl.Watch)
	assert.Equal(t, []string{"session.lock", "*.tmp"}, repl.Ignore)
	assert.Equal(t, 250*time.Millisecond, repl.ReadRetryDelay)
	assert.Equal(t, 3, repl.ReadRetries)
}

// TestLoadConfig_Missing tests that only an explicitly named file must exist
func TestLoadConfig_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	fc, err := loadConfig(path, false)
	require.NoError(t, err)
	assert.Equal(t, defaultFileConfig(), fc)

	_, err = loadConfig(path, true)
	assert.Error(t, err)
}

// TestLoadConfig_Malformed tests that a parse error names the file
func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluso.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster:\n  heartbeat_interval: soon\n"), 0o644))

	_, err := loadConfig(path, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

// TestFileConfig_Validate tests the binary-level settings
func TestFileConfig_Validate(t *testing.T) {
	fc := defaultFileConfig()
	assert.NoError(t, fc.Validate())

	fc.Transport = "carrier-pigeon"
	assert.Error(t, fc.Validate())

	fc = defaultFileConfig()
	fc.DataDir = ""
	assert.Error(t, fc.Validate())
}
