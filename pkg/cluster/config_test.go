package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestConfig_Validate tests configuration validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bolt backend", func(c *Config) { c.StateBackend = "bolt" }, false},
		{"secret", func(c *Config) { c.ClusterSecret = "correct-horse" }, false},
		{"no address", func(c *Config) { c.Address = "" }, true},
		{"port out of range", func(c *Config) { c.ControlPort = 70000 }, true},
		{"heartbeat timeout not below interval", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval }, true},
		{"election timeout not above interval", func(c *Config) { c.ElectionTimeout = c.HeartbeatInterval }, true},
		{"backoff base above cap", func(c *Config) { c.ElectionBackoffBase = time.Minute }, true},
		{"negative desync", func(c *Config) { c.ElectionDesync = -time.Second }, true},
		{"unknown backend", func(c *Config) { c.StateBackend = "sqlite" }, true},
		{"short secret", func(c *Config) { c.ClusterSecret = "abc" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestConfig_ApplyDefaults tests that zero values are filled
func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{Address: "10.0.0.5", HeartbeatInterval: time.Second}
	cfg.ApplyDefaults()

	d := DefaultConfig()
	assert.Equal(t, "10.0.0.5", cfg.Address)
	assert.Equal(t, time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, d.ControlPort, cfg.ControlPort)
	assert.Equal(t, d.ElectionTimeout, cfg.ElectionTimeout)
	assert.Equal(t, d.StateBackend, cfg.StateBackend)
	assert.Equal(t, "tcp://10.0.0.5:7400", cfg.ControlAddr())
}

// TestConfig_ApplyDefaults_EveryField tests that an empty config comes out
// equal to DefaultConfig
func TestConfig_ApplyDefaults_EveryField(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{DataPort: 9000, AppPort: 9001, ElectionDesync: time.Second}
	cfg.ApplyDefaults()
	assert.Equal(t, 9000, cfg.DataPort)
	assert.Equal(t, 9001, cfg.AppPort)
	assert.Equal(t, time.Second, cfg.ElectionDesync)
}
