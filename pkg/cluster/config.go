package cluster

import (
	"time"

	"github.com/dd0wney/cluso-ha/pkg/state"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// Config defines configuration for membership, election and failure detection
type Config struct {
	// Node identification. NodeID is generated when empty.
	NodeID      string
	Address     string // host other nodes reach this node at
	ControlPort int    // peer RPC
	DataPort    int    // advertised to peers; bulk data channel
	AppPort     int    // advertised to peers; hosted application

	// Failure detection
	HeartbeatInterval time.Duration // primary probe interval (default: 2s)
	HeartbeatTimeout  time.Duration // per-peer probe timeout (default: 1s)
	ElectionTimeout   time.Duration // follower silence before an election (default: 7s)
	ElectionDesync    time.Duration // upper bound of the random pre-election wait (default: 1.5s)

	// Election retry backoff
	ElectionBackoffBase time.Duration // default: 500ms
	ElectionBackoffCap  time.Duration // default: 15s
	VoteTimeout         time.Duration // per-peer vote request timeout (default: 2s)

	// RPCTimeout bounds membership RPCs (join, leave, view pushes)
	RPCTimeout time.Duration

	StateBackend  string // json or bolt
	ClusterSecret string // optional; signs every envelope when set
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		Address:             "localhost",
		ControlPort:         7400,
		DataPort:            7401,
		AppPort:             25565,
		HeartbeatInterval:   2 * time.Second,
		HeartbeatTimeout:    1 * time.Second,
		ElectionTimeout:     7 * time.Second,
		ElectionDesync:      1500 * time.Millisecond,
		ElectionBackoffBase: 500 * time.Millisecond,
		ElectionBackoffCap:  15 * time.Second,
		VoteTimeout:         2 * time.Second,
		RPCTimeout:          5 * time.Second,
		StateBackend:        state.BackendJSON,
	}
}

// ApplyDefaults fills zero values from DefaultConfig
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.Address = validation.DefaultOr(c.Address, d.Address)
	c.ControlPort = validation.DefaultOrInt(c.ControlPort, d.ControlPort)
	c.DataPort = validation.DefaultOrInt(c.DataPort, d.DataPort)
	c.AppPort = validation.DefaultOrInt(c.AppPort, d.AppPort)
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, d.HeartbeatInterval)
	c.HeartbeatTimeout = validation.DefaultOrDuration(c.HeartbeatTimeout, d.HeartbeatTimeout)
	c.ElectionTimeout = validation.DefaultOrDuration(c.ElectionTimeout, d.ElectionTimeout)
	c.ElectionDesync = validation.DefaultOrDuration(c.ElectionDesync, d.ElectionDesync)
	c.ElectionBackoffBase = validation.DefaultOrDuration(c.ElectionBackoffBase, d.ElectionBackoffBase)
	c.ElectionBackoffCap = validation.DefaultOrDuration(c.ElectionBackoffCap, d.ElectionBackoffCap)
	c.VoteTimeout = validation.DefaultOrDuration(c.VoteTimeout, d.VoteTimeout)
	c.RPCTimeout = validation.DefaultOrDuration(c.RPCTimeout, d.RPCTimeout)
	c.StateBackend = validation.DefaultOr(c.StateBackend, d.StateBackend)
}

// Validate checks if configuration is valid
func (c Config) Validate() error {
	return validation.NewConfigValidator("ClusterConfig").
		Required("Address", c.Address).
		RangeInt("ControlPort", c.ControlPort, 1, 65535).
		RangeInt("DataPort", c.DataPort, 0, 65535).
		RangeInt("AppPort", c.AppPort, 0, 65535).
		PositiveDuration("HeartbeatInterval", c.HeartbeatInterval).
		PositiveDuration("HeartbeatTimeout", c.HeartbeatTimeout).
		Shorter("HeartbeatTimeout", c.HeartbeatTimeout, "HeartbeatInterval", c.HeartbeatInterval).
		Shorter("HeartbeatInterval", c.HeartbeatInterval, "ElectionTimeout", c.ElectionTimeout).
		NonNegativeDuration("ElectionDesync", c.ElectionDesync).
		PositiveDuration("ElectionBackoffBase", c.ElectionBackoffBase).
		Shorter("ElectionBackoffBase", c.ElectionBackoffBase, "ElectionBackoffCap", c.ElectionBackoffCap).
		PositiveDuration("VoteTimeout", c.VoteTimeout).
		PositiveDuration("RPCTimeout", c.RPCTimeout).
		OneOf("StateBackend", c.StateBackend, []string{state.BackendJSON, state.BackendBolt}).
		When(c.ClusterSecret != "", func(v *validation.ConfigValidator) {
			v.RangeInt("ClusterSecret", len(c.ClusterSecret), 8, 1024)
		}).
		Validate()
}

// ControlAddr returns this node's advertised peer RPC endpoint
func (c Config) ControlAddr() string {
	return ControlAddr(c.Address, c.ControlPort)
}
