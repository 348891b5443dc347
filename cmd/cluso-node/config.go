package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/replication"
	"github.com/dd0wney/cluso-ha/pkg/transport"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// FileConfig is the layout of cluso.yaml
type FileConfig struct {
	DataDir   string `yaml:"data_dir"`
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"` // falls back to LOG_LEVEL
	Transport string `yaml:"transport"` // mangos, or zmq in zmq builds

	Node        NodeSection        `yaml:"node"`
	Cluster     ClusterSection     `yaml:"cluster"`
	Replication ReplicationSection `yaml:"replication"`
	Application AppSection         `yaml:"application"`
}

// NodeSection identifies this node
type NodeSection struct {
	ID          string `yaml:"id"`
	Address     string `yaml:"address"`
	Listen      string `yaml:"listen"` // bind host for the control port
	ControlPort int    `yaml:"control_port"`
	DataPort    int    `yaml:"data_port"`
	AppPort     int    `yaml:"app_port"`
}

// ClusterSection holds the failure detection and election timers
type ClusterSection struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout     time.Duration `yaml:"election_timeout"`
	ElectionDesync      time.Duration `yaml:"election_desync"`
	ElectionBackoffBase time.Duration `yaml:"election_backoff_base"`
	ElectionBackoffCap  time.Duration `yaml:"election_backoff_cap"`
	VoteTimeout         time.Duration `yaml:"vote_timeout"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	StateBackend        string        `yaml:"state_backend"`
	Secret              string        `yaml:"secret"`
}

// ReplicationSection configures the shared directory
type ReplicationSection struct {
	Root           string        `yaml:"root"`
	Watch          []string      `yaml:"watch"`
	Ignore         []string      `yaml:"ignore"`
	ReadRetries    int           `yaml:"read_retries"`
	ReadRetryDelay time.Duration `yaml:"read_retry_delay"`
	FetchBatchSize int           `yaml:"fetch_batch_size"`
}

// AppSection is the process hosted on the primary
type AppSection struct {
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Dir         string        `yaml:"dir"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

func defaultFileConfig() FileConfig {
	return FileConfig{
		DataDir:   "./data",
		HTTPAddr:  ":8080",
		Transport: "mangos",
		Node:      NodeSection{Listen: "0.0.0.0"},
		Application: AppSection{
			StopTimeout: 10 * time.Second,
		},
	}
}

// loadConfig reads path over the defaults. A missing file is not an
// error unless required is set.
func loadConfig(path string, required bool) (FileConfig, error) {
	cfg := defaultFileConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings the node itself does not validate
func (c FileConfig) Validate() error {
	return validation.NewConfigValidator("NodeConfig").
		Required("DataDir", c.DataDir).
		Required("HTTPAddr", c.HTTPAddr).
		OneOf("Transport", c.Transport, transport.Available()).
		Required("Node.Listen", c.Node.Listen).
		NonNegativeDuration("Application.StopTimeout", c.Application.StopTimeout).
		Validate()
}

func (c FileConfig) clusterConfig() cluster.Config {
	return cluster.Config{
		NodeID:              c.Node.ID,
		Address:             c.Node.Address,
		ControlPort:         c.Node.ControlPort,
		DataPort:            c.Node.DataPort,
		AppPort:             c.Node.AppPort,
		HeartbeatInterval:   c.Cluster.HeartbeatInterval,
		HeartbeatTimeout:    c.Cluster.HeartbeatTimeout,
		ElectionTimeout:     c.Cluster.ElectionTimeout,
		ElectionDesync:      c.Cluster.ElectionDesync,
		ElectionBackoffBase: c.Cluster.ElectionBackoffBase,
		ElectionBackoffCap:  c.Cluster.ElectionBackoffCap,
		VoteTimeout:         c.Cluster.VoteTimeout,
		RPCTimeout:          c.Cluster.RPCTimeout,
		StateBackend:        c.Cluster.StateBackend,
		ClusterSecret:       c.Cluster.Secret,
	}
}

// replicationConfig defaults the shared root to <data>/shared
func (c FileConfig) replicationConfig() replication.Config {
	root := validation.DefaultOr(c.Replication.Root, filepath.Join(c.DataDir, "shared"))
	r := replication.DefaultConfig(root)
	r.Watch = c.Replication.Watch
	if len(c.Replication.Ignore) > 0 {
		r.Ignore = append(r.Ignore, c.Replication.Ignore...)
	}
	r.ReadRetries = validation.DefaultOrInt(c.Replication.ReadRetries, r.ReadRetries)
	r.ReadRetryDelay = validation.DefaultOrDuration(c.Replication.ReadRetryDelay, r.ReadRetryDelay)
	r.FetchBatchSize = validation.DefaultOrInt(c.Replication.FetchBatchSize, r.FetchBatchSize)
	if c.Cluster.RPCTimeout > 0 {
		r.RPCTimeout = c.Cluster.RPCTimeout
	}
	return r
}
