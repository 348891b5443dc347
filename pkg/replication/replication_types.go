package replication

import (
	"errors"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

var (
	ErrNoPrimary  = errors.New("replication: no known primary")
	ErrRecovering = errors.New("replication: recovery in progress")
)

// Config controls the watcher and the recovery protocol.
type Config struct {
	// Root is the shared directory every replicated path is relative to.
	Root string
	// Watch lists subdirectories of Root to observe. Empty means Root itself.
	Watch []string
	// Ignore holds base-name glob patterns never replicated.
	Ignore []string

	ReadRetries    int
	ReadRetryDelay time.Duration
	TailSize       int
	FetchBatchSize int
	RPCTimeout     time.Duration
}

// DefaultConfig returns the defaults for a shared directory at root.
func DefaultConfig(root string) Config {
	return Config{
		Root:           root,
		Ignore:         []string{"session.lock"},
		ReadRetries:    3,
		ReadRetryDelay: time.Second,
		TailSize:       16,
		FetchBatchSize: 10,
		RPCTimeout:     5 * time.Second,
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	return validation.NewConfigValidator("ReplicationConfig").
		Required("Root", c.Root).
		Positive("ReadRetries", c.ReadRetries).
		NonNegativeDuration("ReadRetryDelay", c.ReadRetryDelay).
		RangeInt("TailSize", c.TailSize, 1, 1024).
		RangeInt("FetchBatchSize", c.FetchBatchSize, 1, 256).
		PositiveDuration("RPCTimeout", c.RPCTimeout).
		Custom("Watch", func() error {
			for _, w := range c.Watch {
				if err := validation.ValidateRelativePath(w); err != nil {
					return err
				}
			}
			return nil
		}).
		Validate()
}

// Cluster is the membership view the log needs.
type Cluster interface {
	SelfID() string
	// ReplicaAddrs returns the control endpoints of every member except self.
	ReplicaAddrs() []string
	// PrimaryAddr returns the primary's control endpoint.
	PrimaryAddr() (string, bool)
}

// FileChange is broadcast by the primary for every logged event.
type FileChange struct {
	Event   filelog.Event    `json:"event" validate:"required"`
	Path    string           `json:"path" validate:"required,max=4096"`
	Content []byte           `json:"content,omitempty"`
	Order   uint64           `json:"order" validate:"required,min=1"`
	Tail    []filelog.Record `json:"tail"`
}

// ApplyResult answers a FileChange.
type ApplyResult struct {
	Applied    bool   `json:"applied"`
	Recovering bool   `json:"recovering"`
	Order      uint64 `json:"order"`
}

// FetchFileRequest asks the primary for one file.
type FetchFileRequest struct {
	Path string `json:"path" validate:"required"`
}

// FileContent answers FetchFileRequest.
type FileContent struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Exists  bool   `json:"exists"`
}

// Status summarizes the log for health checks and node info.
type Status struct {
	Order      uint64 `json:"order"`
	Entries    int    `json:"entries"`
	Producing  bool   `json:"producing"`
	Recovering bool   `json:"recovering"`
	LastError  string `json:"last_error,omitempty"`
}
