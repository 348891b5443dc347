// Package replication keeps the primary's watched file tree and every
// follower's copy causally ordered. The primary turns filesystem events
// into an ordered FileLog and broadcasts each entry; followers apply
// entries strictly in order and fall back to gap recovery otherwise.
package replication

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/transport"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// Options carries the collaborators of a Log.
type Options struct {
	Caller  transport.Caller
	Cluster Cluster
	Clock   clock.Clock
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Log is the replicated change log of one node.
type Log struct {
	cfg     Config
	files   *filelog.FileLog
	caller  transport.Caller
	cluster Cluster
	clock   clock.Clock
	logger  logging.Logger
	metrics *metrics.Registry

	// mu orders appends: counter always equals files.LastOrder()
	mu      sync.Mutex
	counter uint64

	recovering atomic.Bool
	recoveryWG sync.WaitGroup
	lastErr    atomic.Value

	prodMu  sync.Mutex
	watcher *watcher
}

// New creates a Log over files. The counter starts at the log's last order.
func New(cfg Config, files *filelog.FileLog, opts Options) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if files == nil {
		return nil, fmt.Errorf("replication: nil file log")
	}
	if opts.Caller == nil || opts.Cluster == nil {
		return nil, fmt.Errorf("replication: caller and cluster are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create shared root: %w", err)
	}

	l := &Log{
		cfg:     cfg,
		files:   files,
		caller:  opts.Caller,
		cluster: opts.Cluster,
		clock:   opts.Clock,
		logger:  opts.Logger.With(logging.Component("replication")),
		metrics: opts.Metrics,
		counter: files.LastOrder(),
	}
	l.metrics.ReplicationOrder.Set(float64(l.counter))
	return l, nil
}

// Counter returns the highest order applied or produced locally.
func (l *Log) Counter() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// Reset forgets every logged change and zeroes the counter. Files under
// the shared root are left alone; the next recovery rewrites them.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.files.Replace(nil); err != nil {
		return fmt.Errorf("failed to reset log: %w", err)
	}
	l.counter = 0
	l.metrics.ReplicationOrder.Set(0)
	return nil
}

// Entries returns the full log; it answers MsgFetchLog.
func (l *Log) Entries() []filelog.Record {
	return l.files.ReadAll()
}

// ReadFile answers MsgFetchFile from the local shared root.
func (l *Log) ReadFile(rel string) (FileContent, error) {
	abs, err := validation.SafeJoin(l.cfg.Root, rel)
	if err != nil {
		return FileContent{}, err
	}
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return FileContent{Path: rel}, nil
	}
	if err != nil {
		return FileContent{}, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return FileContent{Path: rel, Content: data, Exists: true}, nil
}

// Recovering reports whether a gap recovery is running.
func (l *Log) Recovering() bool {
	return l.recovering.Load()
}

// Status returns a point-in-time summary.
func (l *Log) Status() Status {
	s := Status{
		Order:      l.Counter(),
		Entries:    l.files.Len(),
		Recovering: l.Recovering(),
	}
	l.prodMu.Lock()
	s.Producing = l.watcher != nil
	l.prodMu.Unlock()
	if err, ok := l.lastErr.Load().(string); ok {
		s.LastError = err
	}
	return s
}

// Close stops the watcher and waits for a running recovery.
func (l *Log) Close() error {
	l.StopProducing()
	l.recoveryWG.Wait()
	return nil
}

func (l *Log) setLastError(err error) {
	if err == nil {
		l.lastErr.Store("")
		return
	}
	l.lastErr.Store(err.Error())
}

// writeFile writes data to rel atomically, creating parent directories.
// It reports false when the file already held exactly data.
func (l *Log) writeFile(rel string, data []byte) (bool, error) {
	abs, err := validation.SafeJoin(l.cfg.Root, rel)
	if err != nil {
		return false, err
	}
	if existing, err := os.ReadFile(abs); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), "."+filepath.Base(abs)+".cluso-*")
	if err != nil {
		return false, fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("failed to install %s: %w", rel, err)
	}
	return true, nil
}

// removeFile deletes rel and reports whether there was a file to delete.
// A missing file is not an error.
func (l *Log) removeFile(rel string) (bool, error) {
	abs, err := validation.SafeJoin(l.cfg.Root, rel)
	if err != nil {
		return false, err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return true, nil
}
