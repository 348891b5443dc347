package replication

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

type staticCluster struct {
	mu       sync.Mutex
	self     string
	primary  string
	replicas []string
}

func (c *staticCluster) SelfID() string { return c.self }

func (c *staticCluster) ReplicaAddrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.replicas...)
}

func (c *staticCluster) PrimaryAddr() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary, c.primary != ""
}

type testNode struct {
	addr    string
	log     *Log
	root    string
	metrics *metrics.Registry
}

func newTestNode(t *testing.T, net *transport.MemoryNetwork, addr string, cluster *staticCluster) *testNode {
	t.Helper()
	dir := t.TempDir()

	files, err := filelog.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	cfg := DefaultConfig(filepath.Join(dir, "shared"))
	cfg.ReadRetryDelay = 10 * time.Millisecond
	cfg.RPCTimeout = time.Second

	reg := metrics.NewRegistry()
	endpoint := net.Endpoint(addr)
	l, err := New(cfg, files, Options{Caller: endpoint, Cluster: cluster, Metrics: reg})
	require.NoError(t, err)
	require.NoError(t, endpoint.Listen(addr, l))
	t.Cleanup(func() { l.Close() })

	return &testNode{addr: addr, log: l, root: cfg.Root, metrics: reg}
}

// write changes a file on n's disk and produces the event as the watcher would.
func (n *testNode) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(n.root, filepath.FromSlash(rel))
	_, statErr := os.Stat(abs)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))

	event := filelog.EventChange
	if os.IsNotExist(statErr) {
		event = filelog.EventAdd
	}
	n.log.produce(context.Background(), event, abs)
}

func (n *testNode) remove(t *testing.T, rel string) {
	t.Helper()
	abs := filepath.Join(n.root, filepath.FromSlash(rel))
	require.NoError(t, os.Remove(abs))
	n.log.produce(context.Background(), filelog.EventUnlink, abs)
}

func (n *testNode) read(rel string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(n.root, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func waitForOrder(t *testing.T, n *testNode, order uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.log.Counter() == order && !n.log.Recovering()
	}, 5*time.Second, 10*time.Millisecond, "node %s never reached order %d (at %d)", n.addr, order, n.log.Counter())
}
