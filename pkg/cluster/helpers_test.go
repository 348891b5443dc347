package cluster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/pubsub"
	"github.com/dd0wney/cluso-ha/pkg/replication"
	"github.com/dd0wney/cluso-ha/pkg/state"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// testCluster wires nodes over one in-memory network and one fake clock
type testCluster struct {
	t     *testing.T
	net   *transport.MemoryNetwork
	clock *clock.Fake
}

func newTestCluster(t *testing.T) *testCluster {
	return &testCluster{
		t:     t,
		net:   transport.NewMemoryNetwork(),
		clock: clock.NewFake(epoch),
	}
}

type testNode struct {
	*Node
	name    string
	addr    string
	dir     string
	store   *state.MemoryStore
	metrics *metrics.Registry
}

// add starts a node called name whose election jitter is always random
func (c *testCluster) add(name string, random float64) *testNode {
	return c.addWithStore(name, random, state.NewMemoryStore(), c.t.TempDir())
}

func (c *testCluster) addWithStore(name string, random float64, store *state.MemoryStore, dir string) *testNode {
	t := c.t
	t.Helper()

	cfg := DefaultConfig()
	cfg.Address = name
	cfg.ControlPort = 7000

	files, err := filelog.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	rcfg := replication.DefaultConfig(filepath.Join(dir, "shared"))
	rcfg.ReadRetryDelay = 10 * time.Millisecond
	rcfg.RPCTimeout = time.Second

	addr := cfg.ControlAddr()
	endpoint := c.net.Endpoint(addr)
	reg := metrics.NewRegistry()

	n, err := NewNode(cfg, Options{
		Caller:      endpoint,
		Store:       store,
		Files:       files,
		Replication: rcfg,
		Clock:       c.clock,
		Metrics:     reg,
		Events:      pubsub.NewPubSub(),
		Random:      func() float64 { return random },
	})
	require.NoError(t, err)
	require.NoError(t, endpoint.Listen(addr, n.Handler()))
	t.Cleanup(func() {
		n.Close()
		endpoint.Close()
	})

	return &testNode{Node: n, name: name, addr: addr, dir: dir, store: store, metrics: reg}
}

// formed creates a cluster on the first node and joins the rest to it
func (c *testCluster) formed(names ...string) []*testNode {
	c.t.Helper()
	nodes := make([]*testNode, 0, len(names))
	for i, name := range names {
		nodes = append(nodes, c.add(name, float64(i)/float64(len(names))))
	}
	require.NoError(c.t, nodes[0].CreateCluster(context.Background()))
	for _, n := range nodes[1:] {
		require.NoError(c.t, n.RequestJoin(context.Background(), nodes[0].addr))
	}
	for _, n := range nodes[1:] {
		c.waitIdle(n)
	}
	return nodes
}

// waitIdle waits for background recovery on n to settle
func (c *testCluster) waitIdle(n *testNode) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		return !n.Log().Recovering()
	}, 5*time.Second, 10*time.Millisecond)
}

// tick advances the clock one heartbeat interval at a time
func (c *testCluster) tick(d time.Duration) {
	step := DefaultConfig().HeartbeatInterval
	for d > 0 {
		if d < step {
			step = d
		}
		c.clock.Advance(step)
		d -= step
	}
}

// crash stops n without leaving and frees its address
func (c *testCluster) crash(n *testNode) {
	n.Close()
	c.net.Endpoint(n.addr).Close()
}

// restart brings a crashed node back on its persisted state
func (c *testCluster) restart(n *testNode) *testNode {
	c.t.Helper()
	return c.addWithStore(n.name, 0, n.store, n.dir)
}

func ids(view ClusterView) []string {
	out := make([]string, 0, len(view))
	for _, d := range view {
		out = append(out, d.ID)
	}
	return out
}

func primaryID(n *testNode) string {
	p, _ := n.View().Primary()
	return p.ID
}

func descriptor(id, host string) NodeDescriptor {
	return NodeDescriptor{ID: id, Address: host, ControlPort: 7000, Alive: true}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}
