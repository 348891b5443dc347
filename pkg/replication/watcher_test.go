package replication

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

func entryPaths(records []filelog.Record) []string {
	paths := make([]string, 0, len(records))
	for _, r := range records {
		paths = append(paths, r.Path)
	}
	return paths
}

// TestWatcher_ProducesAndBroadcasts tests the primary's watcher end to end
func TestWatcher_ProducesAndBroadcasts(t *testing.T) {
	net := transport.NewMemoryNetwork()
	p := newTestNode(t, net, "p", &staticCluster{self: "p", replicas: []string{"f1"}})
	f := newTestNode(t, net, "f1", &staticCluster{self: "f1", primary: "p"})

	// present before the watch starts: not replicated
	require.NoError(t, os.WriteFile(filepath.Join(p.root, "existing.txt"), []byte("old"), 0644))

	require.NoError(t, p.log.StartProducing(context.Background()))
	require.NoError(t, p.log.StartProducing(context.Background()), "second start is a no-op")
	assert.True(t, p.log.Status().Producing)

	require.NoError(t, os.WriteFile(filepath.Join(p.root, "hello.txt"), []byte("hi"), 0644))

	require.Eventually(t, func() bool {
		got, ok := f.read("hello.txt")
		return ok && got == "hi"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(p.root, "hello.txt")))
	require.Eventually(t, func() bool {
		_, ok := f.read("hello.txt")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)

	assert.NotContains(t, entryPaths(p.log.Entries()), "existing.txt")
	_, ok := f.read("existing.txt")
	assert.False(t, ok)

	p.log.StopProducing()
	assert.False(t, p.log.Status().Producing)

	before := p.log.Counter()
	require.NoError(t, os.WriteFile(filepath.Join(p.root, "after.txt"), []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, p.log.Counter())
}

// TestWatcher_NewDirectory tests that files inside a directory created
// after the watch started are replicated
func TestWatcher_NewDirectory(t *testing.T) {
	net := transport.NewMemoryNetwork()
	p := newTestNode(t, net, "p", &staticCluster{self: "p", replicas: []string{"f1"}})
	f := newTestNode(t, net, "f1", &staticCluster{self: "f1", primary: "p"})

	require.NoError(t, p.log.StartProducing(context.Background()))
	defer p.log.StopProducing()

	dir := filepath.Join(p.root, "world", "region")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r.0.0.mca"), []byte("chunk"), 0644))

	require.Eventually(t, func() bool {
		got, ok := f.read("world/region/r.0.0.mca")
		return ok && got == "chunk"
	}, 5*time.Second, 20*time.Millisecond)
}

// TestWatcher_Ignore tests that ignored names are never logged
func TestWatcher_Ignore(t *testing.T) {
	net := transport.NewMemoryNetwork()
	p := newTestNode(t, net, "p", &staticCluster{self: "p"})

	assert.True(t, p.log.ignored(filepath.Join(p.root, "world", "session.lock")))
	assert.True(t, p.log.ignored(filepath.Join(p.root, ".a.txt.cluso-123")))
	assert.False(t, p.log.ignored(filepath.Join(p.root, "world", "level.dat")))

	require.NoError(t, p.log.StartProducing(context.Background()))
	defer p.log.StopProducing()

	require.NoError(t, os.WriteFile(filepath.Join(p.root, "session.lock"), []byte("lock"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(p.root, "level.dat"), []byte("level"), 0644))

	require.Eventually(t, func() bool {
		return p.log.Counter() >= 1
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	paths := entryPaths(p.log.Entries())
	assert.Contains(t, paths, "level.dat")
	assert.NotContains(t, paths, "session.lock")
}

// TestProduce_DropsUnreadable tests that an unreadable file is dropped
// after the configured retries
func TestProduce_DropsUnreadable(t *testing.T) {
	net := transport.NewMemoryNetwork()
	p := newTestNode(t, net, "p", &staticCluster{self: "p"})

	p.log.produce(context.Background(), filelog.EventAdd, filepath.Join(p.root, "missing.txt"))

	assert.Equal(t, uint64(0), p.log.Counter())
	var m dto.Metric
	require.NoError(t, p.metrics.ReplicationDroppedTotal.Write(&m))
	assert.Equal(t, 1.0, m.GetCounter().GetValue())
}

// TestProduce_OutsideRoot tests that paths outside the shared root are skipped
func TestProduce_OutsideRoot(t *testing.T) {
	net := transport.NewMemoryNetwork()
	p := newTestNode(t, net, "p", &staticCluster{self: "p"})

	outside := filepath.Join(filepath.Dir(p.root), "elsewhere.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))
	p.log.produce(context.Background(), filelog.EventAdd, outside)
	p.log.produce(context.Background(), filelog.EventAdd, p.root)

	assert.Equal(t, uint64(0), p.log.Counter())
}

// TestProduce_Tail tests that broadcast changes carry the log tail
func TestProduce_Tail(t *testing.T) {
	net := transport.NewMemoryNetwork()
	p := newTestNode(t, net, "p", &staticCluster{self: "p"})

	for i := 0; i < 20; i++ {
		change, err := p.log.record(filelog.EventChange, "a.txt", []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), change.Order)
		assert.Equal(t, change.Order, change.Tail[len(change.Tail)-1].Order)
		assert.LessOrEqual(t, len(change.Tail), p.log.cfg.TailSize)
	}
}

// TestConfig_Validate tests replication config validation
func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig("/srv/shared").Validate())

	cfg := DefaultConfig("")
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("/srv/shared")
	cfg.Watch = []string{"world", "../escape"}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig("/srv/shared")
	cfg.FetchBatchSize = 0
	cfg.RPCTimeout = 0
	assert.Error(t, cfg.Validate())
}
