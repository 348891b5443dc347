package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// TestMembershipRegistry tests view mutation and queries
func TestMembershipRegistry(t *testing.T) {
	r := NewMembershipRegistry(metrics.NewRegistry())
	a := descriptor("a", "node-a")
	a.IsPrimary = true
	b := descriptor("b", "node-b")
	c := descriptor("c", "node-c")

	require.NoError(t, r.Append(a))
	require.NoError(t, r.Append(b))
	require.NoError(t, r.Append(c))
	assert.ErrorIs(t, r.Append(b), ErrNodeAlreadyExists)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"a", "b", "c"}, ids(r.Snapshot()))

	primary, ok := r.Primary()
	require.True(t, ok)
	assert.Equal(t, "a", primary.ID)

	assert.True(t, r.SetAlive("b", false))
	assert.False(t, r.SetAlive("b", false), "no flip")
	assert.False(t, r.SetAlive("missing", true))

	assert.Equal(t, []string{"b", "c"}, ids(r.Peers("a")))
	assert.Equal(t, []string{"c"}, ids(r.AlivePeers("a")))
	assert.Equal(t, 2, r.AliveCount("a"))

	assert.True(t, r.Remove("b"))
	assert.False(t, r.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, ids(r.Snapshot()))

	r.ClearPrimary()
	_, ok = r.Primary()
	assert.False(t, ok)
	require.NoError(t, r.MarkPrimary("c"))
	assert.ErrorIs(t, r.MarkPrimary("zzz"), ErrNodeNotFound)
	primary, _ = r.Primary()
	assert.Equal(t, "c", primary.ID)

	c.Term = 4
	require.NoError(t, r.Update(c))
	got, ok := r.Get("c")
	require.True(t, ok)
	assert.Equal(t, uint64(4), got.Term)
	assert.ErrorIs(t, r.Update(descriptor("zzz", "x")), ErrNodeNotFound)

	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Snapshot())
}

// TestMembershipRegistry_SnapshotIsACopy tests that callers cannot alias the stored view
func TestMembershipRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewMembershipRegistry(metrics.NewRegistry())
	view := ClusterView{descriptor("a", "node-a"), descriptor("b", "node-b")}
	r.Replace(view)

	view[0].Alive = false
	snap := r.Snapshot()
	assert.True(t, snap[0].Alive)

	snap[1].Address = "elsewhere"
	got, _ := r.Get("b")
	assert.Equal(t, "node-b", got.Address)
}

// TestMembershipRegistry_Metrics tests the membership gauges
func TestMembershipRegistry_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	r := NewMembershipRegistry(reg)
	r.Replace(ClusterView{descriptor("a", "node-a"), descriptor("b", "node-b"), descriptor("c", "node-c")})
	r.SetAlive("c", false)

	assert.Equal(t, 3.0, gaugeValue(t, reg.ClusterNodesTotal))
	assert.Equal(t, 2.0, gaugeValue(t, reg.ClusterAliveNodes))
}

// TestClusterView tests the view helpers
func TestClusterView(t *testing.T) {
	var empty ClusterView
	assert.Nil(t, empty.Clone())
	_, ok := empty.Primary()
	assert.False(t, ok)

	v := ClusterView{descriptor("a", "node-a"), descriptor("b", "node-b")}
	assert.Equal(t, 1, v.Find("b"))
	assert.Equal(t, -1, v.Find("c"))
	assert.Equal(t, "tcp://node-b:7000", v[1].ControlAddr())
	assert.Equal(t, "tcp://[::1]:7000", ControlAddr("::1", 7000))
}
