package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/pubsub"
)

type fakeApp struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	startErr error
}

func (a *fakeApp) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	a.running = true
	a.starts++
	return nil
}

func (a *fakeApp) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	a.stops++
	return nil
}

func (a *fakeApp) state() (running bool, starts, stops int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running, a.starts, a.stops
}

// roleSource is a node stand-in whose role is set directly
type roleSource struct {
	events  *pubsub.PubSub
	primary atomic.Bool
}

func newRoleSource() *roleSource {
	return &roleSource{events: pubsub.NewPubSub()}
}

func (s *roleSource) Events() *pubsub.PubSub { return s.events }
func (s *roleSource) IsPrimary() bool        { return s.primary.Load() }

// announce sets the role and publishes it the way the node does
func (s *roleSource) announce(primary bool, term uint64) {
	s.primary.Store(primary)
	role := RoleFollower
	if primary {
		role = RoleLeader
	}
	s.events.Publish(pubsub.TopicRole, RoleEvent{Role: role, InCluster: true, Term: term})
}

func runApp(t *testing.T, node RoleSource, app Application) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- RunApplication(ctx, node, app, nil) }()
	require.Eventually(t, func() bool {
		return node.Events().SubscriberCount(pubsub.TopicRole) == 1
	}, time.Second, 5*time.Millisecond)
	return cancelFn, errc
}

// TestRunApplication tests that the hosted application follows the primary role
func TestRunApplication(t *testing.T) {
	c := newTestCluster(t)
	a := c.add("node-a", 0)
	app := &fakeApp{}
	cancel, done := runApp(t, a, app)

	require.NoError(t, a.CreateCluster(context.Background()))
	require.Eventually(t, func() bool {
		running, _, _ := app.state()
		return running
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.RequestLeave(context.Background()))
	require.Eventually(t, func() bool {
		running, _, stops := app.state()
		return !running && stops == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, starts, stops := app.state()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops, "a stopped app is not stopped again")
}

// TestRunApplication_StopsOnShutdown tests that a running app is stopped
// when the driver exits
func TestRunApplication_StopsOnShutdown(t *testing.T) {
	node := newRoleSource()
	app := &fakeApp{}
	cancel, done := runApp(t, node, app)

	node.announce(true, 1)
	// duplicates and unrelated payloads are ignored
	node.announce(true, 1)
	node.events.Publish(pubsub.TopicRole, "noise")
	require.Eventually(t, func() bool {
		_, starts, _ := app.state()
		return starts == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	running, starts, stops := app.state()
	assert.False(t, running)
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

// TestRunApplication_StartFailure tests that a failed start is retried on
// the next primary event
func TestRunApplication_StartFailure(t *testing.T) {
	node := newRoleSource()
	app := &fakeApp{startErr: errors.New("port in use")}
	cancel, done := runApp(t, node, app)
	defer func() {
		cancel()
		<-done
	}()

	node.announce(true, 1)
	time.Sleep(20 * time.Millisecond)

	app.mu.Lock()
	app.startErr = nil
	app.mu.Unlock()

	node.announce(true, 2)
	require.Eventually(t, func() bool {
		running, _, _ := app.state()
		return running
	}, time.Second, 5*time.Millisecond)
}

// TestRunApplication_DroppedEvents tests that the app follows the node's
// role even when the events announcing it were dropped
func TestRunApplication_DroppedEvents(t *testing.T) {
	node := newRoleSource()
	release := make(chan struct{})
	app := &blockingApp{release: release}
	cancel, done := runApp(t, node, app)

	node.announce(true, 1)
	require.Eventually(t, func() bool {
		return app.entered.Load()
	}, time.Second, 5*time.Millisecond)

	// the driver is busy starting; fill its buffer and lose the step down
	for i := 0; i < pubsub.DefaultBuffer; i++ {
		node.announce(true, 1)
	}
	node.announce(false, 2)
	require.Positive(t, node.events.Dropped())

	close(release)
	require.Eventually(t, func() bool {
		running, starts, stops := app.state()
		return !running && starts == 1 && stops == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, starts, stops := app.state()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

// blockingApp holds Start until release is closed
type blockingApp struct {
	fakeApp
	release chan struct{}
	entered atomic.Bool
}

func (a *blockingApp) Start(ctx context.Context) error {
	a.entered.Store(true)
	<-a.release
	return a.fakeApp.Start(ctx)
}

// TestRoleEvent_Primary tests which events make a node primary
func TestRoleEvent_Primary(t *testing.T) {
	assert.True(t, RoleEvent{Role: RoleLeader, InCluster: true}.Primary())
	assert.False(t, RoleEvent{Role: RoleLeader}.Primary())
	assert.False(t, RoleEvent{Role: RoleCandidate, InCluster: true}.Primary())
}
