// Package pubsub fans in-process events out to subscribers. Node role and
// cluster view changes are published here so that the binary can react
// (start or stop the hosted application) without the cluster package
// knowing about it.
package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Topic names an event stream.
type Topic string

const (
	// TopicRole carries role transitions of the local node.
	TopicRole Topic = "role"
	// TopicView carries cluster view replacements.
	TopicView Topic = "view"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

var ErrShutdown = errors.New("pubsub: shut down")

// Event is one published message.
type Event struct {
	Topic   Topic
	Payload any
	At      time.Time
}

// PubSub provides publish/subscribe between components of one node.
// Publishing never blocks: a full subscriber misses the event and the
// drop is counted.
type PubSub struct {
	subscribers map[Topic]map[*Subscription]struct{}
	mu          sync.RWMutex
	shutdown    chan struct{}
	shutdownMu  sync.Mutex
	isShutdown  bool
	buffer      int
	dropped     atomic.Uint64
}

// Subscription represents a subscription to a topic
type Subscription struct {
	topic     Topic
	channel   chan Event
	ps        *PubSub
	cancel    context.CancelFunc

	// mu guards channel against a send after close
	mu     sync.RWMutex
	closed bool
}

// NewPubSub creates a new PubSub instance
func NewPubSub() *PubSub {
	return NewPubSubWithBuffer(DefaultBuffer)
}

// NewPubSubWithBuffer sets the per-subscription buffer.
func NewPubSubWithBuffer(buffer int) *PubSub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &PubSub{
		subscribers: make(map[Topic]map[*Subscription]struct{}),
		shutdown:    make(chan struct{}),
		buffer:      buffer,
	}
}

// Subscribe creates a subscription that ends when ctx is cancelled.
func (ps *PubSub) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	ps.shutdownMu.Lock()
	if ps.isShutdown {
		ps.shutdownMu.Unlock()
		return nil, ErrShutdown
	}
	ps.shutdownMu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		topic:   topic,
		channel: make(chan Event, ps.buffer),
		ps:      ps,
		cancel:  cancel,
	}

	ps.mu.Lock()
	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[*Subscription]struct{})
	}
	ps.subscribers[topic][sub] = struct{}{}
	ps.mu.Unlock()

	go func() {
		select {
		case <-subCtx.Done():
			sub.Unsubscribe()
		case <-ps.shutdown:
			sub.close()
		}
	}()

	return sub, nil
}

// Publish sends payload to every subscriber of topic.
func (ps *PubSub) Publish(topic Topic, payload any) {
	ps.shutdownMu.Lock()
	if ps.isShutdown {
		ps.shutdownMu.Unlock()
		return
	}
	ps.shutdownMu.Unlock()

	// Snapshot under lock so Unsubscribe can run concurrently.
	ps.mu.RLock()
	subs := make([]*Subscription, 0, len(ps.subscribers[topic]))
	for sub := range ps.subscribers[topic] {
		subs = append(subs, sub)
	}
	ps.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload, At: time.Now()}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// SubscriberCount returns the number of subscribers for a topic
func (ps *PubSub) SubscriberCount(topic Topic) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (ps *PubSub) Dropped() uint64 {
	return ps.dropped.Load()
}

// Shutdown closes all subscriptions and shuts down the PubSub
func (ps *PubSub) Shutdown() {
	ps.shutdownMu.Lock()
	if ps.isShutdown {
		ps.shutdownMu.Unlock()
		return
	}
	ps.isShutdown = true
	ps.shutdownMu.Unlock()

	close(ps.shutdown)

	ps.mu.Lock()
	for topic, subs := range ps.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(ps.subscribers, topic)
	}
	ps.mu.Unlock()
}

// Channel returns the subscription's event channel. It is closed on
// Unsubscribe or Shutdown.
func (s *Subscription) Channel() <-chan Event {
	return s.channel
}

// Unsubscribe removes the subscription
func (s *Subscription) Unsubscribe() {
	s.cancel()

	s.ps.mu.Lock()
	if subs := s.ps.subscribers[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.ps.subscribers, s.topic)
		}
	}
	s.ps.mu.Unlock()

	s.close()
}

// deliver never blocks. A subscription closed after Publish took its
// snapshot is skipped.
func (s *Subscription) deliver(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	select {
	case s.channel <- ev:
	default:
		s.ps.dropped.Add(1)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.channel)
	}
}
