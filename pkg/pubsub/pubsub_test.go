package pubsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type roleChange struct {
	Role string
	Term uint64
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Channel():
		if !ok {
			t.Fatal("Channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
	return Event{}
}

// TestBasicPubSub tests basic publish/subscribe functionality
func TestBasicPubSub(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	sub, err := ps.Subscribe(context.Background(), TopicRole)
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ps.Publish(TopicRole, roleChange{Role: "leader", Term: 2})

	ev := receive(t, sub)
	if ev.Topic != TopicRole {
		t.Errorf("Expected topic %q, got %q", TopicRole, ev.Topic)
	}
	rc, ok := ev.Payload.(roleChange)
	if !ok || rc.Role != "leader" || rc.Term != 2 {
		t.Errorf("Unexpected payload: %#v", ev.Payload)
	}
	if ev.At.IsZero() {
		t.Error("Event timestamp should be set")
	}
}

// TestMultipleSubscribers tests that every subscriber of a topic receives the event
func TestMultipleSubscribers(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	subs := make([]*Subscription, 5)
	for i := range subs {
		sub, err := ps.Subscribe(context.Background(), TopicView)
		if err != nil {
			t.Fatalf("Failed to subscribe %d: %v", i, err)
		}
		subs[i] = sub
	}
	if got := ps.SubscriberCount(TopicView); got != 5 {
		t.Errorf("Expected 5 subscribers, got %d", got)
	}

	ps.Publish(TopicView, 3)
	for i, sub := range subs {
		if ev := receive(t, sub); ev.Payload != 3 {
			t.Errorf("Subscriber %d got %v", i, ev.Payload)
		}
	}
}

// TestTopicIsolation tests that events are isolated by topic
func TestTopicIsolation(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	roles, _ := ps.Subscribe(context.Background(), TopicRole)
	views, _ := ps.Subscribe(context.Background(), TopicView)

	ps.Publish(TopicView, "v")
	if ev := receive(t, views); ev.Payload != "v" {
		t.Errorf("Unexpected view payload %v", ev.Payload)
	}

	select {
	case ev := <-roles.Channel():
		t.Errorf("Role subscriber should not receive view event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestContextCancellationUnsubscribes tests cleanup when the subscriber's context ends
func TestContextCancellationUnsubscribes(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	sub, _ := ps.Subscribe(ctx, TopicRole)
	cancel()

	select {
	case _, ok := <-sub.Channel():
		if ok {
			t.Error("Expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Channel not closed after cancel")
	}
	if got := ps.SubscriberCount(TopicRole); got != 0 {
		t.Errorf("Expected 0 subscribers, got %d", got)
	}
}

// TestSlowSubscriberDrops tests that a full subscriber never blocks Publish
func TestSlowSubscriberDrops(t *testing.T) {
	ps := NewPubSubWithBuffer(2)
	defer ps.Shutdown()

	sub, _ := ps.Subscribe(context.Background(), TopicView)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			ps.Publish(TopicView, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := ps.Dropped(); got != 8 {
		t.Errorf("Expected 8 dropped deliveries, got %d", got)
	}
}

// TestShutdown tests that shutdown closes subscriptions and rejects new ones
func TestShutdown(t *testing.T) {
	ps := NewPubSub()
	sub, _ := ps.Subscribe(context.Background(), TopicRole)

	ps.Shutdown()
	ps.Shutdown()

	if _, ok := <-sub.Channel(); ok {
		t.Error("Expected closed channel after shutdown")
	}
	if _, err := ps.Subscribe(context.Background(), TopicRole); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}
	ps.Publish(TopicRole, "ignored")
}

// TestConcurrentPublishUnsubscribe tests for races between publishers and unsubscribers
func TestConcurrentPublishUnsubscribe(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub, _ := ps.Subscribe(context.Background(), TopicView)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ps.Publish(TopicView, j)
			}
		}()
		go func(s *Subscription) {
			defer wg.Done()
			s.Unsubscribe()
		}(sub)
	}
	wg.Wait()
}

// TestDeliverAfterClose tests that a delivery racing Unsubscribe is skipped
func TestDeliverAfterClose(t *testing.T) {
	ps := NewPubSub()
	defer ps.Shutdown()

	sub, _ := ps.Subscribe(context.Background(), TopicRole)
	sub.Unsubscribe()
	sub.Unsubscribe()

	sub.deliver(Event{Topic: TopicRole, Payload: "late"})
	if got := ps.Dropped(); got != 0 {
		t.Errorf("Expected no dropped deliveries, got %d", got)
	}
	if _, ok := <-sub.Channel(); ok {
		t.Error("Expected closed channel after unsubscribe")
	}
}
