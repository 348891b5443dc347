package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryNetwork connects MemoryTransports in one process. It is used by
// multi-node tests; links and endpoints can be cut to simulate failures.
type MemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	down     map[string]bool
	cut      map[[2]string]bool
	calls    map[MessageType]int
	opts     Options
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
		cut:      make(map[[2]string]bool),
		calls:    make(map[MessageType]int),
		opts:     DefaultOptions(),
	}
}

// Endpoint returns the transport a node at addr uses for outbound calls
// and for Listen.
func (n *MemoryNetwork) Endpoint(addr string) *MemoryTransport {
	return &MemoryTransport{net: n, addr: addr}
}

// SetDown makes addr unreachable (true) or reachable again (false).
func (n *MemoryNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// Cut drops traffic in both directions between a and b.
func (n *MemoryNetwork) Cut(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

// Heal restores all cut links.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[[2]string]bool)
}

// Calls returns how many requests of type t were delivered.
func (n *MemoryNetwork) Calls(t MessageType) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.calls[t]
}

func (n *MemoryNetwork) route(from, to string, t MessageType) (Handler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.down[to] || n.down[from] || n.cut[[2]string{from, to}] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	n.calls[t]++
	return h, nil
}

// linked reports whether traffic flows from one address to another.
// Callers need not be listening to receive replies.
func (n *MemoryNetwork) linked(from, to string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.down[to] && !n.down[from] && !n.cut[[2]string{from, to}]
}

// MemoryTransport is one node's view of a MemoryNetwork.
type MemoryTransport struct {
	net  *MemoryNetwork
	addr string
}

// Call delivers msg to the handler at addr. The envelope is round-tripped
// through its wire encoding so handlers never share memory with callers.
func (t *MemoryTransport) Call(ctx context.Context, addr string, msg *Message) (*Message, error) {
	h, err := t.net.route(t.addr, addr, msg.Type)
	if err != nil {
		return nil, err
	}

	wire, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	in, err := DecodeMessage(wire)
	if err != nil {
		return nil, err
	}

	done := make(chan *Message, 1)
	go func() {
		done <- serve(ctx, h, in, t.net.opts)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, addr, ctx.Err())
	case reply := <-done:
		// the reply crosses the same cut
		if !t.net.linked(addr, t.addr) {
			return nil, fmt.Errorf("%w: reply from %s lost", ErrTimeout, addr)
		}
		out, err := reply.Encode()
		if err != nil {
			return nil, err
		}
		return DecodeMessage(out)
	}
}

// Listen registers h at addr. The addr must match the endpoint's.
func (t *MemoryTransport) Listen(addr string, h Handler) error {
	if addr != t.addr {
		return errors.New("memory transport: listen address must match endpoint")
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, exists := t.net.handlers[addr]; exists {
		return fmt.Errorf("memory transport: %s already registered", addr)
	}
	t.net.handlers[addr] = h
	return nil
}

// Close unregisters the endpoint.
func (t *MemoryTransport) Close() error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	delete(t.net.handlers, t.addr)
	return nil
}
