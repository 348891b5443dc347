//go:build zmq
// +build zmq

package transport

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

func init() {
	Register("zmq", func(opts Options) (Transport, error) {
		return NewZMQTransport(opts), nil
	})
}

// ZMQTransport carries control RPCs over ZeroMQ REQ/REP. ZeroMQ sockets are
// not goroutine-safe, so each call uses its own short-lived REQ socket and
// each listener is served by a single goroutine.
type ZMQTransport struct {
	opts      Options
	logger    logging.Logger
	mu        sync.Mutex
	listeners []*zmq.Socket
	stop      chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

// NewZMQTransport creates a ZeroMQ transport.
func NewZMQTransport(opts Options) *ZMQTransport {
	opts = opts.withDefaults()
	return &ZMQTransport{
		opts:   opts,
		logger: opts.Logger.With(logging.Component("transport")),
		stop:   make(chan struct{}),
	}
}

// Call sends msg to addr on a fresh REQ socket.
func (t *ZMQTransport) Call(ctx context.Context, addr string, msg *Message) (*Message, error) {
	timeout := t.opts.CallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrTimeout, addr)
	}

	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	defer sock.Close()

	sock.SetLinger(0)
	sock.SetSndtimeo(timeout)
	sock.SetRcvtimeo(timeout)
	if err := sock.Connect(addr); err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrUnreachable, addr, err)
	}

	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := sock.SendBytes(payload, 0); err != nil {
		return nil, t.mapError(addr, err)
	}
	data, err := sock.RecvBytes(0)
	if err != nil {
		return nil, t.mapError(addr, err)
	}
	return DecodeMessage(data)
}

func (t *ZMQTransport) mapError(addr string, err error) error {
	if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
		return fmt.Errorf("%w: %s", ErrTimeout, addr)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
}

// Listen binds a REP socket on addr and serves it from one goroutine.
func (t *ZMQTransport) Listen(addr string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	sock, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		return fmt.Errorf("failed to create REP socket: %w", err)
	}
	if err := sock.Bind(addr); err != nil {
		sock.Close()
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	// Poll the stop channel once a second.
	sock.SetRcvtimeo(time.Second)
	t.listeners = append(t.listeners, sock)

	t.wg.Add(1)
	go t.serveLoop(sock, h)

	t.logger.Info("listening", logging.String("addr", addr))
	return nil
}

func (t *ZMQTransport) serveLoop(sock *zmq.Socket, h Handler) {
	defer t.wg.Done()
	defer sock.Close()

	for {
		select {
		case <-t.stop:
			return
		default:
		}

		data, err := sock.RecvBytes(0)
		if err != nil {
			continue
		}

		var reply *Message
		msg, err := DecodeMessage(data)
		if err != nil {
			reply = NewErrorReply("", "invalid_request", err.Error())
		} else {
			reply = serve(context.Background(), h, msg, t.opts)
		}
		out, err := reply.Encode()
		if err != nil {
			t.logger.Error("failed to encode reply", logging.Error(err))
			out, _ = NewErrorReply("", CodeInternal, "failed to encode reply").Encode()
		}
		if _, err := sock.SendBytes(out, 0); err != nil {
			t.logger.Warn("send reply failed", logging.Error(err))
		}
	}
}

// Close stops every listener.
func (t *ZMQTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stop)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
