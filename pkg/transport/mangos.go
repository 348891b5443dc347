package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-ha/pkg/logging"
)

func init() {
	Register("mangos", func(opts Options) (Transport, error) {
		return NewMangosTransport(opts), nil
	})
}

// MangosTransport carries control RPCs over nanomsg REQ/REP sockets.
// One REQ socket is kept per peer; each call opens its own socket context
// so concurrent calls to the same peer do not serialize.
type MangosTransport struct {
	opts      Options
	logger    logging.Logger
	mu        sync.Mutex
	peers     map[string]mangos.Socket
	listeners []mangos.Socket
	wg        sync.WaitGroup
	closed    bool
}

// NewMangosTransport creates a transport with no sockets open.
func NewMangosTransport(opts Options) *MangosTransport {
	opts = opts.withDefaults()
	return &MangosTransport{
		opts:   opts,
		logger: opts.Logger.With(logging.Component("transport")),
		peers:  make(map[string]mangos.Socket),
	}
}

func (t *MangosTransport) peerSocket(addr string) (mangos.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if sock, ok := t.peers[addr]; ok {
		return sock, nil
	}

	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create REQ socket: %w", err)
	}
	// Do not resend on our own; the caller decides whether to retry.
	sock.SetOption(mangos.OptionRetryTime, time.Duration(0))
	if err := sock.DialOptions(addr, map[string]any{
		mangos.OptionDialAsynch: true,
	}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	t.peers[addr] = sock
	return sock, nil
}

// Call sends msg to addr and waits for the reply or the context deadline.
func (t *MangosTransport) Call(ctx context.Context, addr string, msg *Message) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.CallTimeout)
		defer cancel()
	}
	deadline, _ := ctx.Deadline()

	sock, err := t.peerSocket(addr)
	if err != nil {
		return nil, err
	}
	mctx, err := sock.OpenContext()
	if err != nil {
		return nil, fmt.Errorf("failed to open socket context: %w", err)
	}
	defer mctx.Close()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrTimeout, addr)
	}
	mctx.SetOption(mangos.OptionSendDeadline, remaining)
	mctx.SetOption(mangos.OptionRecvDeadline, remaining)

	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := mctx.Send(payload); err != nil {
			done <- result{err: err}
			return
		}
		data, err := mctx.Recv()
		done <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		// Closing the context unblocks the pending Send/Recv.
		mctx.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, addr, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, t.mapError(addr, r.err)
		}
		return DecodeMessage(r.data)
	}
}

func (t *MangosTransport) mapError(addr string, err error) error {
	switch {
	case errors.Is(err, mangos.ErrRecvTimeout), errors.Is(err, mangos.ErrSendTimeout):
		return fmt.Errorf("%w: %s", ErrTimeout, addr)
	case errors.Is(err, mangos.ErrClosed):
		return ErrClosed
	default:
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
}

// Listen binds a REP socket on addr and serves requests with h using
// Options.Workers socket contexts.
func (t *MangosTransport) Listen(addr string, h Handler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	sock, err := rep.NewSocket()
	if err != nil {
		return fmt.Errorf("failed to create REP socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	t.mu.Lock()
	t.listeners = append(t.listeners, sock)
	t.mu.Unlock()

	for i := 0; i < t.opts.Workers; i++ {
		mctx, err := sock.OpenContext()
		if err != nil {
			return fmt.Errorf("failed to open server context: %w", err)
		}
		t.wg.Add(1)
		go t.serveLoop(mctx, h)
	}

	t.logger.Info("listening", logging.String("addr", addr), logging.Int("workers", t.opts.Workers))
	return nil
}

func (t *MangosTransport) serveLoop(mctx mangos.Context, h Handler) {
	defer t.wg.Done()
	defer mctx.Close()

	for {
		data, err := mctx.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			t.logger.Warn("receive failed", logging.Error(err))
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
			continue
		}
		if err := mctx.Send(out); err != nil && !errors.Is(err, mangos.ErrClosed) {
			t.logger.Warn("send reply failed", logging.Error(err))
		}
	}
}

// Close closes every socket and waits for server loops to exit.
func (t *MangosTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for addr, sock := range t.peers {
		sock.Close()
		delete(t.peers, addr)
	}
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	for _, sock := range listeners {
		sock.Close()
	}
	t.wg.Wait()
	return nil
}
