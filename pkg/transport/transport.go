package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// Handler serves one request. A returned error is sent back as MsgError.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Caller sends one request and waits for its reply.
type Caller interface {
	Call(ctx context.Context, addr string, msg *Message) (*Message, error)
}

// Transport is a Caller that can also serve requests.
type Transport interface {
	Caller
	Listen(addr string, h Handler) error
	Close() error
}

// Options configures a transport implementation.
type Options struct {
	// CallTimeout applies when the caller's context has no deadline.
	CallTimeout time.Duration
	// Workers is the number of concurrent request handlers per listener.
	Workers int
	Logger  logging.Logger
	Metrics *metrics.Registry
	// ErrorCode maps handler errors to wire codes.
	ErrorCode func(error) string
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		CallTimeout: 5 * time.Second,
		Workers:     8,
		Logger:      logging.NewNopLogger(),
		Metrics:     metrics.DefaultRegistry(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.Metrics == nil {
		o.Metrics = d.Metrics
	}
	return o
}

// Factory builds a named transport.
type Factory func(Options) (Transport, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a transport available by name. Implementations call it from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// New builds the transport registered under name.
func New(name string, opts Options) (Transport, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownKind, name, Available())
	}
	return f(opts.withDefaults())
}

// Available lists registered transport names.
func Available() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls addr and decodes a successful reply into out (which may be
// nil). MsgError replies are returned as *RemoteError.
func Invoke(ctx context.Context, c Caller, addr string, msg *Message, out any) error {
	reply, err := c.Call(ctx, addr, msg)
	if err != nil {
		return err
	}
	if reply.Type == MsgError {
		var em ErrorMessage
		if err := reply.Decode(&em); err != nil {
			return err
		}
		return &RemoteError{Addr: addr, Code: em.Code, Message: em.Message}
	}
	if out == nil {
		return nil
	}
	return reply.Decode(out)
}

// serve runs h and always produces a reply envelope.
func serve(ctx context.Context, h Handler, msg *Message, opts Options) *Message {
	start := time.Now()
	reply, err := h.HandleMessage(ctx, msg)
	status := "ok"
	if err != nil {
		status = "error"
		code := CodeInternal
		if opts.ErrorCode != nil {
			code = opts.ErrorCode(err)
		}
		reply = NewErrorReply("", code, err.Error())
	} else if reply == nil {
		reply = MustMessage(MsgAck, "", Ack{OK: true})
	}
	opts.Metrics.RecordRPC(msg.Type.String(), status, time.Since(start))
	return reply
}
