package transport

import (
	"context"
	"sync"
	"time"
)

// Result is one peer's outcome of a Fanout.
type Result struct {
	Addr  string
	Reply *Message
	Err   error
}

// Fanout sends msg to every target concurrently, each with its own
// timeout. One peer failing never cancels the others. The returned
// channel yields exactly one Result per target and is then closed.
func Fanout(ctx context.Context, c Caller, targets []string, msg *Message, perPeer time.Duration) <-chan Result {
	results := make(chan Result, len(targets))

	var wg sync.WaitGroup
	for _, addr := range targets {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, perPeer)
			defer cancel()

			reply, err := c.Call(callCtx, addr, msg)
			if err == nil && reply.Type == MsgError {
				var em ErrorMessage
				if derr := reply.Decode(&em); derr != nil {
					err = derr
				} else {
					err = &RemoteError{Addr: addr, Code: em.Code, Message: em.Message}
				}
			}
			results <- Result{Addr: addr, Reply: reply, Err: err}
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// Collect drains a Fanout channel.
func Collect(results <-chan Result) []Result {
	var out []Result
	for r := range results {
		out = append(out, r)
	}
	return out
}
