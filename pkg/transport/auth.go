package transport

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/auth"
)

// CodeUnauthorized is the error code for envelopes failing token checks.
const CodeUnauthorized = "unauthorized"

const anonymousSender = "-"

func sender(msg *Message) string {
	if msg.From == "" {
		return anonymousSender
	}
	return msg.From
}

// SignedCaller attaches a peer token to every outbound envelope.
type SignedCaller struct {
	next   Caller
	tokens *auth.PeerTokens
}

// NewSignedCaller wraps next. A nil tokens returns next unchanged.
func NewSignedCaller(next Caller, tokens *auth.PeerTokens) Caller {
	if tokens == nil {
		return next
	}
	return &SignedCaller{next: next, tokens: tokens}
}

func (s *SignedCaller) Call(ctx context.Context, addr string, msg *Message) (*Message, error) {
	token, err := s.tokens.Issue(sender(msg), msg.Type.String(), msg.Data)
	if err != nil {
		return nil, err
	}
	signed := *msg
	signed.Token = token
	return s.next.Call(ctx, addr, &signed)
}

// RequireToken rejects envelopes whose token was not issued with the
// cluster secret for exactly this sender, type and payload.
func RequireToken(next Handler, tokens *auth.PeerTokens) Handler {
	if tokens == nil {
		return next
	}
	return HandlerFunc(func(ctx context.Context, msg *Message) (*Message, error) {
		if _, err := tokens.Verify(msg.Token, sender(msg), msg.Type.String(), msg.Data); err != nil {
			return NewErrorReply("", CodeUnauthorized, fmt.Sprintf("%s rejected: %v", msg.Type, err)), nil
		}
		return next.HandleMessage(ctx, msg)
	})
}
