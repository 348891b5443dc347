package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTimeout     = errors.New("transport: timeout")
	ErrUnreachable = errors.New("transport: peer unreachable")
	ErrClosed      = errors.New("transport: closed")
	ErrBadMessage  = errors.New("transport: malformed message")
	ErrUnknownKind = errors.New("transport: unknown transport")
)

// CodeInternal is the fallback code for handler errors without a mapping.
const CodeInternal = "internal"

// RemoteError is a structured rejection returned by a peer.
type RemoteError struct {
	Addr    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s: %s", e.Addr, e.Code, e.Message)
}

// IsRemote reports whether err is a structured rejection with the given code.
func IsRemote(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
