package cluster

import (
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/transport"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// Role precondition errors
var (
	ErrNotPrimary       = errors.New("node is not the primary")
	ErrIsPrimary        = errors.New("node is the primary")
	ErrNotInCluster     = errors.New("node is not in a cluster")
	ErrAlreadyInCluster = errors.New("node is already in a cluster")
)

// Request errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrUnsupported    = errors.New("unsupported message")
)

// Consensus errors
var (
	ErrStaleTerm = errors.New("term is older than current term")
)

// Membership errors
var (
	ErrNodeNotFound      = errors.New("node not found in membership")
	ErrNodeAlreadyExists = errors.New("node already exists in membership")
	ErrNoPrimary         = errors.New("no known primary")
	ErrNoPeers           = errors.New("no previously known peer responded")
)

// Wire codes carried by transport.ErrorMessage
const (
	CodeNotPrimary       = "not_primary"
	CodeIsPrimary        = "is_primary"
	CodeNotInCluster     = "not_in_cluster"
	CodeAlreadyInCluster = "already_in_cluster"
	CodeInvalidRequest   = "invalid_request"
	CodeUnauthorized     = transport.CodeUnauthorized
	CodeInternal         = transport.CodeInternal
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNotPrimary, CodeNotPrimary},
	{ErrIsPrimary, CodeIsPrimary},
	{ErrNotInCluster, CodeNotInCluster},
	{ErrAlreadyInCluster, CodeAlreadyInCluster},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrStaleTerm, CodeInvalidRequest},
	{ErrUnsupported, CodeInvalidRequest},
	{validation.ErrUnsafePath, CodeInvalidRequest},
	{transport.ErrBadMessage, CodeInvalidRequest},
	{ErrUnauthorized, CodeUnauthorized},
}

// CodeFor maps an error to its wire code. Unknown errors are internal.
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorFor maps a wire code back to its sentinel; unknown codes map to nil.
func ErrorFor(code string) error {
	switch code {
	case CodeNotPrimary:
		return ErrNotPrimary
	case CodeIsPrimary:
		return ErrIsPrimary
	case CodeNotInCluster:
		return ErrNotInCluster
	case CodeAlreadyInCluster:
		return ErrAlreadyInCluster
	case CodeInvalidRequest:
		return ErrInvalidRequest
	case CodeUnauthorized:
		return ErrUnauthorized
	}
	return nil
}

// fromRemote lets callers test a peer's structured rejection with errors.Is.
func fromRemote(err error) error {
	var re *transport.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	if sentinel := ErrorFor(re.Code); sentinel != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return err
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}
