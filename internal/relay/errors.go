package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrBind is returned by Listen when the listen address cannot be bound.
	ErrBind = errors.New("bind failed")

	// ErrUpstreamUnreachable is returned by Relay when the upstream dial
	// fails. No bytes have been copied and the client has been closed.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrIdleTimeout is returned when neither direction moved any bytes for
	// the configured idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
)

// Direction identifies one half of a relay.
type Direction int

const (
	ClientToUpstream Direction = iota
	UpstreamToClient
)

func (d Direction) String() string {
	switch d {
	case ClientToUpstream:
		return "client->upstream"
	case UpstreamToClient:
		return "upstream->client"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// CopyError reports the failure of one directional copy.
type CopyError struct {
	Direction Direction
	Written   int64 // bytes forwarded before the failure
	Err       error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s after %d bytes: %v", e.Direction, e.Written, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}
