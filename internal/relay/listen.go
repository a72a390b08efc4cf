package relay

import (
	"context"
	"fmt"
	"net"
)

type ListenOptions struct {
	// KeepAlive is applied to every accepted connection.
	KeepAlive net.KeepAliveConfig

	// ReusePort sets SO_REUSEPORT so several processes can share addr.
	ReusePort bool

	// MaxConns caps the number of accepted connections that are open at
	// once. Accept blocks while the cap is reached. Zero means no cap.
	MaxConns int
}

// Listen binds a TCP listener on addr. Any failure to bind wraps ErrBind.
func Listen(ctx context.Context, addr string, opts ListenOptions) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: opts.KeepAlive}
	if !opts.KeepAlive.Enable {
		lc.KeepAlive = -1
	}

	if opts.ReusePort {
		if !reusePortSupported {
			return nil, fmt.Errorf("%w: listen tcp %s: SO_REUSEPORT is not supported on this platform", ErrBind, addr)
		}
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}

	if opts.MaxConns > 0 {
		ln = newLimitListener(ln, opts.MaxConns)
	}
	return ln, nil
}
