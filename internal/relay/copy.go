package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Result counts the bytes forwarded in each direction of one relay.
type Result struct {
	ClientToUpstream int64
	UpstreamToClient int64
}

type CopyOptions struct {
	// IdleTimeout closes both connections once neither direction has read
	// anything for this long. Zero disables it.
	IdleTimeout time.Duration
}

var sharedPool = newBufferPool(defaultBufferSize)

// CopyBidirectional copies client->upstream and upstream->client
// concurrently and returns once both directions have finished. Both
// connections are closed on return.
//
// When one direction reaches EOF, the write side of its destination is
// closed (if the conn supports CloseWrite) and the other direction keeps
// running. When one direction fails, both connections are closed, the other
// direction is still waited for, and the first failure is returned as a
// *CopyError. Canceling ctx closes both connections.
//
// The returned Result holds the bytes forwarded so far even when err is
// non-nil.
func CopyBidirectional(ctx context.Context, client, upstream net.Conn, opts CopyOptions) (Result, error) {
	return copyBidirectional(ctx, client, upstream, opts, sharedPool)
}

func copyBidirectional(ctx context.Context, client, upstream net.Conn, opts CopyOptions, pool *bufferPool) (Result, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	var idle *idleWatch
	if opts.IdleTimeout > 0 {
		idle = newIdleWatch(opts.IdleTimeout, closeBoth)
	}

	g, gctx := errgroup.WithContext(ctx)

	// gctx is done once a copy fails or ctx is canceled; either way both
	// blocked copies need their conns closed to return.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	var res Result

	g.Go(func() error {
		n, err := copyHalf(upstream, client, idle, pool)
		res.ClientToUpstream = n
		if err != nil {
			return &CopyError{Direction: ClientToUpstream, Written: n, Err: err}
		}
		return nil
	})

	g.Go(func() error {
		n, err := copyHalf(client, upstream, idle, pool)
		res.UpstreamToClient = n
		if err != nil {
			return &CopyError{Direction: UpstreamToClient, Written: n, Err: err}
		}
		return nil
	})

	err := g.Wait()

	if idle != nil && idle.stop() {
		return res, ErrIdleTimeout
	}
	if err != nil && ctx.Err() != nil {
		return res, fmt.Errorf("relay canceled: %w", context.Cause(ctx))
	}
	return res, err
}

type closeWriter interface {
	CloseWrite() error
}

// writerOnly hides ReadFrom so io.CopyBuffer uses the supplied buffer.
type writerOnly struct {
	io.Writer
}

// copyHalf forwards src to dst until EOF or error, then half-closes dst on
// EOF.
func copyHalf(dst, src net.Conn, idle *idleWatch, pool *bufferPool) (int64, error) {
	var (
		n   int64
		err error
	)
	if idle == nil {
		// Plain io.Copy lets *net.TCPConn splice on Linux.
		n, err = io.Copy(dst, src)
	} else {
		bp := pool.Get()
		n, err = io.CopyBuffer(writerOnly{dst}, activityReader{r: src, w: idle}, *bp)
		pool.Put(bp)
	}
	if err != nil {
		return n, err
	}

	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	return n, nil
}
