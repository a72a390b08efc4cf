package relay

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// limitListener caps the number of accepted connections open at once.
// Accept blocks while n connections are open. Accepted *net.TCPConn values
// keep their CloseWrite, so half-close still reaches the client.
type limitListener struct {
	net.Listener
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
}

func newLimitListener(ln net.Listener, n int) *limitListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &limitListener{
		Listener: ln,
		sem:      semaphore.NewWeighted(int64(n)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (l *limitListener) Accept() (net.Conn, error) {
	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Addr: l.Addr(), Err: net.ErrClosed}
	}

	c, err := l.Listener.Accept()
	if err != nil {
		l.sem.Release(1)
		return nil, err
	}

	release := sync.OnceFunc(func() { l.sem.Release(1) })
	if tc, ok := c.(*net.TCPConn); ok {
		return &limitedTCPConn{TCPConn: tc, release: release}, nil
	}
	return &limitedConn{Conn: c, release: release}, nil
}

func (l *limitListener) Close() error {
	l.cancel()
	return l.Listener.Close()
}

type limitedTCPConn struct {
	*net.TCPConn
	release func()
}

func (c *limitedTCPConn) Close() error {
	err := c.TCPConn.Close()
	c.release()
	return err
}

type limitedConn struct {
	net.Conn
	release func()
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.release()
	return err
}
