package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// ContextDialer opens the TCP connection the SSH transport runs over.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type ClientConfig struct {
	Username string
	Password string
	Signers  []ssh.Signer

	HostKeyCallback ssh.HostKeyCallback

	// HandshakeTimeout bounds the SSH handshake. Zero means no limit.
	HandshakeTimeout time.Duration
}

func (c *ClientConfig) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// Client opens direct-tcpip channels over one shared SSH transport.
type Client struct {
	addr   string
	cfg    ClientConfig
	direct ContextDialer

	mu        sync.Mutex
	transport *ssh.Client
	sf        singleflight.Group
}

// NewClient returns a Client for the SSH server at addr. No connection is
// made until the first DialContext.
func NewClient(addr string, cfg ClientConfig, direct ContextDialer) *Client {
	return &Client{addr: addr, cfg: cfg, direct: direct}
}

// DialContext opens a channel to address through the SSH server.
//
// A channel the server refuses (ssh.OpenChannelError) is returned as is. Any
// other failure is treated as a dead transport: it is discarded, redialed
// once and the channel retried. ctx bounds only the dial; once returned,
// the conn lives until closed.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("ssh dial %s %s: unsupported network", network, address)
	}

	t, err := c.getTransport(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := t.DialContext(ctx, "tcp", address)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", address, err)
		}

		c.dropTransport(t)
		if t, err = c.getTransport(ctx); err != nil {
			return nil, err
		}
		if conn, err = t.DialContext(ctx, "tcp", address); err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", address, err)
		}
	}

	return &channelConn{Conn: conn}, nil
}

// Close tears down the shared transport, if any. Open channels die with it.
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

// getTransport returns the shared transport, connecting if there is none.
// Concurrent callers share a single connection attempt; the attempt is not
// tied to any one caller's ctx, but each caller stops waiting when its own
// ctx is done.
func (c *Client) getTransport(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		return t, nil
	}

	ch := c.sf.DoChan("connect", func() (any, error) {
		c.mu.Lock()
		if c.transport != nil {
			t := c.transport
			c.mu.Unlock()
			return t, nil
		}
		c.mu.Unlock()

		t, err := c.connect(context.Background())
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.transport = t
		c.mu.Unlock()
		return t, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (c *Client) connect(ctx context.Context) (*ssh.Client, error) {
	conn, err := c.direct.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	if c.cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	}

	sshCfg := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            c.cfg.authMethods(),
		HostKeyCallback: c.cfg.HostKeyCallback,
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, c.addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", c.addr, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

// dropTransport forgets t if it is still the shared transport and closes it.
func (c *Client) dropTransport(t *ssh.Client) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
	_ = t.Close()
}

// channelConn is one direct-tcpip channel.
type channelConn struct {
	net.Conn
}

// CloseWrite sends EOF on the channel, leaving the read side open.
func (c *channelConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.New("ssh: channel does not support half-close")
}
