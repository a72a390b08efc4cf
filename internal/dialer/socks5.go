package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/txthinking/socks5"
)

// SOCKS5ProxyDialer reaches the destination with a SOCKS5 CONNECT through a
// proxy server.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	username  string
	password  string
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a SOCKS5 dialer for the proxy at
// proxyAddr. A non-empty username offers username/password authentication
// in addition to no-auth.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		username:  username,
		password:  password,
		direct:    NewDirectDialer(cfg),
	}
}

// DialContext connects to the proxy and asks it to CONNECT to address. The
// handshake is bounded by cfg.NegotiationTimeout and by ctx.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	// Unblock the handshake if ctx is canceled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	if f.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	err = f.handshake(conn, address)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return nil, fmt.Errorf("socks5 proxy dial %s via %s: %w", address, f.proxyAddr, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (f *SOCKS5ProxyDialer) handshake(conn net.Conn, address string) error {
	methods := []byte{socks5.MethodNone}
	if f.username != "" {
		methods = append(methods, socks5.MethodUsernamePassword)
	}
	if _, err := socks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := socks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case socks5.MethodNone:
	case socks5.MethodUsernamePassword:
		if f.username == "" {
			return errors.New("server requires username/password")
		}
		if _, err := socks5.NewUserPassNegotiationRequest([]byte(f.username), []byte(f.password)).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := socks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != socks5.UserPassStatusSuccess {
			return errors.New("authentication failed")
		}
	default:
		return fmt.Errorf("no acceptable auth method (server chose %#x)", neg.Method)
	}

	atyp, dstAddr, dstPort, err := socks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", address, err)
	}
	if atyp == socks5.ATYPDomain {
		// ParseAddress length-prefixes domains; NewRequest adds its own.
		dstAddr = dstAddr[1:]
	}
	if _, err := socks5.NewRequest(socks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}

	rep, err := socks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != socks5.RepSuccess {
		return fmt.Errorf("connect rejected: reply code %#x", rep.Rep)
	}
	return nil
}
