package testutil

import (
	"context"
	"io"
	"net"
	"slices"
	"sync"
	"testing"

	"github.com/txthinking/socks5"
)

// SOCKS5Server is a loopback SOCKS5 server that supports CONNECT only.
type SOCKS5Server struct {
	Addr string

	mu       sync.Mutex
	requests []string
}

// Requests returns the CONNECT destinations seen so far.
func (s *SOCKS5Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// StartSOCKS5Server starts a SOCKS5 server. A non-empty user requires
// username/password authentication. It runs until test cleanup.
func StartSOCKS5Server(ctx context.Context, t *testing.T, user, pass string) *SOCKS5Server {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &SOCKS5Server{Addr: ln.Addr().String()}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns[c] = struct{}{}
			mu.Unlock()
			wg.Go(func() {
				defer func() {
					mu.Lock()
					delete(conns, c)
					mu.Unlock()
					_ = c.Close()
				}()
				s.serveConn(c, user, pass)
			})
		}
	})
	return s
}

func (s *SOCKS5Server) serveConn(c net.Conn, user, pass string) {
	neg, err := socks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return
	}

	want := byte(socks5.MethodNone)
	if user != "" {
		want = socks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, want) {
		_, _ = socks5.NewNegotiationReply(socks5.MethodUnsupportAll).WriteTo(c)
		return
	}
	if _, err := socks5.NewNegotiationReply(want).WriteTo(c); err != nil {
		return
	}

	if user != "" {
		up, err := socks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return
		}
		if string(up.Uname) != user || string(up.Passwd) != pass {
			_, _ = socks5.NewUserPassNegotiationReply(socks5.UserPassStatusFailure).WriteTo(c)
			return
		}
		if _, err := socks5.NewUserPassNegotiationReply(socks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return
		}
	}

	req, err := socks5.NewRequestFrom(c)
	if err != nil {
		return
	}
	zero := []byte{0, 0, 0, 0}
	if req.Cmd != socks5.CmdConnect {
		_, _ = socks5.NewReply(socks5.RepCommandNotSupported, socks5.ATYPIPv4, zero, []byte{0, 0}).WriteTo(c)
		return
	}

	dst := req.Address()
	s.mu.Lock()
	s.requests = append(s.requests, dst)
	s.mu.Unlock()

	up, err := net.Dial("tcp", dst)
	if err != nil {
		_, _ = socks5.NewReply(socks5.RepConnectionRefused, socks5.ATYPIPv4, zero, []byte{0, 0}).WriteTo(c)
		return
	}
	defer up.Close()

	atyp, addr, port, err := socks5.ParseAddress(up.LocalAddr().String())
	if err != nil {
		return
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, atyp, addr, port).WriteTo(c); err != nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(c, up)
		_ = c.(*net.TCPConn).CloseWrite()
	}()
	_, _ = io.Copy(up, c)
	_ = up.(*net.TCPConn).CloseWrite()
	<-done
}
