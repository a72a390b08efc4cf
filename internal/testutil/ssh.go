package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// SSHServer is a loopback SSH server that only serves direct-tcpip
// channels, dialing each requested destination directly.
type SSHServer struct {
	Addr    string
	HostKey ssh.PublicKey

	// Handshakes counts completed SSH handshakes.
	Handshakes atomic.Int64

	mu    sync.Mutex
	conns []*ssh.ServerConn
}

// CloseConns drops every SSH transport, leaving the listener open.
func (s *SSHServer) CloseConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// GenerateSigner returns a fresh ed25519 signer.
func GenerateSigner(t *testing.T) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// StartSSHServer starts an SSH server accepting user/pass. It runs until
// test cleanup.
func StartSSHServer(ctx context.Context, t *testing.T, user, pass string) *SSHServer {
	t.Helper()

	hostKey := GenerateSigner(t)
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, p []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(p) == pass {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(hostKey)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &SSHServer{Addr: ln.Addr().String(), HostKey: hostKey.PublicKey()}

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		s.CloseConns()
		wg.Wait()
	})

	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Go(func() {
				s.serveConn(c, cfg)
			})
		}
	})
	return s
}

type directTCPIP struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

func (s *SSHServer) serveConn(c net.Conn, cfg *ssh.ServerConfig) {
	defer c.Close()

	sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	s.Handshakes.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
	defer sc.Close()

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		wg.Go(func() {
			serveDirectTCPIP(nc)
		})
	}
	wg.Wait()
}

func serveDirectTCPIP(nc ssh.NewChannel) {
	var p directTCPIP
	if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
		_ = nc.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(p.Host, fmt.Sprint(p.Port))
	dst, err := net.Dial("tcp", addr)
	if err != nil {
		_ = nc.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer dst.Close()

	ch, reqs, err := nc.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(ch, dst)
		_ = ch.CloseWrite()
	}()
	_, _ = io.Copy(dst, ch)
	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	<-done
}
