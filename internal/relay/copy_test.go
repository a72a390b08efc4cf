package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/net/nettest"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := <-accepted
	if c == nil {
		t.Fatal("accept failed")
	}

	t.Cleanup(func() {
		_ = dialed.Close()
		_ = c.Close()
	})
	return dialed.(*net.TCPConn), c.(*net.TCPConn)
}

type copyOutcome struct {
	res Result
	err error
}

// startCopy wires client <-> [relay] <-> upstream and runs CopyBidirectional
// between the two inner ends.
func startCopy(t *testing.T, ctx context.Context, opts CopyOptions) (client, upstream *net.TCPConn, done <-chan copyOutcome) {
	t.Helper()

	client, relayClient := tcpPair(t)
	relayUpstream, upstream := tcpPair(t)

	ch := make(chan copyOutcome, 1)
	go func() {
		res, err := CopyBidirectional(ctx, relayClient, relayUpstream, opts)
		ch <- copyOutcome{res, err}
	}()
	return client, upstream, ch
}

func waitCopy(t *testing.T, done <-chan copyOutcome) copyOutcome {
	t.Helper()

	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
		return copyOutcome{}
	}
}

func TestCopyBidirectionalPing(t *testing.T) {
	t.Parallel()

	client, upstream, done := startCopy(t, context.Background(), CopyOptions{})

	go func() {
		got, _ := io.ReadAll(upstream)
		_, _ = upstream.Write(got)
		_ = upstream.Close()
	}()

	if _, err := client.Write([]byte("PING")); err != nil {
		t.Fatal(err)
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "PING" {
		t.Fatalf("client got %q", got)
	}

	out := waitCopy(t, done)
	if out.err != nil {
		t.Fatal(out.err)
	}
	if out.res != (Result{ClientToUpstream: 4, UpstreamToClient: 4}) {
		t.Fatalf("unexpected result %+v", out.res)
	}
}

func TestCopyBidirectionalHalfClose(t *testing.T) {
	t.Parallel()

	client, upstream, done := startCopy(t, context.Background(), CopyOptions{})

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB

	upstreamGot := make(chan []byte, 1)
	go func() {
		// Wait for the client's EOF before answering, so the response is
		// still in flight after client->upstream has finished.
		got, _ := io.ReadAll(upstream)
		upstreamGot <- got
		for off := 0; off < len(payload); off += 64 * 1024 {
			if _, err := upstream.Write(payload[off : off+64*1024]); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
		_ = upstream.Close()
	}()

	if _, err := client.Write([]byte("request")); err != nil {
		t.Fatal(err)
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("client got %d bytes, want %d", len(got), len(payload))
	}
	if req := <-upstreamGot; string(req) != "request" {
		t.Fatalf("upstream got %q", req)
	}

	out := waitCopy(t, done)
	if out.err != nil {
		t.Fatal(out.err)
	}
	if out.res.ClientToUpstream != 7 || out.res.UpstreamToClient != int64(len(payload)) {
		t.Fatalf("unexpected result %+v", out.res)
	}
}

func TestCopyBidirectionalUpstreamReset(t *testing.T) {
	t.Parallel()

	client, upstream, done := startCopy(t, context.Background(), CopyOptions{})

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(upstream, buf); err != nil {
		t.Fatal(err)
	}

	// Abortive close sends RST instead of FIN.
	_ = upstream.SetLinger(0)
	_ = upstream.Close()

	out := waitCopy(t, done)
	var copyErr *CopyError
	if !errors.As(out.err, &copyErr) {
		t.Fatalf("expected *CopyError, got %v", out.err)
	}
	if out.res.ClientToUpstream != 5 {
		t.Fatalf("unexpected result %+v", out.res)
	}

	// Both sides are torn down, so the client sees its connection end.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected client connection to be closed")
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatal("client connection left open")
	}
}

func TestCopyBidirectionalIdleTimeout(t *testing.T) {
	t.Parallel()

	client, _, done := startCopy(t, context.Background(), CopyOptions{IdleTimeout: 100 * time.Millisecond})

	out := waitCopy(t, done)
	if !errors.Is(out.err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", out.err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on client, got %v", err)
	}
}

func TestCopyBidirectionalIdleTimeoutEitherDirection(t *testing.T) {
	t.Parallel()

	client, upstream, done := startCopy(t, context.Background(), CopyOptions{IdleTimeout: 300 * time.Millisecond})

	// Only upstream talks; the client direction stays silent for longer
	// than the idle timeout, which must not end the relay.
	go func() {
		for range 10 {
			if _, err := upstream.Write([]byte{'x'}); err != nil {
				return
			}
			time.Sleep(60 * time.Millisecond)
		}
		_ = upstream.Close()
	}()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("client got %d bytes", len(got))
	}
	_ = client.Close()

	out := waitCopy(t, done)
	if out.err != nil {
		t.Fatalf("unexpected error %v", out.err)
	}
	if out.res.UpstreamToClient != 10 {
		t.Fatalf("unexpected result %+v", out.res)
	}
}

func TestCopyBidirectionalCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	_, _, done := startCopy(t, ctx, CopyOptions{})

	cancel()

	out := waitCopy(t, done)
	if !errors.Is(out.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", out.err)
	}
}
