package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/die-net/tcprelay/internal/config"
	"github.com/die-net/tcprelay/internal/dialer"
)

type Config struct {
	Proxy config.ProxyConfig

	// Dialer reaches Proxy.UpstreamAddr.
	Dialer dialer.Dialer

	// ConnectTimeout bounds the whole upstream dial, including any proxy
	// negotiation done by Dialer. Zero leaves it to Dialer.
	ConnectTimeout time.Duration

	// IdleTimeout is passed to CopyBidirectional. Zero disables it.
	IdleTimeout time.Duration

	// BufferSize is the size of pooled copy buffers. Zero means 32 KiB.
	BufferSize int

	// Logger receives per-connection events. Nil means slog.Default().
	Logger *slog.Logger
}

// Server accepts client connections and relays each one to the upstream.
type Server struct {
	cfg  Config
	log  *slog.Logger
	pool *bufferPool

	// relays run under relayCtx rather than the Serve context, so that
	// stopping the accept loop leaves in-flight relays alone.
	relayCtx     context.Context
	cancelRelays context.CancelFunc

	wg     sync.WaitGroup
	active atomic.Int64
	nextID atomic.Uint64
}

func NewServer(cfg Config) *Server {
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:          cfg,
		log:          lg,
		pool:         newBufferPool(cfg.BufferSize),
		relayCtx:     ctx,
		cancelRelays: cancel,
	}
}

// Serve accepts connections on ln and starts a relay for each one, without
// waiting for it. Transient accept errors are logged and retried with
// backoff. When ctx is canceled, ln is closed and Serve returns nil; relays
// already running are not affected, see Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			delay = acceptBackoff(delay)
			s.log.Warn("accept failed", "error", err, "retry_in", delay)

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil
			}
			continue
		}
		delay = 0

		id := s.nextID.Add(1)
		s.active.Add(1)
		s.wg.Go(func() {
			defer s.active.Add(-1)
			s.handle(c, id)
		})
	}
}

// acceptBackoff mirrors net/http: 5ms, doubling, capped at 1s.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := prev * 2; next < time.Second {
		return next
	}
	return time.Second
}

func (s *Server) handle(c net.Conn, id uint64) {
	lg := s.log.With("conn", id)
	lg.Info("accepted connection", "peer", c.RemoteAddr().String())

	res, err := s.Relay(s.relayCtx, c)
	switch {
	case errors.Is(err, ErrUpstreamUnreachable):
		lg.Warn("upstream unreachable", "upstream", s.cfg.Proxy.UpstreamAddr, "error", err)
	case err != nil:
		lg.Warn("relay failed",
			"error", err,
			"client_to_upstream", res.ClientToUpstream,
			"upstream_to_client", res.UpstreamToClient,
		)
	default:
		lg.Info("relay complete",
			"client_to_upstream", res.ClientToUpstream,
			"upstream_to_client", res.UpstreamToClient,
		)
	}
}

// Relay dials the upstream for client and copies in both directions until
// both are done. client is always closed before Relay returns.
//
// A failed dial returns an error wrapping ErrUpstreamUnreachable with a zero
// Result. Copy failures are returned as described on CopyBidirectional.
func (s *Server) Relay(ctx context.Context, client net.Conn) (Result, error) {
	dialCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	upstream, err := s.cfg.Dialer.DialContext(dialCtx, "tcp", s.cfg.Proxy.UpstreamAddr)
	if err != nil {
		_ = client.Close()
		return Result{}, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	return copyBidirectional(ctx, client, upstream, CopyOptions{IdleTimeout: s.cfg.IdleTimeout}, s.pool)
}

// Active returns the number of relays in flight.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Shutdown waits for in-flight relays to finish. If ctx is done first, the
// remaining relays are canceled (their connections closed), Shutdown waits
// for them to exit and returns ctx.Err().
//
// Call Shutdown only after Serve has returned.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelRelays()
		return nil
	case <-ctx.Done():
		s.cancelRelays()
		<-done
		return ctx.Err()
	}
}

// Close cancels every in-flight relay immediately.
func (s *Server) Close() error {
	s.cancelRelays()
	return nil
}
