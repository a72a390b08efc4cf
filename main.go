package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tcprelay/internal/config"
	"github.com/die-net/tcprelay/internal/dialer"
	"github.com/die-net/tcprelay/internal/logger"
	"github.com/die-net/tcprelay/internal/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.RegisterFlags(pflag.CommandLine)
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	cfg, err := flags.Resolve()
	if err != nil {
		return err
	}

	lg := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(lg)

	ka, err := config.ParseTCPKeepAlive(cfg.TCPKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid tcp_keepalive: %w", err)
	}

	d, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          ka,
		SSHKeyPath:         cfg.SSH.Key,
		SSHKnownHostsPath:  cfg.SSH.KnownHosts,
	}, cfg.Via)
	if err != nil {
		return fmt.Errorf("invalid via: %w", err)
	}
	if c, ok := d.(io.Closer); ok {
		defer c.Close()
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := relay.Listen(ctx, cfg.Listen, relay.ListenOptions{
		KeepAlive: ka,
		ReusePort: cfg.ReusePort,
		MaxConns:  cfg.MaxConns,
	})
	if err != nil {
		return err
	}

	if cfg.DebugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", cfg.DebugListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		lg.Info("debug listening", "addr", cfg.DebugListen)
	}

	srv := relay.NewServer(relay.Config{
		Proxy:          cfg.Proxy(),
		Dialer:         d,
		ConnectTimeout: cfg.DialTimeout + cfg.NegotiationTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		Logger:         lg,
	})

	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	lg.Info("listening", "listen", cfg.Listen, "upstream", cfg.Upstream, "via", redact(cfg.Via))

	err = g.Wait()

	lg.Info("shutting down", "active", srv.Active(), "drain_timeout", cfg.DrainTimeout)
	dctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if derr := srv.Shutdown(dctx); derr != nil {
		lg.Warn("drain timed out, closed remaining relays", "error", derr)
	}

	return err
}

// redact hides any password in a --via URL.
func redact(via string) string {
	u, err := url.Parse(via)
	if err != nil {
		return via
	}
	return u.Redacted()
}
