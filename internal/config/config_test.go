package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:8081
upstream: 127.0.0.1:8080
idle_timeout: 90s
max_conns: 512
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != "127.0.0.1:8081" || cfg.Upstream != "127.0.0.1:8080" {
		t.Fatalf("unexpected addresses: %+v", cfg.Proxy())
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("idle_timeout=%s", cfg.IdleTimeout)
	}
	if cfg.MaxConns != 512 {
		t.Fatalf("max_conns=%d", cfg.MaxConns)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log.level=%q", cfg.Log.Level)
	}
	// Unset keys keep their defaults.
	if cfg.DialTimeout != 10*time.Second {
		t.Fatalf("dial_timeout=%s", cfg.DialTimeout)
	}
	if cfg.Log.Format != "console" {
		t.Fatalf("log.format=%q", cfg.Log.Format)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}

	path := writeConfig(t, "listen: 127.0.0.1:1\nlisten_addr: nope\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}

	path = writeConfig(t, "idle_timeout: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DrainTimeout != 30*time.Second {
		t.Fatalf("drain_timeout=%s", cfg.DrainTimeout)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		c := Default()
		c.Listen = "127.0.0.1:8081"
		c.Upstream = "upstream.example:8080"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "ipv6", mutate: func(c *Config) { c.Listen = "[::1]:8081" }},
		{name: "any host", mutate: func(c *Config) { c.Listen = ":8081" }},
		{name: "missing listen", mutate: func(c *Config) { c.Listen = "" }, wantErr: true},
		{name: "missing upstream", mutate: func(c *Config) { c.Upstream = "" }, wantErr: true},
		{name: "upstream without port", mutate: func(c *Config) { c.Upstream = "upstream.example" }, wantErr: true},
		{name: "empty port", mutate: func(c *Config) { c.Upstream = "upstream.example:" }, wantErr: true},
		{name: "negative idle", mutate: func(c *Config) { c.IdleTimeout = -time.Second }, wantErr: true},
		{name: "negative max conns", mutate: func(c *Config) { c.MaxConns = -1 }, wantErr: true},
		{name: "bad keepalive", mutate: func(c *Config) { c.TCPKeepAlive = "1:2" }, wantErr: true},
		{name: "log level case-insensitive", mutate: func(c *Config) { c.Log.Level = "WARN" }},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "verbose" }, wantErr: true},
		{name: "unknown log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
		})
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
listen: 127.0.0.1:8081
upstream: 127.0.0.1:8080
dial_timeout: 3s
max_conns: 10
`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", path, "--upstream", "10.0.0.1:9000", "--idle-timeout", "1m"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := f.Resolve()
	if err != nil {
		t.Fatal(err)
	}

	want := ProxyConfig{ListenAddr: "127.0.0.1:8081", UpstreamAddr: "10.0.0.1:9000"}
	if got := cfg.Proxy(); got != want {
		t.Fatalf("got %v want %v", got, want)
	}
	if cfg.IdleTimeout != time.Minute {
		t.Fatalf("idle_timeout=%s", cfg.IdleTimeout)
	}
	// Not set on the command line: the file value wins over the flag default.
	if cfg.DialTimeout != 3*time.Second {
		t.Fatalf("dial_timeout=%s", cfg.DialTimeout)
	}
	if cfg.MaxConns != 10 {
		t.Fatalf("max_conns=%d", cfg.MaxConns)
	}
}

func TestFlagsWithoutFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse([]string{"--listen", "127.0.0.1:0"}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.Resolve(); err == nil {
		t.Fatal("expected error without --upstream")
	}
}

func TestParseTCPKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:45:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 45 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "1:2", wantErr: true},
		{in: "0:1:1", wantErr: true},
		{in: "1:x:1", wantErr: true},
		{in: "1:1:-3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTCPKeepAlive(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}
