package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/tcprelay/internal/logger"
	"github.com/die-net/tcprelay/internal/ssh"
)

// ProxyConfig is the pair of addresses the relay engine is built around.
//
// It is produced once at startup and passed by value; nothing mutates it
// afterwards, so any number of relay goroutines may read it concurrently.
type ProxyConfig struct {
	ListenAddr   string
	UpstreamAddr string
}

func (p ProxyConfig) String() string {
	return p.ListenAddr + " -> " + p.UpstreamAddr
}

// Config is the full runtime configuration, as read from a YAML file and
// overridden by command-line flags.
type Config struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`
	Via      string `yaml:"via"`

	DialTimeout        time.Duration `yaml:"dial_timeout"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`

	MaxConns     int    `yaml:"max_conns"`
	TCPKeepAlive string `yaml:"tcp_keepalive"`
	ReusePort    bool   `yaml:"reuse_port"`
	DebugListen  string `yaml:"debug_listen"`

	SSH SSHConfig `yaml:"ssh"`
	Log LogConfig `yaml:"log"`
}

type SSHConfig struct {
	Key        string `yaml:"key"`
	KnownHosts string `yaml:"known_hosts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with defaults. Listen and Upstream are
// left empty; they have no sensible default.
func Default() Config {
	return Config{
		Via:                defaultVia(),
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		DrainTimeout:       30 * time.Second,
		TCPKeepAlive:       "45:45:3",
		SSH: SSHConfig{
			Key:        defaultSSHKey(),
			KnownHosts: defaultSSHKnownHosts(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path on top of Default. Unknown keys are an
// error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that the configuration can be used to start a relay.
func (c *Config) Validate() error {
	if err := validateHostPort("listen", c.Listen); err != nil {
		return err
	}
	if err := validateHostPort("upstream", c.Upstream); err != nil {
		return err
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"dial_timeout", c.DialTimeout},
		{"negotiation_timeout", c.NegotiationTimeout},
		{"idle_timeout", c.IdleTimeout},
		{"drain_timeout", c.DrainTimeout},
	} {
		if d.v < 0 {
			return fmt.Errorf("%s: must be >= 0", d.name)
		}
	}

	if c.MaxConns < 0 {
		return errors.New("max_conns: must be >= 0")
	}
	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("tcp_keepalive: %w", err)
	}
	if err := (logger.Config{Level: c.Log.Level, Format: c.Log.Format}).Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Proxy returns the immutable address pair for the relay engine.
func (c *Config) Proxy() ProxyConfig {
	return ProxyConfig{ListenAddr: c.Listen, UpstreamAddr: c.Upstream}
}

func validateHostPort(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s: address required", name)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if port == "" {
		return fmt.Errorf("%s: missing port in %q", name, addr)
	}
	return nil
}

func defaultVia() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}

	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}

	return "direct://"
}

func defaultSSHKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKey() string {
	if ssh.AgentAvailable() {
		return ssh.AgentAuthType
	}
	return ""
}
