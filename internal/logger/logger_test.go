package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

func TestConsoleFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := New(Config{Level: "info", Format: "console", Output: &buf})

	lg.With("conn", 7).Info("relay complete", "client_to_upstream", 4, "upstream_to_client", 4)

	line := buf.String()
	re := regexp.MustCompile(`^\d\d:\d\d:\d\d INFO  relay complete  conn=7  client_to_upstream=4  upstream_to_client=4\n$`)
	if !re.MatchString(line) {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestConsoleLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := New(Config{Level: "warn", Output: &buf})

	lg.Info("dropped")
	lg.Warn("relay failed", "error", "boom")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record not filtered: %q", out)
	}
	if !strings.Contains(out, "WARN  relay failed  error=boom") {
		t.Fatalf("missing warn record: %q", out)
	}
}

func TestConsoleGroup(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := New(Config{Output: &buf}).WithGroup("relay")

	lg.Info("x", "bytes", 1, slog.Group("peer", "addr", "127.0.0.1:1"))

	out := buf.String()
	if !strings.Contains(out, "relay.bytes=1") || !strings.Contains(out, "relay.peer.addr=127.0.0.1:1") {
		t.Fatalf("unexpected grouping: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := New(Config{Level: "debug", Format: "json", Output: &buf})
	lg.Debug("accepted connection", "peer", "127.0.0.1:5555")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "accepted connection" || rec["peer"] != "127.0.0.1:5555" || rec["level"] != "DEBUG" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{cfg: Config{}},
		{cfg: Config{Level: "Debug", Format: "json"}},
		{cfg: Config{Level: "warning", Format: "text"}},
		{cfg: Config{Level: "info", Format: "console"}},
		{cfg: Config{Level: "trace"}, wantErr: true},
		{cfg: Config{Format: "logfmt"}, wantErr: true},
	}
	for _, tt := range tests {
		if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%+v: err=%v wantErr=%v", tt.cfg, err, tt.wantErr)
		}
	}
}
