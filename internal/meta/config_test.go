package meta

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"udpot/internal/log"
)

func writeConfig(t *testing.T, name string, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

const yamlConfig = `
application:
  sentry_dsn: ""
  verbosity: debug
metrics:
  statsd:
    addr: 127.0.0.1:8125
    sample_rate: 0.5
listener:
  udp:
    addr: 0.0.0.0:53
    read_timeout: 2s
upstream:
  load_balancing_policy: failover
  max_connection_retries: 3
  servers:
    - addr: 9.9.9.9:853
      transport: tcp-tls
      server_name: dns.quad9.net
      connection_pool_size: 4
      stale_timeout: 30s
    - addr: 1.1.1.1:53
honeypot:
  req_count: 5
  req_timeout: 1h
  sweep_interval: 10m
audit:
  dsn: sqlite:///var/lib/udpot/audit.sqlite3
  buffer_size: 256
api:
  addr: 127.0.0.1:8080
`

func TestParseConfigYAML(t *testing.T) {
	cfg, err := ParseConfig(writeConfig(t, "udpot.yaml", yamlConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Level() != log.Debug {
		t.Errorf("level = %s, want DEBUG", cfg.Level())
	}

	if cfg.Listener.UDP == nil || cfg.Listener.UDP.Address != "0.0.0.0:53" || cfg.Listener.UDP.ReadTimeout != 2*time.Second {
		t.Errorf("unexpected UDP listener: %+v", cfg.Listener.UDP)
	}
	if cfg.Listener.TCP != nil {
		t.Errorf("an explicit listener block should replace the default listeners, got TCP %+v", cfg.Listener.TCP)
	}

	if len(cfg.Upstream.Servers) != 2 || cfg.Upstream.Servers[0].StaleTimeout != 30*time.Second {
		t.Errorf("unexpected upstream servers: %+v", cfg.Upstream.Servers)
	}

	if cfg.Honeypot.RequestCount != 5 || cfg.Honeypot.RequestTimeout.Duration() != time.Hour || cfg.Honeypot.SweepInterval != 10*time.Minute {
		t.Errorf("unexpected honeypot: %+v", cfg.Honeypot)
	}

	if cfg.Metrics.Statsd.SampleRate != 0.5 || cfg.API.Address != "127.0.0.1:8080" || cfg.Audit.BufferSize != 256 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

const tomlConfig = `
[upstream]
servers = [{ addr = "8.8.8.8:53" }]

[honeypot]
req_count = 2
req_timeout = "30m"

[audit]
dsn = "sqlite://:memory:"
`

func TestParseConfigTOMLKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig(writeConfig(t, "udpot.toml", tomlConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Listener.UDP.Address != ":5053" || cfg.Listener.TCP.Address != ":5053" {
		t.Errorf("default listeners expected, got %+v %+v", cfg.Listener.UDP, cfg.Listener.TCP)
	}

	if cfg.Honeypot.RequestCount != 2 || cfg.Honeypot.RequestTimeout.Duration() != 30*time.Minute {
		t.Errorf("unexpected honeypot: %+v", cfg.Honeypot)
	}

	if cfg.Level() != log.Info {
		t.Errorf("level = %s, want INFO", cfg.Level())
	}

	if cfg.API != nil || cfg.Metrics != nil {
		t.Error("optional blocks should stay disabled")
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		contents string
		want     string
	}{
		{"syntax", "bad.yaml", "listener: [", "error parsing YAML"},
		{"no upstream", "a.yaml", "honeypot:\n  req_count: 3\n", "upstream.servers"},
		{"zero count", "b.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:53\nhoneypot:\n  req_count: 0\n", "honeypot.req_count"},
		{"negative timeout", "c.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:53\nhoneypot:\n  req_timeout: -1s\n", "honeypot.req_timeout"},
		{"bad address", "d.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1\n", "upstream.servers[0].addr"},
		{"bad transport", "e.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:53\n      transport: quic\n", "transport"},
		{"tls without name", "f.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:853\n      transport: tcp-tls\n", "TLS hostname"},
		{"bad policy", "g.yaml", "upstream:\n  load_balancing_policy: fastest\n  servers:\n    - addr: 1.1.1.1:53\n", "load balancing policy"},
		{"bad dsn", "h.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:53\naudit:\n  dsn: postgres://db/udpot\n", "audit DSN"},
		{"bad sample rate", "i.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:53\nmetrics:\n  statsd:\n    addr: 127.0.0.1:8125\n    sample_rate: 2\n", "sample_rate"},
		{"bad verbosity", "j.yaml", "application:\n  verbosity: loud\nupstream:\n  servers:\n    - addr: 1.1.1.1:53\n", "verbosity"},
		{"no listeners", "k.toml", "[listener]\n[upstream]\nservers = [{ addr = \"1.1.1.1:53\" }]\n", "at least one TCP or UDP listener"},
	}

	for _, test := range tests {
		_, err := ParseConfig(writeConfig(t, test.file, test.contents))
		if err == nil {
			t.Errorf("%s: expected an error", test.name)
			continue
		}

		if !strings.HasPrefix(err.Error(), "config: ") || !strings.Contains(err.Error(), test.want) {
			t.Errorf("%s: error %q should mention %q", test.name, err, test.want)
		}
	}

	if _, err := ParseConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestOverride(t *testing.T) {
	cfg := DefaultConfig()
	count := 10
	timeout := time.Minute

	if err := cfg.Validate(); err == nil {
		t.Fatal("the default configuration has no upstream and should not validate")
	}

	cfg.Override(Overrides{
		Port:           5353,
		RequestCount:   &count,
		RequestTimeout: &timeout,
		DSN:            "sqlite:///tmp/audit.db",
		Upstream:       "8.8.4.4",
		Verbose:        true,
	})

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate after overrides: %v", err)
	}

	if cfg.Listener.UDP.Address != ":5353" || cfg.Listener.TCP.Address != ":5353" {
		t.Errorf("port override not applied: %s %s", cfg.Listener.UDP.Address, cfg.Listener.TCP.Address)
	}

	if got := cfg.Upstream.Servers; len(got) != 1 || got[0].Address != "8.8.4.4:53" || got[0].Transport != "udp" {
		t.Errorf("upstream override not applied: %+v", got)
	}

	if cfg.Honeypot.RequestCount != 10 || cfg.Honeypot.RequestTimeout.Duration() != time.Minute || cfg.Audit.DSN != "sqlite:///tmp/audit.db" {
		t.Errorf("honeypot or audit override not applied: %+v %+v", cfg.Honeypot, cfg.Audit)
	}

	if cfg.Level() != log.Debug {
		t.Errorf("verbose should select debug logging, got %s", cfg.Level())
	}

	negative := -1
	cfg.Override(Overrides{RequestCount: &negative})
	if err := cfg.Validate(); err == nil {
		t.Error("a negative request count should be rejected")
	}
}

func TestOverrideExplicitZero(t *testing.T) {
	zeroCount := 0
	zeroTimeout := time.Duration(0)

	tests := []struct {
		name      string
		overrides Overrides
		want      string
	}{
		{"zero count", Overrides{RequestCount: &zeroCount, Upstream: "8.8.8.8"}, "honeypot.req_count"},
		{"zero timeout", Overrides{RequestTimeout: &zeroTimeout, Upstream: "8.8.8.8"}, "honeypot.req_timeout"},
	}

	for _, test := range tests {
		cfg := DefaultConfig()
		cfg.Override(test.overrides)

		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), test.want) {
			t.Errorf("%s: error %v should mention %q", test.name, err, test.want)
		}
	}

	// Unset admission overrides keep the configured values
	cfg := DefaultConfig()
	cfg.Override(Overrides{Upstream: "8.8.8.8"})

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Honeypot.RequestCount != DefaultRequestCount || cfg.Honeypot.RequestTimeout.Duration() != DefaultRequestTimeout {
		t.Errorf("defaults should be kept: %+v", cfg.Honeypot)
	}
}

func TestParseConfigTimeoutInSeconds(t *testing.T) {
	tests := []struct {
		file     string
		contents string
		want     time.Duration
	}{
		{"seconds.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:53\nhoneypot:\n  req_timeout: 86400\n", 24 * time.Hour},
		{"string.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:53\nhoneypot:\n  req_timeout: 90s\n", 90 * time.Second},
		{"seconds.toml", "[upstream]\nservers = [{ addr = \"1.1.1.1:53\" }]\n[honeypot]\nreq_timeout = 600\n", 10 * time.Minute},
		{"string.toml", "[upstream]\nservers = [{ addr = \"1.1.1.1:53\" }]\n[honeypot]\nreq_timeout = \"2h\"\n", 2 * time.Hour},
	}

	for _, test := range tests {
		cfg, err := ParseConfig(writeConfig(t, test.file, test.contents))
		if err != nil {
			t.Errorf("%s: ParseConfig: %v", test.file, err)
			continue
		}

		if got := cfg.Honeypot.RequestTimeout.Duration(); got != test.want {
			t.Errorf("%s: req_timeout = %v, want %v", test.file, got, test.want)
		}
	}

	_, err := ParseConfig(writeConfig(t, "bad.yaml", "upstream:\n  servers:\n    - addr: 1.1.1.1:53\nhoneypot:\n  req_timeout: soon\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid timeout") {
		t.Errorf("an unparseable timeout should be rejected, got %v", err)
	}
}

func TestOverrideKeepsListenerHost(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listener.UDP.Address = "127.0.0.1:53"
	cfg.Listener.TCP = nil

	cfg.Override(Overrides{Port: 1053, Upstream: "[2001:4860:4860::8888]:53"})

	if cfg.Listener.UDP.Address != "127.0.0.1:1053" {
		t.Errorf("UDP address = %s", cfg.Listener.UDP.Address)
	}

	if cfg.Upstream.Servers[0].Address != "[2001:4860:4860::8888]:53" {
		t.Errorf("upstream address = %s", cfg.Upstream.Servers[0].Address)
	}
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
		ok    bool
	}{
		{"86400", 86400 * time.Second, true},
		{"24h", 24 * time.Hour, true},
		{" 90s ", 90 * time.Second, true},
		{"soon", 0, false},
	}

	for _, test := range tests {
		got, err := ParseTimeout(test.input)
		if (err == nil) != test.ok || got != test.want {
			t.Errorf("ParseTimeout(%q) = (%v, %v), want %v", test.input, got, err, test.want)
		}
	}
}

func TestVersion(t *testing.T) {
	if Version() != "dev" {
		t.Errorf("Version() = %s without an injected SHA", Version())
	}
}
