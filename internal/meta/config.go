package meta

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"udpot/internal/audit"
	"udpot/internal/log"
	"udpot/internal/network"
)

const (
	// DefaultPort is the port on which both listeners bind unless configured otherwise.
	DefaultPort = 5053
	// DefaultRequestCount is the number of queries forwarded per source and window.
	DefaultRequestCount = 3
	// DefaultRequestTimeout is the inactivity window after which a source earns a fresh quota.
	DefaultRequestTimeout = 86400 * time.Second
	// DefaultDSN is the audit store connection string.
	DefaultDSN = "sqlite:///db.sqlite3"
	// DefaultUpstreamPort is assumed for upstream addresses given without a port.
	DefaultUpstreamPort = "53"
)

// ApplicationConfig is a top-level block for application-level meta configuration.
type ApplicationConfig struct {
	SentryDSN string `yaml:"sentry_dsn" toml:"sentry_dsn"`
	Verbosity string `yaml:"verbosity" toml:"verbosity" validate:"omitempty,log_level"`
}

// StatsdConfig describes the statsd metrics sink.
type StatsdConfig struct {
	Address    string  `yaml:"addr" toml:"addr" validate:"required,hostport"`
	SampleRate float64 `yaml:"sample_rate" toml:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig is a top-level block for metrics configuration.
type MetricsConfig struct {
	Statsd *StatsdConfig `yaml:"statsd" toml:"statsd"`
}

// UDPListenerConfig describes the UDP listener.
type UDPListenerConfig struct {
	Address      string        `yaml:"addr" toml:"addr" validate:"required,hostport"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" validate:"gte=0"`
	UDPSize      int           `yaml:"udp_size" toml:"udp_size" validate:"gte=0,lte=65535"`
}

// TCPListenerConfig describes the TCP listener.
type TCPListenerConfig struct {
	Address      string        `yaml:"addr" toml:"addr" validate:"required,hostport"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" toml:"idle_timeout" validate:"gte=0"`
}

// ListenerConfig is a top-level block for server listener configuration.
type ListenerConfig struct {
	UDP *UDPListenerConfig `yaml:"udp" toml:"udp"`
	TCP *TCPListenerConfig `yaml:"tcp" toml:"tcp"`
}

// UpstreamServer describes parameters for a single upstream server.
type UpstreamServer struct {
	Address            string        `yaml:"addr" toml:"addr" validate:"required,hostport"`
	Transport          string        `yaml:"transport" toml:"transport" validate:"omitempty,oneof=udp tcp tcp-tls"`
	ServerName         string        `yaml:"server_name" toml:"server_name"`
	ConnectionPoolSize int           `yaml:"connection_pool_size" toml:"connection_pool_size" validate:"gte=0"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" toml:"connect_timeout" validate:"gte=0"`
	ReadTimeout        time.Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gte=0"`
	WriteTimeout       time.Duration `yaml:"write_timeout" toml:"write_timeout" validate:"gte=0"`
	StaleTimeout       time.Duration `yaml:"stale_timeout" toml:"stale_timeout" validate:"gte=0"`
}

// UpstreamConfig is a top-level block for upstream configuration.
type UpstreamConfig struct {
	LoadBalancingPolicy  string           `yaml:"load_balancing_policy" toml:"load_balancing_policy"`
	MaxConnectionRetries int              `yaml:"max_connection_retries" toml:"max_connection_retries" validate:"gte=0"`
	Timeout              time.Duration    `yaml:"timeout" toml:"timeout" validate:"gte=0"`
	Servers              []UpstreamServer `yaml:"servers" toml:"servers" validate:"required,min=1,dive"`
}

// HoneypotConfig is a top-level block for the admission parameters.
type HoneypotConfig struct {
	RequestCount   int           `yaml:"req_count" toml:"req_count" validate:"gt=0"`
	RequestTimeout Timeout       `yaml:"req_timeout" toml:"req_timeout" validate:"gt=0"`
	SweepInterval  time.Duration `yaml:"sweep_interval" toml:"sweep_interval" validate:"gte=0"`
}

// AuditConfig is a top-level block for the audit trail.
type AuditConfig struct {
	DSN          string        `yaml:"dsn" toml:"dsn" validate:"required"`
	BufferSize   int           `yaml:"buffer_size" toml:"buffer_size" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" validate:"gte=0"`
}

// APIConfig is a top-level block for the admin HTTP API. The API is disabled without an address.
type APIConfig struct {
	Address string `yaml:"addr" toml:"addr" validate:"omitempty,hostport"`
}

// Config describes all application configuration options.
type Config struct {
	Application *ApplicationConfig `yaml:"application" toml:"application"`
	Metrics     *MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Listener    *ListenerConfig    `yaml:"listener" toml:"listener" validate:"required"`
	Upstream    *UpstreamConfig    `yaml:"upstream" toml:"upstream" validate:"required"`
	Honeypot    *HoneypotConfig    `yaml:"honeypot" toml:"honeypot" validate:"required"`
	Audit       *AuditConfig       `yaml:"audit" toml:"audit" validate:"required"`
	API         *APIConfig         `yaml:"api" toml:"api"`
}

// Overrides are command-line settings applied on top of a configuration. Zero values leave the
// configuration untouched, except for the admission parameters: a non-nil RequestCount or
// RequestTimeout is applied as given, zero included.
type Overrides struct {
	Verbosity      string
	Port           int
	RequestCount   *int
	RequestTimeout *time.Duration
	DSN            string
	Upstream       string
	Verbose        bool
}

// DefaultConfig returns a configuration that listens on UDP and TCP port 5053 and forwards to no
// upstream yet; an upstream must be supplied before it validates.
func DefaultConfig() *Config {
	return &Config{
		Application: &ApplicationConfig{Verbosity: "info"},
		Listener:    defaultListener(),
		Upstream:    &UpstreamConfig{},
		Honeypot: &HoneypotConfig{
			RequestCount:   DefaultRequestCount,
			RequestTimeout: Timeout(DefaultRequestTimeout),
		},
		Audit: &AuditConfig{DSN: DefaultDSN},
	}
}

// ParseConfig parses a Config struct instance from a file specified as a path on disk and
// validates it.
func ParseConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ReadConfig decodes a configuration file without validating it, so that command-line overrides
// may be applied first. Files with a .toml extension are decoded as TOML; anything else as YAML.
// Omitted blocks keep their defaults.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: error reading config: err=%w", err)
	}

	// A listener block replaces the default listeners as a whole, so that either may be omitted
	cfg := DefaultConfig()
	cfg.Listener = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: error parsing TOML config: err=%w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: error parsing YAML config: err=%w", err)
		}
	}

	if cfg.Listener == nil {
		cfg.Listener = defaultListener()
	}

	return cfg, nil
}

// Override applies command-line settings to the configuration. The result should be validated
// again.
func (c *Config) Override(o Overrides) {
	if c.Application == nil {
		c.Application = &ApplicationConfig{}
	}

	if o.Verbosity != "" {
		c.Application.Verbosity = o.Verbosity
	}

	if o.Verbose {
		c.Application.Verbosity = log.Debug.String()
	}

	if o.Port > 0 && c.Listener != nil {
		if c.Listener.UDP != nil {
			c.Listener.UDP.Address = withPort(c.Listener.UDP.Address, o.Port)
		}

		if c.Listener.TCP != nil {
			c.Listener.TCP.Address = withPort(c.Listener.TCP.Address, o.Port)
		}
	}

	if c.Honeypot == nil {
		c.Honeypot = &HoneypotConfig{}
	}

	if o.RequestCount != nil {
		c.Honeypot.RequestCount = *o.RequestCount
	}

	if o.RequestTimeout != nil {
		c.Honeypot.RequestTimeout = Timeout(*o.RequestTimeout)
	}

	if o.DSN != "" {
		if c.Audit == nil {
			c.Audit = &AuditConfig{}
		}

		c.Audit.DSN = o.DSN
	}

	if o.Upstream != "" {
		if c.Upstream == nil {
			c.Upstream = &UpstreamConfig{}
		}

		c.Upstream.Servers = []UpstreamServer{{Address: withDefaultPort(o.Upstream), Transport: "udp"}}
	}
}

// Level returns the configured logging level, defaulting to info.
func (c *Config) Level() log.Level {
	if c.Application == nil || c.Application.Verbosity == "" {
		return log.Info
	}

	level, ok := log.ParseLevel(c.Application.Verbosity)
	if !ok {
		return log.Info
	}

	return level
}

// Validate the contents of the configuration. Returns an error if validation failed; nil
// otherwise.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return validationError(err)
	}

	/* Listener */

	if c.Listener.TCP == nil && c.Listener.UDP == nil {
		return fmt.Errorf("config: at least one TCP or UDP listener must be specified")
	}

	/* Upstream */

	// Validate the load balancing policy, only if provided (empty signifies default).
	if c.Upstream.LoadBalancingPolicy != "" {
		if _, ok := network.ParseLoadBalancingPolicy(c.Upstream.LoadBalancingPolicy); !ok {
			return fmt.Errorf(
				"config: unknown load balancing policy: policy=%s",
				c.Upstream.LoadBalancingPolicy,
			)
		}
	}

	for idx, server := range c.Upstream.Servers {
		if server.Transport == "tcp-tls" && server.ServerName == "" {
			return fmt.Errorf("config: missing server TLS hostname: idx=%d addr=%s", idx, server.Address)
		}
	}

	/* Audit */

	if _, err := audit.ParseDSN(c.Audit.DSN); err != nil {
		return fmt.Errorf("config: invalid audit DSN: err=%w", err)
	}

	return nil
}

// defaultListener binds both transports on the default port on all interfaces.
func defaultListener() *ListenerConfig {
	addr := net.JoinHostPort("", fmt.Sprint(DefaultPort))

	return &ListenerConfig{
		UDP: &UDPListenerConfig{Address: addr},
		TCP: &TCPListenerConfig{Address: addr},
	}
}

// withPort replaces the port of a host:port address, keeping its host.
func withPort(addr string, port int) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = ""
	}

	return net.JoinHostPort(host, fmt.Sprint(port))
}

// withDefaultPort appends the standard DNS port to an address that has none.
func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return net.JoinHostPort(strings.Trim(addr, "[]"), DefaultUpstreamPort)
}

// Timeout is a window length decoded from either a whole number of seconds or a duration string,
// the same forms accepted on the command line.
type Timeout time.Duration

// Duration returns the timeout as a time.Duration.
func (t Timeout) Duration() time.Duration {
	return time.Duration(t)
}

// String formats the timeout as a duration.
func (t Timeout) String() string {
	return time.Duration(t).String()
}

// UnmarshalText decodes a timeout from TOML, which hands over integers as their decimal text.
func (t *Timeout) UnmarshalText(text []byte) error {
	duration, err := ParseTimeout(string(text))
	if err != nil {
		return err
	}

	*t = Timeout(duration)

	return nil
}

// UnmarshalYAML decodes a timeout from a YAML scalar.
func (t *Timeout) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("config: invalid timeout: line=%d", value.Line)
	}

	return t.UnmarshalText([]byte(value.Value))
}

// ParseTimeout parses a window length given either as a whole number of seconds or as a
// duration string such as "24h".
func ParseTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)

	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid timeout: value=%q", value)
	}

	return duration, nil
}
