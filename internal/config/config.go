// Package config provides configuration parsing and validation for sudp.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error caused by configuration content.
var ErrInvalid = errors.New("invalid configuration")

// Modes.
const (
	ModeClient = "client"
	ModeServer = "server"
)

// Transports.
const (
	TransportWebSocket = "ws"
	TransportQUIC      = "quic"
)

// Forward modes.
const (
	ForwardModeForward = "forward"
	ForwardModeEcho    = "echo"
)

// Config represents the complete instance configuration.
type Config struct {
	InstanceID  string            `yaml:"instance_id"`
	StateDir    string            `yaml:"state_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"`
	Mode        string            `yaml:"mode"`
	Local       LocalConfig       `yaml:"local"`
	Tunnel      TunnelConfig      `yaml:"tunnel"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Forward     ForwardConfig     `yaml:"forward"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LocalConfig defines the local UDP socket applications talk to.
type LocalConfig struct {
	ListenAddress         string `yaml:"listen_address"`
	ListenPort            int    `yaml:"listen_port"` // 0 = OS-assigned
	BufferSize            int    `yaml:"buffer_size"`
	MaxDatagramsPerSecond int    `yaml:"max_datagrams_per_second"` // 0 = unlimited
}

// TunnelConfig defines the message channel carrying packets between peers.
type TunnelConfig struct {
	Transport        string        `yaml:"transport"` // ws, quic
	URL              string        `yaml:"url"`       // client: ws(s)://host:port/path or host:port for quic
	Listen           string        `yaml:"listen"`    // server: host:port
	Path             string        `yaml:"path"`      // server: HTTP path for ws
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SendQueue        int           `yaml:"send_queue"`
	SessionTimeout   time.Duration `yaml:"session_timeout"` // server: how long a lost client may take to return
	MaxSessions      int           `yaml:"max_sessions"`    // server: concurrent client sessions
	TLS              TLSConfig     `yaml:"tls"`
}

// TLSConfig defines TLS settings for the tunnel.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ReliabilityConfig tunes acknowledgment and retransmission.
type ReliabilityConfig struct {
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	MaxUnacked         int           `yaml:"max_unacked"`
	WindowSize         int           `yaml:"window_size"`
	RetransmitInterval time.Duration `yaml:"retransmit_interval"`
	MaxRetransmitDelay time.Duration `yaml:"max_retransmit_delay"`
	Jitter             float64       `yaml:"jitter"`
}

// HeartbeatConfig defines liveness probing.
type HeartbeatConfig struct {
	Interval        time.Duration `yaml:"interval"`
	MissedThreshold int           `yaml:"missed_threshold"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"` // 0 = unlimited
}

// ForwardConfig defines where tunneled datagrams go.
type ForwardConfig struct {
	Target      string        `yaml:"target"`
	Mode        string        `yaml:"mode"` // server: forward, echo
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig defines the health and metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// DefaultStateDir returns ~/.local/var/sudp, or ./.sudp when the home
// directory cannot be determined.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".sudp"
	}
	return filepath.Join(home, ".local", "var", "sudp")
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		InstanceID: "default",
		StateDir:   DefaultStateDir(),
		LogLevel:   "info",
		LogFormat:  "text",
		Mode:       ModeClient,
		Local: LocalConfig{
			ListenAddress: "127.0.0.1",
			ListenPort:    1234,
			BufferSize:    65507,
		},
		Tunnel: TunnelConfig{
			Transport:        TransportWebSocket,
			URL:              "ws://127.0.0.1:11223/sudp",
			Listen:           "127.0.0.1:11223",
			Path:             "/sudp",
			DialTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			SendQueue:        256,
			SessionTimeout:   2 * time.Minute,
			MaxSessions:      100,
		},
		Reliability: ReliabilityConfig{
			AckTimeout:         1 * time.Second,
			MaxRetries:         5,
			MaxUnacked:         100,
			WindowSize:         1024,
			RetransmitInterval: 100 * time.Millisecond,
			MaxRetransmitDelay: 30 * time.Second,
			Jitter:             0.1,
		},
		Heartbeat: HeartbeatConfig{
			Interval:        5 * time.Second,
			MissedThreshold: 3,
		},
		Reconnect: ReconnectConfig{
			BackoffBase: 1 * time.Second,
			BackoffCap:  60 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
			MaxAttempts: 0,
		},
		Forward: ForwardConfig{
			Mode:        ForwardModeForward,
			IdleTimeout: 2 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrInvalid, err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg, err := parseUnvalidated(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseUnvalidated(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %w", ErrInvalid, err)
	}
	cfg.StateDir = expandHome(cfg.StateDir)

	return cfg, nil
}

// Overrides carries command line values that take precedence over the file.
type Overrides struct {
	InstanceID    string
	StateDir      string
	ListenAddress string
	Port          *int
}

// LoadWithOverrides loads path (or the defaults when path is empty), applies
// o and validates the result.
func LoadWithOverrides(path string, o Overrides) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %w", ErrInvalid, err)
		}
		if cfg, err = parseUnvalidated(data); err != nil {
			return nil, err
		}
	}

	cfg.Apply(o)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply overwrites fields set in o. The listen address and port address
// the local UDP socket in client mode and the tunnel listener in server
// mode.
func (c *Config) Apply(o Overrides) {
	if o.InstanceID != "" {
		c.InstanceID = o.InstanceID
	}
	if o.StateDir != "" {
		c.StateDir = expandHome(o.StateDir)
	}

	if c.Mode == ModeServer {
		if o.ListenAddress == "" && o.Port == nil {
			return
		}
		host, port, err := net.SplitHostPort(c.Tunnel.Listen)
		if err != nil {
			host, port = "127.0.0.1", "0"
		}
		if o.ListenAddress != "" {
			host = o.ListenAddress
		}
		if o.Port != nil {
			port = strconv.Itoa(*o.Port)
		}
		c.Tunnel.Listen = net.JoinHostPort(host, port)
		return
	}

	if o.ListenAddress != "" {
		c.Local.ListenAddress = o.ListenAddress
	}
	if o.Port != nil {
		c.Local.ListenPort = *o.Port
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors. All problems are reported
// together in one error wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []string

	if c.InstanceID == "" {
		errs = append(errs, "instance_id is required")
	}
	if c.StateDir == "" {
		errs = append(errs, "state_dir is required")
	}
	if !isValidLogLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !isValidLogFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	switch c.Mode {
	case ModeClient:
		errs = append(errs, c.validateClient()...)
	case ModeServer:
		errs = append(errs, c.validateServer()...)
	default:
		errs = append(errs, fmt.Sprintf("invalid mode: %s (must be client or server)", c.Mode))
	}

	if c.Tunnel.DialTimeout <= 0 {
		errs = append(errs, "tunnel.dial_timeout must be positive")
	}
	if c.Tunnel.HandshakeTimeout <= 0 {
		errs = append(errs, "tunnel.handshake_timeout must be positive")
	}
	if c.Tunnel.SendQueue < 1 {
		errs = append(errs, "tunnel.send_queue must be positive")
	}

	errs = append(errs, c.Reliability.validate()...)

	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if c.Heartbeat.MissedThreshold < 1 {
		errs = append(errs, "heartbeat.missed_threshold must be at least 1")
	}

	errs = append(errs, c.Reconnect.validate()...)

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.address: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(errs, "\n  - "))
	}

	return nil
}

func (c *Config) validateClient() []string {
	var errs []string

	if net.ParseIP(c.Local.ListenAddress) == nil {
		errs = append(errs, fmt.Sprintf("local.listen_address must be an IP address: %q", c.Local.ListenAddress))
	}
	if c.Local.ListenPort < 0 || c.Local.ListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("local.listen_port out of range: %d", c.Local.ListenPort))
	}
	if c.Local.BufferSize < 1024 || c.Local.BufferSize > 65507 {
		errs = append(errs, "local.buffer_size must be between 1024 and 65507")
	}
	if c.Local.MaxDatagramsPerSecond < 0 {
		errs = append(errs, "local.max_datagrams_per_second must not be negative")
	}

	switch c.Tunnel.Transport {
	case TransportWebSocket:
		u, err := url.Parse(c.Tunnel.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("tunnel.url must be a ws:// or wss:// URL: %q", c.Tunnel.URL))
		}
	case TransportQUIC:
		if _, _, err := net.SplitHostPort(c.Tunnel.URL); err != nil {
			errs = append(errs, fmt.Sprintf("tunnel.url must be host:port for quic: %q", c.Tunnel.URL))
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid tunnel.transport: %s (must be ws or quic)", c.Tunnel.Transport))
	}

	if c.Forward.Target != "" {
		if _, _, err := net.SplitHostPort(c.Forward.Target); err != nil {
			errs = append(errs, fmt.Sprintf("forward.target: %v", err))
		}
	}

	return errs
}

func (c *Config) validateServer() []string {
	var errs []string

	if !isValidTransport(c.Tunnel.Transport) {
		errs = append(errs, fmt.Sprintf("invalid tunnel.transport: %s (must be ws or quic)", c.Tunnel.Transport))
	}
	if _, _, err := net.SplitHostPort(c.Tunnel.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("tunnel.listen: %v", err))
	}
	if c.Tunnel.Transport == TransportWebSocket && !strings.HasPrefix(c.Tunnel.Path, "/") {
		errs = append(errs, "tunnel.path must start with /")
	}
	if c.Tunnel.SessionTimeout <= 0 {
		errs = append(errs, "tunnel.session_timeout must be positive")
	}
	if c.Tunnel.MaxSessions < 1 {
		errs = append(errs, fmt.Sprintf("tunnel.max_sessions must be at least 1: %d", c.Tunnel.MaxSessions))
	}
	if (c.Tunnel.TLS.Cert == "") != (c.Tunnel.TLS.Key == "") {
		errs = append(errs, "tunnel.tls.cert and tunnel.tls.key must be set together")
	}

	switch c.Forward.Mode {
	case ForwardModeEcho:
	case ForwardModeForward:
		// An empty target forwards each datagram to the destination the
		// client attached to it.
		if c.Forward.Target != "" {
			if _, _, err := net.SplitHostPort(c.Forward.Target); err != nil {
				errs = append(errs, fmt.Sprintf("forward.target: %v", err))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid forward.mode: %s (must be forward or echo)", c.Forward.Mode))
	}
	if c.Forward.IdleTimeout <= 0 {
		errs = append(errs, "forward.idle_timeout must be positive")
	}

	return errs
}

func (r ReliabilityConfig) validate() []string {
	var errs []string
	if r.AckTimeout <= 0 {
		errs = append(errs, "reliability.ack_timeout must be positive")
	}
	if r.MaxRetries < 0 {
		errs = append(errs, "reliability.max_retries must not be negative")
	}
	if r.MaxUnacked < 1 {
		errs = append(errs, "reliability.max_unacked must be at least 1")
	}
	if r.WindowSize < 1 {
		errs = append(errs, "reliability.window_size must be at least 1")
	}
	if r.RetransmitInterval <= 0 {
		errs = append(errs, "reliability.retransmit_interval must be positive")
	}
	if r.MaxRetransmitDelay < r.AckTimeout {
		errs = append(errs, "reliability.max_retransmit_delay must be >= ack_timeout")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		errs = append(errs, "reliability.jitter must be in [0, 1)")
	}
	return errs
}

func (r ReconnectConfig) validate() []string {
	var errs []string
	if r.BackoffBase <= 0 {
		errs = append(errs, "reconnect.backoff_base must be positive")
	}
	if r.BackoffCap < r.BackoffBase {
		errs = append(errs, "reconnect.backoff_cap must be >= backoff_base")
	}
	if r.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		errs = append(errs, "reconnect.jitter must be in [0, 1)")
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, "reconnect.max_attempts must not be negative")
	}
	return errs
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case TransportWebSocket, TransportQUIC:
		return true
	default:
		return false
	}
}

// InstanceDir returns the per-instance state directory.
func (c *Config) InstanceDir() string {
	return filepath.Join(c.StateDir, c.InstanceID)
}

// String renders the config as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
