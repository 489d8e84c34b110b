package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/baaaht/msgplane/pkg/types"
)

// MaxPayloadLimit is the hard ceiling for transport.max_payload_bytes
const MaxPayloadLimit = 64 * 1024 * 1024

// Config represents the complete configuration for the message plane.
// A Config is resolved once at startup and treated as read-only afterwards.
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	Transport TransportConfig `json:"transport" yaml:"transport" toml:"transport"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch" toml:"dispatch"`
	Request   RequestConfig   `json:"request" yaml:"request" toml:"request"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
	Store     StoreConfig     `json:"store" yaml:"store" toml:"store"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
	Health    HealthConfig    `json:"health" yaml:"health" toml:"health"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge" toml:"bridge"`
	Shutdown  ShutdownConfig  `json:"shutdown" yaml:"shutdown" toml:"shutdown"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`    // debug, info, warn, error
	Format string `json:"format" yaml:"format" toml:"format"` // json, text
	Output string `json:"output" yaml:"output" toml:"output"` // stdout, stderr, file path
}

// TransportConfig contains listener and framing limits
type TransportConfig struct {
	Endpoints         []string      `json:"endpoints" yaml:"endpoints" toml:"endpoints"`
	WebSocketAddress  string        `json:"websocket_address,omitempty" yaml:"websocket_address,omitempty" toml:"websocket_address"`
	WebSocketPath     string        `json:"websocket_path" yaml:"websocket_path" toml:"websocket_path"`
	MaxConnections    int           `json:"max_connections" yaml:"max_connections" toml:"max_connections"`
	MaxPayloadBytes   int           `json:"max_payload_bytes" yaml:"max_payload_bytes" toml:"max_payload_bytes"`
	MaxIdentityLength int           `json:"max_identity_length" yaml:"max_identity_length" toml:"max_identity_length"`
	MaxTopicLength    int           `json:"max_topic_length" yaml:"max_topic_length" toml:"max_topic_length"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout" yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// DispatchConfig contains worker pool and queue configuration
type DispatchConfig struct {
	Workers           int     `json:"workers" yaml:"workers" toml:"workers"` // 0 = max(NumCPU, 4)
	InboundQueueSize  int     `json:"inbound_queue_size" yaml:"inbound_queue_size" toml:"inbound_queue_size"`
	OutboundQueueSize int     `json:"outbound_queue_size" yaml:"outbound_queue_size" toml:"outbound_queue_size"`
	RateLimit         float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"` // frames/sec per connection, 0 = off
	RateBurst         int     `json:"rate_burst" yaml:"rate_burst" toml:"rate_burst"`
}

// RequestConfig contains request/response deadline configuration
type RequestConfig struct {
	DefaultDeadline time.Duration `json:"default_deadline" yaml:"default_deadline" toml:"default_deadline"`
	MaxDeadline     time.Duration `json:"max_deadline" yaml:"max_deadline" toml:"max_deadline"`
	SweepInterval   time.Duration `json:"sweep_interval" yaml:"sweep_interval" toml:"sweep_interval"`
}

// HeartbeatConfig contains connection liveness configuration
type HeartbeatConfig struct {
	Interval  time.Duration `json:"interval" yaml:"interval" toml:"interval"`
	MissLimit int           `json:"miss_limit" yaml:"miss_limit" toml:"miss_limit"`
}

// StoreConfig contains routing table limits and topic history
type StoreConfig struct {
	MaxTopics      int `json:"max_topics" yaml:"max_topics" toml:"max_topics"`
	HistorySize    int `json:"history_size" yaml:"history_size" toml:"history_size"` // per topic, 0 = off
	ReplayMaxLimit int `json:"replay_max_limit" yaml:"replay_max_limit" toml:"replay_max_limit"`
}

// MetricsConfig contains the admin HTTP server configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Address string `json:"address" yaml:"address" toml:"address"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// HealthConfig contains the gRPC health server configuration
type HealthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Address string `json:"address" yaml:"address" toml:"address"`
}

// BridgeConfig contains the NATS publish mirror configuration
type BridgeConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	NATSURL        string        `json:"nats_url" yaml:"nats_url" toml:"nats_url"`
	SubjectPrefix  string        `json:"subject_prefix" yaml:"subject_prefix" toml:"subject_prefix"`
	ClientName     string        `json:"client_name" yaml:"client_name" toml:"client_name"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
}

// ShutdownConfig contains drain configuration
type ShutdownConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// Endpoint is a parsed listen or dial address
type Endpoint struct {
	Network string // tcp or unix
	Address string
}

// String returns the endpoint in URL form
func (e Endpoint) String() string {
	if e.Network == "unix" {
		return "unix://" + e.Address
	}
	return e.Network + "://" + e.Address
}

// ParseEndpoint parses tcp://host:port and unix:///path addresses
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, types.WrapError(types.ErrCodeInvalidArgument, "invalid endpoint: "+raw, err)
	}

	switch u.Scheme {
	case "tcp":
		if u.Host == "" || u.Port() == "" {
			return Endpoint{}, types.NewError(types.ErrCodeInvalidArgument, "tcp endpoint needs host:port: "+raw)
		}
		return Endpoint{Network: "tcp", Address: u.Host}, nil
	case "unix":
		path := u.Path
		if u.Host != "" {
			// unix://relative/path
			path = u.Host + u.Path
		}
		if path == "" {
			return Endpoint{}, types.NewError(types.ErrCodeInvalidArgument, "unix endpoint needs a path: "+raw)
		}
		return Endpoint{Network: "unix", Address: path}, nil
	default:
		return Endpoint{}, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("unsupported endpoint scheme %q (must be tcp or unix)", u.Scheme))
	}
}

// EffectiveWorkers returns the worker count, resolving 0 to max(NumCPU, 4)
func (c DispatchConfig) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	n := runtime.NumCPU()
	if n < DefaultMinWorkers {
		n = DefaultMinWorkers
	}
	return n
}

// EffectiveBurst returns the limiter burst, at least one frame
func (c DispatchConfig) EffectiveBurst() int {
	if c.RateBurst > 0 {
		return c.RateBurst
	}
	if b := int(c.RateLimit); b > 1 {
		return b
	}
	return 1
}

// IdleTimeout returns how long a connection may stay silent before it is closed
func (c HeartbeatConfig) IdleTimeout() time.Duration {
	return c.Interval * time.Duration(c.MissLimit)
}

// applyDefaults fills zero-valued fields left unset by a partial file
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	defaultTransport := DefaultTransportConfig()
	if len(cfg.Transport.Endpoints) == 0 && cfg.Transport.WebSocketAddress == "" {
		cfg.Transport.Endpoints = defaultTransport.Endpoints
	}
	if cfg.Transport.WebSocketPath == "" {
		cfg.Transport.WebSocketPath = defaultTransport.WebSocketPath
	}
	if cfg.Transport.MaxConnections == 0 {
		cfg.Transport.MaxConnections = defaultTransport.MaxConnections
	}
	if cfg.Transport.MaxPayloadBytes == 0 {
		cfg.Transport.MaxPayloadBytes = defaultTransport.MaxPayloadBytes
	}
	if cfg.Transport.MaxIdentityLength == 0 {
		cfg.Transport.MaxIdentityLength = defaultTransport.MaxIdentityLength
	}
	if cfg.Transport.MaxTopicLength == 0 {
		cfg.Transport.MaxTopicLength = defaultTransport.MaxTopicLength
	}
	if cfg.Transport.WriteTimeout == 0 {
		cfg.Transport.WriteTimeout = defaultTransport.WriteTimeout
	}
	if cfg.Transport.HandshakeTimeout == 0 {
		cfg.Transport.HandshakeTimeout = defaultTransport.HandshakeTimeout
	}

	defaultDispatch := DefaultDispatchConfig()
	if cfg.Dispatch.InboundQueueSize == 0 {
		cfg.Dispatch.InboundQueueSize = defaultDispatch.InboundQueueSize
	}
	if cfg.Dispatch.OutboundQueueSize == 0 {
		cfg.Dispatch.OutboundQueueSize = defaultDispatch.OutboundQueueSize
	}

	defaultRequest := DefaultRequestConfig()
	if cfg.Request.DefaultDeadline == 0 {
		cfg.Request.DefaultDeadline = defaultRequest.DefaultDeadline
	}
	if cfg.Request.MaxDeadline == 0 {
		cfg.Request.MaxDeadline = defaultRequest.MaxDeadline
	}
	if cfg.Request.SweepInterval == 0 {
		cfg.Request.SweepInterval = defaultRequest.SweepInterval
	}

	defaultHeartbeat := DefaultHeartbeatConfig()
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat.Interval = defaultHeartbeat.Interval
	}
	if cfg.Heartbeat.MissLimit == 0 {
		cfg.Heartbeat.MissLimit = defaultHeartbeat.MissLimit
	}

	defaultStore := DefaultStoreConfig()
	if cfg.Store.MaxTopics == 0 {
		cfg.Store.MaxTopics = defaultStore.MaxTopics
	}
	if cfg.Store.ReplayMaxLimit == 0 {
		cfg.Store.ReplayMaxLimit = defaultStore.ReplayMaxLimit
	}

	defaultMetrics := DefaultMetricsConfig()
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = defaultMetrics.Address
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetrics.Path
	}

	if cfg.Health.Address == "" {
		cfg.Health.Address = DefaultHealthConfig().Address
	}

	defaultBridge := DefaultBridgeConfig()
	if cfg.Bridge.NATSURL == "" {
		cfg.Bridge.NATSURL = defaultBridge.NATSURL
	}
	if cfg.Bridge.SubjectPrefix == "" {
		cfg.Bridge.SubjectPrefix = defaultBridge.SubjectPrefix
	}
	if cfg.Bridge.ClientName == "" {
		cfg.Bridge.ClientName = defaultBridge.ClientName
	}
	if cfg.Bridge.ConnectTimeout == 0 {
		cfg.Bridge.ConnectTimeout = defaultBridge.ConnectTimeout
	}

	if cfg.Shutdown.Timeout == 0 {
		cfg.Shutdown.Timeout = DefaultShutdownConfig().Timeout
	}
}

// envInt reads an integer environment variable into dst
func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid integer in "+name, err)
	}
	*dst = n
	return nil
}

// envDuration reads a duration environment variable into dst
func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument, "invalid duration in "+name, err)
	}
	*dst = d
	return nil
}

// envBool reads a boolean environment variable into dst
func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = strings.ToLower(v) == "true" || v == "1"
	}
}

// applyEnvOverrides applies MSGPLANE_* environment variables on top of cfg
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvEndpoints); v != "" {
		var endpoints []string
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				endpoints = append(endpoints, ep)
			}
		}
		cfg.Transport.Endpoints = endpoints
	}
	if v := os.Getenv(EnvWebSocketAddress); v != "" {
		cfg.Transport.WebSocketAddress = v
	}

	if v := os.Getenv(EnvRateLimit); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid number in "+EnvRateLimit, err)
		}
		cfg.Dispatch.RateLimit = rate
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvMaxConnections, &cfg.Transport.MaxConnections},
		{EnvMaxPayloadBytes, &cfg.Transport.MaxPayloadBytes},
		{EnvWorkers, &cfg.Dispatch.Workers},
		{EnvOutboundQueueSize, &cfg.Dispatch.OutboundQueueSize},
		{EnvHistorySize, &cfg.Store.HistorySize},
		{EnvMaxTopics, &cfg.Store.MaxTopics},
	}
	for _, e := range ints {
		if err := envInt(e.name, e.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvRequestDefaultTimeout, &cfg.Request.DefaultDeadline},
		{EnvRequestMaxTimeout, &cfg.Request.MaxDeadline},
		{EnvHeartbeatInterval, &cfg.Heartbeat.Interval},
		{EnvShutdownTimeout, &cfg.Shutdown.Timeout},
	}
	for _, e := range durations {
		if err := envDuration(e.name, e.dst); err != nil {
			return err
		}
	}

	envBool(EnvMetricsEnabled, &cfg.Metrics.Enabled)
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.Address = v
	}
	envBool(EnvHealthEnabled, &cfg.Health.Enabled)
	if v := os.Getenv(EnvHealthAddress); v != "" {
		cfg.Health.Address = v
	}
	envBool(EnvBridgeEnabled, &cfg.Bridge.Enabled)
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Bridge.NATSURL = v
	}

	return nil
}

// Load resolves the configuration: defaults, then the config file (explicit
// path, $MSGPLANE_CONFIG, or the default path if it exists), then the
// environment. The result is validated.
func Load(path string) (*Config, error) {
	var cfg *Config

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if !explicit {
		if p, err := GetDefaultConfigPath(); err == nil {
			if _, err := os.Stat(p); err == nil {
				path = p
			} else if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to check config file: %w", err)
			}
		}
	}

	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	// Transport
	if len(c.Transport.Endpoints) == 0 && c.Transport.WebSocketAddress == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "at least one endpoint or a websocket address is required")
	}
	for _, ep := range c.Transport.Endpoints {
		if _, err := ParseEndpoint(ep); err != nil {
			return err
		}
	}
	if c.Transport.WebSocketAddress != "" && !strings.HasPrefix(c.Transport.WebSocketPath, "/") {
		return types.NewError(types.ErrCodeInvalidArgument, "websocket path must start with /")
	}
	if c.Transport.MaxConnections <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max connections must be positive")
	}
	if c.Transport.MaxPayloadBytes <= 0 || c.Transport.MaxPayloadBytes > MaxPayloadLimit {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("max payload bytes must be between 1 and %d", MaxPayloadLimit))
	}
	if c.Transport.MaxIdentityLength <= 0 || c.Transport.MaxIdentityLength > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, "max identity length must be between 1 and 65535")
	}
	if c.Transport.MaxTopicLength <= 0 || c.Transport.MaxTopicLength > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, "max topic length must be between 1 and 65535")
	}
	if c.Transport.WriteTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "write timeout must be positive")
	}
	if c.Transport.HandshakeTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "handshake timeout must be positive")
	}

	// Dispatch
	if c.Dispatch.Workers < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "workers cannot be negative")
	}
	if c.Dispatch.InboundQueueSize <= 0 || c.Dispatch.OutboundQueueSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "queue sizes must be positive")
	}
	if c.Dispatch.RateLimit < 0 || c.Dispatch.RateBurst < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "rate limit and burst cannot be negative")
	}

	// Request
	if c.Request.DefaultDeadline <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "request default deadline must be positive")
	}
	if c.Request.MaxDeadline < c.Request.DefaultDeadline {
		return types.NewError(types.ErrCodeInvalidArgument, "request max deadline cannot be below the default deadline")
	}
	if c.Request.SweepInterval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "sweep interval must be positive")
	}

	// Heartbeat
	if c.Heartbeat.Interval <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "heartbeat interval must be positive")
	}
	if c.Heartbeat.MissLimit < 1 {
		return types.NewError(types.ErrCodeInvalidArgument, "heartbeat miss limit must be at least 1")
	}

	// Store
	if c.Store.MaxTopics <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max topics must be positive")
	}
	if c.Store.HistorySize < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "history size cannot be negative")
	}
	if c.Store.ReplayMaxLimit <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "replay max limit must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics address cannot be empty when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return types.NewError(types.ErrCodeInvalidArgument, "metrics path must start with /")
		}
	}

	if c.Health.Enabled {
		if _, err := ParseEndpoint(c.Health.Address); err != nil {
			return err
		}
	}

	if c.Bridge.Enabled {
		if c.Bridge.NATSURL == "" {
			return types.NewError(types.ErrCodeInvalidArgument, "nats url cannot be empty when the bridge is enabled")
		}
		if c.Bridge.SubjectPrefix == "" || strings.ContainsAny(c.Bridge.SubjectPrefix, "*> ") {
			return types.NewError(types.ErrCodeInvalidArgument, "bridge subject prefix must be a literal subject")
		}
	}

	if c.Shutdown.Timeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Transport: %s, Dispatch: %s, Request: %s, Heartbeat: %s, Store: %s, Metrics: %s, Health: %s, Bridge: %s, Shutdown: %s}",
		c.Logging.String(),
		c.Transport.String(),
		c.Dispatch.String(),
		c.Request.String(),
		c.Heartbeat.String(),
		c.Store.String(),
		c.Metrics.String(),
		c.Health.String(),
		c.Bridge.String(),
		c.Shutdown.String(),
	)
}

// ApplyOverrides applies CLI flag values after defaults, file, and environment
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}

	if len(opts.Endpoints) > 0 {
		c.Transport.Endpoints = append([]string(nil), opts.Endpoints...)
	}
	if opts.WebSocketAddress != "" {
		c.Transport.WebSocketAddress = opts.WebSocketAddress
	}
	if opts.MaxPayloadBytes > 0 {
		c.Transport.MaxPayloadBytes = opts.MaxPayloadBytes
	}
	if opts.Workers > 0 {
		c.Dispatch.Workers = opts.Workers
	}
	if opts.HistorySize > 0 {
		c.Store.HistorySize = opts.HistorySize
	}

	if opts.MetricsAddress != "" {
		c.Metrics.Enabled = true
		c.Metrics.Address = opts.MetricsAddress
	}
	if opts.HealthAddress != "" {
		c.Health.Enabled = true
		c.Health.Address = opts.HealthAddress
	}
	if opts.NATSURL != "" {
		c.Bridge.Enabled = true
		c.Bridge.NATSURL = opts.NATSURL
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	// Logging options
	LogLevel  string
	LogFormat string
	LogOutput string

	// Transport options
	Endpoints        []string
	WebSocketAddress string
	MaxPayloadBytes  int

	// Dispatch options
	Workers int

	// Store options
	HistorySize int

	// Optional servers; setting an address enables the server
	MetricsAddress string
	HealthAddress  string
	NATSURL        string
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}",
		c.Level, c.Format, c.Output)
}

func (c TransportConfig) String() string {
	return fmt.Sprintf("TransportConfig{Endpoints: %v, WebSocket: %s, MaxConnections: %d, MaxPayloadBytes: %d}",
		c.Endpoints, c.WebSocketAddress, c.MaxConnections, c.MaxPayloadBytes)
}

func (c DispatchConfig) String() string {
	return fmt.Sprintf("DispatchConfig{Workers: %d, InboundQueueSize: %d, OutboundQueueSize: %d, RateLimit: %g}",
		c.Workers, c.InboundQueueSize, c.OutboundQueueSize, c.RateLimit)
}

func (c RequestConfig) String() string {
	return fmt.Sprintf("RequestConfig{DefaultDeadline: %s, MaxDeadline: %s, SweepInterval: %s}",
		c.DefaultDeadline, c.MaxDeadline, c.SweepInterval)
}

func (c HeartbeatConfig) String() string {
	return fmt.Sprintf("HeartbeatConfig{Interval: %s, MissLimit: %d}", c.Interval, c.MissLimit)
}

func (c StoreConfig) String() string {
	return fmt.Sprintf("StoreConfig{MaxTopics: %d, HistorySize: %d, ReplayMaxLimit: %d}",
		c.MaxTopics, c.HistorySize, c.ReplayMaxLimit)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %v, Address: %s, Path: %s}", c.Enabled, c.Address, c.Path)
}

func (c HealthConfig) String() string {
	return fmt.Sprintf("HealthConfig{Enabled: %v, Address: %s}", c.Enabled, c.Address)
}

func (c BridgeConfig) String() string {
	return fmt.Sprintf("BridgeConfig{Enabled: %v, NATSURL: %s, SubjectPrefix: %s}",
		c.Enabled, c.NATSURL, c.SubjectPrefix)
}

func (c ShutdownConfig) String() string {
	return fmt.Sprintf("ShutdownConfig{Timeout: %s}", c.Timeout)
}
