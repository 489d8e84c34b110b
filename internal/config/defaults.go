package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
// If set, GetDefaultConfigPath will return this value instead of the standard path
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the msgplane configuration directory
// Uses ~/.config/msgplane/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "msgplane"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvConfigPath            = "MSGPLANE_CONFIG"
	EnvLogLevel              = "MSGPLANE_LOG_LEVEL"
	EnvLogFormat             = "MSGPLANE_LOG_FORMAT"
	EnvLogOutput             = "MSGPLANE_LOG_OUTPUT"
	EnvEndpoints             = "MSGPLANE_ENDPOINTS"
	EnvWebSocketAddress      = "MSGPLANE_WEBSOCKET_ADDRESS"
	EnvMaxConnections        = "MSGPLANE_MAX_CONNECTIONS"
	EnvMaxPayloadBytes       = "MSGPLANE_MAX_PAYLOAD_BYTES"
	EnvWorkers               = "MSGPLANE_WORKERS"
	EnvOutboundQueueSize     = "MSGPLANE_OUTBOUND_QUEUE_SIZE"
	EnvRateLimit             = "MSGPLANE_RATE_LIMIT"
	EnvRequestDefaultTimeout = "MSGPLANE_REQUEST_DEFAULT_DEADLINE"
	EnvRequestMaxTimeout     = "MSGPLANE_REQUEST_MAX_DEADLINE"
	EnvHeartbeatInterval     = "MSGPLANE_HEARTBEAT_INTERVAL"
	EnvHistorySize           = "MSGPLANE_HISTORY_SIZE"
	EnvMaxTopics             = "MSGPLANE_MAX_TOPICS"
	EnvMetricsEnabled        = "MSGPLANE_METRICS_ENABLED"
	EnvMetricsAddress        = "MSGPLANE_METRICS_ADDRESS"
	EnvHealthEnabled         = "MSGPLANE_HEALTH_ENABLED"
	EnvHealthAddress         = "MSGPLANE_HEALTH_ADDRESS"
	EnvBridgeEnabled         = "MSGPLANE_BRIDGE_ENABLED"
	EnvNATSURL               = "MSGPLANE_NATS_URL"
	EnvShutdownTimeout       = "MSGPLANE_SHUTDOWN_TIMEOUT"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stdout"

	// Default Transport settings
	DefaultEndpoint          = "tcp://127.0.0.1:38865"
	DefaultWebSocketPath     = "/plane"
	DefaultMaxConnections    = 1024
	DefaultMaxPayloadBytes   = 256 * 1024
	DefaultMaxIdentityLength = 128
	DefaultMaxTopicLength    = 128
	DefaultWriteTimeout      = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second

	// Default Dispatch settings
	DefaultMinWorkers        = 4
	DefaultInboundQueueSize  = 1024
	DefaultOutboundQueueSize = 256

	// Default Request settings
	DefaultRequestDeadline = 30 * time.Second
	DefaultMaxDeadline     = 5 * time.Minute
	DefaultSweepInterval   = 250 * time.Millisecond

	// Default Heartbeat settings
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatMisses   = 3

	// Default Store settings
	DefaultMaxTopics      = 2000
	DefaultReplayMaxLimit = 1000

	// Default Metrics settings
	DefaultMetricsAddress = "127.0.0.1:38866"
	DefaultMetricsPath    = "/metrics"

	// Default Health settings
	DefaultHealthAddress = "tcp://127.0.0.1:38867"

	// Default Bridge settings
	DefaultNATSURL              = "nats://127.0.0.1:4222"
	DefaultBridgeSubjectPrefix  = "msgplane.publish"
	DefaultBridgeClientName     = "msgplane"
	DefaultBridgeConnectTimeout = 5 * time.Second

	// Default Shutdown settings
	DefaultShutdownTimeout = 15 * time.Second
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultTransportConfig returns the default transport configuration
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Endpoints:         []string{DefaultEndpoint},
		WebSocketPath:     DefaultWebSocketPath,
		MaxConnections:    DefaultMaxConnections,
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		MaxIdentityLength: DefaultMaxIdentityLength,
		MaxTopicLength:    DefaultMaxTopicLength,
		WriteTimeout:      DefaultWriteTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
	}
}

// DefaultDispatchConfig returns the default dispatch configuration.
// Workers is left at zero so the pool is sized from the CPU count.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Workers:           0,
		InboundQueueSize:  DefaultInboundQueueSize,
		OutboundQueueSize: DefaultOutboundQueueSize,
	}
}

// DefaultRequestConfig returns the default request configuration
func DefaultRequestConfig() RequestConfig {
	return RequestConfig{
		DefaultDeadline: DefaultRequestDeadline,
		MaxDeadline:     DefaultMaxDeadline,
		SweepInterval:   DefaultSweepInterval,
	}
}

// DefaultHeartbeatConfig returns the default heartbeat configuration
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:  DefaultHeartbeatInterval,
		MissLimit: DefaultHeartbeatMisses,
	}
}

// DefaultStoreConfig returns the default store configuration.
// History is disabled unless configured.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxTopics:      DefaultMaxTopics,
		HistorySize:    0,
		ReplayMaxLimit: DefaultReplayMaxLimit,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled: false,
		Address: DefaultMetricsAddress,
		Path:    DefaultMetricsPath,
	}
}

// DefaultHealthConfig returns the default health configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled: false,
		Address: DefaultHealthAddress,
	}
}

// DefaultBridgeConfig returns the default bridge configuration
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Enabled:        false,
		NATSURL:        DefaultNATSURL,
		SubjectPrefix:  DefaultBridgeSubjectPrefix,
		ClientName:     DefaultBridgeClientName,
		ConnectTimeout: DefaultBridgeConnectTimeout,
	}
}

// DefaultShutdownConfig returns the default shutdown configuration
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Timeout: DefaultShutdownTimeout,
	}
}

// DefaultConfig returns a configuration with every section at its default
func DefaultConfig() *Config {
	return &Config{
		Logging:   DefaultLoggingConfig(),
		Transport: DefaultTransportConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Request:   DefaultRequestConfig(),
		Heartbeat: DefaultHeartbeatConfig(),
		Store:     DefaultStoreConfig(),
		Metrics:   DefaultMetricsConfig(),
		Health:    DefaultHealthConfig(),
		Bridge:    DefaultBridgeConfig(),
		Shutdown:  DefaultShutdownConfig(),
	}
}
