package config

import (
	"fmt"
	"os"
	"time"
)

const (
	// Environment variable names
	EnvLogLevel           = "ABBOE_LOG_LEVEL"
	EnvLogFormat          = "ABBOE_LOG_FORMAT"
	EnvLogOutput          = "ABBOE_LOG_OUTPUT"
	EnvBrokerName         = "ABBOE_NAME"
	EnvBrokerHost         = "ABBOE_HOST"
	EnvBrokerPort         = "ABBOE_PORT"
	EnvRoutingID          = "ABBOE_ROUTING_ID"
	EnvShutdownTimeout    = "ABBOE_SHUTDOWN_TIMEOUT"
	EnvPeerConnectTimeout = "ABBOE_PEER_CONNECT_TIMEOUT"
	EnvPeerRetryInterval  = "ABBOE_PEER_RETRY_INTERVAL"
	EnvPeers              = "ABBOE_PEERS"
	EnvHealthEnabled      = "ABBOE_HEALTH_ENABLED"
	EnvHealthPort         = "ABBOE_HEALTH_PORT"
)

const (
	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stderr"

	// Default Broker settings
	DefaultBrokerName            = "abboe"
	DefaultBrokerHost            = "0.0.0.0"
	DefaultBrokerPort            = 15000
	DefaultMaxMetadataSize       = 1 << 20
	DefaultRegisterReminderDelay = 1 * time.Second
	DefaultCloseTimeout          = 3 * time.Second
	DefaultShutdownTimeout       = 5 * time.Second

	// Default Peer settings
	DefaultPeerConnectTimeout = 5 * time.Second
	DefaultPeerRetryInterval  = 10 * time.Second

	// Default Health settings
	DefaultHealthHost = "127.0.0.1"
	DefaultHealthPort = 15001
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: DefaultLogOutput,
	}
}

// DefaultBrokerConfig returns the default broker configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Name:                  DefaultBrokerName,
		Host:                  DefaultBrokerHost,
		Port:                  DefaultBrokerPort,
		MaxMetadataSize:       DefaultMaxMetadataSize,
		RegisterReminderDelay: DefaultRegisterReminderDelay,
		CloseTimeout:          DefaultCloseTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		ConnectPeersAtStartup: false,
	}
}

// DefaultPeersConfig returns the default federation configuration
func DefaultPeersConfig() PeersConfig {
	return PeersConfig{
		ConnectTimeout: DefaultPeerConnectTimeout,
		RetryInterval:  DefaultPeerRetryInterval,
	}
}

// DefaultHealthConfig returns the default health endpoint configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled: false,
		Host:    DefaultHealthHost,
		Port:    DefaultHealthPort,
	}
}

// DefaultAdminConfig returns the default admin console configuration
func DefaultAdminConfig() AdminConfig {
	return AdminConfig{Console: false}
}

// defaultRoutingID derives a routing id from the host name and listen port
func defaultRoutingID(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, port)
}
