package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abboe/broker/pkg/types"
)

// Config represents the complete configuration for the broker
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Broker  BrokerConfig  `json:"broker" yaml:"broker"`
	Peers   PeersConfig   `json:"peers" yaml:"peers"`
	Health  HealthConfig  `json:"health" yaml:"health"`
	Admin   AdminConfig   `json:"admin" yaml:"admin"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// BrokerConfig contains the listening side and session timing
type BrokerConfig struct {
	Name                  string        `json:"name" yaml:"name"`
	Host                  string        `json:"host" yaml:"host"`
	Port                  int           `json:"port" yaml:"port"`
	RoutingID             string        `json:"routing_id" yaml:"routing_id"`
	MaxMetadataSize       int           `json:"max_metadata_size" yaml:"max_metadata_size"` // bytes
	RegisterReminderDelay time.Duration `json:"register_reminder_delay" yaml:"register_reminder_delay"`
	CloseTimeout          time.Duration `json:"close_timeout" yaml:"close_timeout"`
	ShutdownTimeout       time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	ConnectPeersAtStartup bool          `json:"connect_peers_at_startup" yaml:"connect_peers_at_startup"`
}

// PeersConfig contains federation settings
type PeersConfig struct {
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	// RetryInterval is the pause between connect attempts. Zero selects the
	// default, negative disables retry. Use a tiny positive value such as
	// 1ms to retry right away.
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval"`
	Addresses     []PeerAddress `json:"addresses" yaml:"addresses"`
}

// PeerAddress is one pre-known peer broker
type PeerAddress struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	RoutingID string `json:"routing_id,omitempty" yaml:"routing_id,omitempty"`
}

// Address returns host:port
func (p PeerAddress) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String returns a string representation of the peer address
func (p PeerAddress) String() string {
	if p.RoutingID != "" {
		return fmt.Sprintf("%s(%s)", p.Address(), p.RoutingID)
	}
	return p.Address()
}

// HealthConfig contains the gRPC health endpoint configuration
type HealthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
}

// AdminConfig contains the interactive admin console configuration
type AdminConfig struct {
	Console bool `json:"console" yaml:"console"`
}

// applyDefaults fills in zero-valued config fields with their defaults.
// Called after loading from YAML so partial configs get sensible values.
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

	defaultBroker := DefaultBrokerConfig()
	if cfg.Broker.Name == "" {
		cfg.Broker.Name = defaultBroker.Name
	}
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = defaultBroker.Host
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = defaultBroker.Port
	}
	if cfg.Broker.RoutingID == "" {
		cfg.Broker.RoutingID = defaultRoutingID(cfg.Broker.Port)
	}
	if cfg.Broker.MaxMetadataSize == 0 {
		cfg.Broker.MaxMetadataSize = defaultBroker.MaxMetadataSize
	}
	if cfg.Broker.RegisterReminderDelay == 0 {
		cfg.Broker.RegisterReminderDelay = defaultBroker.RegisterReminderDelay
	}
	if cfg.Broker.CloseTimeout == 0 {
		cfg.Broker.CloseTimeout = defaultBroker.CloseTimeout
	}
	if cfg.Broker.ShutdownTimeout == 0 {
		cfg.Broker.ShutdownTimeout = defaultBroker.ShutdownTimeout
	}

	defaultPeers := DefaultPeersConfig()
	if cfg.Peers.ConnectTimeout == 0 {
		cfg.Peers.ConnectTimeout = defaultPeers.ConnectTimeout
	}
	// A zero retry interval means "unset"; negative values are kept as-is.
	if cfg.Peers.RetryInterval == 0 {
		cfg.Peers.RetryInterval = defaultPeers.RetryInterval
	}

	defaultHealth := DefaultHealthConfig()
	if cfg.Health.Host == "" {
		cfg.Health.Host = defaultHealth.Host
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = defaultHealth.Port
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvBrokerName); v != "" {
		cfg.Broker.Name = v
	}
	if v := os.Getenv(EnvBrokerHost); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv(EnvBrokerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = port
		}
	}
	if v := os.Getenv(EnvRoutingID); v != "" {
		cfg.Broker.RoutingID = v
	}
	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Broker.ShutdownTimeout = d
		}
	}

	if v := os.Getenv(EnvPeerConnectTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Peers.ConnectTimeout = d
		}
	}
	if v := os.Getenv(EnvPeerRetryInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Peers.RetryInterval = d
		}
	}
	if v := os.Getenv(EnvPeers); v != "" {
		if peers, err := ParsePeerList(v); err == nil {
			cfg.Peers.Addresses = peers
		}
	}

	if v := os.Getenv(EnvHealthEnabled); v != "" {
		cfg.Health.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvHealthPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Health.Port = port
		}
	}
}

// ParsePeerList parses a comma separated list of host:port[=routing-id]
func ParsePeerList(s string) ([]PeerAddress, error) {
	var peers []PeerAddress
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		addr, routingID, _ := strings.Cut(item, "=")
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid peer address: "+item, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid peer port: "+item, err)
		}
		peers = append(peers, PeerAddress{Host: host, Port: port, RoutingID: routingID})
	}
	return peers, nil
}

// Default returns a configuration made only of defaults
func Default() *Config {
	cfg := &Config{
		Logging: DefaultLoggingConfig(),
		Broker:  DefaultBrokerConfig(),
		Peers:   DefaultPeersConfig(),
		Health:  DefaultHealthConfig(),
		Admin:   DefaultAdminConfig(),
	}
	cfg.Broker.RoutingID = defaultRoutingID(cfg.Broker.Port)
	return cfg
}

// Load creates a new Config from the given file (optional, may be empty)
// and environment variable overrides.
func Load(path string) (*Config, error) {
	var cfg *Config
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = Default()
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return types.NewError(types.ErrCodeInvalidArgument, "broker port must be between 0 and 65535")
	}
	if c.Broker.RoutingID == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "broker routing id cannot be empty")
	}
	if c.Broker.MaxMetadataSize <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max metadata size must be positive")
	}
	if c.Broker.RegisterReminderDelay < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "register reminder delay cannot be negative")
	}
	if c.Broker.CloseTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "close timeout must be positive")
	}
	if c.Broker.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "shutdown timeout must be positive")
	}

	if c.Peers.ConnectTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "peer connect timeout must be positive")
	}
	for i, p := range c.Peers.Addresses {
		if p.Host == "" {
			return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("peer %d: host cannot be empty", i))
		}
		if p.Port < 1 || p.Port > 65535 {
			return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("peer %d: port must be between 1 and 65535", i))
		}
	}

	if c.Health.Enabled && (c.Health.Port < 0 || c.Health.Port > 65535) {
		return types.NewError(types.ErrCodeInvalidArgument, "health port must be between 0 and 65535")
	}
	return nil
}

// ListenAddress returns the broker listen address
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Broker.Host, strconv.Itoa(c.Broker.Port))
}

// HealthAddress returns the health endpoint address
func (c *Config) HealthAddress() string {
	return net.JoinHostPort(c.Health.Host, strconv.Itoa(c.Health.Port))
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Listen: %s, RoutingID: %s, Peers: %d, Health: %v}",
		c.ListenAddress(), c.Broker.RoutingID, len(c.Peers.Addresses), c.Health.Enabled)
}

// String returns a string representation of the logging config
func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

// String returns a string representation of the peers config
func (c PeersConfig) String() string {
	return fmt.Sprintf("PeersConfig{ConnectTimeout: %s, RetryInterval: %s, Addresses: %d}",
		c.ConnectTimeout, c.RetryInterval, len(c.Addresses))
}
