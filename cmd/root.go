// Package cmd holds the abboe command line: the broker daemon and a small
// client for poking at a running broker.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/abboe/broker/internal/config"
	"github.com/abboe/broker/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "ABBOE"

// Version is the release version, overridden at link time
var Version = "0.1.0"

// Execute runs the root command
func Execute() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abboe",
		Short: "ABBOE - business object broker",
		Long: `abboe routes business objects between connected clients and federates
with peer brokers. Clients register with a name and a set of subscription
rules; every object they send is delivered to each session whose rules
accept it.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cobra.OnInitialize(initViper)

	pf := cmd.PersistentFlags()
	pf.String("config", "", "Config file path (optional)")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (json, text)")
	pf.String("log-output", "", "Log output (stdout, stderr, or file path)")
	_ = viper.BindPFlag("config", pf.Lookup("config"))
	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", pf.Lookup("log-format"))
	_ = viper.BindPFlag("logging.output", pf.Lookup("log-output"))

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func initViper() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

// loadConfig loads the file named by --config and layers flag and
// ABBOE_* overrides bound through viper on top
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(strings.TrimSpace(viper.GetString("config")))
	if err != nil {
		return nil, err
	}

	if v := viper.GetString("logging.level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("logging.format"); v != "" {
		cfg.Logging.Format = v
	}
	if v := viper.GetString("logging.output"); v != "" {
		cfg.Logging.Output = v
	}
	if v := viper.GetString("broker.name"); v != "" {
		cfg.Broker.Name = v
	}
	if v := viper.GetString("broker.host"); v != "" {
		cfg.Broker.Host = v
	}
	if viper.IsSet("broker.port") && viper.GetInt("broker.port") != 0 {
		cfg.Broker.Port = viper.GetInt("broker.port")
	}
	if v := viper.GetString("broker.routing_id"); v != "" {
		cfg.Broker.RoutingID = v
	}
	if v := viper.GetString("peers.addresses"); v != "" {
		peers, err := config.ParsePeerList(v)
		if err != nil {
			return nil, err
		}
		cfg.Peers.Addresses = peers
	}
	if viper.GetBool("broker.connect_peers_at_startup") {
		cfg.Broker.ConnectPeersAtStartup = true
	}
	if viper.GetBool("health.enabled") {
		cfg.Health.Enabled = true
	}
	if viper.IsSet("health.port") && viper.GetInt("health.port") != 0 {
		cfg.Health.Port = viper.GetInt("health.port")
	}
	if viper.GetBool("admin.console") {
		cfg.Admin.Console = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger creates the process logger from cfg and installs it globally
func initLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	log, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(log)
	return log, nil
}
