package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/abboe/broker/internal/config"
	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/admin"
	"github.com/abboe/broker/pkg/broker"
	"github.com/abboe/broker/pkg/health"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE:  runServe,
	}

	f := cmd.Flags()
	f.String("name", "", "Broker name announced in the welcome")
	f.String("host", "", "Listen host")
	f.Int("port", 0, "Listen port")
	f.String("routing-id", "", "Routing id used for federation (default host:port)")
	f.String("peers", "", "Comma separated peers, host:port[=routing-id]")
	f.Bool("connect-peers", false, "Attempt every peer once before accepting clients")
	f.Bool("health", false, "Serve the gRPC health endpoint")
	f.Int("health-port", 0, "Health endpoint port")
	f.Bool("console", false, "Run the interactive admin console on stdin")

	_ = viper.BindPFlag("broker.name", f.Lookup("name"))
	_ = viper.BindPFlag("broker.host", f.Lookup("host"))
	_ = viper.BindPFlag("broker.port", f.Lookup("port"))
	_ = viper.BindPFlag("broker.routing_id", f.Lookup("routing-id"))
	_ = viper.BindPFlag("peers.addresses", f.Lookup("peers"))
	_ = viper.BindPFlag("broker.connect_peers_at_startup", f.Lookup("connect-peers"))
	_ = viper.BindPFlag("health.enabled", f.Lookup("health"))
	_ = viper.BindPFlag("health.port", f.Lookup("health-port"))
	_ = viper.BindPFlag("admin.console", f.Lookup("console"))

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	rootLog, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer rootLog.Close()

	rootLog.Info("Starting ABBOE broker",
		"version", Version,
		"name", cfg.Broker.Name,
		"routing_id", cfg.Broker.RoutingID,
		"peers", len(cfg.Peers.Addresses))

	var hs *health.Server
	b, err := broker.New(cfg, rootLog, broker.WithPeerObserver(func(peer string, from, to broker.PeerState) {
		if hs != nil {
			hs.ObservePeer(peer, from, to)
		}
	}))
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	if cfg.Health.Enabled {
		hs, err = health.NewServer(b, health.DefaultRefreshInterval, rootLog)
		if err != nil {
			return fmt.Errorf("failed to create health server: %w", err)
		}
	}

	sm := broker.NewShutdownManager(b, cfg.Broker.ShutdownTimeout+cfg.Broker.CloseTimeout, rootLog)
	if hs != nil {
		sm.AddPostHook(func(ctx context.Context) error {
			hs.Stop()
			return nil
		})
	}

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	sm.Start()
	defer sm.Stop()

	if hs != nil {
		go hs.Run(ctx)
		go func() {
			if err := hs.ListenAndServe(cfg.HealthAddress()); err != nil {
				rootLog.Error("Health server stopped", "error", err)
			}
		}()
		rootLog.Info("Health endpoint enabled", "address", cfg.HealthAddress())
	}

	configPath := strings.TrimSpace(viper.GetString("config"))
	if configPath != "" {
		reloader := config.NewReloader(configPath, cfg, rootLog.Slog())
		reloader.AddCallback(func(ctx context.Context, newCfg *config.Config) error {
			level, err := logger.ParseLevel(newCfg.Logging.Level)
			if err != nil {
				return err
			}
			rootLog.SetLevel(level)
			rootLog.Info("Log level updated", "level", level.String())
			return nil
		})
		reloader.Start()
		defer reloader.Stop()
	}

	if cfg.Admin.Console {
		console := admin.New(b, func(reason string) {
			go sm.Shutdown(context.Background(), reason)
		}, os.Stdin, os.Stdout, rootLog)
		go func() {
			if err := console.Run(ctx); err != nil {
				rootLog.Error("Admin console failed", "error", err)
			}
		}()
	}

	select {
	case <-sm.Done():
	case <-b.Done():
		// the broker went away without the manager; still run the hooks
		_ = sm.Shutdown(context.Background(), "broker stopped")
	}

	rootLog.Info("Broker stopped", "reason", sm.Reason(), "stats", b.Stats().String())
	return nil
}
