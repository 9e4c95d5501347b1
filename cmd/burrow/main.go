// Package main provides the CLI entry point for the Burrow reverse tunnel.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/burrow/internal/config"
	"github.com/postalsys/burrow/internal/hidden"
	"github.com/postalsys/burrow/internal/logging"
	"github.com/postalsys/burrow/internal/metrics"
	"github.com/postalsys/burrow/internal/relay"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "burrow",
		Short: "Burrow - reverse TCP tunnel",
		Long: `Burrow is a two-process reverse TCP tunnel. A relay runs on a
publicly reachable host; a hidden agent runs next to the target service and
dials out to the relay, so the service never accepts an inbound connection
from the public internet. External clients connect to the relay's exposed
port and are carried, per-flow encrypted, to the target.`,
		Version: Version,
	}

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(hiddenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// commonFlags are the ambient flags shared by both subcommands.
type commonFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Address to expose Prometheus metrics on (empty = disabled)")
}

// load resolves the effective config: file values when --config is given,
// with explicitly set flags taking precedence.
func (f *commonFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Address = f.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func relayCmd() *cobra.Command {
	var common commonFlags
	var configPort, exposedPort uint16
	var bind string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the public-side relay",
		Long: `Start the relay: bind the control port, wait for the hidden agent
to dial in, then expose the data port and forward external clients to it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("config-port") {
				cfg.Relay.ConfigPort = configPort
			}
			if cmd.Flags().Changed("exposed-port") {
				cfg.Relay.ExposedPort = exposedPort
			}
			if cmd.Flags().Changed("bind") {
				cfg.Relay.Bind = bind
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			startMetrics(cfg, logger)

			srv := relay.New(relay.Config{
				Bind:        cfg.Relay.Bind,
				ConfigPort:  cfg.Relay.ConfigPort,
				ExposedPort: cfg.Relay.ExposedPort,
				Logger:      logger,
				Metrics:     metrics.Default(),
			})

			err = srv.Run(signalContext())
			logger.Error("relay terminated", logging.KeyError, err)
			return err
		},
	}

	common.register(cmd)
	cmd.Flags().Uint16Var(&configPort, "config-port", 10000, "Control port the hidden agent dials")
	cmd.Flags().Uint16Var(&exposedPort, "exposed-port", 20000, "Public data port for external clients")
	cmd.Flags().StringVar(&bind, "bind", "0.0.0.0", "Bind address for both public listeners")

	return cmd
}

func hiddenCmd() *cobra.Command {
	var common commonFlags
	var relayIP string
	var configPort, targetPort uint16

	cmd := &cobra.Command{
		Use:   "hidden",
		Short: "Run the private-side agent",
		Long: `Start the hidden agent: dial out to the relay's control port and
deliver every tunneled flow to the local target service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("relay-ip") {
				cfg.Hidden.RelayIP = relayIP
			}
			if cmd.Flags().Changed("config-port") {
				cfg.Hidden.ConfigPort = configPort
			}
			if cmd.Flags().Changed("target-port") {
				cfg.Hidden.TargetPort = targetPort
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			startMetrics(cfg, logger)

			client := hidden.New(hidden.Config{
				RelayIP:    cfg.Hidden.RelayIP,
				ConfigPort: cfg.Hidden.ConfigPort,
				TargetPort: cfg.Hidden.TargetPort,
				Logger:     logger,
				Metrics:    metrics.Default(),
			})

			err = client.Run(signalContext())
			logger.Error("hidden agent terminated", logging.KeyError, err)
			return err
		},
	}

	common.register(cmd)
	cmd.Flags().StringVar(&relayIP, "relay-ip", "127.0.0.1", "Relay host to dial")
	cmd.Flags().Uint16Var(&configPort, "config-port", 10000, "Relay control port")
	cmd.Flags().Uint16Var(&targetPort, "target-port", 20000, "Local target service port")

	return cmd
}

// startMetrics exposes Prometheus metrics when an address is configured.
func startMetrics(cfg *config.Config, logger *slog.Logger) {
	if cfg.Metrics.Address == "" {
		return
	}
	go func() {
		logger.Info("metrics listener started", logging.KeyAddress, cfg.Metrics.Address)
		if err := metrics.Serve(cfg.Metrics.Address); err != nil {
			logger.Error("metrics listener failed", logging.KeyError, err)
		}
	}()
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	// The context lives for the whole process; cancel is released with it.
	_ = cancel
	return ctx
}
