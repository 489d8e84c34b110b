package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/server"
)

// Version is the build version, overridden with -ldflags at release time
var Version = server.DefaultVersion

var (
	// CLI flags
	cfgFile          string
	logLevel         string
	logFormat        string
	logOutput        string
	endpoints        []string
	websocketAddress string
	workers          int
	maxPayloadBytes  int
	historySize      int
	metricsAddress   string
	healthAddress    string
	natsURL          string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "msgplane",
	Short: "Message plane for plugin processes",
	Long: `msgplane routes messages between plugin processes. Plugins connect over
TCP, Unix domain sockets, or WebSocket, register an identity, and then
publish to topics, subscribe to topics, and make correlated requests to
each other by identity.

Configuration is read from defaults, then the config file, then MSGPLANE_*
environment variables, then the flags below.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPlane,
}

func runPlane(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(log)
	log.Info("Starting message plane", "version", Version)
	log.Debug("Configuration resolved", "config", cfg.String())

	result, err := server.Bootstrap(context.Background(), server.BootstrapConfig{
		Config:  cfg,
		Logger:  log,
		Version: Version,
	})
	if err != nil {
		log.Error("Failed to bootstrap message plane", "error", err)
		return err
	}
	plane := result.Plane

	shutdown, err := server.NewShutdownManager(plane, cfg.Shutdown.Timeout, log)
	if err != nil {
		return err
	}
	shutdown.Start()
	defer shutdown.Stop()
	log.Info("Message plane is running. Press Ctrl+C to stop.")

	waitErr := make(chan error, 1)
	go func() { waitErr <- plane.Wait() }()

	select {
	case <-shutdown.Done():
	case err := <-waitErr:
		if !shutdown.IsShuttingDown() {
			reason := "listeners stopped"
			if err != nil {
				reason = fmt.Sprintf("listener failed: %v", err)
			}
			_ = shutdown.Shutdown(context.Background(), reason)
			if err != nil {
				return err
			}
		}
	}

	if err := shutdown.WaitCompletion(context.Background()); err != nil {
		log.Error("Message plane shutdown incomplete", "error", err)
		return err
	}
	log.Info("Message plane shutdown complete", "reason", shutdown.Reason())
	return nil
}

// loadConfig layers the flag overrides on top of file and environment
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:         logLevel,
		LogFormat:        logFormat,
		LogOutput:        logOutput,
		Endpoints:        endpoints,
		WebSocketAddress: websocketAddress,
		MaxPayloadBytes:  maxPayloadBytes,
		Workers:          workers,
		HistorySize:      historySize,
		MetricsAddress:   metricsAddress,
		HealthAddress:    healthAddress,
		NATSURL:          natsURL,
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path, YAML or TOML (default: $MSGPLANE_CONFIG or ~/.config/msgplane/config.yaml)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Transport flags
	rootCmd.Flags().StringArrayVar(&endpoints, "endpoint", nil,
		"Listen endpoint, tcp://host:port or unix:///path (repeatable; replaces configured endpoints)")
	rootCmd.Flags().StringVar(&websocketAddress, "websocket-address", "",
		"WebSocket listen address, host:port (default: disabled)")
	rootCmd.Flags().IntVar(&maxPayloadBytes, "max-payload-bytes", 0,
		"Largest accepted payload in bytes (default: from config or env)")

	// Dispatch and store flags
	rootCmd.Flags().IntVar(&workers, "workers", 0,
		"Dispatch workers (default: number of CPUs, at least 4)")
	rootCmd.Flags().IntVar(&historySize, "history-size", 0,
		"Publishes retained per topic for replay (default: disabled)")

	// Optional servers
	rootCmd.Flags().StringVar(&metricsAddress, "metrics-address", "",
		"Serve Prometheus metrics and admin routes on host:port")
	rootCmd.Flags().StringVar(&healthAddress, "health-address", "",
		"Serve gRPC health checks on tcp://host:port or unix:///path")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "",
		"Mirror every publish to this NATS server")

	rootCmd.AddCommand(probeCmd)
}
