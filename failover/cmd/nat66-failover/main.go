package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/nat66-failover/common/go/logging"
	"github.com/yanet-platform/nat66-failover/common/go/xcmd"
	"github.com/yanet-platform/nat66-failover/failover"
	"github.com/yanet-platform/nat66-failover/failover/internal/link"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the optional configuration file.
	ConfigPath string
	Interface  string
	Source     string
	Target     string
	Retries    uint
	// TimeoutMs is the per-attempt timeout in milliseconds.
	TimeoutMs uint
	// IntervalSec is the cycle interval in seconds.
	IntervalSec      uint
	AlertmanagerURL  string
	MetricsEndpoint  string
	ReconcileOnStart bool
	CleanupOnExit    bool
	Verbose          bool
	LogLevel         string
}

var rootCmd = &cobra.Command{
	Use:   "nat66-failover",
	Short: "Masquerade IPv6 egress while the delegated prefix is not routed upstream",
	Args:  cobra.NoArgs,
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(rawCmd, cmd); err != nil {
			if xcmd.IsInterrupted(err) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	flags.StringVarP(&cmd.Interface, "iface", "i", "", "WAN interface to install the MASQUERADE rule on")
	flags.StringVarP(&cmd.Source, "from", "f", "", "Address from the delegated prefix to probe from")
	flags.StringVarP(&cmd.Target, "to", "t", failover.DefaultTarget.String(), "Address to probe")
	flags.UintVarP(&cmd.Retries, "retries", "r", 5, "Echo attempts per probe")
	flags.UintVar(&cmd.TimeoutMs, "timeout", 500, "Per-attempt reply timeout in milliseconds")
	flags.UintVar(&cmd.IntervalSec, "interval", 15, "Time between two checks in seconds")
	flags.StringVarP(&cmd.AlertmanagerURL, "alertmanager-url", "a", "", "Alertmanager base URL, alerts are only logged when empty")
	flags.StringVar(&cmd.MetricsEndpoint, "metrics-endpoint", "", "Listen address for the metrics endpoint, disabled when empty")
	flags.BoolVar(&cmd.ReconcileOnStart, "reconcile-on-start", false, "Adopt a MASQUERADE rule left by a previous run")
	flags.BoolVar(&cmd.CleanupOnExit, "cleanup-on-exit", false, "Remove the MASQUERADE rule on termination")
	flags.BoolVarP(&cmd.Verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&cmd.LogLevel, "log-level", "", "Logging level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(rawCmd *cobra.Command, cmd Cmd) error {
	cfg := failover.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		cfg, err = failover.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := overlay(cfg, rawCmd, cmd); err != nil {
		return err
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := link.Validate(cfg.Interface, cfg.Source, link.WithLog(log.Named("link"))); err != nil {
		return fmt.Errorf("failed to validate interface: %w", err)
	}

	f, err := failover.NewFailover(cfg, failover.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize failover: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return f.Run(ctx)
	})
	if cfg.Metrics.Endpoint != "" {
		wg.Go(func() error {
			return f.Metrics().Serve(ctx, cfg.Metrics.Endpoint, log.Named("metrics"))
		})
	}
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", zap.Error(err))
		return err
	})

	return wg.Wait()
}

// overlay applies the flags set on the command line on top of cfg.
func overlay(cfg *failover.Config, rawCmd *cobra.Command, cmd Cmd) error {
	flags := rawCmd.Flags()

	if flags.Changed("iface") {
		cfg.Interface = cmd.Interface
	}
	if flags.Changed("from") {
		addr, err := netip.ParseAddr(cmd.Source)
		if err != nil {
			return fmt.Errorf("failed to parse source address: %w", err)
		}
		cfg.Source = addr
	}
	if flags.Changed("to") {
		addr, err := netip.ParseAddr(cmd.Target)
		if err != nil {
			return fmt.Errorf("failed to parse target address: %w", err)
		}
		cfg.Target = addr
	}
	if flags.Changed("retries") {
		cfg.Probe.Retries = cmd.Retries
	}
	if flags.Changed("timeout") {
		cfg.Probe.Timeout = time.Duration(cmd.TimeoutMs) * time.Millisecond
	}
	if flags.Changed("interval") {
		cfg.Interval = time.Duration(cmd.IntervalSec) * time.Second
	}
	if flags.Changed("alertmanager-url") {
		cfg.Alert.Endpoint = cmd.AlertmanagerURL
	}
	if flags.Changed("metrics-endpoint") {
		cfg.Metrics.Endpoint = cmd.MetricsEndpoint
	}
	if flags.Changed("reconcile-on-start") {
		cfg.ReconcileOnStart = cmd.ReconcileOnStart
	}
	if flags.Changed("cleanup-on-exit") {
		cfg.CleanupOnExit = cmd.CleanupOnExit
	}
	if flags.Changed("log-level") {
		level, err := zapcore.ParseLevel(cmd.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %w", err)
		}
		cfg.Logging.Level = level
	}
	if cmd.Verbose {
		cfg.Logging.Level = zapcore.DebugLevel
	}

	return nil
}
