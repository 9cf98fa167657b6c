package main

import (
	"net/netip"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/yanet-platform/nat66-failover/failover"
)

func TestOverlayAppliesChangedFlags(t *testing.T) {
	require.NoError(t, rootCmd.ParseFlags([]string{
		"-i", "wan0",
		"-f", "2001:db8:42::1",
		"--timeout", "250",
		"--interval", "30",
		"-a", "http://alertmanager:9093",
		"-v",
	}))
	t.Cleanup(func() {
		rootCmd.Flags().VisitAll(func(f *pflag.Flag) {
			f.Changed = false
			_ = f.Value.Set(f.DefValue)
		})
	})

	cfg := failover.DefaultConfig()
	cfg.Probe.Retries = 7
	require.NoError(t, overlay(cfg, rootCmd, cmd))

	require.Equal(t, "wan0", cfg.Interface)
	require.Equal(t, netip.MustParseAddr("2001:db8:42::1"), cfg.Source)
	require.Equal(t, failover.DefaultTarget, cfg.Target)
	require.Equal(t, uint(7), cfg.Probe.Retries, "unset flags keep the file value")
	require.Equal(t, 250*time.Millisecond, cfg.Probe.Timeout)
	require.Equal(t, 30*time.Second, cfg.Interval)
	require.Equal(t, "http://alertmanager:9093", cfg.Alert.Endpoint)
	require.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}
