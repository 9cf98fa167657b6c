package failover

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/nat66-failover/common/go/logging"
	"github.com/yanet-platform/nat66-failover/common/go/xnetip"
	"github.com/yanet-platform/nat66-failover/failover/internal/alert"
	"github.com/yanet-platform/nat66-failover/failover/internal/link"
	"github.com/yanet-platform/nat66-failover/failover/internal/probe"
	"github.com/yanet-platform/nat66-failover/failover/internal/rule"
)

// DefaultTarget is a well-known public IPv6 address answering echo requests.
var DefaultTarget = netip.MustParseAddr("2001:4860:4860::8888")

// DefaultInterval is the default time between two cycles.
const DefaultInterval = 15 * time.Second

// Config is the failover daemon configuration.
//
// It is loaded once at startup and never mutated afterwards.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// Interface is the WAN interface the fallback rule is installed on.
	Interface string `yaml:"interface"`
	// Source is an address from the delegated prefix. The bound probe uses
	// it and the fallback rule excludes it from translation.
	Source netip.Addr `yaml:"source"`
	// Target is the address both probes are sent to.
	Target netip.Addr `yaml:"target"`
	// Interval is the time between two cycles.
	Interval time.Duration `yaml:"interval"`
	// Probe configuration.
	Probe ProbeConfig `yaml:"probe"`
	// Alert dispatcher configuration.
	Alert alert.Config `yaml:"alert"`
	// Rule placement.
	Rule rule.Config `yaml:"rule"`
	// Metrics exposition.
	Metrics MetricsConfig `yaml:"metrics"`
	// ReconcileOnStart adopts a fallback rule already present at startup
	// instead of assuming there is none.
	ReconcileOnStart bool `yaml:"reconcile_on_start"`
	// CleanupOnExit removes an installed fallback rule on termination.
	CleanupOnExit bool `yaml:"cleanup_on_exit"`
}

// ProbeConfig contains settings shared by both probes.
type ProbeConfig struct {
	// Retries is the number of attempts per probe.
	Retries uint `yaml:"retries"`
	// Timeout is the per-attempt reply timeout.
	Timeout time.Duration `yaml:"timeout"`
	// Spacing is the pause between attempts.
	Spacing time.Duration `yaml:"spacing"`
	// PayloadSize is the echo payload size.
	PayloadSize datasize.ByteSize `yaml:"payload_size"`
}

// MetricsConfig contains settings for the metrics endpoint.
type MetricsConfig struct {
	// Endpoint is the listen address, e.g. "[::1]:9180". Empty disables
	// the endpoint.
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging:  logging.DefaultConfig(),
		Target:   DefaultTarget,
		Interval: DefaultInterval,
		Probe: ProbeConfig{
			Retries:     probe.DefaultRetries,
			Timeout:     probe.DefaultTimeout,
			Spacing:     probe.DefaultSpacing,
			PayloadSize: probe.DefaultPayloadSize,
		},
		Alert: alert.DefaultConfig(),
		Rule:  rule.DefaultConfig(),
	}
}

// LoadConfig loads configuration from a YAML file at the specified path on
// top of the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration before the loop may start.
func (m *Config) Validate() error {
	var errs []error

	if err := link.ValidName(m.Interface); err != nil {
		errs = append(errs, err)
	}

	switch {
	case !m.Source.IsValid():
		errs = append(errs, errors.New("bound source address is required"))
	case m.Source.IsUnspecified(), m.Source.IsMulticast(), m.Source.IsLoopback():
		errs = append(errs, fmt.Errorf("bound source address %s is not a unicast address", m.Source))
	case m.Source.Is4In6():
		errs = append(errs, fmt.Errorf("bound source address %s is IPv4-mapped, use %s", m.Source, m.Source.Unmap()))
	}

	switch {
	case !m.Target.IsValid():
		errs = append(errs, errors.New("target address is required"))
	case m.Target.IsUnspecified(), m.Target.IsMulticast():
		errs = append(errs, fmt.Errorf("target address %s is not a unicast address", m.Target))
	case m.Target.Is4In6():
		errs = append(errs, fmt.Errorf("target address %s is IPv4-mapped, use %s", m.Target, m.Target.Unmap()))
	}

	if m.Source.IsValid() && m.Target.IsValid() && !xnetip.SameFamily(m.Source, m.Target) {
		errs = append(errs, fmt.Errorf("source %s and target %s are of different address families", m.Source, m.Target))
	}

	if m.Probe.Retries < 1 {
		errs = append(errs, errors.New("retries must be at least 1"))
	}
	if m.Probe.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("probe timeout must be positive, got %s", m.Probe.Timeout))
	}
	if m.Probe.Spacing < 0 {
		errs = append(errs, fmt.Errorf("probe spacing must not be negative, got %s", m.Probe.Spacing))
	}
	if m.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", m.Interval))
	}

	if m.Alert.Endpoint != "" {
		u, err := url.Parse(m.Alert.Endpoint)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("invalid alert endpoint: %w", err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("alert endpoint %q must be an http(s) URL", m.Alert.Endpoint))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("alert endpoint %q has no host", m.Alert.Endpoint))
		}
	}
	if m.Alert.Timeout < 0 {
		errs = append(errs, fmt.Errorf("alert timeout must not be negative, got %s", m.Alert.Timeout))
	}
	if m.Alert.RepeatInterval < 0 {
		errs = append(errs, fmt.Errorf("alert repeat interval must not be negative, got %s", m.Alert.RepeatInterval))
	}

	if m.Rule.Table == "" || m.Rule.Chain == "" {
		errs = append(errs, errors.New("rule table and chain are required"))
	}
	if m.Rule.Position < 1 {
		errs = append(errs, fmt.Errorf("rule position must be at least 1, got %d", m.Rule.Position))
	}

	return errors.Join(errs...)
}
