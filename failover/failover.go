package failover

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/yanet-platform/nat66-failover/failover/internal/alert"
	"github.com/yanet-platform/nat66-failover/failover/internal/health"
	"github.com/yanet-platform/nat66-failover/failover/internal/metrics"
	"github.com/yanet-platform/nat66-failover/failover/internal/probe"
	"github.com/yanet-platform/nat66-failover/failover/internal/rule"
)

// cleanupTimeout bounds the rule removal and the alert on termination.
const cleanupTimeout = 30 * time.Second

// Checker produces one routing report per call.
type Checker interface {
	Evaluate(ctx context.Context) health.Report
}

// Rules installs and removes the fallback rule.
type Rules interface {
	Apply(iface string, exclude netip.Addr) error
	Remove(iface string) error
	Present(iface string, exclude netip.Addr) (bool, error)
}

// Notifier delivers alerts about the fallback state.
type Notifier interface {
	Notify(ctx context.Context, status alert.Status) error
	Repeat(ctx context.Context) error
}

type options struct {
	Log      *zap.SugaredLogger
	Checker  Checker
	Rules    Rules
	Notifier Notifier
	Metrics  *metrics.Metrics
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// FailoverOption is a function that configures the failover loop.
type FailoverOption func(*options)

// WithLog sets the logger for the failover loop.
func WithLog(log *zap.SugaredLogger) FailoverOption {
	return func(o *options) {
		o.Log = log
	}
}

// WithChecker replaces the probe-based health evaluator.
func WithChecker(checker Checker) FailoverOption {
	return func(o *options) {
		o.Checker = checker
	}
}

// WithRules replaces the iptables rule manager.
func WithRules(rules Rules) FailoverOption {
	return func(o *options) {
		o.Rules = rules
	}
}

// WithNotifier replaces the Alertmanager dispatcher.
func WithNotifier(notifier Notifier) FailoverOption {
	return func(o *options) {
		o.Notifier = notifier
	}
}

// WithMetrics sets the collectors updated by the loop.
func WithMetrics(m *metrics.Metrics) FailoverOption {
	return func(o *options) {
		o.Metrics = m
	}
}

// Failover drives the probe, decide and act cycle.
type Failover struct {
	cfg      *Config
	checker  Checker
	rules    Rules
	notifier Notifier
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	// sweep is set until the first rule operation succeeds: a rule left by
	// a previous run may still be installed while the state is Inactive.
	sweep bool
}

// NewFailover creates the failover loop, building every component not
// supplied through options from cfg.
func NewFailover(cfg *Config, options ...FailoverOption) (*Failover, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log
	log.Infow("initializing failover", zap.Any("config", cfg))

	checker := opts.Checker
	if checker == nil {
		checker = newEvaluator(cfg, log)
	}

	rules := opts.Rules
	if rules == nil {
		manager, err := rule.NewManager(cfg.Rule, cfg.Source, rule.WithLog(log.Named("rule")))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize rule manager: %w", err)
		}
		rules = manager
	}

	notifier := opts.Notifier
	if notifier == nil {
		dispatcher, err := newDispatcher(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize alert dispatcher: %w", err)
		}
		notifier = dispatcher
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &Failover{
		cfg:      cfg,
		checker:  checker,
		rules:    rules,
		notifier: notifier,
		metrics:  m,
		log:      log,
		sweep:    !cfg.ReconcileOnStart,
	}, nil
}

func newEvaluator(cfg *Config, log *zap.SugaredLogger) *health.Evaluator {
	probeConfig := probe.Config{
		Target:      cfg.Target.Unmap(),
		Retries:     cfg.Probe.Retries,
		Timeout:     cfg.Probe.Timeout,
		Spacing:     cfg.Probe.Spacing,
		PayloadSize: cfg.Probe.PayloadSize,
	}

	unbound := probe.NewRunner(probeConfig, probe.WithLog(log.Named("probe.unbound")))

	probeConfig.Source = cfg.Source.Unmap()
	bound := probe.NewRunner(probeConfig, probe.WithLog(log.Named("probe.bound")))

	return health.NewEvaluator(unbound, bound, health.WithLog(log.Named("health")))
}

func newDispatcher(cfg *Config, log *zap.SugaredLogger) (*alert.Dispatcher, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	identity := alert.Identity{
		Name:      cfg.Alert.Name,
		Host:      host,
		Interface: cfg.Interface,
	}
	annotations := map[string]string{
		"summary": fmt.Sprintf("NAT fallback enabled on %s", cfg.Interface),
		"description": fmt.Sprintf(
			"Delegated prefix of %s is not routed upstream. Egress traffic on %s except from %s is masqueraded.",
			host, cfg.Interface, cfg.Source,
		),
	}

	return alert.NewDispatcher(cfg.Alert, identity,
		alert.WithLog(log.Named("alert")),
		alert.WithAnnotations(annotations),
	)
}

// Metrics returns the collectors updated by the loop.
func (m *Failover) Metrics() *metrics.Metrics {
	return m.metrics
}

// Run runs cycles at the configured interval until ctx is canceled.
//
// A cycle in flight is never interrupted; cancellation is observed between
// cycles.
func (m *Failover) Run(ctx context.Context) error {
	m.log.Infow("running failover",
		zap.String("interface", m.cfg.Interface),
		zap.Stringer("source", m.cfg.Source),
		zap.Stringer("target", m.cfg.Target),
		zap.Duration("interval", m.cfg.Interval),
	)
	defer m.log.Info("stopped failover")

	cycleCtx := context.WithoutCancel(ctx)

	state := Inactive
	if m.cfg.ReconcileOnStart {
		state = m.reconcile()
	}
	m.metrics.SetActive(state == Active)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stop(state)
			return nil
		case <-ticker.C:
		}

		if ctx.Err() != nil {
			continue
		}
		state = m.Cycle(cycleCtx, state)
	}
}

// Cycle runs one probe, decide and act step and returns the new state.
//
// The state only advances when the rule operation succeeded; alert delivery
// never affects it. Until a rule operation has succeeded, a routed verdict in
// the Inactive state removes any rule left by a previous run, without an
// alert.
func (m *Failover) Cycle(ctx context.Context, state State) State {
	report := m.checker.Evaluate(ctx)
	m.metrics.ObserveReport(report)

	log := m.log.With(
		zap.Stringer("verdict", report.Verdict),
		zap.Stringer("state", state),
	)

	if m.sweep && state == Inactive && report.Verdict == health.Routed {
		m.removeLeftover(log)
		return state
	}

	action := Decide(state, report.Verdict)
	switch action {
	case Apply:
		log.Infow("probe from the bound address failed, adding NAT rule",
			zap.Stringer("source", m.cfg.Source),
			zap.Uint("retries", m.cfg.Probe.Retries),
		)
		if err := m.rules.Apply(m.cfg.Interface, m.cfg.Source); err != nil {
			log.Errorw("failed to add NAT rule", zap.Error(err))
			m.metrics.RuleError(action.String())
			return state
		}
		m.sweep = false
		m.transition(ctx, Active, alert.Firing)
		return Active
	case Remove:
		log.Infow("probe from the bound address succeeded, removing NAT rule",
			zap.Stringer("source", m.cfg.Source),
		)
		if err := m.rules.Remove(m.cfg.Interface); err != nil {
			log.Errorw("failed to remove NAT rule", zap.Error(err))
			m.metrics.RuleError(action.String())
			return state
		}
		m.sweep = false
		m.transition(ctx, Inactive, alert.Resolved)
		return Inactive
	}

	switch report.Verdict {
	case health.Indeterminate:
		log.Infow("probe from the default address failed, not taking action as the WAN seems to be under problems",
			zap.Uint("retries", m.cfg.Probe.Retries),
		)
	default:
		log.Debugw("no change")
	}

	if state == Active {
		if err := m.notifier.Repeat(ctx); err != nil {
			log.Warnw("failed to repeat alert", zap.Error(err))
			m.metrics.AlertError()
		}
	}

	return state
}

func (m *Failover) removeLeftover(log *zap.SugaredLogger) {
	log.Infow("probe from the bound address succeeded, removing NAT rule left by a previous run if any",
		zap.Stringer("source", m.cfg.Source),
	)
	if err := m.rules.Remove(m.cfg.Interface); err != nil {
		log.Errorw("failed to remove NAT rule", zap.Error(err))
		m.metrics.RuleError(Remove.String())
		return
	}
	m.sweep = false
}

func (m *Failover) transition(ctx context.Context, to State, status alert.Status) {
	m.metrics.Transition(to.String())
	m.metrics.SetActive(to == Active)

	if err := m.notifier.Notify(ctx, status); err != nil {
		m.log.Warnw("failed to deliver alert",
			zap.Stringer("status", status),
			zap.Error(err),
		)
		m.metrics.AlertError()
	}
}

// reconcile looks for a fallback rule left by a previous run.
func (m *Failover) reconcile() State {
	present, err := m.rules.Present(m.cfg.Interface, m.cfg.Source)
	if err != nil {
		m.log.Warnw("failed to look up existing NAT rule, assuming none", zap.Error(err))
		return Inactive
	}
	if !present {
		return Inactive
	}

	m.log.Infow("found existing NAT rule, starting as active",
		zap.String("interface", m.cfg.Interface),
		zap.Stringer("source", m.cfg.Source),
	)
	return Active
}

// stop removes the fallback rule on termination when configured to.
func (m *Failover) stop(state State) {
	if state != Active {
		return
	}
	if !m.cfg.CleanupOnExit {
		m.log.Infow("leaving NAT rule in place", zap.String("interface", m.cfg.Interface))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	m.log.Infow("removing NAT rule on exit", zap.String("interface", m.cfg.Interface))
	if err := m.rules.Remove(m.cfg.Interface); err != nil {
		m.log.Errorw("failed to remove NAT rule", zap.Error(err))
		m.metrics.RuleError(Remove.String())
		return
	}
	m.transition(ctx, Inactive, alert.Resolved)
}
