// Package metrics exposes the failover loop state as prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yanet-platform/nat66-failover/failover/internal/health"
)

const namespace = "nat66_failover"

// Metrics holds the collectors updated by the failover loop.
type Metrics struct {
	registry    *prometheus.Registry
	active      prometheus.Gauge
	probes      *prometheus.CounterVec
	verdicts    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	ruleErrors  *prometheus.CounterVec
	alertErrors prometheus.Counter
}

// New creates the collectors and registers them in a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active",
			Help:      "Whether the MASQUERADE fallback rule is installed.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probes run, by probe kind and outcome.",
		}, []string{"probe", "outcome"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Routing verdicts, by verdict.",
		}, []string{"verdict"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Completed state transitions, by target state.",
		}, []string{"to"}),
		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Failed rule operations, by operation.",
		}, []string{"op"}),
		alertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_errors_total",
			Help:      "Failed alert deliveries.",
		}),
	}

	m.registry.MustRegister(
		m.active,
		m.probes,
		m.verdicts,
		m.transitions,
		m.ruleErrors,
		m.alertErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveReport records the probes and the verdict of one cycle.
func (m *Metrics) ObserveReport(report health.Report) {
	m.probes.WithLabelValues("unbound", report.Unbound.String()).Inc()
	if report.BoundRan {
		m.probes.WithLabelValues("bound", report.Bound.String()).Inc()
	}
	m.verdicts.WithLabelValues(report.Verdict.String()).Inc()
}

// SetActive records whether the fallback rule is installed.
func (m *Metrics) SetActive(active bool) {
	if active {
		m.active.Set(1)
	} else {
		m.active.Set(0)
	}
}

// Transition records a completed transition into the named state.
func (m *Metrics) Transition(to string) {
	m.transitions.WithLabelValues(to).Inc()
}

// RuleError records a failed rule operation.
func (m *Metrics) RuleError(op string) {
	m.ruleErrors.WithLabelValues(op).Inc()
}

// AlertError records a failed alert delivery.
func (m *Metrics) AlertError() {
	m.alertErrors.Inc()
}

// Handler returns the exposition handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the metrics at /metrics on endpoint until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, endpoint string, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics listener: %w", err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Infow("exposing metrics", zap.Stringer("addr", listener.Addr()))
	defer log.Infow("stopped metrics", zap.Stringer("addr", listener.Addr()))

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}
	return nil
}
