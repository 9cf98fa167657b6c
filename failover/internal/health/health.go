// Package health combines an unbound and a source-bound probe into a
// routing verdict for the delegated prefix.
package health

import (
	"context"

	"go.uber.org/zap"

	"github.com/yanet-platform/nat66-failover/failover/internal/probe"
)

// Verdict is the routing state derived from one cycle of probes.
type Verdict uint8

const (
	// Indeterminate means general WAN reachability failed, so nothing can be
	// said about the delegated block.
	Indeterminate Verdict = iota
	// Routed means both the unbound and the bound probe succeeded.
	Routed
	// Unrouted means the unbound probe succeeded but the bound one failed.
	Unrouted
)

func (m Verdict) String() string {
	switch m {
	case Indeterminate:
		return "indeterminate"
	case Routed:
		return "routed"
	case Unrouted:
		return "unrouted"
	}
	return "unknown"
}

// Combine derives a verdict from the outcomes of the unbound and bound probe.
func Combine(unbound, bound probe.Outcome) Verdict {
	if unbound != probe.Success {
		return Indeterminate
	}
	if bound == probe.Success {
		return Routed
	}
	return Unrouted
}

// Prober runs one probe: a sequence of attempts against one target.
type Prober interface {
	Probe(ctx context.Context) probe.Outcome
}

// Report is the result of a single evaluation.
type Report struct {
	// Unbound is the outcome of the probe using the default source address.
	Unbound probe.Outcome
	// Bound is the outcome of the probe bound to the delegated address.
	//
	// Valid only when BoundRan is set.
	Bound probe.Outcome
	// BoundRan reports whether the bound probe was run at all.
	BoundRan bool
	// Verdict is the combined result.
	Verdict Verdict
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Option is a function that configures the evaluator.
type Option func(*options)

// WithLog configures the evaluator with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// Evaluator runs the unbound and the bound probe and produces a verdict.
type Evaluator struct {
	unbound Prober
	bound   Prober
	log     *zap.SugaredLogger
}

// NewEvaluator creates a new evaluator from the unbound and the bound prober.
func NewEvaluator(unbound Prober, bound Prober, options ...Option) *Evaluator {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Evaluator{
		unbound: unbound,
		bound:   bound,
		log:     opts.Log,
	}
}

// Evaluate runs one cycle of probes.
//
// The bound probe is skipped when the unbound one fails: the verdict is
// Indeterminate whatever it would report.
func (m *Evaluator) Evaluate(ctx context.Context) Report {
	report := Report{
		Unbound: m.unbound.Probe(ctx),
	}

	if report.Unbound != probe.Success {
		report.Verdict = Indeterminate
		return report
	}

	m.log.Debug("unbound probe succeeded, probing from the bound address")

	report.Bound = m.bound.Probe(ctx)
	report.BoundRan = true
	report.Verdict = Combine(report.Unbound, report.Bound)

	return report
}
