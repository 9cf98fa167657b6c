package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/nat66-failover/failover/internal/probe"
)

type fixedProber struct {
	outcome probe.Outcome
	calls   int
}

func (m *fixedProber) Probe(context.Context) probe.Outcome {
	m.calls++
	return m.outcome
}

func TestCombine(t *testing.T) {
	tests := []struct {
		unbound  probe.Outcome
		bound    probe.Outcome
		expected Verdict
	}{
		{probe.Success, probe.Success, Routed},
		{probe.Success, probe.Failure, Unrouted},
		{probe.Failure, probe.Success, Indeterminate},
		{probe.Failure, probe.Failure, Indeterminate},
	}

	for _, tt := range tests {
		require.Equal(t, tt.expected, Combine(tt.unbound, tt.bound), "unbound=%v bound=%v", tt.unbound, tt.bound)
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name          string
		unbound       probe.Outcome
		bound         probe.Outcome
		expected      Verdict
		boundExpected bool
	}{
		{"routed", probe.Success, probe.Success, Routed, true},
		{"unrouted", probe.Success, probe.Failure, Unrouted, true},
		{"wan down, bound ok", probe.Failure, probe.Success, Indeterminate, false},
		{"wan down", probe.Failure, probe.Failure, Indeterminate, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unbound := &fixedProber{outcome: tt.unbound}
			bound := &fixedProber{outcome: tt.bound}

			report := NewEvaluator(unbound, bound).Evaluate(context.Background())

			require.Equal(t, tt.expected, report.Verdict)
			require.Equal(t, tt.unbound, report.Unbound)
			require.Equal(t, tt.boundExpected, report.BoundRan)
			require.Equal(t, 1, unbound.calls)
			if tt.boundExpected {
				require.Equal(t, 1, bound.calls)
				require.Equal(t, tt.bound, report.Bound)
			} else {
				require.Zero(t, bound.calls)
			}
		})
	}
}

func TestVerdictString(t *testing.T) {
	require.Equal(t, "routed", Routed.String())
	require.Equal(t, "unrouted", Unrouted.String())
	require.Equal(t, "indeterminate", Indeterminate.String())
}
