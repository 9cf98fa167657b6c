package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/nat66-failover/failover/internal/health"
	"github.com/yanet-platform/nat66-failover/failover/internal/probe"
)

func TestObserveReport(t *testing.T) {
	m := New()

	m.ObserveReport(health.Report{
		Unbound:  probe.Success,
		Bound:    probe.Failure,
		BoundRan: true,
		Verdict:  health.Unrouted,
	})
	m.ObserveReport(health.Report{
		Unbound: probe.Failure,
		Verdict: health.Indeterminate,
	})

	require.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues("unbound", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues("unbound", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues("bound", "failure")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.probes.WithLabelValues("bound", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("unrouted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("indeterminate")))
}

func TestStateCollectors(t *testing.T) {
	m := New()

	m.SetActive(true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.active))
	m.SetActive(false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.active))

	m.Transition("active")
	m.RuleError("apply")
	m.RuleError("apply")
	m.AlertError()

	require.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("active")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.ruleErrors.WithLabelValues("apply")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.alertErrors))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetActive(true)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "nat66_failover_active 1")
}
