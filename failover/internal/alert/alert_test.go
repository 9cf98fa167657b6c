package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type receiver struct {
	mu     sync.Mutex
	posts  [][]Alert
	paths  []string
	status int
}

func (m *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var alerts []Alert
	_ = json.Unmarshal(body, &alerts)

	m.mu.Lock()
	m.posts = append(m.posts, alerts)
	m.paths = append(m.paths, r.Method+" "+r.URL.Path)
	status := m.status
	m.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte("ok"))
}

type clock struct {
	now time.Time
}

func (m *clock) Now() time.Time {
	return m.now
}

func (m *clock) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

var identity = Identity{Name: DefaultName, Host: "gw1", Interface: "wan0"}

func newTestDispatcher(t *testing.T, endpoint string, clk *clock, cfg Config) *Dispatcher {
	cfg.Endpoint = endpoint
	d, err := NewDispatcher(cfg, identity,
		WithClock(clk.Now),
		WithAnnotations(map[string]string{"summary": "NAT fallback enabled on wan0"}),
	)
	require.NoError(t, err)
	return d
}

func TestFiringThenResolvedShareIdentity(t *testing.T) {
	rx := &receiver{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	clk := &clock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	d := newTestDispatcher(t, srv.URL, clk, DefaultConfig())

	require.NoError(t, d.Notify(context.Background(), Firing))
	firedAt := clk.now
	clk.Advance(time.Minute)
	require.NoError(t, d.Notify(context.Background(), Resolved))

	require.Equal(t, []string{"POST /api/v2/alerts", "POST /api/v2/alerts"}, rx.paths)
	require.Len(t, rx.posts, 2)
	require.Len(t, rx.posts[0], 1)
	require.Len(t, rx.posts[1], 1)

	firing, resolved := rx.posts[0][0], rx.posts[1][0]

	expectedLabels := map[string]string{
		"alertname": "NAT66FailoverActive",
		"host":      "gw1",
		"interface": "wan0",
	}
	if diff := cmp.Diff(expectedLabels, firing.Labels); diff != "" {
		t.Fatalf("firing labels mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(firing.Labels, resolved.Labels); diff != "" {
		t.Fatalf("resolved labels differ from firing (-firing +resolved):\n%s", diff)
	}
	require.Equal(t, "NAT fallback enabled on wan0", firing.Annotations["summary"])

	require.True(t, firing.StartsAt.Equal(firedAt))
	require.True(t, firing.EndsAt.IsZero())
	require.True(t, resolved.StartsAt.Equal(firedAt))
	require.True(t, resolved.EndsAt.Equal(clk.now))
}

func TestFiringOmitsEndsAt(t *testing.T) {
	var raw []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
	}))
	defer srv.Close()

	clk := &clock{now: time.Now()}
	d := newTestDispatcher(t, srv.URL, clk, DefaultConfig())

	require.NoError(t, d.Notify(context.Background(), Firing))
	require.Len(t, raw, 1)
	require.Contains(t, raw[0], "startsAt")
	require.NotContains(t, raw[0], "endsAt")
}

func TestRefiringKeepsStartTime(t *testing.T) {
	rx := &receiver{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	clk := &clock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	d := newTestDispatcher(t, srv.URL, clk, DefaultConfig())

	require.NoError(t, d.Notify(context.Background(), Firing))
	clk.Advance(time.Minute)
	require.NoError(t, d.Notify(context.Background(), Firing))

	require.True(t, rx.posts[0][0].StartsAt.Equal(rx.posts[1][0].StartsAt))
}

func TestRepeat(t *testing.T) {
	rx := &receiver{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RepeatInterval = 5 * time.Minute

	clk := &clock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	d := newTestDispatcher(t, srv.URL, clk, cfg)

	// Nothing is firing yet.
	require.NoError(t, d.Repeat(context.Background()))
	require.Empty(t, rx.posts)

	require.NoError(t, d.Notify(context.Background(), Firing))
	clk.Advance(time.Minute)
	require.NoError(t, d.Repeat(context.Background()))
	require.Len(t, rx.posts, 1)

	clk.Advance(4 * time.Minute)
	require.NoError(t, d.Repeat(context.Background()))
	require.Len(t, rx.posts, 2)

	require.NoError(t, d.Notify(context.Background(), Resolved))
	clk.Advance(time.Hour)
	require.NoError(t, d.Repeat(context.Background()))
	require.Len(t, rx.posts, 3)
}

func TestRepeatDisabled(t *testing.T) {
	rx := &receiver{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	clk := &clock{now: time.Now()}
	d := newTestDispatcher(t, srv.URL, clk, DefaultConfig())

	require.NoError(t, d.Notify(context.Background(), Firing))
	clk.Advance(24 * time.Hour)
	require.NoError(t, d.Repeat(context.Background()))
	require.Len(t, rx.posts, 1)
}

func TestNotifyRejected(t *testing.T) {
	rx := &receiver{status: http.StatusBadRequest}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	clk := &clock{now: time.Now()}
	d := newTestDispatcher(t, srv.URL, clk, DefaultConfig())

	err := d.Notify(context.Background(), Firing)
	require.Error(t, err)
	require.Contains(t, err.Error(), "400")
	require.Len(t, rx.posts, 1, "no retries expected")
}

func TestNotifyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	clk := &clock{now: time.Now()}
	d := newTestDispatcher(t, endpoint, clk, DefaultConfig())

	require.Error(t, d.Notify(context.Background(), Firing))
}

func TestNotifyTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond

	clk := &clock{now: time.Now()}
	d := newTestDispatcher(t, srv.URL, clk, cfg)

	started := time.Now()
	require.Error(t, d.Notify(context.Background(), Firing))
	require.Less(t, time.Since(started), 5*time.Second)
}

func TestNotifyDisabled(t *testing.T) {
	clk := &clock{now: time.Now()}
	d := newTestDispatcher(t, "", clk, DefaultConfig())

	require.NoError(t, d.Notify(context.Background(), Firing))
	require.NoError(t, d.Notify(context.Background(), Resolved))
}

func TestResolvedWithoutFiringIsSkipped(t *testing.T) {
	rx := &receiver{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	clk := &clock{now: time.Now()}
	d := newTestDispatcher(t, srv.URL, clk, DefaultConfig())

	require.NoError(t, d.Notify(context.Background(), Resolved))
	require.Empty(t, rx.posts)

	require.NoError(t, d.Notify(context.Background(), Firing))
	require.NoError(t, d.Notify(context.Background(), Resolved))
	require.NoError(t, d.Notify(context.Background(), Resolved))
	require.Len(t, rx.posts, 2)
}

func TestCustomPath(t *testing.T) {
	rx := &receiver{}
	srv := httptest.NewServer(rx)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Path = "/api/v1/alerts"

	clk := &clock{now: time.Now()}
	d := newTestDispatcher(t, srv.URL+"/", clk, cfg)

	require.NoError(t, d.Notify(context.Background(), Firing))
	require.Equal(t, []string{"POST /api/v1/alerts"}, rx.paths)
}

func TestIdentityString(t *testing.T) {
	require.Equal(t, `NAT66FailoverActive{host="gw1", interface="wan0"}`, identity.String())
}
