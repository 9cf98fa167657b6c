// Package alert reports fallback activation to an Alertmanager-compatible
// alert-ingestion API.
package alert

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Status of a posted alert.
type Status uint8

const (
	Firing Status = iota
	Resolved
)

func (m Status) String() string {
	switch m {
	case Firing:
		return "firing"
	case Resolved:
		return "resolved"
	}
	return "unknown"
}

const (
	DefaultPath    = "/api/v2/alerts"
	DefaultTimeout = 10 * time.Second
	DefaultName    = "NAT66FailoverActive"
)

// Config is the alert dispatcher configuration.
type Config struct {
	// Endpoint is the Alertmanager base URL. Empty disables delivery.
	Endpoint string `yaml:"endpoint"`
	// Path is the alert-ingestion path appended to Endpoint.
	Path string `yaml:"path"`
	// Timeout bounds a single HTTP request.
	Timeout time.Duration `yaml:"timeout"`
	// Name is the "alertname" label.
	Name string `yaml:"name"`
	// RepeatInterval re-posts a firing alert while it stays firing. Zero
	// disables repeats.
	RepeatInterval time.Duration `yaml:"repeat_interval"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Path:    DefaultPath,
		Timeout: DefaultTimeout,
		Name:    DefaultName,
	}
}

// Identity is the label set that lets a resolved alert retire the firing
// one.
type Identity struct {
	Name      string
	Host      string
	Interface string
}

// Labels returns the alert labels.
func (m Identity) Labels() map[string]string {
	return map[string]string{
		"alertname": m.Name,
		"host":      m.Host,
		"interface": m.Interface,
	}
}

func (m Identity) String() string {
	return fmt.Sprintf("%s{host=%q, interface=%q}", m.Name, m.Host, m.Interface)
}

// Alert is a single postable alert.
type Alert struct {
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt,omitzero"`
	GeneratorURL string            `json:"generatorURL,omitempty"`
}

type options struct {
	Log         *zap.SugaredLogger
	Now         func() time.Time
	Annotations map[string]string
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
		Now: time.Now,
	}
}

// Option is a function that configures the dispatcher.
type Option func(*options)

// WithLog configures the dispatcher with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithClock replaces the wall clock used for alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.Now = now
	}
}

// WithAnnotations sets the alert annotations.
func WithAnnotations(annotations map[string]string) Option {
	return func(o *options) {
		o.Annotations = maps.Clone(annotations)
	}
}

// Dispatcher posts firing and resolved alerts sharing the same identity.
//
// Dispatcher is not safe for concurrent use.
type Dispatcher struct {
	client         *resty.Client
	url            string
	identity       Identity
	annotations    map[string]string
	repeatInterval time.Duration
	now            func() time.Time
	log            *zap.SugaredLogger

	startsAt   time.Time
	lastFiring time.Time
}

// NewDispatcher creates a new alert dispatcher.
func NewDispatcher(cfg Config, identity Identity, options ...Option) (*Dispatcher, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	var endpoint string
	if cfg.Endpoint != "" {
		path := cfg.Path
		if path == "" {
			path = DefaultPath
		}
		var err error
		endpoint, err = url.JoinPath(cfg.Endpoint, path)
		if err != nil {
			return nil, fmt.Errorf("failed to build alert URL: %w", err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	return &Dispatcher{
		client:         client,
		url:            endpoint,
		identity:       identity,
		annotations:    opts.Annotations,
		repeatInterval: cfg.RepeatInterval,
		now:            opts.Now,
		log:            opts.Log,
	}, nil
}

// Identity returns the identity of posted alerts.
func (m *Dispatcher) Identity() Identity {
	return m.identity
}

// Notify posts the alert with the given status.
//
// A resolved alert carries the start time of the preceding firing one and is
// not posted at all when nothing fired.
// Errors are returned for the caller to log; the dispatcher never retries.
func (m *Dispatcher) Notify(ctx context.Context, status Status) error {
	now := m.now()

	alert := Alert{
		Labels:      m.identity.Labels(),
		Annotations: maps.Clone(m.annotations),
	}
	if alert.Annotations == nil {
		alert.Annotations = map[string]string{}
	}

	switch status {
	case Firing:
		if m.startsAt.IsZero() {
			m.startsAt = now
		}
		m.lastFiring = now
		alert.StartsAt = m.startsAt
	case Resolved:
		if m.startsAt.IsZero() {
			m.log.Debugw("alert has not fired, not resolving", zap.Stringer("alert", m.identity))
			return nil
		}
		alert.StartsAt = m.startsAt
		alert.EndsAt = now
		m.startsAt = time.Time{}
		m.lastFiring = time.Time{}
	default:
		return fmt.Errorf("unknown alert status %d", status)
	}

	return m.post(ctx, status, alert)
}

// Repeat re-posts the firing alert once RepeatInterval has elapsed since the
// previous post. It does nothing when repeats are disabled or the alert is
// not firing.
func (m *Dispatcher) Repeat(ctx context.Context) error {
	if m.repeatInterval <= 0 || m.lastFiring.IsZero() {
		return nil
	}
	if m.now().Sub(m.lastFiring) < m.repeatInterval {
		return nil
	}
	return m.Notify(ctx, Firing)
}

func (m *Dispatcher) post(ctx context.Context, status Status, alert Alert) error {
	log := m.log.With(
		zap.Stringer("status", status),
		zap.Stringer("alert", m.identity),
	)

	if m.url == "" {
		log.Infow("alert delivery disabled, not posting")
		return nil
	}

	log.Debugw("posting alert", zap.String("url", m.url), zap.Any("alert", alert))

	resp, err := m.client.R().
		SetContext(ctx).
		SetBody([]Alert{alert}).
		Post(m.url)
	if err != nil {
		return fmt.Errorf("failed to post %s alert: %w", status, err)
	}
	if resp.IsError() {
		return fmt.Errorf("alertmanager rejected %s alert: %s: %s",
			status, resp.Status(), strings.TrimSpace(resp.String()))
	}

	log.Debugw("alert posted", zap.Int("code", resp.StatusCode()))
	return nil
}
