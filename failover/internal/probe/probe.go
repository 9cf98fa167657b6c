// Package probe implements reachability probes based on ICMP echo.
package probe

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Outcome is the result of one probe, i.e. of a whole sequence of attempts.
type Outcome uint8

const (
	// Failure means no attempt received a reply.
	Failure Outcome = iota
	// Success means at least one attempt received a reply in time.
	Success
)

func (m Outcome) String() string {
	switch m {
	case Success:
		return "success"
	case Failure:
		return "failure"
	}
	return "unknown"
}

const (
	DefaultRetries     = 5
	DefaultTimeout     = 500 * time.Millisecond
	DefaultSpacing     = 500 * time.Millisecond
	DefaultPayloadSize = 56 * datasize.B
)

// Config controls a single probe runner.
type Config struct {
	// Target is the address to send echo requests to.
	Target netip.Addr
	// Source is the local address echo requests are bound to.
	//
	// The zero value leaves source selection to the kernel.
	Source netip.Addr
	// Retries is the maximum number of attempts per probe.
	Retries uint
	// Timeout bounds the wait for a reply of a single attempt.
	Timeout time.Duration
	// Spacing is the pause between two consecutive attempts.
	Spacing time.Duration
	// PayloadSize is the size of the echo payload.
	PayloadSize datasize.ByteSize
}

// EchoRequest describes one echo attempt.
type EchoRequest struct {
	Target  netip.Addr
	Source  netip.Addr
	ID      uint16
	Seq     uint16
	Payload []byte
	Timeout time.Duration
}

// Transport sends a single echo request and waits for the matching reply.
//
// A nil error means the reply arrived within the request timeout.
type Transport interface {
	Echo(ctx context.Context, req EchoRequest) error
}

type options struct {
	Log       *zap.SugaredLogger
	Transport Transport
}

func newOptions() *options {
	return &options{
		Log:       zap.NewNop().Sugar(),
		Transport: ICMPTransport{},
	}
}

// Option is a function that configures the probe runner.
type Option func(*options)

// WithLog configures the probe runner with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithTransport replaces the ICMP transport.
func WithTransport(transport Transport) Option {
	return func(o *options) {
		o.Transport = transport
	}
}

// Runner performs reachability probes against a single target.
//
// Runner is not safe for concurrent use: sequence numbers are advanced on
// every attempt.
type Runner struct {
	cfg       Config
	payload   []byte
	id        uint16
	seq       uint16
	transport Transport
	log       *zap.SugaredLogger
}

// NewRunner creates a new probe runner.
func NewRunner(cfg Config, options ...Option) *Runner {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	if cfg.Retries == 0 {
		cfg.Retries = 1
	}

	return &Runner{
		cfg:       cfg,
		payload:   makePayload(int(cfg.PayloadSize.Bytes())),
		id:        uint16(rand.IntN(1 << 16)),
		transport: opts.Transport,
		log:       opts.Log,
	}
}

// Source returns the address the runner binds to, if any.
func (m *Runner) Source() netip.Addr {
	return m.cfg.Source
}

// Probe sends up to Retries echo requests and returns Success on the first
// reply.
//
// Attempt errors, including socket errors, count as failed attempts and
// never stop the remaining ones.
func (m *Runner) Probe(ctx context.Context) Outcome {
	attempt := uint(0)

	operation := func() (struct{}, error) {
		attempt++
		m.seq++

		err := m.transport.Echo(ctx, EchoRequest{
			Target:  m.cfg.Target,
			Source:  m.cfg.Source,
			ID:      m.id,
			Seq:     m.seq,
			Payload: m.payload,
			Timeout: m.cfg.Timeout,
		})
		if err != nil {
			m.log.Debugw("echo attempt failed",
				zap.Uint("attempt", attempt),
				zap.Uint("retries", m.cfg.Retries),
				zap.String("reason", Reason(err)),
				zap.Error(err),
			)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.cfg.Spacing)),
		backoff.WithMaxTries(m.cfg.Retries),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		m.log.Debugw("probe failed",
			zap.Stringer("target", m.cfg.Target),
			zap.Stringer("source", m.cfg.Source),
			zap.Uint("attempts", attempt),
		)
		return Failure
	}

	m.log.Debugw("probe succeeded",
		zap.Stringer("target", m.cfg.Target),
		zap.Stringer("source", m.cfg.Source),
		zap.Uint("attempts", attempt),
	)
	return Success
}

func makePayload(size int) []byte {
	payload := make([]byte, size)
	for idx := range payload {
		payload[idx] = byte(idx)
	}
	return payload
}
