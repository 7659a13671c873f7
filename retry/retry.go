// Package retry decides whether and when a failed client call is repeated.
//
// A Policy runs the operation once and, while the failure is retryable and
// the retry budget lasts, sleeps for the backoff of the next attempt and runs
// it again:
//
//	attempt 0 ──fail──▶ sleep Delay(1) ──▶ attempt 1 ──fail──▶ sleep Delay(2) ──▶ ... ──▶ last error
//
// MaxRetries counts additional attempts, so MaxRetries = 0 means "try once".
package retry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

const (
	NameFixedInterval      = "fixedInterval"
	NameExponentialBackoff = "exponentialBackoff"

	DefaultMaxRetries  = 2
	DefaultInterval    = 3 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxInterval = 30 * time.Second
)

// Operation is one attempt of a client call.
type Operation func(ctx context.Context) (*message.Response, error)

// Strategy executes an operation with retries.
type Strategy interface {
	// Execute returns the first successful result, or the last failure once
	// the retry budget is spent or the failure is not retryable.
	Execute(ctx context.Context, op Operation) (*message.Response, error)
	Name() string
}

// Backoff yields the sleep before retry attempt n (n >= 1).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff sleeps a constant duration between attempts.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration {
	return b.Interval
}

// ExponentialBackoff sleeps Initial * Multiplier^(attempt-1), capped at Max.
type ExponentialBackoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}

// Policy is a Strategy built from a retry budget and a Backoff.
type Policy struct {
	name       string
	maxRetries int
	backoff    Backoff
	clock      clock.Clock
	logger     *zap.Logger
	retryIf    func(error) bool
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock sets the time source used for sleeping between attempts.
func WithClock(c clock.Clock) Option {
	return func(p *Policy) { p.clock = c }
}

// WithLogger sets the logger for retry attempts.
func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// WithRetryIf replaces the retryable-failure predicate (rpcerr.Retryable by default).
func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) { p.retryIf = fn }
}

func newPolicy(name string, maxRetries int, b Backoff, opts ...Option) *Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	p := &Policy{
		name:       name,
		maxRetries: maxRetries,
		backoff:    b,
		clock:      clock.WallClock,
		logger:     zap.NewNop(),
		retryIf:    rpcerr.Retryable,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFixedInterval retries up to maxRetries times, interval apart.
func NewFixedInterval(maxRetries int, interval time.Duration, opts ...Option) *Policy {
	return newPolicy(NameFixedInterval, maxRetries, FixedBackoff{Interval: interval}, opts...)
}

// NewExponentialBackoff retries up to maxRetries times with growing sleeps.
func NewExponentialBackoff(maxRetries int, initial time.Duration, multiplier float64, maxInterval time.Duration, opts ...Option) *Policy {
	if multiplier < 1 {
		multiplier = 1
	}
	if maxInterval < initial {
		maxInterval = initial
	}
	return newPolicy(NameExponentialBackoff, maxRetries, ExponentialBackoff{
		Initial:    initial,
		Multiplier: multiplier,
		Max:        maxInterval,
	}, opts...)
}

func (p *Policy) Name() string {
	return p.name
}

// MaxRetries reports the retry budget.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Backoff exposes the delay schedule.
func (p *Policy) Backoff() Backoff {
	return p.backoff
}

func (p *Policy) Execute(ctx context.Context, op Operation) (*message.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff.Delay(attempt)
			p.logger.Info("retrying call",
				zap.String("strategy", p.name),
				zap.Int("attempt", attempt),
				zap.Int("maxRetries", p.maxRetries),
				zap.Duration("delay", delay))
			select {
			case <-p.clock.After(delay):
			case <-ctx.Done():
				return nil, lastErr
			}
		}

		resp, err := op(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !p.retryIf(err) {
			return nil, err
		}
		p.logger.Warn("call failed", zap.String("strategy", p.name), zap.Int("attempt", attempt), zap.Error(err))
	}

	p.logger.Error("max retries exceeded", zap.String("strategy", p.name), zap.Int("maxRetries", p.maxRetries), zap.Error(lastErr))
	return nil, lastErr
}

// Settings carries the configurable knobs of every built-in policy.
type Settings struct {
	MaxRetries  int
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// DefaultSettings mirrors the framework defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries:  DefaultMaxRetries,
		Interval:    DefaultInterval,
		Multiplier:  DefaultMultiplier,
		MaxInterval: DefaultMaxInterval,
	}
}

// Factory constructs a Strategy from settings.
type Factory func(s Settings, opts ...Option) Strategy

var factories = map[string]Factory{
	NameFixedInterval: func(s Settings, opts ...Option) Strategy {
		return NewFixedInterval(s.MaxRetries, s.Interval, opts...)
	},
	NameExponentialBackoff: func(s Settings, opts ...Option) Strategy {
		return NewExponentialBackoff(s.MaxRetries, s.Interval, s.Multiplier, s.MaxInterval, opts...)
	},
}

// New constructs the named strategy.
func New(name string, s Settings, opts ...Option) (Strategy, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown retry strategy %q, available: %v", name, Names())
	}
	return f(s, opts...), nil
}

// Names lists the known strategy names.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
