// Package tolerance turns a call that could not be completed into a terminal
// Response. It runs after the retry strategy has given up, or when the
// failure was not retryable in the first place, and it never returns an error:
// whatever happens, the caller gets a Response to inspect.
package tolerance

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

const (
	NameFailFast = "failFast"
	NameFailOver = "failOver"
)

// Failure describes a call that failed on the normal path.
type Failure struct {
	Request *message.Request
	Cause   error

	// Candidates is the candidate set discovery returned for the call.
	Candidates []*message.ServiceRegistration
	// Tried lists addresses the normal path already sent to.
	Tried []string
	// Invoke sends the request to one address. Nil disables fail-over.
	Invoke func(ctx context.Context, addr string) (*message.Response, error)
}

func (f *Failure) requestID() string {
	if f == nil || f.Request == nil {
		return ""
	}
	return f.Request.RequestID
}

// Strategy converts a Failure into a Response.
type Strategy interface {
	Handle(ctx context.Context, f *Failure) *message.Response
	Name() string
}

// Option configures a Strategy.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used when the strategy fires.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FailFast reports the cause immediately.
type FailFast struct {
	logger *zap.Logger
}

func NewFailFast(opts ...Option) *FailFast {
	o := buildOptions(opts)
	return &FailFast{logger: o.logger}
}

func (s *FailFast) Name() string {
	return NameFailFast
}

func (s *FailFast) Handle(ctx context.Context, f *Failure) (resp *message.Response) {
	defer guard(f, &resp)
	return s.fail(f)
}

func (s *FailFast) fail(f *Failure) *message.Response {
	var cause error
	if f != nil {
		cause = f.Cause
	}
	if cause == nil {
		cause = rpcerr.New(rpcerr.Internal, "call failed without a cause")
	}
	s.logger.Error("service call failed", zap.String("requestId", f.requestID()), zap.Error(cause))
	return message.Failure(f.requestID(), failureCode(cause), cause.Error())
}

// FailOver re-sends the request to every candidate the normal path has not
// tried yet, in candidate order, and returns the first response that arrives.
// Without untried candidates it behaves like FailFast.
type FailOver struct {
	logger   *zap.Logger
	fallback *FailFast
}

func NewFailOver(opts ...Option) *FailOver {
	o := buildOptions(opts)
	return &FailOver{logger: o.logger, fallback: &FailFast{logger: o.logger}}
}

func (s *FailOver) Name() string {
	return NameFailOver
}

func (s *FailOver) Handle(ctx context.Context, f *Failure) (resp *message.Response) {
	defer guard(f, &resp)

	if f == nil || f.Invoke == nil || !rpcerr.Retryable(f.Cause) {
		return s.fallback.fail(f)
	}

	alternates := untried(f.Candidates, f.Tried)
	if len(alternates) == 0 {
		s.logger.Warn("no alternate instance for fail-over", zap.String("requestId", f.requestID()))
		return s.fallback.fail(f)
	}

	lastErr := f.Cause
	for _, addr := range alternates {
		if ctx.Err() != nil {
			break
		}
		s.logger.Info("failing over", zap.String("requestId", f.requestID()), zap.String("address", addr))
		r, err := f.Invoke(ctx, addr)
		if err == nil && r != nil {
			return r
		}
		if err == nil {
			err = rpcerr.New(rpcerr.Internal, "empty response")
		}
		s.logger.Warn("fail-over attempt failed", zap.String("address", addr), zap.Error(err))
		lastErr = err
	}

	s.logger.Error("fail-over exhausted", zap.String("requestId", f.requestID()), zap.Int("alternates", len(alternates)), zap.Error(lastErr))
	return message.Failure(f.requestID(), rpcerr.RetriesExhausted,
		fmt.Sprintf("all %d alternate instances failed: %v", len(alternates), lastErr))
}

func untried(candidates []*message.ServiceRegistration, tried []string) []string {
	seen := make(map[string]struct{}, len(tried))
	for _, addr := range tried {
		seen[addr] = struct{}{}
	}
	var out []string
	for _, c := range candidates {
		if c == nil || !c.Healthy {
			continue
		}
		addr := c.Address()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func failureCode(err error) rpcerr.Code {
	code := rpcerr.CodeOf(err)
	if code == rpcerr.OK {
		return rpcerr.Internal
	}
	return code
}

// guard keeps a misbehaving Invoke hook from escaping as a panic.
func guard(f *Failure, resp **message.Response) {
	if r := recover(); r != nil {
		*resp = message.Failure(f.requestID(), rpcerr.Internal, fmt.Sprintf("tolerance strategy panicked: %v", r))
	}
}

// Factory constructs a Strategy.
type Factory func(opts ...Option) Strategy

var factories = map[string]Factory{
	NameFailFast: func(opts ...Option) Strategy { return NewFailFast(opts...) },
	NameFailOver: func(opts ...Option) Strategy { return NewFailOver(opts...) },
}

// New constructs the named strategy.
func New(name string, opts ...Option) (Strategy, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown tolerance strategy %q, available: %v", name, Names())
	}
	return f(opts...), nil
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
