// Package client turns method calls into remote invocations.
//
// A Proxy stands for one remote service contract. Each Invoke builds a
// Request, then, under the retry strategy:
//
//	Discover(name, group, version) → Balancer.Select(candidates, routingKey) → transport.Call(addr)
//
// When the retry strategy gives up, the tolerance strategy produces the final
// Response. A success Response yields its payload; a failure Response
// becomes an error carrying its message.
package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshrpc/loadbalance"
	"meshrpc/message"
	"meshrpc/metrics"
	"meshrpc/registry"
	"meshrpc/retry"
	"meshrpc/rpcerr"
	"meshrpc/tolerance"
	"meshrpc/transport"
)

// Client holds the collaborators shared by every proxy it creates.
type Client struct {
	registry  registry.Registry
	transport *transport.Client
	balancer  loadbalance.Balancer
	retry     retry.Strategy
	tolerance tolerance.Strategy
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// Option configures a Client.
type Option func(*Client)

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

func WithRetry(s retry.Strategy) Option {
	return func(c *Client) { c.retry = s }
}

func WithTolerance(s tolerance.Strategy) Option {
	return func(c *Client) { c.tolerance = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient discovers instances through reg and sends with tr. Without
// options it balances round-robin, retries with the default fixed interval
// and fails over.
func NewClient(reg registry.Registry, tr *transport.Client, opts ...Option) *Client {
	c := &Client{
		registry:  reg,
		transport: tr,
		balancer:  &loadbalance.RoundRobinBalancer{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry == nil {
		s := retry.DefaultSettings()
		c.retry = retry.NewFixedInterval(s.MaxRetries, s.Interval, retry.WithLogger(c.logger))
	}
	if c.tolerance == nil {
		c.tolerance = tolerance.NewFailOver(tolerance.WithLogger(c.logger))
	}
	return c
}

// MethodDesc declares one remote method.
type MethodDesc struct {
	Name       string
	ParamTypes []string
}

// InterfaceDesc describes a remote service contract. With Methods set, a
// proxy rejects calls to undeclared methods before sending them.
type InterfaceDesc struct {
	Name    string
	Methods []MethodDesc
}

// CreateProxy returns a stub for desc at the given version and group.
// Empty version and group take the defaults.
func (c *Client) CreateProxy(desc InterfaceDesc, version, group string) *Proxy {
	if version == "" {
		version = message.DefaultVersion
	}
	if group == "" {
		group = message.DefaultGroup
	}
	return &Proxy{client: c, desc: desc, version: version, group: group}
}

type routingKeyCtx struct{}

// WithRoutingKey makes calls under ctx use key for instance selection, so a
// consistent-hash balancer sends every call with the same key to the same
// instance. Without it the request id is the key.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKeyCtx{}, key)
}

func routingKey(ctx context.Context, fallback string) string {
	if key, ok := ctx.Value(routingKeyCtx{}).(string); ok && key != "" {
		return key
	}
	return fallback
}

// Proxy is the client-side stub of one remote service.
type Proxy struct {
	client  *Client
	desc    InterfaceDesc
	version string
	group   string
}

// ServiceKey is the key the proxy calls.
func (p *Proxy) ServiceKey() string {
	return message.ServiceKey(p.desc.Name, p.group, p.version)
}

// Invoke calls method with args and returns the success Response. A failure
// Response is returned as an error matching its status code.
func (p *Proxy) Invoke(ctx context.Context, method string, args ...any) (*message.Response, error) {
	req, err := p.newRequest(method, args)
	if err != nil {
		return nil, err
	}
	resp := p.client.invoke(ctx, req)
	p.client.metrics.ClientCall(req.ServiceKey(), resp.Status.String())
	if !resp.OK() {
		return nil, rpcerr.New(resp.Status, resp.Message)
	}
	return resp, nil
}

// Result is the outcome of an asynchronous invocation.
type Result struct {
	Response *message.Response
	Err      error
}

// InvokeAsync runs Invoke in the background; the channel receives exactly
// one Result.
func (p *Proxy) InvokeAsync(ctx context.Context, method string, args ...any) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		resp, err := p.Invoke(ctx, method, args...)
		ch <- Result{Response: resp, Err: err}
	}()
	return ch
}

// Invoke calls method through p and decodes the payload as R.
func Invoke[R any](ctx context.Context, p *Proxy, method string, args ...any) (R, error) {
	var out R
	resp, err := p.Invoke(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if len(resp.Data) == 0 {
		return out, nil
	}
	if err := p.client.transport.Serializer().Deserialize(resp.Data, &out); err != nil {
		return out, rpcerr.Wrap(rpcerr.Protocol, err, "decode result of "+method)
	}
	return out, nil
}

func (p *Proxy) newRequest(method string, args []any) (*message.Request, error) {
	if err := p.checkMethod(method, len(args)); err != nil {
		return nil, err
	}
	ser := p.client.transport.Serializer()
	req := &message.Request{
		RequestID:      uuid.NewString(),
		ServiceName:    p.desc.Name,
		MethodName:     method,
		Version:        p.version,
		Group:          p.group,
	}
	// A call without arguments keeps nil slices; every serializer decodes
	// zero parameters back to nil.
	for i, arg := range args {
		b, err := ser.Serialize(arg)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.Internal, err, fmt.Sprintf("encode argument %d of %s", i, method))
		}
		req.Parameters = append(req.Parameters, b)
		req.ParameterTypes = append(req.ParameterTypes, fmt.Sprintf("%T", arg))
	}
	return req, nil
}

func (p *Proxy) checkMethod(method string, arity int) error {
	if len(p.desc.Methods) == 0 {
		return nil
	}
	for _, m := range p.desc.Methods {
		if m.Name == method && len(m.ParamTypes) == arity {
			return nil
		}
	}
	return rpcerr.Newf(rpcerr.MethodNotFound, "%s declares no method %s/%d", p.ServiceKey(), method, arity)
}

// invoke runs the discovery → balance → send path under the retry strategy
// and hands an exhausted failure to the tolerance strategy. It always
// returns a Response.
func (c *Client) invoke(ctx context.Context, req *message.Request) *message.Response {
	key := routingKey(ctx, req.RequestID)
	var (
		candidates []*message.ServiceRegistration
		tried      []string
		attempts   int
	)

	op := func(ctx context.Context) (*message.Response, error) {
		if attempts > 0 {
			c.metrics.ClientRetry(req.ServiceKey())
		}
		attempts++

		found, err := c.registry.Discover(ctx, req.ServiceName, req.Group, req.Version)
		if err != nil {
			return nil, err
		}
		candidates = found
		target := c.balancer.Select(found, key)
		if target == nil {
			return nil, rpcerr.Newf(rpcerr.NoInstanceAvailable, "no instance available for %s", req.ServiceKey())
		}
		addr := target.Address()
		tried = append(tried, addr)
		return c.transport.Call(ctx, req, addr)
	}

	resp, err := c.retry.Execute(ctx, op)
	if err == nil {
		return resp
	}

	c.logger.Warn("call failed, applying tolerance strategy",
		zap.String("requestId", req.RequestID),
		zap.String("service", req.ServiceKey()),
		zap.String("method", req.MethodName),
		zap.Int("attempts", attempts),
		zap.String("tolerance", c.tolerance.Name()),
		zap.Error(err))
	return c.tolerance.Handle(ctx, &tolerance.Failure{
		Request:    req,
		Cause:      err,
		Candidates: candidates,
		Tried:      tried,
		Invoke: func(ctx context.Context, addr string) (*message.Response, error) {
			return c.transport.Call(ctx, req, addr)
		},
	})
}
