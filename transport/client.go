package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshrpc/message"
	"meshrpc/metrics"
	"meshrpc/rpcerr"
	"meshrpc/serializer"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultHeartbeat   = 30 * time.Second
	DefaultDialTimeout = 3 * time.Second
	DefaultPoolSize    = 2
)

var (
	errPoolClosed   = errors.New("transport pool closed")
	errClientClosed = errors.New("transport client closed")
)

// Client sends requests to explicit addresses. It owns one Pool per address.
type Client struct {
	serializers *serializer.Registry
	serializer  serializer.Serializer
	timeout     time.Duration
	heartbeat   time.Duration
	dialTimeout time.Duration
	poolSize    int
	logger      *zap.Logger
	metrics     *metrics.Collector

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// Option configures a Client.
type Option func(*Client)

// WithSerializer selects the serializer for outgoing requests.
func WithSerializer(s serializer.Serializer) Option {
	return func(c *Client) { c.serializer = s }
}

// WithSerializers sets the registry used to decode responses.
func WithSerializers(r *serializer.Registry) Option {
	return func(c *Client) { c.serializers = r }
}

// WithTimeout sets the per-call response timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHeartbeat sets the heartbeat interval of every connection; <= 0 disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Client) { c.heartbeat = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithPoolSize sets how many connections are kept per address.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		timeout:     DefaultTimeout,
		heartbeat:   DefaultHeartbeat,
		dialTimeout: DefaultDialTimeout,
		poolSize:    DefaultPoolSize,
		logger:      zap.NewNop(),
		pools:       make(map[string]*Pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.serializers == nil {
		c.serializers = serializer.NewDefaultRegistry()
	}
	if c.serializer == nil {
		c.serializer = serializer.JSON{}
	}
	return c
}

// Send assigns req an identifier if it has none and sends it to addr. The
// returned Call resolves exactly once; see ClientTransport.Send.
func (c *Client) Send(ctx context.Context, req *message.Request, addr string) (*Call, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	pool, err := c.pool(addr)
	if err != nil {
		return nil, err
	}
	t, err := pool.Get(ctx)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Connection, err, "connect to "+addr)
	}
	return t.Send(req, c.timeout)
}

// Call sends req to addr and waits for the outcome.
func (c *Client) Call(ctx context.Context, req *message.Request, addr string) (*message.Response, error) {
	call, err := c.Send(ctx, req, addr)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

func (c *Client) pool(addr string) (*Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, rpcerr.Wrap(rpcerr.Connection, errClientClosed, addr)
	}
	p, ok := c.pools[addr]
	if !ok {
		p = NewPool(addr, c.poolSize, c.dial)
		c.pools[addr] = p
	}
	return p, nil
}

func (c *Client) dial(ctx context.Context, addr string) (*ClientTransport, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("connection established", zap.String("address", addr))
	return NewClientTransport(conn, c.serializer, c.serializers, c.heartbeat, c.logger, c.metrics), nil
}

// Pending counts unresolved calls across all addresses.
func (c *Client) Pending() int {
	c.mu.Lock()
	pools := make([]*Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()
	n := 0
	for _, p := range pools {
		n += p.Pending()
	}
	return n
}

// Timeout is the per-call response timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Serializer is the serializer used for outgoing requests.
func (c *Client) Serializer() serializer.Serializer {
	return c.serializer
}

// Close closes every connection. Pending calls fail with a Connection error.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[string]*Pool)
	c.closed = true
	c.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
	return nil
}
