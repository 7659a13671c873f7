// Package server implements the RPC server with an explicit method table,
// middleware chain, bounded worker pool, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: acquire worker slot → go handleRequest
//	    → Serializer.Deserialize → Middleware Chain → dispatch (method table) → Serializer.Serialize → write response
//
// Every outcome becomes a Response frame: unknown services and methods,
// callee errors and panics, undecodable bodies and unknown serializers alike.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"meshrpc/message"
	"meshrpc/middleware"
	"meshrpc/protocol"
	"meshrpc/registry"
	"meshrpc/rpcerr"
	"meshrpc/serializer"
)

const DefaultWorkers = 64

type exported struct {
	name, group, version string
	svc                  *Service
}

func (e *exported) key() string {
	return message.ServiceKey(e.name, e.group, e.version)
}

// Server is the RPC server that exports services and handles incoming requests.
type Server struct {
	mu       sync.RWMutex
	services map[string]*exported // "Echo:default:1.0" → service

	listener    net.Listener
	ready       chan struct{}           // Closed once the Accept loop runs
	wg          sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown    atomic.Bool             // Set during shutdown so the Accept error is expected
	middlewares []middleware.Middleware // Applied in order
	handler     middleware.HandlerFunc  // middleware(middleware(...(dispatch)))

	serializers *serializer.Registry
	workers     *semaphore.Weighted
	baseCtx     context.Context
	cancel      context.CancelFunc
	logger      *zap.Logger

	registry      registry.Registry // nil when not publishing
	advertiseAddr string            // Routable address published to the registry
	registered    []*message.ServiceRegistration
	weight        int
	metadata      map[string]string

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSerializers sets the serializers the server accepts.
func WithSerializers(r *serializer.Registry) Option {
	return func(s *Server) { s.serializers = r }
}

// WithWorkers bounds the number of requests processed concurrently.
func WithWorkers(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRegistry publishes every exported service to reg under advertiseAddr.
// An empty advertiseAddr publishes the listener address. It differs from the
// listen address because ":8080" is not routable for other hosts.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
	}
}

// WithInstance sets the weight and metadata published with every registration.
func WithInstance(weight int, metadata map[string]string) Option {
	return func(s *Server) {
		s.weight = weight
		s.metadata = metadata
	}
}

// WithMiddleware appends middlewares to the chain.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		services: make(map[string]*exported),
		workers:  semaphore.NewWeighted(DefaultWorkers),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   zap.NewNop(),
		weight:   message.DefaultWeight,
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.serializers == nil {
		s.serializers = serializer.NewDefaultRegistry()
	}
	return s
}

// Use registers a middleware. Middlewares must be added before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Export makes svc callable under name:group:version. Empty group and
// version take the defaults. Exporting while serving publishes the service
// to the registry right away.
func (s *Server) Export(name, group, version string, svc *Service) error {
	if name == "" || svc == nil {
		return fmt.Errorf("export: service name and implementation are required")
	}
	e := &exported{
		name:    name,
		group:   orDefault(group, message.DefaultGroup),
		version: orDefault(version, message.DefaultVersion),
		svc:     svc,
	}

	s.mu.Lock()
	if _, dup := s.services[e.key()]; dup {
		s.mu.Unlock()
		return fmt.Errorf("export: service %s already exported", e.key())
	}
	s.services[e.key()] = e
	serving := s.listener != nil
	s.mu.Unlock()

	s.logger.Info("service exported", zap.String("serviceKey", e.key()), zap.Strings("methods", svc.Methods()))
	if serving && s.registry != nil {
		return s.publish(context.Background(), e)
	}
	return nil
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve publishes exported services to the registry, if any, and enters the
// Accept loop. It returns nil after Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	// The chain is built once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	s.mu.Lock()
	s.listener = lis
	if s.advertiseAddr == "" {
		s.advertiseAddr = lis.Addr().String()
	}
	services := make([]*exported, 0, len(s.services))
	for _, e := range s.services {
		services = append(services, e)
	}
	s.mu.Unlock()

	if s.registry != nil {
		g, ctx := errgroup.WithContext(s.baseCtx)
		for _, e := range services {
			g.Go(func() error { return s.publish(ctx, e) })
		}
		if err := g.Wait(); err != nil {
			lis.Close()
			return err
		}
	}

	s.logger.Info("server listening", zap.String("address", lis.Addr().String()), zap.String("advertise", s.advertiseAddr))
	close(s.ready)
	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) publish(ctx context.Context, e *exported) error {
	host, port, err := message.SplitAddress(s.advertiseAddr)
	if err != nil {
		return fmt.Errorf("advertise address %q: %w", s.advertiseAddr, err)
	}
	reg := message.NewServiceRegistration(e.name, e.group, e.version, host, port)
	reg.Weight = s.weight
	reg.Metadata = s.metadata
	if err := s.registry.Register(ctx, reg); err != nil {
		return fmt.Errorf("register %s: %w", e.key(), err)
	}
	s.mu.Lock()
	s.registered = append(s.registered, reg)
	s.mu.Unlock()
	return nil
}

// Ready is closed once Serve has published every exported service and
// accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn reads frames from one connection. Reads are sequential because
// frame boundaries can only be found that way; requests are then processed
// in parallel and their responses written in completion order under a
// per-connection write lock.
func (s *Server) handleConn(conn net.Conn) {
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !s.shutdown.Load() {
				s.logger.Warn("closing connection after bad frame", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
				// The stream position is lost; answer once, then drop the connection.
				if rpcerr.CodeOf(err) != rpcerr.Internal {
					s.writeFailure(conn, writeMu, header, "", err)
				}
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			writeMu.Lock()
			_ = protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat, Serializer: header.Serializer}, nil)
			writeMu.Unlock()
			continue
		case protocol.MsgTypeResponse:
			s.writeFailure(conn, writeMu, header, "", rpcerr.New(rpcerr.Protocol, "server does not accept response frames"))
			continue
		}

		if err := s.workers.Acquire(s.baseCtx, 1); err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.workers.Release(1)
			defer s.wg.Done()
			// Handlers a middleware abandoned after answering keep the slot.
			var detached sync.WaitGroup
			defer detached.Wait()
			s.handleRequest(middleware.WithDetached(s.baseCtx, &detached), header, body, conn, writeMu)
		}()
	}
}

// handleRequest processes one request: decode → middleware → dispatch → encode → write.
func (s *Server) handleRequest(ctx context.Context, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	ser, err := s.serializers.ByID(header.Serializer)
	if err != nil {
		s.writeFailure(conn, writeMu, nil, "", err)
		return
	}

	req := &message.Request{}
	if err := ser.Deserialize(body, req); err != nil {
		s.writeFailure(conn, writeMu, header, "", rpcerr.Wrap(rpcerr.Protocol, err, "decode request"))
		return
	}
	req.ApplyDefaults()

	resp := s.invoke(withSerializer(ctx, ser), req)
	s.write(conn, writeMu, ser, resp)
}

func (s *Server) invoke(ctx context.Context, req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panicked", zap.String("requestId", req.RequestID), zap.Any("panic", r))
			resp = message.Failure(req.RequestID, rpcerr.Invocation, fmt.Sprintf("panic in %s.%s: %v", req.ServiceKey(), req.MethodName, r))
		}
	}()
	resp = s.handler(ctx, req)
	if resp == nil {
		resp = message.Failure(req.RequestID, rpcerr.Internal, "handler returned no response")
	}
	return resp
}

// dispatch is the innermost handler: it looks up the method table entry and
// calls it.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	key := req.ServiceKey()
	s.mu.RLock()
	e, ok := s.services[key]
	s.mu.RUnlock()
	if !ok {
		return message.Failure(req.RequestID, rpcerr.ServiceNotFound, "service not found: "+key)
	}

	h, ok := e.svc.lookup(req.MethodName, len(req.Parameters))
	if !ok {
		return message.Failure(req.RequestID, rpcerr.MethodNotFound,
			fmt.Sprintf("method %s/%d not found in %s (have %v)", req.MethodName, len(req.Parameters), key, e.svc.Methods()))
	}

	ser := serializerFrom(ctx)
	result, err := s.call(ctx, h, ser, req)
	if err != nil {
		if rpcerr.CodeOf(err) != rpcerr.Invocation {
			err = rpcerr.Wrap(rpcerr.Invocation, err, key+"."+req.MethodName)
		}
		return message.FailureFromError(req.RequestID, err)
	}

	data, err := ser.Serialize(result)
	if err != nil {
		return message.Failure(req.RequestID, rpcerr.Internal, "encode result: "+err.Error())
	}
	return message.Success(req.RequestID, data)
}

// call runs the method table entry. The recover lives here, not only in
// invoke, because a middleware may run dispatch on its own goroutine.
func (s *Server) call(ctx context.Context, h Handler, ser serializer.Serializer, req *message.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("method panicked", zap.String("requestId", req.RequestID), zap.Any("panic", r))
			err = rpcerr.Newf(rpcerr.Invocation, "panic in %s.%s: %v", req.ServiceKey(), req.MethodName, r)
		}
	}()
	return h.invoke(ctx, ser, req.Parameters)
}

// write encodes resp with ser and writes the frame under the connection's
// write lock.
func (s *Server) write(conn net.Conn, writeMu *sync.Mutex, ser serializer.Serializer, resp *message.Response) {
	body, err := ser.Serialize(resp)
	if err != nil {
		s.logger.Error("failed to encode response", zap.String("requestId", resp.RequestID), zap.Error(err))
		body, err = ser.Serialize(message.Failure(resp.RequestID, rpcerr.Internal, "encode response: "+err.Error()))
		if err != nil {
			return
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	header := protocol.Header{MsgType: protocol.MsgTypeResponse, Serializer: ser.ID()}
	if err := protocol.Encode(conn, &header, body); err != nil {
		s.logger.Warn("failed to write response", zap.String("requestId", resp.RequestID), zap.Error(err))
	}
}

// writeFailure answers a frame that could not be turned into a request. The
// response uses the frame's serializer when it is known, JSON otherwise.
func (s *Server) writeFailure(conn net.Conn, writeMu *sync.Mutex, header *protocol.Header, requestID string, cause error) {
	var ser serializer.Serializer = serializer.JSON{}
	if header != nil {
		if known, err := s.serializers.ByID(header.Serializer); err == nil {
			ser = known
		}
	}
	s.write(conn, writeMu, ser, message.FailureFromError(requestID, cause))
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Shutdown performs graceful shutdown:
//  1. Unregister all services (clients stop routing to this server)
//  2. Set the shutdown flag so the Accept error is recognized as intentional
//  3. Close the listener (stop accepting new connections)
//  4. Wait for in-flight requests to finish, up to timeout
//  5. Close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	registered := s.registered
	s.registered = nil
	lis := s.listener
	s.mu.Unlock()

	var errs []error
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		for _, reg := range registered {
			if err := s.registry.Unregister(ctx, reg); err != nil {
				errs = append(errs, err)
			}
		}
		cancel()
	}

	s.shutdown.Store(true)
	if lis != nil {
		lis.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	s.cancel()
	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

type serializerKey struct{}

func withSerializer(ctx context.Context, ser serializer.Serializer) context.Context {
	return context.WithValue(ctx, serializerKey{}, ser)
}

func serializerFrom(ctx context.Context) serializer.Serializer {
	if ser, ok := ctx.Value(serializerKey{}).(serializer.Serializer); ok {
		return ser
	}
	return serializer.JSON{}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
