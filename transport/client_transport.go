// Package transport implements the client side of the wire: multiplexed
// connections, the pending-call table, timeouts and heartbeats.
//
// ClientTransport enables multiple concurrent calls over a single TCP
// connection. Each request carries a unique identifier, and a background
// goroutine (recvLoop) continuously reads responses and routes them to the
// matching pending Call:
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → pending[b] → Call b resolved → goroutine-2 wakes up
//
// Responses may arrive in any order; correlation is purely by identifier.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"meshrpc/message"
	"meshrpc/metrics"
	"meshrpc/protocol"
	"meshrpc/rpcerr"
	"meshrpc/serializer"
)

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn        net.Conn
	addr        string
	serializer  serializer.Serializer // Encodes outgoing requests
	serializers *serializer.Registry  // Resolves the serializer of incoming frames
	logger      *zap.Logger
	metrics     *metrics.Collector

	pending sync.Map   // map[string]*Call, keyed by request id
	npend   atomic.Int64
	sending sync.Mutex // Serializes frame writes; interleaved writes would corrupt the stream

	lastRecv  atomic.Int64 // Unix nanos of the last inbound frame
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClientTransport takes ownership of conn and starts two goroutines:
//   - recvLoop: reads responses and resolves pending calls
//   - heartbeatLoop: sends a heartbeat frame every heartbeat interval (disabled when <= 0)
func NewClientTransport(conn net.Conn, ser serializer.Serializer, serializers *serializer.Registry, heartbeat time.Duration, logger *zap.Logger, m *metrics.Collector) *ClientTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ClientTransport{
		conn:        conn,
		addr:        conn.RemoteAddr().String(),
		serializer:  ser,
		serializers: serializers,
		logger:      logger,
		metrics:     m,
		closed:      make(chan struct{}),
	}
	t.lastRecv.Store(time.Now().UnixNano())
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Send registers a pending call for req, writes the request frame and arms
// the timeout. The returned Call resolves with the response, with a
// RequestTimeout error after timeout, or with a Connection error.
func (t *ClientTransport) Send(req *message.Request, timeout time.Duration) (*Call, error) {
	if t.Closed() {
		return nil, rpcerr.Wrap(rpcerr.Connection, t.closeErr, "transport to "+t.addr+" closed")
	}

	body, err := t.serializer.Serialize(req)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Internal, err, "encode request")
	}

	call := newCall(req.RequestID, t.addr)
	call.abandon = func(err error) { t.complete(req.RequestID, nil, err) }

	// Register before writing so a fast response always finds its slot.
	if _, loaded := t.pending.LoadOrStore(req.RequestID, call); loaded {
		return nil, rpcerr.Newf(rpcerr.Internal, "request id %s already pending", req.RequestID)
	}
	t.npend.Add(1)
	t.metrics.PendingAdd(1)
	if t.Closed() {
		t.complete(req.RequestID, nil, rpcerr.Wrap(rpcerr.Connection, t.closeErr, "transport to "+t.addr+" closed"))
		return call, nil
	}

	if timeout > 0 {
		call.arm(timeout, func() {
			t.complete(req.RequestID, nil, rpcerr.Newf(rpcerr.RequestTimeout, "no response from %s within %s", t.addr, timeout))
		})
	}

	header := protocol.Header{
		MsgType:    protocol.MsgTypeRequest,
		Serializer: t.serializer.ID(),
	}
	t.sending.Lock()
	err = protocol.Encode(t.conn, &header, body)
	t.sending.Unlock()
	if err != nil {
		t.complete(req.RequestID, nil, rpcerr.Wrap(rpcerr.Connection, err, "write to "+t.addr))
		t.Close(err)
	}
	return call, nil
}

// complete resolves and removes the pending call id. Only the first caller
// finds the entry, so each call is resolved once.
func (t *ClientTransport) complete(id string, resp *message.Response, err error) {
	v, ok := t.pending.LoadAndDelete(id)
	if !ok {
		return
	}
	t.npend.Add(-1)
	t.metrics.PendingAdd(-1)
	v.(*Call).finish(resp, err)
}

// recvLoop is the only reader of the connection; TCP is a byte stream and
// frame boundaries can only be found by reading sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.Closed() {
				t.logger.Warn("transport read failed", zap.String("address", t.addr), zap.Error(err))
			}
			t.Close(err)
			return
		}
		t.lastRecv.Store(time.Now().UnixNano())

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeResponse:
		default:
			t.Close(rpcerr.Newf(rpcerr.Protocol, "unexpected message type %d from server", header.MsgType))
			return
		}

		ser, err := t.serializers.ByID(header.Serializer)
		if err != nil {
			t.Close(err)
			return
		}
		resp := &message.Response{}
		if err := ser.Deserialize(body, resp); err != nil {
			// Without a request id the response cannot be matched; the stream
			// is no longer trustworthy.
			t.Close(rpcerr.Wrap(rpcerr.Protocol, err, "malformed response"))
			return
		}
		t.complete(resp.RequestID, resp, nil)
	}
}

// heartbeatLoop sends periodic heartbeat frames so idle connections stay
// open and a dead peer is noticed by the failed write.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{
			MsgType:    protocol.MsgTypeHeartbeat,
			Serializer: t.serializer.ID(),
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.Close(err)
			return
		}
		t.logger.Debug("heartbeat sent", zap.String("address", t.addr))
	}
}

// Close shuts the connection and resolves every pending call with a
// Connection error carrying cause.
func (t *ClientTransport) Close(cause error) {
	t.closeOnce.Do(func() {
		if cause == nil {
			cause = net.ErrClosed
		}
		t.closeErr = cause
		close(t.closed)
		_ = t.conn.Close()
	})
	t.pending.Range(func(key, _ any) bool {
		t.complete(key.(string), nil, rpcerr.Wrap(rpcerr.Connection, t.closeErr, "connection to "+t.addr+" lost"))
		return true
	})
}

// Closed reports whether the transport can no longer send.
func (t *ClientTransport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Pending counts unresolved calls.
func (t *ClientTransport) Pending() int {
	return int(t.npend.Load())
}

// HasPending reports whether id is still in the pending table.
func (t *ClientTransport) HasPending(id string) bool {
	_, ok := t.pending.Load(id)
	return ok
}

// LastReceived is the time of the last frame read from the server.
func (t *ClientTransport) LastReceived() time.Time {
	return time.Unix(0, t.lastRecv.Load())
}

func (t *ClientTransport) Addr() string {
	return t.addr
}
