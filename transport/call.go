package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

// Call is the pending-call slot of one request. It is resolved exactly once:
// by the matching response, by its timeout, or by a connection failure,
// whichever happens first. Later resolutions are no-ops.
type Call struct {
	RequestID string
	Addr      string

	once sync.Once
	done chan struct{}
	resp *message.Response
	err  error

	timerMu  sync.Mutex // Guards timer against a concurrent finish
	timer    *time.Timer
	resolved bool

	// abandon resolves the call through its transport so the pending table
	// entry is removed with it.
	abandon func(err error)
}

func newCall(id, addr string) *Call {
	return &Call{RequestID: id, Addr: addr, done: make(chan struct{})}
}

// finish stores the outcome if the call is still unresolved and reports
// whether it did.
func (c *Call) finish(resp *message.Response, err error) bool {
	won := false
	c.once.Do(func() {
		won = true
		c.resp = resp
		c.err = err
		c.timerMu.Lock()
		c.resolved = true
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timerMu.Unlock()
		close(c.done)
	})
	return won
}

// arm schedules fire after d unless the call is already resolved.
func (c *Call) arm(d time.Duration, fire func()) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.resolved {
		return
	}
	c.timer = time.AfterFunc(d, fire)
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome of a resolved call.
func (c *Call) Result() (*message.Response, error) {
	<-c.done
	return c.resp, c.err
}

// Wait blocks until the call resolves or ctx ends. Abandoning the wait
// resolves the call, so it does not linger in the pending table.
func (c *Call) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = rpcerr.Wrap(rpcerr.RequestTimeout, err, "request "+c.RequestID)
		} else {
			err = rpcerr.Wrap(rpcerr.Internal, err, "request "+c.RequestID+" abandoned")
		}
		if c.abandon != nil {
			c.abandon(err)
		} else {
			c.finish(nil, err)
		}
		<-c.done
	}
	return c.resp, c.err
}
