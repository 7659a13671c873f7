package etcd

import (
	"context"
	"time"

	"github.com/juju/clock"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	minWatchBackoff = time.Second
	maxWatchBackoff = 30 * time.Second
)

// watchLoop keeps a prefix watch alive. etcd closes a watch channel on
// leader loss, compaction or cancellation; the loop then re-creates it after
// a capped backoff and reports a change so the caller reloads the full set,
// covering events missed while no watch was open.
type watchLoop struct {
	prefix     string
	open       func(ctx context.Context) clientv3.WatchChan
	changed    func()
	clock      clock.Clock
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func (w *watchLoop) run(ctx context.Context) {
	backoff := w.minBackoff
	first := true
	for {
		wctx, cancel := context.WithCancel(ctx)
		wch := w.open(wctx)
		if !first {
			w.changed()
		}
		first = false

		for resp := range wch {
			if err := resp.Err(); err != nil {
				w.logger.Warn("etcd watch error", zap.String("prefix", w.prefix), zap.Error(err))
				break
			}
			backoff = w.minBackoff
			w.changed()
		}
		cancel()
		if ctx.Err() != nil {
			return
		}

		w.logger.Warn("etcd watch closed, re-creating", zap.String("prefix", w.prefix), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(backoff):
		}
		backoff *= 2
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
	}
}
