package registry

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
)

// renewer runs one periodic renewal task per registration path.
type renewer struct {
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	tasks map[string]*renewal
}

type renewal struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newRenewer(c clock.Clock, interval time.Duration, logger *zap.Logger) *renewer {
	return &renewer{
		clock:    c,
		interval: interval,
		logger:   logger,
		tasks:    make(map[string]*renewal),
	}
}

// start replaces any task running for path with one calling renew every interval.
func (r *renewer) start(path string, renew func(ctx context.Context) error) {
	r.stop(path)

	ctx, cancel := context.WithCancel(context.Background())
	task := &renewal{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.tasks[path] = task
	r.mu.Unlock()

	go func() {
		defer close(task.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(r.interval):
			}
			if err := renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("lease renewal failed", zap.String("path", path), zap.Error(err))
				continue
			}
			r.logger.Debug("lease renewed", zap.String("path", path))
		}
	}()
}

// stop cancels the task for path and waits for it to exit.
func (r *renewer) stop(path string) {
	r.mu.Lock()
	task, ok := r.tasks[path]
	delete(r.tasks, path)
	r.mu.Unlock()
	if ok {
		task.cancel()
		<-task.done
	}
}

// stopAll cancels every task and waits for all of them to exit.
func (r *renewer) stopAll() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]*renewal)
	r.mu.Unlock()
	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

func (r *renewer) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
