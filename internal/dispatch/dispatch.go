// Package dispatch runs fire-and-forget side-effect jobs off the request
// path. Tasks are queued FIFO and executed by a fixed worker pool; errors
// go to the logger, never back to the caller.
package dispatch

import (
	"sync"

	"github.com/creachadair/taskgroup"
	"go.uber.org/zap"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/metrics"
)

// Task is one background job. Returned errors are logged and dropped.
type Task func() error

// Dispatcher owns a bounded task queue and its workers. With a single
// worker, execution order matches submission order.
type Dispatcher struct {
	logger *zap.Logger
	tasks  chan Task
	group  *taskgroup.Group
	once   sync.Once
}

// New starts a dispatcher with the given worker count and queue depth.
func New(logger *zap.Logger, workers, queueDepth int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 256
	}
	d := &Dispatcher{
		logger: logger,
		tasks:  make(chan Task, queueDepth),
	}
	d.group = taskgroup.New(taskgroup.Listen(func(err error) {
		logger.Error("dispatch worker failed", zap.Error(err))
	}))
	for i := 0; i < workers; i++ {
		d.group.Go(d.run)
	}
	return d
}

func (d *Dispatcher) run() error {
	for task := range d.tasks {
		if err := task(); err != nil {
			d.logger.Error("background task failed", zap.Error(err))
		}
	}
	return nil
}

// Submit enqueues a task without blocking. A full queue drops the task
// and reports false.
func (d *Dispatcher) Submit(task Task) bool {
	select {
	case d.tasks <- task:
		return true
	default:
		metrics.DispatchDropped.Inc()
		d.logger.Warn("dispatch queue full, task dropped")
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.tasks) })
	d.group.Wait()
}
