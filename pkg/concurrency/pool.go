// Package concurrency wraps alitto/pond for the long-running loops the
// pipeline schedules: queue claim loops, the rebalancer, event pumps.
package concurrency

import (
	"fmt"
	"time"

	"order_pipeline/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a pool. MaxCapacity bounds the submit backlog;
// Submit refuses rather than blocks once it is full.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// PoolStats is a point-in-time snapshot of pond's counters.
type PoolStats struct {
	Running    int
	Idle       int
	Submitted  uint64
	Waiting    uint64
	Successful uint64
	Failed     uint64
}

// Pool runs submitted tasks on a fixed worker set with panic recovery.
type Pool struct {
	inner    *pond.WorkerPool
	name     string
	capacity int
}

func New(cfg PoolConfig, logger core.ILogger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	scoped := logger.WithField("component", "pool").WithField("pool", cfg.Name)
	inner := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(cfg.MaxWorkers),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			scoped.Error("task panic recovered", "panic", p)
		}),
	)

	return &Pool{inner: inner, name: cfg.Name, capacity: cfg.MaxCapacity}
}

// Submit schedules the task, refusing when the backlog is at capacity.
func (p *Pool) Submit(task func()) error {
	if !p.inner.TrySubmit(task) {
		return fmt.Errorf("pool %s saturated (capacity %d)", p.name, p.capacity)
	}
	return nil
}

// Stop waits for queued and running tasks to finish.
func (p *Pool) Stop() {
	p.inner.StopAndWait()
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Running:    p.inner.RunningWorkers(),
		Idle:       p.inner.IdleWorkers(),
		Submitted:  p.inner.SubmittedTasks(),
		Waiting:    p.inner.WaitingTasks(),
		Successful: p.inner.SuccessfulTasks(),
		Failed:     p.inner.FailedTasks(),
	}
}
