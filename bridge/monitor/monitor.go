// Package monitor implements the monitor (C5, spec §4.5): a background
// watchdog that polls the task context and forcibly destroys a stuck
// worker when cancellation is observed before completion.
package monitor

import (
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/taskbridge/core/log"
	"github.com/katzenpost/taskbridge/core/task"
	"github.com/katzenpost/taskbridge/core/worker"
)

// DefaultInterval is the poll interval used when the caller passes a
// non-positive interval (spec §4.5: "fixed 2 seconds is acceptable").
const DefaultInterval = 2 * time.Second

// MinInterval and MaxInterval bound the configurable poll interval
// (spec §4.5: "design tolerates any 1-5 s").
const (
	MinInterval = 1 * time.Second
	MaxInterval = 5 * time.Second
)

// Destroyer is the subset of the worker pool's contract the monitor
// needs: a way to forcibly terminate the worker it is watching.
type Destroyer interface {
	Destroy()
}

// DestroyerFunc adapts a plain func() (typically a closure over
// pool.Pool.Destroy(worker) with the worker already bound) to Destroyer.
type DestroyerFunc func()

// Destroy calls f.
func (f DestroyerFunc) Destroy() { f() }

// Monitor polls ctx and destroys the watched worker if cancellation is
// observed while the task is not yet complete. Spec §4.5's "known
// race" (is_completed flips true between the two checks) is accepted;
// Destroy is required to be idempotent, not this package's concern.
type Monitor struct {
	worker.Worker

	ctx      task.Context
	destroy  Destroyer
	interval time.Duration
	log      *logging.Logger
}

// New constructs a Monitor. interval is clamped to [MinInterval,
// MaxInterval]; a non-positive value selects DefaultInterval.
func New(logBackend *log.Backend, ctx task.Context, destroy Destroyer, interval time.Duration) *Monitor {
	switch {
	case interval <= 0:
		interval = DefaultInterval
	case interval < MinInterval:
		interval = MinInterval
	case interval > MaxInterval:
		interval = MaxInterval
	}
	return &Monitor{
		ctx:      ctx,
		destroy:  destroy,
		interval: interval,
		log:      logBackend.GetLogger("monitor"),
	}
}

// Start spawns the monitor's poll loop.
func (m *Monitor) Start() {
	m.Go(m.run)
}

// Stop signals the poll loop to exit and waits for it.
func (m *Monitor) Stop() {
	m.Halt()
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
			if m.poll() {
				return
			}
		}
	}
}

// poll checks the task context once, destroying the worker and
// reporting "done" if cancellation was observed before completion.
// Reports "done" on plain completion too, since there is nothing left
// to watch for.
func (m *Monitor) poll() bool {
	if m.ctx.IsCompleted() {
		return true
	}
	if m.ctx.IsCancelled() {
		m.log.Debugf("monitor: task cancelled before completion, destroying worker")
		m.destroy.Destroy()
		return true
	}
	return false
}
