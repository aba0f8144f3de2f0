// Package bridge is the task bridge driver (C6, spec §4.6): it composes
// the frame codec, worker pool, feeder, reader, and monitor into the
// single compute(partition, context) operation the enclosing host
// framework calls.
package bridge

import (
	"fmt"
	"sync"

	"github.com/katzenpost/taskbridge/bridge/bridgeerr"
	"github.com/katzenpost/taskbridge/bridge/feeder"
	"github.com/katzenpost/taskbridge/bridge/monitor"
	"github.com/katzenpost/taskbridge/bridge/pool"
	"github.com/katzenpost/taskbridge/bridge/protocol"
	"github.com/katzenpost/taskbridge/bridge/reader"
	"github.com/katzenpost/taskbridge/config"
	"github.com/katzenpost/taskbridge/core/log"
	"github.com/katzenpost/taskbridge/core/task"
)

// ComputeRequest bundles everything Compute needs to run one task
// session, beyond the host-wide Pool already held by the Bridge.
type ComputeRequest struct {
	Executable string
	Env        map[string]string

	Partition  task.Partition
	WorkDir    string
	Includes   []string
	Broadcasts []task.Broadcast
	Command    []byte

	Upstream     task.UpstreamIterator
	EncodingHint task.Encoding

	Context task.Context
	Mem     task.MemoryManagers
	// Metrics receives the TIMING_DATA spill counters. Pass a
	// *metrics.TaskMetrics to also update its Prometheus instruments, or
	// a plain *task.Metrics for the counters alone.
	Metrics reader.SpillMetrics
	Accum   reader.AccumulatorSink

	// HostShuttingDown, if set, reports whether the host runtime is
	// stopping (spec §7 HOST_SHUTTING_DOWN).
	HostShuttingDown func() bool
}

// Bridge owns a host-wide worker Pool and runs Compute sessions against
// it (spec §9: "construct once per host instance").
type Bridge struct {
	pool *pool.Pool
	cfg  *config.Config
	log  *log.Backend
}

// New constructs a Bridge over an existing Pool and Config.
func New(logBackend *log.Backend, p *pool.Pool, cfg *config.Config) *Bridge {
	return &Bridge{pool: p, cfg: cfg, log: logBackend}
}

// Compute implements spec §4.6 steps 1-6: acquire a worker, register the
// completion hook, start the feeder and monitor, and return a lazy,
// cooperatively-cancellable output iterator.
func (b *Bridge) Compute(req ComputeRequest) (task.RecordIterator, error) {
	w, err := b.pool.Acquire(req.Executable, req.Env, b.cfg.Worker.Reuse)
	if err != nil {
		return nil, fmt.Errorf("bridge: acquire worker: %w", err)
	}

	resident := b.pool.BroadcastsFor(w)
	header := protocol.Header{
		PartitionIndex: req.Partition.Index,
		WorkDir:        req.WorkDir,
		Includes:       req.Includes,
		Broadcasts:     req.Broadcasts,
		Command:        req.Command,
	}

	fd := feeder.New(b.log, w.Conn.W, w.HalfCloseWrite, header, resident, req.Upstream, req.Mem, req.EncodingHint)
	rd := reader.New(b.log, w.Conn.R, fd, req.Metrics, req.Accum, req.Context, req.HostShuttingDown)
	mon := monitor.New(b.log, req.Context, monitor.DestroyerFunc(func() { b.pool.Destroy(w) }), b.cfg.Monitor.Interval)

	var hookOnce sync.Once
	hook := func() {
		hookOnce.Do(func() {
			mon.Stop()
			if b.cfg.Worker.Reuse && rd.CleanCompletion() {
				// Clean exit: the feeder has already written
				// END_OF_STREAM on its own, so only join it. Half-closing
				// here would make the released worker's socket unwritable
				// for its next task (spec §4.2 Release, §8 property 4).
				fd.Wait()
				b.pool.Release(w)
			} else {
				fd.Stop()
				b.pool.Destroy(w)
			}
		})
	}
	if req.Context != nil {
		req.Context.AddCompletionHook(hook)
	}

	fd.Start()
	mon.Start()

	return &cancellableIterator{inner: rd, ctx: req.Context}, nil
}

// cancellableIterator wraps a RecordIterator so every Next call fails
// fast with TASK_CANCELLED if the task context is cancelled before the
// next value would be produced (spec §4.6 step 6).
type cancellableIterator struct {
	inner task.RecordIterator
	ctx   task.Context
}

func (c *cancellableIterator) HasNext() bool { return c.inner.HasNext() }

func (c *cancellableIterator) Next() ([]byte, error) {
	if c.ctx != nil && c.ctx.IsCancelled() {
		return nil, bridgeerr.ErrTaskCancelled
	}
	return c.inner.Next()
}
