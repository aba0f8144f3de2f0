// Package reader implements the reader (C4, spec §4.4): the
// READ_LENGTH state machine exposed as a lazy, non-restartable,
// one-element-lookahead iterator of output byte-string frames,
// interpreting in-band timing, exception, accumulator, and
// end-of-stream frames as it goes.
package reader

import (
	"errors"
	"fmt"
	"io"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/taskbridge/bridge/bridgeerr"
	"github.com/katzenpost/taskbridge/core/log"
	"github.com/katzenpost/taskbridge/core/task"
	"github.com/katzenpost/taskbridge/core/wire"
)

// FeederExceptionSource is the feeder's exception slot, checked before
// every read (spec §4.4).
type FeederExceptionSource interface {
	Err() error
}

// AccumulatorSink receives the accumulator-section batch that precedes
// END_OF_STREAM (spec §4.4/§4.7); *accum.Sink satisfies this.
type AccumulatorSink interface {
	Merge(batch [][]byte) ([][]byte, error)
}

// SpillMetrics receives the two TIMING_DATA counters (spec §3). Both
// *task.Metrics and *metrics.TaskMetrics satisfy this, so a caller that
// wants the Prometheus-backed counters updated passes a TaskMetrics
// here instead of a bare task.Metrics.
type SpillMetrics interface {
	AddMemoryBytesSpilled(n int64)
	AddDiskBytesSpilled(n int64)
}

// errSwallow marks an I/O error that occurred while the host runtime is
// shutting down: spec §7 says to swallow it and end the sequence
// silently rather than surface an error.
var errSwallow = errors.New("reader: swallow, host runtime shutting down")

// Reader is the task-thread-owned output iterator (spec §4.4, §5 "T1").
type Reader struct {
	r io.Reader

	feeder           FeederExceptionSource
	metrics          SpillMetrics
	accum            AccumulatorSink
	ctx              task.Context
	hostShuttingDown func() bool

	pendingVal      []byte
	pendingErr      error
	filled          bool
	finished        bool
	cleanCompletion bool

	log *logging.Logger
}

// New constructs a Reader over r (typically the buffered read half of a
// worker's wire.Conn). feeder, metrics, accum, ctx, and hostShuttingDown
// may be nil/omitted in contexts that don't need them (e.g. isolated
// protocol tests); a nil feeder is treated as "no exception recorded", a
// nil ctx as "never cancelled", a nil hostShuttingDown as "never
// shutting down".
func New(logBackend *log.Backend, r io.Reader, feeder FeederExceptionSource, metrics SpillMetrics, accumSink AccumulatorSink, ctx task.Context, hostShuttingDown func() bool) *Reader {
	return &Reader{
		r:                r,
		feeder:           feeder,
		metrics:          metrics,
		accum:            accumSink,
		ctx:              ctx,
		hostShuttingDown: hostShuttingDown,
		log:              logBackend.GetLogger("reader"),
	}
}

// CleanCompletion reports whether the iterator reached END_OF_STREAM
// without error (spec §4.6 step 4(iii)'s release-vs-close decision).
func (r *Reader) CleanCompletion() bool { return r.cleanCompletion }

// HasNext reports whether Next would return a value or a terminal
// error. It returns false once the sequence has cleanly ended or a
// terminal error has already been delivered by a prior Next call.
func (r *Reader) HasNext() bool {
	if r.finished {
		return false
	}
	if !r.filled {
		r.fill()
	}
	return !r.finished
}

// Next returns the next output frame, or a terminal error. Once Next
// returns a non-nil error, the iterator is exhausted: subsequent
// HasNext calls return false.
func (r *Reader) Next() ([]byte, error) {
	if !r.filled {
		r.fill()
	}
	if r.finished {
		return nil, io.EOF
	}
	v, err := r.pendingVal, r.pendingErr
	r.filled = false
	r.pendingVal = nil
	r.pendingErr = nil
	if err != nil {
		r.finished = true
	}
	return v, err
}

func (r *Reader) fill() {
	r.filled = true
	for {
		if ferr := r.feederErr(); ferr != nil {
			r.pendingErr = fmt.Errorf("%w: %v", bridgeerr.ErrWorkerInputFailure, ferr)
			return
		}

		n, err := wire.ReadInt32(r.r)
		if err != nil {
			r.deliverIOErr(err)
			return
		}

		if n >= 0 {
			b, err := wire.ReadFrame(r.r, n)
			if err != nil {
				r.deliverIOErr(err)
				return
			}
			r.pendingVal = b
			return
		}

		sentinel, ok := wire.IsSentinel(n)
		if !ok {
			r.pendingErr = fmt.Errorf("%w: unrecognized negative frame length %d", bridgeerr.ErrProtocol, n)
			return
		}

		switch sentinel {
		case wire.TimingData:
			if err := r.consumeTiming(); err != nil {
				r.deliverErr(err)
				return
			}
			continue

		case wire.PythonException:
			msg, err := r.consumeExceptionMessage()
			if err != nil {
				r.deliverErr(err)
				return
			}
			r.pendingErr = &bridgeerr.UserError{Message: msg, Cause: r.feederErr()}
			return

		case wire.EndOfDataSection:
			if err := r.consumeAccumulatorSection(); err != nil {
				r.deliverErr(err)
				return
			}
			n2, err := wire.ReadInt32(r.r)
			if err != nil {
				r.deliverIOErr(err)
				return
			}
			if s2, ok := wire.IsSentinel(n2); !ok || s2 != wire.EndOfStream {
				r.pendingErr = fmt.Errorf("%w: expected END_OF_STREAM after accumulator section, got %d", bridgeerr.ErrProtocol, n2)
				return
			}
			r.cleanCompletion = true
			r.finished = true
			return

		default:
			r.pendingErr = fmt.Errorf("%w: unexpected sentinel %s outside accumulator section", bridgeerr.ErrProtocol, sentinel)
			return
		}
	}
}

// deliverIOErr routes a raw I/O error (EOF/short-read) through
// classifyReadError and either finishes the iterator silently (host
// shutting down) or records the classified error.
func (r *Reader) deliverIOErr(err error) {
	r.deliverErr(r.routeIOErr(err))
}

// deliverErr records err as the terminal outcome unless it is the
// swallow sentinel, in which case the sequence ends cleanly with no
// error (spec §7 HOST_SHUTTING_DOWN).
func (r *Reader) deliverErr(err error) {
	if errors.Is(err, errSwallow) {
		r.finished = true
		return
	}
	r.pendingErr = err
}

func (r *Reader) routeIOErr(err error) error {
	cancelled := r.ctx != nil && r.ctx.IsCancelled()
	shuttingDown := r.hostShuttingDown != nil && r.hostShuttingDown()
	return classifyReadError(err, r.feederErr(), cancelled, shuttingDown)
}

func (r *Reader) feederErr() error {
	if r.feeder == nil {
		return nil
	}
	return r.feeder.Err()
}

// classifyReadError implements spec §7's exception-routing table for
// I/O errors observed by the reader, in priority order: a recorded
// feeder exception always wins (WORKER_INPUT_FAILURE); otherwise
// cancellation (TASK_CANCELLED); otherwise host shutdown (swallowed);
// otherwise WORKER_CRASHED.
func classifyReadError(err error, feederErr error, cancelled, hostShuttingDown bool) error {
	if feederErr != nil {
		return fmt.Errorf("%w: %v", bridgeerr.ErrWorkerInputFailure, feederErr)
	}
	if cancelled {
		return fmt.Errorf("%w: %v", bridgeerr.ErrTaskCancelled, err)
	}
	if hostShuttingDown {
		return errSwallow
	}
	return fmt.Errorf("%w: %v", bridgeerr.ErrWorkerCrashed, err)
}

func (r *Reader) consumeTiming() error {
	vals := make([]int64, 5)
	for i := range vals {
		v, err := wire.ReadInt64(r.r)
		if err != nil {
			return r.routeIOErr(err)
		}
		vals[i] = v
	}
	if r.metrics != nil {
		r.metrics.AddMemoryBytesSpilled(vals[3])
		r.metrics.AddDiskBytesSpilled(vals[4])
	}
	r.log.Debugf("timing: boot=%d init=%d finish=%d memSpilled=%d diskSpilled=%d", vals[0], vals[1], vals[2], vals[3], vals[4])
	return nil
}

func (r *Reader) consumeExceptionMessage() (string, error) {
	n, err := wire.ReadInt32(r.r)
	if err != nil {
		return "", r.routeIOErr(err)
	}
	if n < 0 {
		return "", fmt.Errorf("%w: expected a utf frame after PYTHON_EXCEPTION_THROWN, got sentinel %d", bridgeerr.ErrProtocol, n)
	}
	s, err := wire.ReadUTF(r.r, n)
	if err != nil {
		return "", r.routeIOErr(err)
	}
	return s, nil
}

func (r *Reader) consumeAccumulatorSection() error {
	k, err := wire.ReadInt32(r.r)
	if err != nil {
		return r.routeIOErr(err)
	}
	if k < 0 {
		return fmt.Errorf("%w: negative accumulator batch count %d", bridgeerr.ErrProtocol, k)
	}
	batch := make([][]byte, 0, k)
	for i := int32(0); i < k; i++ {
		n, err := wire.ReadInt32(r.r)
		if err != nil {
			return r.routeIOErr(err)
		}
		if n < 0 {
			return fmt.Errorf("%w: unexpected sentinel %d in accumulator section", bridgeerr.ErrProtocol, n)
		}
		b, err := wire.ReadFrame(r.r, n)
		if err != nil {
			return r.routeIOErr(err)
		}
		batch = append(batch, b)
	}
	if r.accum == nil {
		return nil
	}
	_, err = r.accum.Merge(batch)
	return err
}
