// Package feeder implements the feeder (C3, spec §4.3): writes the task
// header, the upstream record stream in one of four encodings chosen by
// peeking the first element, then END_OF_DATA_SECTION/END_OF_STREAM,
// then flushes. Runs as a worker.Worker-tracked background goroutine;
// errors never escape it, they're recorded in an exception slot and the
// socket's write half is half-closed so the reader observes EOF.
package feeder

import (
	"fmt"
	"io"
	"sync"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/taskbridge/bridge/protocol"
	"github.com/katzenpost/taskbridge/core/log"
	"github.com/katzenpost/taskbridge/core/task"
	"github.com/katzenpost/taskbridge/core/wire"
	"github.com/katzenpost/taskbridge/core/worker"
)

// Feeder writes one task session's input to a worker's socket.
type Feeder struct {
	worker.Worker

	w         io.Writer
	halfClose func() error

	header   protocol.Header
	resident map[int64]struct{}

	upstream     task.UpstreamIterator
	mem          task.MemoryManagers
	encodingHint task.Encoding

	mu  sync.Mutex
	err error

	log *logging.Logger
}

// New constructs a Feeder. w is typically the buffered write half of a
// worker's wire.Conn. resident is the worker's current broadcast set
// (mutated in place to the new resident set, per protocol.WriteHeader).
// encodingHint, if not task.EncodingAuto, skips the peek-first-element
// step (spec §9's accepted alternative) and uses the given encoding for
// every element.
func New(logBackend *log.Backend, w io.Writer, halfClose func() error, header protocol.Header, resident map[int64]struct{}, upstream task.UpstreamIterator, mem task.MemoryManagers, encodingHint task.Encoding) *Feeder {
	return &Feeder{
		w:            w,
		halfClose:    halfClose,
		header:       header,
		resident:     resident,
		upstream:     upstream,
		mem:          mem,
		encodingHint: encodingHint,
		log:          logBackend.GetLogger("feeder"),
	}
}

// Start spawns the feeder's background goroutine.
func (f *Feeder) Start() {
	f.Go(f.run)
}

// Stop half-closes the socket's write half and blocks until the feeder
// has exited (spec §4.3 "on any error ... half-close"): cutting the
// write half short unblocks any in-flight or future write with an
// error, after which worker.Worker.Halt waits for run to return. This
// is the abort path, used when the worker is about to be destroyed
// rather than reused: a half-closed write half cannot be handed back
// to the pool (spec §4.2 Release requires a writable socket).
func (f *Feeder) Stop() {
	if f.halfClose != nil {
		_ = f.halfClose()
	}
	f.Halt()
}

// Wait blocks until the feeder's background goroutine has exited,
// without half-closing the socket. Used to join a feeder on the clean
// completion path, where it has already written END_OF_STREAM and
// returned (or is about to) on its own: the worker's write half must
// stay open so the pool can release it for reuse (spec §4.2).
func (f *Feeder) Wait() {
	f.Halt()
}

// Err returns the feeder's recorded exception, or nil if it completed
// (or hasn't yet run to completion) without error.
func (f *Feeder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feeder) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *Feeder) run() {
	defer f.mem.ReleaseShuffleMemoryForCurrentThread()
	defer f.mem.ReleaseUnrollMemoryForCurrentThread()

	if err := f.writeAll(); err != nil {
		f.log.Debugf("feeder: %v", err)
		f.setErr(err)
		if f.halfClose != nil {
			if cerr := f.halfClose(); cerr != nil {
				f.log.Debugf("feeder: half-close after error: %v", cerr)
			}
		}
	}
}

func (f *Feeder) writeAll() error {
	if err := protocol.WriteHeader(f.w, f.header, f.resident); err != nil {
		return fmt.Errorf("feeder: write header: %w", err)
	}
	if err := f.writeRecords(); err != nil {
		return fmt.Errorf("feeder: write records: %w", err)
	}
	if err := wire.WriteSentinel(f.w, wire.EndOfDataSection); err != nil {
		return fmt.Errorf("feeder: write end-of-data-section: %w", err)
	}
	if err := wire.WriteSentinel(f.w, wire.EndOfStream); err != nil {
		return fmt.Errorf("feeder: write end-of-stream: %w", err)
	}
	if fl, ok := f.w.(interface{ Flush() error }); ok {
		return fl.Flush()
	}
	return nil
}

func (f *Feeder) writeRecords() error {
	enc := f.encodingHint
	first := true
	for f.upstream.HasNext() {
		el, err := f.upstream.Next()
		if err != nil {
			return err
		}
		if first && enc == task.EncodingAuto {
			if enc, err = classify(el); err != nil {
				return err
			}
		}
		first = false
		if err := writeElement(f.w, enc, el); err != nil {
			return err
		}
	}
	return nil
}

// classify selects the per-element encoding from the peeked first
// element's Go type (spec §4.3's table).
func classify(v interface{}) (task.Encoding, error) {
	switch v.(type) {
	case []byte:
		return task.EncodingBytes, nil
	case string:
		return task.EncodingUTF8, nil
	case [2][]byte:
		return task.EncodingBytesPair, nil
	case [2]string:
		return task.EncodingUTF8Pair, nil
	default:
		return 0, fmt.Errorf("feeder: unexpected element type %T", v)
	}
}

func writeElement(w io.Writer, enc task.Encoding, v interface{}) error {
	switch enc {
	case task.EncodingBytes:
		b, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("feeder: unexpected element type %T, stream started as []byte", v)
		}
		return wire.WriteFrame(w, b)
	case task.EncodingUTF8:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("feeder: unexpected element type %T, stream started as string", v)
		}
		return wire.WriteUTF(w, s)
	case task.EncodingBytesPair:
		p, ok := v.([2][]byte)
		if !ok {
			return fmt.Errorf("feeder: unexpected element type %T, stream started as [2][]byte", v)
		}
		if err := wire.WriteFrame(w, p[0]); err != nil {
			return err
		}
		return wire.WriteFrame(w, p[1])
	case task.EncodingUTF8Pair:
		p, ok := v.([2]string)
		if !ok {
			return fmt.Errorf("feeder: unexpected element type %T, stream started as [2]string", v)
		}
		if err := wire.WriteUTF(w, p[0]); err != nil {
			return err
		}
		return wire.WriteUTF(w, p[1])
	default:
		return fmt.Errorf("feeder: unexpected element type %T", v)
	}
}
