// Package task defines the collaborator interfaces the bridge consumes
// from the enclosing host task-execution framework (spec §6): the task
// context, local storage paths, and the block/shuffle memory managers.
// These are named here, not implemented here — the host runtime supplies
// concrete implementations; this package exists so every bridge
// component can depend on the contract without depending on each other.
package task

import "sync/atomic"

// Context exposes the subset of the host framework's TaskContext that
// the bridge needs: cancellation/completion flags and a completion-hook
// registration (spec §5, §6).
type Context interface {
	// IsCancelled reports whether the task has been cancelled.
	IsCancelled() bool
	// IsCompleted reports whether the task has finished (successfully or
	// not) from the host runtime's point of view.
	IsCompleted() bool
	// AddCompletionHook registers fn to run once, when the task
	// completes (spec §4.6 step 4 / §5 "Resource release").
	AddCompletionHook(fn func())
	// Metrics returns the host's spill counters for this task. The
	// bridge does not call it: the reader adds TIMING_DATA values to the
	// SpillMetrics it was constructed with (bridge.ComputeRequest.Metrics).
	Metrics() *Metrics
}

// Metrics holds the two counters a worker reports via TIMING_DATA
// frames (spec §3, §8 scenario S3).
type Metrics struct {
	memoryBytesSpilled int64
	diskBytesSpilled   int64
}

// AddMemoryBytesSpilled atomically increments the memory-spilled counter.
func (m *Metrics) AddMemoryBytesSpilled(n int64) {
	atomic.AddInt64(&m.memoryBytesSpilled, n)
}

// AddDiskBytesSpilled atomically increments the disk-spilled counter.
func (m *Metrics) AddDiskBytesSpilled(n int64) {
	atomic.AddInt64(&m.diskBytesSpilled, n)
}

// MemoryBytesSpilled returns the current counter value.
func (m *Metrics) MemoryBytesSpilled() int64 {
	return atomic.LoadInt64(&m.memoryBytesSpilled)
}

// DiskBytesSpilled returns the current counter value.
func (m *Metrics) DiskBytesSpilled() int64 {
	return atomic.LoadInt64(&m.diskBytesSpilled)
}

// LocalStorage exposes the host's local working-directory paths (spec
// §6), used to populate the worker's LOCAL_DIRS environment entry.
type LocalStorage interface {
	Dirs() []string
}

// MemoryManagers exposes the block/shuffle memory release hooks the
// feeder calls on every exit path (spec §5, §6). The bridge does not
// otherwise touch these subsystems.
type MemoryManagers interface {
	ReleaseShuffleMemoryForCurrentThread()
	ReleaseUnrollMemoryForCurrentThread()
}

// Broadcast is an immutable, globally-identified blob shipped once per
// worker and cached there across reuses (spec §3 GLOSSARY).
type Broadcast struct {
	ID      int64
	Payload []byte
}

// Partition identifies the slice of upstream input this task processes
// (spec §4.6 step 1's "compute(partition, context)").
type Partition struct {
	Index int32
}

// RecordIterator is the lazy, non-restartable, finite output sequence
// the driver hands back to its caller (spec §4.4): one-element
// lookahead, byte-string elements only (the bridge is payload-opaque).
type RecordIterator interface {
	HasNext() bool
	Next() ([]byte, error)
}

// Encoding names one of the four upstream record encodings the feeder
// supports (spec §4.3's table). Zero value EncodingAuto means "peek the
// first element", the spec's default; a caller that already knows its
// upstream type may set one explicitly (spec §9's suggested
// alternative to peeking).
type Encoding int

const (
	EncodingAuto Encoding = iota
	EncodingBytes
	EncodingUTF8
	EncodingBytesPair
	EncodingUTF8Pair
)

// UpstreamIterator is the generic input record source the feeder
// consumes. Next returns one of: []byte, string, [2][]byte, [2]string
// — for anything else the feeder fails with an "unexpected element
// type" error (spec §4.3).
type UpstreamIterator interface {
	HasNext() bool
	Next() (interface{}, error)
}
