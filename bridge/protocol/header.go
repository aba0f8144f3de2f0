// Package protocol implements the task-header and broadcast-delta wire
// structures of spec §3/§4.3, layered on top of core/wire's raw frame
// primitives.
package protocol

import (
	"io"

	"github.com/katzenpost/taskbridge/core/task"
	"github.com/katzenpost/taskbridge/core/wire"
)

// DeltaEntry is one entry of a broadcast delta (spec §3 "Broadcast
// registration"): either a deregistration of ID, or a registration of
// ID carrying Payload.
type DeltaEntry struct {
	ID         int64
	Payload    []byte // nil for a deregistration
	Deregister bool
}

// ComputeDelta computes the symmetric difference between old (the
// worker's currently resident broadcast ids) and want (the task's
// required broadcasts), per spec §4.3: for each id in old\want, emit a
// deregistration and remove it from old; for each broadcast in
// want\old, emit a registration and add its id to old. old is mutated
// in place to become the new resident set, matching spec §3's
// invariant that "the broadcast resident set on a pooled worker is
// always consistent with what the feeder last sent."
//
// The order within each group is unspecified (spec §4.3); this
// implementation deregisters first (iterating old's map order) then
// registers (iterating want's slice order).
func ComputeDelta(old map[int64]struct{}, want []task.Broadcast) []DeltaEntry {
	wantIDs := make(map[int64]struct{}, len(want))
	for _, b := range want {
		wantIDs[b.ID] = struct{}{}
	}

	var entries []DeltaEntry
	for id := range old {
		if _, ok := wantIDs[id]; !ok {
			entries = append(entries, DeltaEntry{ID: id, Deregister: true})
			delete(old, id)
		}
	}
	for _, b := range want {
		if _, ok := old[b.ID]; !ok {
			entries = append(entries, DeltaEntry{ID: b.ID, Payload: b.Payload})
			old[b.ID] = struct{}{}
		}
	}
	return entries
}

// WriteDeltaEntry serializes one delta entry: a deregistration is the
// negative int64 -id-1; a registration is int64 id + int32 length +
// bytes (spec §3).
func WriteDeltaEntry(w io.Writer, e DeltaEntry) error {
	if e.Deregister {
		return wire.WriteInt64(w, -e.ID-1)
	}
	if err := wire.WriteInt64(w, e.ID); err != nil {
		return err
	}
	return wire.WriteFrame(w, e.Payload)
}

// ReadDeltaEntry parses one delta entry from r. A negative id value v
// decodes to a deregistration of id = -v-1; a non-negative value is a
// registration id, followed by a length-prefixed payload frame.
func ReadDeltaEntry(r io.Reader) (DeltaEntry, error) {
	v, err := wire.ReadInt64(r)
	if err != nil {
		return DeltaEntry{}, err
	}
	if v < 0 {
		return DeltaEntry{ID: -v - 1, Deregister: true}, nil
	}
	n, err := wire.ReadInt32(r)
	if err != nil {
		return DeltaEntry{}, err
	}
	payload, err := wire.ReadFrame(r, n)
	if err != nil {
		return DeltaEntry{}, err
	}
	return DeltaEntry{ID: v, Payload: payload}, nil
}

// ApplyDelta applies a parsed delta to old, returning the resulting
// set. Used by tests to verify spec §8 property 2 (round-tripping a
// delta reproduces the target set exactly).
func ApplyDelta(old map[int64]struct{}, entries []DeltaEntry) map[int64]struct{} {
	result := make(map[int64]struct{}, len(old))
	for id := range old {
		result[id] = struct{}{}
	}
	for _, e := range entries {
		if e.Deregister {
			delete(result, e.ID)
		} else {
			result[e.ID] = struct{}{}
		}
	}
	return result
}

// Header is the task header written once per task at the start of a
// worker session (spec §3 "Task header").
type Header struct {
	PartitionIndex int32
	WorkDir        string
	Includes       []string
	Broadcasts     []task.Broadcast
	Command        []byte
}

// WriteHeader writes h to w, computing the broadcast delta against old
// (which is mutated to reflect the new resident set) in the order spec
// §3 mandates: partition index, working directory, include paths,
// broadcast delta, command blob.
func WriteHeader(w io.Writer, h Header, old map[int64]struct{}) error {
	if err := wire.WriteInt32(w, h.PartitionIndex); err != nil {
		return err
	}
	if err := wire.WriteUTF(w, h.WorkDir); err != nil {
		return err
	}
	if err := wire.WriteInt32(w, int32(len(h.Includes))); err != nil {
		return err
	}
	for _, inc := range h.Includes {
		if err := wire.WriteUTF(w, inc); err != nil {
			return err
		}
	}

	entries := ComputeDelta(old, h.Broadcasts)
	if err := wire.WriteInt32(w, int32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := WriteDeltaEntry(w, e); err != nil {
			return err
		}
	}

	return wire.WriteFrame(w, h.Command)
}

// ReadHeader parses a task header from r, applying the broadcast delta
// to old as it's read (used by worker-side harnesses/tests, not by the
// production driver which only ever writes headers).
func ReadHeader(r io.Reader, old map[int64]struct{}) (Header, error) {
	var h Header
	var err error
	if h.PartitionIndex, err = wire.ReadInt32(r); err != nil {
		return h, err
	}
	wdLen, err := wire.ReadInt32(r)
	if err != nil {
		return h, err
	}
	if h.WorkDir, err = wire.ReadUTF(r, wdLen); err != nil {
		return h, err
	}
	nIncludes, err := wire.ReadInt32(r)
	if err != nil {
		return h, err
	}
	for i := int32(0); i < nIncludes; i++ {
		n, err := wire.ReadInt32(r)
		if err != nil {
			return h, err
		}
		s, err := wire.ReadUTF(r, n)
		if err != nil {
			return h, err
		}
		h.Includes = append(h.Includes, s)
	}

	nDeltas, err := wire.ReadInt32(r)
	if err != nil {
		return h, err
	}
	var entries []DeltaEntry
	for i := int32(0); i < nDeltas; i++ {
		e, err := ReadDeltaEntry(r)
		if err != nil {
			return h, err
		}
		entries = append(entries, e)
	}
	newSet := ApplyDelta(old, entries)
	for k := range old {
		delete(old, k)
	}
	for k := range newSet {
		old[k] = struct{}{}
	}
	for _, e := range entries {
		if !e.Deregister {
			h.Broadcasts = append(h.Broadcasts, task.Broadcast{ID: e.ID, Payload: e.Payload})
		}
	}

	cmdLen, err := wire.ReadInt32(r)
	if err != nil {
		return h, err
	}
	if h.Command, err = wire.ReadFrame(r, cmdLen); err != nil {
		return h, err
	}
	return h, nil
}
