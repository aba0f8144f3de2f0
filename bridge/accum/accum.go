// Package accum implements the accumulator sink of spec §4.7: a
// worker-side in-memory append mode and a driver-side mode that
// forwards batches to a remote aggregator over TCP, one ack byte per
// batch.
package accum

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	logging "gopkg.in/op/go-logging.v1"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/taskbridge/bridge/bridgeerr"
	"github.com/katzenpost/taskbridge/core/log"
	"github.com/katzenpost/taskbridge/core/wire"
)

var spoolBucket = []byte("pending-batches")

// Sink is the accumulator contract of spec §4.7. Construct with New for
// worker-side mode (host unset) or NewDriverSide for driver-side mode.
type Sink struct {
	mu sync.Mutex

	host string
	port int

	conn net.Conn
	dial func(host string, port int) (net.Conn, error)

	local [][]byte

	spool *bolt.DB
	seq   uint64

	log *logging.Logger
}

// New constructs a worker-side sink: Merge appends batches to an
// in-memory list and never touches the network (spec §4.7 "aggregator_host
// unset").
func New(logBackend *log.Backend) *Sink {
	return &Sink{log: logBackend.GetLogger("accum")}
}

// NewDriverSide constructs a driver-side sink that lazily dials
// (host, port) on first Merge call (spec §4.7 "aggregator_host set").
// spoolPath, if non-empty, backs pending batches with a local bbolt
// bucket so a connection outage doesn't silently drop already-produced
// batches (SPEC_FULL.md supplement); a failure to open the spool or
// create its bucket is returned as an error and no Sink is constructed.
func NewDriverSide(logBackend *log.Backend, host string, port int, spoolPath string) (*Sink, error) {
	s := &Sink{
		host: host,
		port: port,
		log:  logBackend.GetLogger("accum"),
	}
	s.dial = func(host string, port int) (net.Conn, error) {
		return net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
	}
	if spoolPath != "" {
		db, err := bolt.Open(spoolPath, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("accum: open spool %q: %w", spoolPath, err)
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(spoolBucket)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("accum: init spool bucket: %w", err)
		}
		s.spool = db
	}
	return s, nil
}

// HasAggregator reports whether this sink is in driver-side mode.
func (s *Sink) HasAggregator() bool { return s.host != "" }

// Merge implements spec §4.7: worker-side mode appends batch to local
// and returns it; driver-side mode forwards batch to the aggregator and
// consumes exactly one ack byte.
func (s *Sink) Merge(batch [][]byte) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.HasAggregator() {
		s.local = append(s.local, batch...)
		return s.local, nil
	}

	if s.spool != nil {
		if err := s.drainSpoolLocked(); err != nil {
			s.log.Warningf("merge: spool drain failed, queuing new batch too: %v", err)
			return nil, s.spoolLocked(batch)
		}
	}

	if err := s.sendLocked(batch); err != nil {
		if s.spool != nil {
			s.log.Warningf("merge: aggregator send failed, spooling batch: %v", err)
			return nil, s.spoolLocked(batch)
		}
		return nil, err
	}
	return nil, nil
}

// sendLocked writes one batch to the aggregator connection (dialing it
// if necessary) and consumes the single ack byte, per spec §4.7.
// Caller holds s.mu.
func (s *Sink) sendLocked(batch [][]byte) error {
	if s.conn == nil {
		conn, err := s.dial(s.host, s.port)
		if err != nil {
			return fmt.Errorf("%w: dial aggregator: %v", bridgeerr.ErrAggregatorProtocol, err)
		}
		s.conn = conn
	}

	if err := writeBatch(s.conn, batch); err != nil {
		s.closeConnLocked()
		return fmt.Errorf("%w: write batch: %v", bridgeerr.ErrAggregatorProtocol, err)
	}

	var ack [1]byte
	if _, err := io.ReadFull(s.conn, ack[:]); err != nil {
		s.closeConnLocked()
		return fmt.Errorf("%w: ack read: %v", bridgeerr.ErrAggregatorProtocol, err)
	}
	return nil
}

func writeBatch(w io.Writer, batch [][]byte) error {
	if err := wire.WriteInt32(w, int32(len(batch))); err != nil {
		return err
	}
	for _, b := range batch {
		if err := wire.WriteFrame(w, b); err != nil {
			return err
		}
	}
	if bw, ok := w.(interface{ Flush() error }); ok {
		return bw.Flush()
	}
	return nil
}

func (s *Sink) closeConnLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// spoolLocked persists batch to the local bbolt bucket under the next
// monotonic sequence key, so it can be drained and forwarded in order
// once the aggregator connection recovers.
func (s *Sink) spoolLocked(batch [][]byte) error {
	if s.spool == nil {
		return bridgeerr.ErrAggregatorProtocol
	}
	return s.spool.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(spoolBucket)
		s.seq++
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, s.seq)
		encoded, err := encodeBatch(batch)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
}

// drainSpoolLocked forwards every spooled batch, in key order, before
// any new batch is accepted (supplement: "resume flushing instead of
// silently dropping already-produced batches").
func (s *Sink) drainSpoolLocked() error {
	var keys [][]byte
	var batches [][][]byte
	err := s.spool.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(spoolBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			batch, err := decodeBatch(v)
			if err != nil {
				return err
			}
			keys = append(keys, append([]byte(nil), k...))
			batches = append(batches, batch)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, batch := range batches {
		if err := s.sendLocked(batch); err != nil {
			return err
		}
		if err := s.spool.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(spoolBucket).Delete(keys[i])
		}); err != nil {
			return err
		}
	}
	return nil
}

func encodeBatch(batch [][]byte) ([]byte, error) {
	var out []byte
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(batch)))
	out = append(out, lenBuf[:]...)
	for _, b := range batch {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		out = append(out, lenBuf[:]...)
		out = append(out, b...)
	}
	return out, nil
}

func decodeBatch(raw []byte) ([][]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("accum: corrupt spool entry")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	batch := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("accum: corrupt spool entry")
		}
		l := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint32(len(raw)) < l {
			return nil, fmt.Errorf("accum: corrupt spool entry")
		}
		batch = append(batch, raw[:l])
		raw = raw[l:]
	}
	return batch, nil
}

// Close releases the aggregator connection and spool handle, if any.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeConnLocked()
	if s.spool != nil {
		return s.spool.Close()
	}
	return nil
}
