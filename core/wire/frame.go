// Package wire implements the bidirectional length-prefixed binary
// framing protocol (spec §3/§4.1) multiplexed with in-band control
// sentinels over a single byte stream. There is no magic header and no
// version negotiation: the protocol is implicit, exactly as specified.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sentinel is a negative frame length that signals a typed control
// frame rather than a data frame.
type Sentinel int32

const (
	// EndOfDataSection indicates the worker has finished emitting data
	// records; only the accumulator section and EndOfStream may follow.
	EndOfDataSection Sentinel = -1
	// PythonException is followed by one data frame carrying a UTF-8
	// error message.
	PythonException Sentinel = -2
	// TimingData is followed by five signed int64 values: boot-complete,
	// init-complete, finish, memory-bytes-spilled, disk-bytes-spilled.
	TimingData Sentinel = -3
	// EndOfStream is the terminal frame of a worker session.
	EndOfStream Sentinel = -4
)

func (s Sentinel) String() string {
	switch s {
	case EndOfDataSection:
		return "END_OF_DATA_SECTION"
	case PythonException:
		return "PYTHON_EXCEPTION_THROWN"
	case TimingData:
		return "TIMING_DATA"
	case EndOfStream:
		return "END_OF_STREAM"
	default:
		return fmt.Sprintf("Sentinel(%d)", int32(s))
	}
}

// DefaultBufferSize is the default value of the recognized
// "io.buffer.size" option (spec §4.1).
const DefaultBufferSize = 65536

// ErrUnexpectedEOF is returned by ReadFrame when the stream ends before
// the declared number of bytes has been read.
var ErrUnexpectedEOF = errors.New("wire: unexpected end of stream")

// ErrUnknownSentinel names a negative length not recognized as one of
// the four sentinel codes. No caller in this module returns it: the
// reader reports that case as bridgeerr.ErrProtocol.
var ErrUnknownSentinel = errors.New("wire: unknown negative frame length")

// Conn pairs buffered read/write halves of a worker socket. Per spec §5,
// the read half is owned exclusively by the reader and the write half
// exclusively by the feeder; Conn itself enforces no such exclusion, it
// only supplies the buffering spec §4.1 mandates.
type Conn struct {
	R *bufio.Reader
	W *bufio.Writer

	rw io.ReadWriter
}

// NewConn wraps rw with buffered halves sized bufSize (DefaultBufferSize
// if bufSize <= 0).
func NewConn(rw io.ReadWriter, bufSize int) *Conn {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Conn{
		R:  bufio.NewReaderSize(rw, bufSize),
		W:  bufio.NewWriterSize(rw, bufSize),
		rw: rw,
	}
}

// WriteInt32 writes a signed big-endian 32-bit integer.
func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

// WriteInt64 writes a signed big-endian 64-bit integer.
func WriteInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

// WriteFrame writes a data frame: a non-negative length followed by
// exactly that many bytes. b may be empty (a zero-length data frame is
// valid and distinct from any sentinel).
func WriteFrame(w io.Writer, b []byte) error {
	if err := WriteInt32(w, int32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// WriteUTF writes a UTF-8 string as a length-prefixed data frame.
func WriteUTF(w io.Writer, s string) error {
	return WriteFrame(w, []byte(s))
}

// WriteSentinel writes a negative sentinel length with no payload of
// its own; callers write the sentinel's associated payload (if any)
// separately, per spec §3.
func WriteSentinel(w io.Writer, s Sentinel) error {
	return WriteInt32(w, int32(s))
}

// ReadInt32 reads a signed big-endian 32-bit integer.
func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, mapReadErr(err)
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// ReadInt64 reads a signed big-endian 64-bit integer.
func ReadInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, mapReadErr(err)
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// ReadFrame reads exactly n bytes, failing with ErrUnexpectedEOF if the
// stream ends early. n must be >= 0; callers are responsible for
// recognizing sentinel lengths before calling ReadFrame.
func ReadFrame(r io.Reader, n int32) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("wire: ReadFrame called with negative length %d", n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, mapReadErr(err)
	}
	return buf, nil
}

// ReadUTF reads a length-prefixed UTF-8 frame whose length has already
// been read as n (n must be >= 0).
func ReadUTF(r io.Reader, n int32) (string, error) {
	b, err := ReadFrame(r, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func mapReadErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ErrUnexpectedEOF
	}
	return err
}

// IsSentinel reports whether n, read as a frame length, represents one
// of the four recognized sentinel codes.
func IsSentinel(n int32) (Sentinel, bool) {
	switch Sentinel(n) {
	case EndOfDataSection, PythonException, TimingData, EndOfStream:
		return Sentinel(n), true
	}
	return 0, false
}
