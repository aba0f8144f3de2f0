// Package fileio implements the two local-disk side utilities of spec
// §6 "Persisted state on local disk": writing and reading the same
// length-prefixed frame codec the wire protocol uses, EOF-terminated,
// with no headers or checksums. A broadcast file contains exactly one
// data frame.
package fileio

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/katzenpost/taskbridge/core/task"
	"github.com/katzenpost/taskbridge/core/wire"
)

// WriteToFile drains iter, writing each element as one data frame to
// path. The file has no header or trailer: EOF on read is the only
// terminator.
func WriteToFile(iter task.RecordIterator, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, wire.DefaultBufferSize)
	for iter.HasNext() {
		b, err := iter.Next()
		if err != nil {
			return err
		}
		if err := wire.WriteFrame(w, b); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// fileIterator reads successive data frames from path until EOF.
type fileIterator struct {
	f  *os.File
	r  *bufio.Reader
	buf []byte
	err error
	eof bool
}

// ReadRecordsFromFile opens path and returns a RecordIterator over its
// frames (spec §6: "read_records_from_file(path) -> parallelized
// upstream"; this package returns the plain iterator the caller
// distributes however its own framework requires).
func ReadRecordsFromFile(path string) (task.RecordIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileIterator{f: f, r: bufio.NewReaderSize(f, wire.DefaultBufferSize)}, nil
}

func (it *fileIterator) HasNext() bool {
	if it.eof || it.err != nil {
		return false
	}
	if it.buf != nil {
		return true
	}
	it.advance()
	return it.buf != nil || it.err != nil
}

func (it *fileIterator) advance() {
	n, err := wire.ReadInt32(it.r)
	if err != nil {
		if errors.Is(err, wire.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			it.eof = true
			_ = it.f.Close()
			return
		}
		it.err = err
		return
	}
	b, err := wire.ReadFrame(it.r, n)
	if err != nil {
		it.err = err
		return
	}
	it.buf = b
}

func (it *fileIterator) Next() ([]byte, error) {
	if it.buf == nil && it.err == nil && !it.eof {
		it.advance()
	}
	if it.err != nil {
		return nil, it.err
	}
	if it.eof {
		return nil, io.EOF
	}
	b := it.buf
	it.buf = nil
	return b, nil
}
