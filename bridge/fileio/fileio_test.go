package fileio

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sliceIterator struct {
	items [][]byte
	i     int
}

func (s *sliceIterator) HasNext() bool { return s.i < len(s.items) }
func (s *sliceIterator) Next() ([]byte, error) {
	v := s.items[s.i]
	s.i++
	return v, nil
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.bin")
	items := [][]byte{[]byte("one"), []byte(""), []byte("three")}

	require.NoError(t, WriteToFile(&sliceIterator{items: items}, path))

	it, err := ReadRecordsFromFile(path)
	require.NoError(t, err)

	var got [][]byte
	for it.HasNext() {
		v, err := it.Next()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, items, got)
}

func TestBroadcastFileContainsExactlyOneFrame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast.bin")
	payload := []byte("broadcast-payload")
	require.NoError(t, WriteToFile(&sliceIterator{items: [][]byte{payload}}, path))

	it, err := ReadRecordsFromFile(path)
	require.NoError(t, err)

	require.True(t, it.HasNext())
	v, err := it.Next()
	require.NoError(t, err)
	require.Equal(t, payload, v)
	require.False(t, it.HasNext())
}

func TestNextAfterExhaustionReturnsEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, WriteToFile(&sliceIterator{}, path))

	it, err := ReadRecordsFromFile(path)
	require.NoError(t, err)
	require.False(t, it.HasNext())
	_, err = it.Next()
	require.ErrorIs(t, err, io.EOF)
}
