package walog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concordkv/concordkv/internal/kverrors"
)

func writeRawSegment(t *testing.T, path string, frames func(f *os.File)) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, writeFileHeader(f, 0))
	frames(f)
}

func TestReplaySegmentStopsCleanlyAtTailTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment-00000000000000000001.log")

	writeRawSegment(t, path, func(f *os.File) {
		require.NoError(t, writeFramedRecord(f, (&Record{Seq: 1, Kind: KindPut, Key: []byte("a"), Value: []byte("1")}).encodePayload(), false))
		require.NoError(t, writeFramedRecord(f, (&Record{Seq: 2, Kind: KindPut, Key: []byte("b"), Value: []byte("2")}).encodePayload(), false))
		// Partial frame header only, simulating a crash mid-append.
		_, err := f.Write([]byte{1, 2, 3})
		require.NoError(t, err)
	})

	var seen []uint64
	err := replaySegment(path, false, func(r *Record) error {
		seen = append(seen, r.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, seen)
}

func TestReplaySegmentFailsOnMidLogCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment-00000000000000000001.log")

	writeRawSegment(t, path, func(f *os.File) {
		require.NoError(t, writeFramedRecord(f, (&Record{Seq: 1, Kind: KindPut, Key: []byte("a"), Value: []byte("1")}).encodePayload(), false))

		// A frame whose header claims a payload but whose bytes are
		// garbage, so the CRC check fails.
		corrupt := (&Record{Seq: 2, Kind: KindPut, Key: []byte("b"), Value: []byte("2")}).encodePayload()
		require.NoError(t, writeFramedRecord(f, corrupt, false))
		info, err := f.Stat()
		require.NoError(t, err)
		// Flip a byte inside the payload region of the record just written.
		_, err = f.WriteAt([]byte{0xFF}, info.Size()-1)
		require.NoError(t, err)

		// A fully valid frame after the corrupted one.
		require.NoError(t, writeFramedRecord(f, (&Record{Seq: 3, Kind: KindPut, Key: []byte("c"), Value: []byte("3")}).encodePayload(), false))
	})

	var seen []uint64
	err := replaySegment(path, false, func(r *Record) error {
		seen = append(seen, r.Seq)
		return nil
	})
	require.Error(t, err)
	require.True(t, kverrors.IsCorrupted(err))
	require.Equal(t, []uint64{1}, seen)
}
