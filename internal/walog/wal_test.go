package walog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Options{Dir: dir, SegmentSizeBytes: 1 << 20})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := log.Append(KindPut, []byte("k"+itoa(i)), []byte("v"+itoa(i)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	log2, err := Open(Options{Dir: dir, SegmentSizeBytes: 1 << 20})
	require.NoError(t, err)
	defer log2.Close()

	seen := 0
	err = log2.Recover(func(r *Record) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 100, seen)
}

func TestRotationCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Options{Dir: dir, SegmentSizeBytes: 200})
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 50; i++ {
		_, err := log.Append(KindPut, []byte("key-longer-than-it-looks"), []byte("value-also-long"))
		require.NoError(t, err)
	}

	require.Greater(t, log.ChainLength(), 1)
}

func TestCompactKeepsOnlyLatestPerKey(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Options{Dir: dir, SegmentSizeBytes: 1 << 20})
	require.NoError(t, err)
	defer log.Close()

	_, err = log.Append(KindPut, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = log.Append(KindPut, []byte("a"), []byte("2"))
	require.NoError(t, err)
	_, err = log.Append(KindPut, []byte("b"), []byte("x"))
	require.NoError(t, err)
	_, err = log.Append(KindDelete, []byte("b"), nil)
	require.NoError(t, err)

	stats, err := log.Compact()
	require.NoError(t, err)
	require.Equal(t, 2, stats.RecordsAfter)

	values := map[string]*Record{}
	err = log.Recover(func(r *Record) error {
		values[string(r.Key)] = r
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "2", string(values["a"].Value))
	require.Equal(t, KindDelete, values["b"].Kind)
}

func TestForceSyncAsyncMode(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(Options{
		Dir:                 dir,
		SegmentSizeBytes:    1 << 20,
		SyncMode:            "async",
		IncrementalInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer log.Close()

	_, err = log.Append(KindPut, []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, log.ForceSync())
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return string(b)
}
