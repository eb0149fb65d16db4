package sstable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildSample(t *testing.T, opts Options) (*Reader, Meta) {
	t.Helper()
	entries := []*Entry{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: KindPut},
		{Key: []byte("b"), Value: []byte("2"), Seq: 2, Kind: KindPut},
		{Key: []byte("c"), Value: nil, Seq: 3, Kind: KindDelete},
		{Key: []byte("d"), Value: []byte("4"), Seq: 1, Kind: KindPut},
	}
	path := filepath.Join(t.TempDir(), "000001.sst")
	meta, err := Build(path, entries, opts)
	require.NoError(t, err)

	r, err := Open(path, opts.Compress)
	require.NoError(t, err)
	return r, meta
}

func TestBuildAndGetRoundTrip(t *testing.T) {
	r, meta := buildSample(t, Options{BlockSizeBytes: 16})
	require.Equal(t, 4, meta.EntryCount)
	require.Equal(t, []byte("a"), meta.MinKey)
	require.Equal(t, []byte("d"), meta.MaxKey)

	e, ok, err := r.Get([]byte("b"), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(e.Value))

	e, ok, err = r.Get([]byte("c"), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.IsTombstone())

	_, ok, err = r.Get([]byte("missing"), 10)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBuildAndGetRoundTripCompressed(t *testing.T) {
	r, _ := buildSample(t, Options{BlockSizeBytes: 16, Compress: true})
	e, ok, err := r.Get([]byte("d"), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4", string(e.Value))
}

func TestIterateYieldsInRangeOrder(t *testing.T) {
	r, _ := buildSample(t, Options{BlockSizeBytes: 16})

	var keys []string
	err := r.Iterate([]byte("b"), []byte("d"), func(e *Entry) bool {
		keys = append(keys, string(e.Key))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestBloomFilterRejectsAbsentKeys(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 100; i++ {
		bf.Add([]byte{byte(i)})
	}
	require.True(t, bf.MayContain([]byte{byte(5)}))
	require.False(t, bf.MayContain([]byte("definitely-absent-key")))
}

func TestBloomFilterMarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	bf.Add([]byte("hello"))
	data := bf.MarshalBinary()

	restored := UnmarshalBinaryInto(bf.Size(), bf.HashCount(), data)
	require.True(t, restored.MayContain([]byte("hello")))
}
