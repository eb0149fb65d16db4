package level

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileNameMatchesDirectoryLayoutConvention(t *testing.T) {
	name := FileName(2, 0x1234567890)
	require.Regexp(t, `^level-2-\d{20}-\d+-\d+\.sst$`, name)

	ts := uint64(0x1234567890) >> 24
	tid := uint64(0x1234567890) & 0xFFFFFF
	require.Equal(t, fmt.Sprintf("level-2-%020d-%06d-%d.sst", uint64(0x1234567890), tid, ts), name)
}

func TestAddRemoveFiles(t *testing.T) {
	m := New()
	m.Add(FileMeta{FileID: 1, Level: 0, MinKey: []byte("a"), MaxKey: []byte("m"), ByteSize: 100})
	m.Add(FileMeta{FileID: 2, Level: 0, MinKey: []byte("n"), MaxKey: []byte("z"), ByteSize: 200})

	require.Len(t, m.Files(0), 2)
	require.Equal(t, int64(300), m.TotalSize(0))

	require.NoError(t, m.Remove(0, 1))
	require.Len(t, m.Files(0), 1)

	err := m.Remove(0, 1)
	require.Error(t, err)
}

func TestOverlapFindsIntersectingFiles(t *testing.T) {
	m := New()
	m.Add(FileMeta{FileID: 1, Level: 1, MinKey: []byte("a"), MaxKey: []byte("f")})
	m.Add(FileMeta{FileID: 2, Level: 1, MinKey: []byte("g"), MaxKey: []byte("m")})

	hits := m.Overlap(1, []byte("e"), []byte("h"))
	require.Len(t, hits, 2)

	hits = m.Overlap(1, []byte("z"), []byte("zz"))
	require.Empty(t, hits)
}

func TestNextFileIDIsUnique(t *testing.T) {
	m := New()
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		id := m.NextFileID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	m := New()
	m.Add(FileMeta{FileID: 1, Level: 0, Path: "L0-1.sst", MinKey: []byte("a"), MaxKey: []byte("z"), EntryCount: 10, ByteSize: 4096})

	path := filepath.Join(t.TempDir(), "MANIFEST.yaml")
	require.NoError(t, m.Persist(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	files := loaded.Files(0)
	require.Len(t, files, 1)
	require.Equal(t, uint64(1), files[0].FileID)
	require.Equal(t, "L0-1.sst", files[0].Path)
}

func TestLoadMissingManifestReturnsEmptyManager(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	require.Equal(t, 0, m.MaxLevel())
}
