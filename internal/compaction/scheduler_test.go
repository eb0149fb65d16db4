package compaction

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concordkv/concordkv/internal/level"
	"github.com/concordkv/concordkv/internal/memtable"
	"github.com/concordkv/concordkv/internal/sstable"
)

func newTestScheduler(t *testing.T) (*Scheduler, *memtable.Manager, *level.Manager) {
	t.Helper()
	mtMgr := memtable.NewManager(1<<20, 8)
	lvlMgr := level.New()
	sched := NewScheduler(Options{
		WorkerCount:    2,
		DataDir:        t.TempDir(),
		TaskTimeout:    5 * time.Second,
		SSTableOptions: sstable.Options{BlockSizeBytes: 4096},
	}, mtMgr, lvlMgr)
	sched.Start()
	t.Cleanup(sched.Stop)
	return sched, mtMgr, lvlMgr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduleFlushProducesLevel0File(t *testing.T) {
	sched, mtMgr, lvlMgr := newTestScheduler(t)

	_, err := mtMgr.Insert([]byte("a"), []byte("1"), memtable.KindPut, 1)
	require.NoError(t, err)
	h, err := mtMgr.ForceRotate()
	require.NoError(t, err)
	require.NotNil(t, h)

	sched.ScheduleFlush(h)

	waitFor(t, func() bool { return len(lvlMgr.Files(0)) == 1 })
	require.Equal(t, 0, mtMgr.ImmutableCount())
}

func TestScheduleFlushDedupsSameTarget(t *testing.T) {
	sched, mtMgr, _ := newTestScheduler(t)

	_, err := mtMgr.Insert([]byte("a"), []byte("1"), memtable.KindPut, 1)
	require.NoError(t, err)
	h, err := mtMgr.ForceRotate()
	require.NoError(t, err)

	sched.ScheduleFlush(h)
	sched.ScheduleFlush(h) // dropped: same target already pending/running

	waitFor(t, func() bool { return mtMgr.ImmutableCount() == 0 })
}

func TestLevelCompactionMergesAndDropsTombstones(t *testing.T) {
	sched, _, lvlMgr := newTestScheduler(t)
	dir := t.TempDir()

	path1 := filepath.Join(dir, "f1.sst")
	meta1, err := sstable.Build(path1, []*sstable.Entry{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: sstable.KindPut},
	}, sstable.Options{})
	require.NoError(t, err)

	path2 := filepath.Join(dir, "f2.sst")
	meta2, err := sstable.Build(path2, []*sstable.Entry{
		{Key: []byte("a"), Value: []byte("2"), Seq: 2, Kind: sstable.KindPut},
		{Key: []byte("b"), Seq: 3, Kind: sstable.KindDelete},
	}, sstable.Options{})
	require.NoError(t, err)

	files := []level.FileMeta{
		{FileID: 1, Level: 0, Path: path1, MinKey: meta1.MinKey, MaxKey: meta1.MaxKey, ByteSize: meta1.ByteSize},
		{FileID: 2, Level: 0, Path: path2, MinKey: meta2.MinKey, MaxKey: meta2.MaxKey, ByteSize: meta2.ByteSize},
	}
	lvlMgr.Add(files[0])
	lvlMgr.Add(files[1])

	sched.ScheduleLevelCompaction(0, 1, files, true)

	waitFor(t, func() bool { return len(lvlMgr.Files(1)) == 1 })
	require.Empty(t, lvlMgr.Files(0))

	out := lvlMgr.Files(1)[0]
	r, err := sstable.Open(out.Path, false)
	require.NoError(t, err)
	e, ok, err := r.Get([]byte("a"), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(e.Value))
	_, ok, err = r.Get([]byte("b"), 10)
	require.NoError(t, err)
	require.False(t, ok) // tombstone dropped by merge
}

func TestLevelCompactionAbsorbsOverlappingOutputLevelFiles(t *testing.T) {
	sched, _, lvlMgr := newTestScheduler(t)
	dir := t.TempDir()

	existingPath := filepath.Join(dir, "existing.sst")
	existingMeta, err := sstable.Build(existingPath, []*sstable.Entry{
		{Key: []byte("a"), Value: []byte("old"), Seq: 1, Kind: sstable.KindPut},
	}, sstable.Options{})
	require.NoError(t, err)
	existing := level.FileMeta{FileID: 1, Level: 1, Path: existingPath, MinKey: existingMeta.MinKey, MaxKey: existingMeta.MaxKey, ByteSize: existingMeta.ByteSize}
	lvlMgr.Add(existing)

	incomingPath := filepath.Join(dir, "incoming.sst")
	incomingMeta, err := sstable.Build(incomingPath, []*sstable.Entry{
		{Key: []byte("a"), Value: []byte("new"), Seq: 5, Kind: sstable.KindPut},
	}, sstable.Options{})
	require.NoError(t, err)
	incoming := level.FileMeta{FileID: 2, Level: 0, Path: incomingPath, MinKey: incomingMeta.MinKey, MaxKey: incomingMeta.MaxKey, ByteSize: incomingMeta.ByteSize}
	lvlMgr.Add(incoming)

	sched.ScheduleLevelCompaction(0, 1, []level.FileMeta{incoming}, true)

	waitFor(t, func() bool { return len(lvlMgr.Files(1)) == 1 })

	// The pre-existing L1 file must have been pulled into the merge and
	// retired, not left behind to overlap the new output file.
	out := lvlMgr.Files(1)[0]
	require.NotEqual(t, existing.FileID, out.FileID)

	r, err := sstable.Open(out.Path, false)
	require.NoError(t, err)
	e, ok, err := r.Get([]byte("a"), 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(e.Value))
}

func TestLevelSizeTriggerCascadesToNextLevel(t *testing.T) {
	dir := t.TempDir()

	// Build the file first so the threshold can be sized relative to
	// its actual byte size: big enough to trip the L1 trigger, small
	// enough that the resulting L2 file doesn't also trip L2's.
	probePath := filepath.Join(dir, "probe.sst")
	probeMeta, err := sstable.Build(probePath, []*sstable.Entry{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: sstable.KindPut},
	}, sstable.Options{})
	require.NoError(t, err)
	require.NoError(t, os.Remove(probePath))

	mtMgr := memtable.NewManager(1<<20, 8)
	lvlMgr := level.New()
	sched := NewScheduler(Options{
		WorkerCount:    2,
		DataDir:        dir,
		TaskTimeout:    5 * time.Second,
		LevelBaseBytes: probeMeta.ByteSize / 8,
		LevelSizeRatio: 4, // threshold(1) = base*4 < byteSize < base*16 = threshold(2)
		SSTableOptions: sstable.Options{BlockSizeBytes: 4096},
	}, mtMgr, lvlMgr)
	sched.Start()
	t.Cleanup(sched.Stop)

	path := filepath.Join(dir, "f1.sst")
	meta, err := sstable.Build(path, []*sstable.Entry{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1, Kind: sstable.KindPut},
	}, sstable.Options{})
	require.NoError(t, err)
	input := level.FileMeta{FileID: 1, Level: 0, Path: path, MinKey: meta.MinKey, MaxKey: meta.MaxKey, ByteSize: meta.ByteSize}
	lvlMgr.Add(input)

	sched.ScheduleLevelCompaction(0, 1, []level.FileMeta{input}, true)

	waitFor(t, func() bool { return len(lvlMgr.Files(2)) == 1 })
	require.Empty(t, lvlMgr.Files(1))

	// Give any (unwanted) further cascade a chance to happen, then
	// confirm the file settled at L2 instead of continuing to L3.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, lvlMgr.Files(2), 1)
	require.Empty(t, lvlMgr.Files(3))
}
