package batch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/concordkv/concordkv/internal/compaction"
	"github.com/concordkv/concordkv/internal/engine"
	"github.com/concordkv/concordkv/internal/kverrors"
	"github.com/concordkv/concordkv/internal/sstable"
	"github.com/concordkv/concordkv/internal/walog"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := engine.Open(engine.Options{
		DataDir:             dir,
		MemTableMaxBytes:    1 << 20,
		ImmutableQueueDepth: 4,
		WAL:                 walog.Options{SegmentSizeBytes: 1 << 20, SyncMode: "sync"},
		Compaction:          compaction.Options{WorkerCount: 2, L0FileLimit: 3, TaskTimeout: 5 * time.Second},
		SSTable:             sstable.Options{BlockSizeBytes: 256},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBatchAppliesAllSurvivingEntries(t *testing.T) {
	e := newTestEngine(t)
	b := New(Options{MaxBytes: 1 << 20})

	require.NoError(t, b.AddPut([]byte("a"), []byte("1")))
	require.NoError(t, b.AddPut([]byte("b"), []byte("2")))
	require.NoError(t, b.AddDelete([]byte("c")))

	statuses, err := b.Submit(e)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	for _, s := range statuses {
		require.True(t, s.Applied)
		require.NoError(t, s.Err)
	}

	v, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))
}

func TestBatchDedupKeepsLatestAddForDuplicateKey(t *testing.T) {
	e := newTestEngine(t)
	b := New(Options{MaxBytes: 1 << 20})

	require.NoError(t, b.AddPut([]byte("k"), []byte("old")))
	require.NoError(t, b.AddPut([]byte("k"), []byte("new")))

	statuses, err := b.Submit(e)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	require.False(t, statuses[0].Applied, "superseded entry must not be applied")
	require.True(t, statuses[1].Applied)

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(v), "forward-scan dedup must keep the latest add, not the oldest")
}

func TestBatchDedupLaterDeleteWinsOverEarlierPut(t *testing.T) {
	e := newTestEngine(t)
	b := New(Options{MaxBytes: 1 << 20})

	require.NoError(t, b.AddPut([]byte("k"), []byte("v")))
	require.NoError(t, b.AddDelete([]byte("k")))

	_, err := b.Submit(e)
	require.NoError(t, err)

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBatchRejectsOverCapacityAdd(t *testing.T) {
	b := New(Options{MaxBytes: 16})
	err := b.AddPut([]byte("a-fairly-long-key"), []byte("a-fairly-long-value"))
	require.Error(t, err)
	require.Equal(t, kverrors.BatchTooLarge, kverrors.CodeOf(err))
}

func TestBatchSubmitResetsStagingArea(t *testing.T) {
	e := newTestEngine(t)
	b := New(Options{MaxBytes: 1 << 20})
	require.NoError(t, b.AddPut([]byte("a"), []byte("1")))
	require.Equal(t, 1, b.Size())

	_, err := b.Submit(e)
	require.NoError(t, err)
	require.Equal(t, 0, b.Size())
}

func TestBatchSubmitManyDistinctKeysPreservesOrderOfStatuses(t *testing.T) {
	e := newTestEngine(t)
	b := New(Options{MaxBytes: 1 << 20})

	var keys []string
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k%02d", i)
		keys = append(keys, k)
		require.NoError(t, b.AddPut([]byte(k), []byte("v")))
	}

	statuses, err := b.Submit(e)
	require.NoError(t, err)
	require.Len(t, statuses, 20)
	for i, s := range statuses {
		require.Equal(t, keys[i], string(s.Key))
		require.True(t, s.Applied)
	}
}
