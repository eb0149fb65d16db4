package seglock

import (
	"context"
	"testing"
	"time"
)

func TestSegmentForIsStableAndInRange(t *testing.T) {
	m := New(8, false)
	key := []byte("some-key")
	idx := m.SegmentFor(key)
	if idx < 0 || idx >= 8 {
		t.Fatalf("SegmentFor = %d, out of range [0, 8)", idx)
	}
	if got := m.SegmentFor(key); got != idx {
		t.Fatalf("SegmentFor not stable: %d != %d", got, idx)
	}
}

func TestLockUnlockWriteRoundTrip(t *testing.T) {
	m := New(4, false)
	ctx := context.Background()
	key := []byte("k")

	res, err := m.Lock(ctx, 1, key, Write, time.Second)
	if err != nil || res != Ok {
		t.Fatalf("Lock() = %v, %v, want Ok, nil", res, err)
	}
	m.Unlock(key, Write)

	res, err = m.Lock(ctx, 2, key, Write, time.Second)
	if err != nil || res != Ok {
		t.Fatalf("second Lock() = %v, %v, want Ok, nil", res, err)
	}
	m.Unlock(key, Write)
}

func TestConcurrentReadersDoNotBlockEachOther(t *testing.T) {
	m := New(4, false)
	ctx := context.Background()
	key := []byte("k")

	res1, err := m.Lock(ctx, 1, key, Read, time.Second)
	if err != nil || res1 != Ok {
		t.Fatalf("first reader Lock() = %v, %v", res1, err)
	}
	res2, err := m.Lock(ctx, 2, key, Read, time.Second)
	if err != nil || res2 != Ok {
		t.Fatalf("second reader Lock() = %v, %v, want Ok (readers shouldn't block each other)", res2, err)
	}

	m.Unlock(key, Read)
	m.Unlock(key, Read)
}

func TestWriteLockTimesOutWhileHeld(t *testing.T) {
	m := New(4, false)
	ctx := context.Background()
	key := []byte("k")

	res, err := m.Lock(ctx, 1, key, Write, time.Second)
	if err != nil || res != Ok {
		t.Fatalf("Lock() = %v, %v", res, err)
	}

	res2, err := m.Lock(ctx, 2, key, Write, 20*time.Millisecond)
	if res2 != TimedOut {
		t.Fatalf("Lock() = %v, %v, want TimedOut", res2, err)
	}

	m.Unlock(key, Write)
}

func TestMultiLockCanRelockAfterMultiUnlock(t *testing.T) {
	m := New(4, false)
	ctx := context.Background()

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	res, err := m.MultiLock(ctx, 1, keys, Write, time.Second)
	if err != nil || res != Ok {
		t.Fatalf("MultiLock() = %v, %v", res, err)
	}
	m.MultiUnlock(keys, Write)

	// After releasing, the same set should be lockable again.
	res, err = m.MultiLock(ctx, 2, keys, Write, time.Second)
	if err != nil || res != Ok {
		t.Fatalf("second MultiLock() = %v, %v", res, err)
	}
	m.MultiUnlock(keys, Write)
}

func TestNewWithNonPositiveSegmentsDefaultsToOne(t *testing.T) {
	m := New(0, false)
	if len(m.segments) != 1 {
		t.Fatalf("len(segments) = %d, want 1", len(m.segments))
	}
}
