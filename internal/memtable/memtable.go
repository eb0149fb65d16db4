// Package memtable implements the ordered in-memory write buffer
// (spec §4.D) and the active/immutable-queue manager in front of it
// (spec §4.E). It generalizes the teacher's map-backed, single-value
// MemTable (pkg/lsm/memtable.go) to the seq-qualified, multi-version
// model spec §3 requires: a reader must be able to ask for the
// highest seq at or below its own read snapshot.
package memtable

import (
	"bytes"
	"sync"
)

// Kind distinguishes a live write from a tombstone.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
)

// Entry is one (key, value, seq, kind) write, per spec §3.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Kind  Kind
}

func (e *Entry) IsTombstone() bool { return e.Kind == KindDelete }

// Table is a single ordered MemTable: mutable while active, read-only
// once Seal is called.
type Table struct {
	mu      sync.RWMutex
	list    *skipList
	size    int
	maxSize int
	sealed  bool
}

// New creates an empty, writable Table with the given byte budget
// (memtable.max_bytes, spec §6).
func New(maxSize int) *Table {
	return &Table{list: newSkipList(), maxSize: maxSize}
}

// Insert records one write. O(log n) against the skip list.
func (t *Table) Insert(key, value []byte, kind Kind, seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		panic("memtable: insert into sealed table")
	}
	t.list.insert(&Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...), Seq: seq, Kind: kind})
	t.size += len(key) + len(value) + 24 // entry overhead estimate
}

// Get returns the entry with the largest seq <= snapshotSeq for key,
// or (nil, false) if no such entry exists — spec §4.D's contract,
// including tombstones (callers decide whether a tombstone counts as
// "not found").
func (t *Table) Get(key []byte, snapshotSeq uint64) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.list.getAtSnapshot(key, snapshotSeq)
	if e == nil {
		return nil, false
	}
	return e, true
}

// Iterate calls fn with the surviving (highest-seq) entry for each
// key in [start, end), in ascending key order. If includeTombstones
// is false, deleted keys are skipped entirely — the user-read view;
// compaction consumers pass true to see tombstones.
func (t *Table) Iterate(start, end []byte, includeTombstones bool, fn func(*Entry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var lastKey []byte
	t.list.forEachInRange(start, end, func(e *Entry) bool {
		if lastKey != nil && bytes.Equal(e.Key, lastKey) {
			return true // older version of a key already yielded
		}
		lastKey = e.Key
		if !includeTombstones && e.IsTombstone() {
			return true
		}
		return fn(e)
	})
}

// MemoryUsage returns the approximate byte footprint tracked per spec §3.
func (t *Table) MemoryUsage() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// EntryCount returns the number of (key, seq) pairs stored, including
// every version — not the number of distinct keys.
func (t *Table) EntryCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.list.count
}

// IsFull reports whether the table's footprint has crossed maxSize,
// the active-table rotation trigger from spec §3.
func (t *Table) IsFull() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size >= t.maxSize
}

// Seal freezes the table: after this call Insert panics and only
// readers are permitted, per spec §4.D.
func (t *Table) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
}

// Sealed reports whether Seal has been called.
func (t *Table) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}
