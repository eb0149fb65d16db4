// Package batch implements the bounded multi-operation staging area of
// spec §4.L, generalizing the teacher's Batch/batchOp queue
// (pkg/storage/batch.go) from its five graph-specific op types to the
// two-op KV set {Put, Delete} and adding the seq-qualified dedup and
// ordering rules the key-value engine requires.
package batch

import (
	"bytes"
	"sort"
	"sync"

	"github.com/concordkv/concordkv/internal/engine"
	"github.com/concordkv/concordkv/internal/kverrors"
)

// Kind distinguishes a staged write from a staged delete.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
)

// op is one staged write, tagged with the order it was added in so
// submit's stable sort can recover add-order within a key.
type op struct {
	kind    Kind
	key     []byte
	value   []byte
	addedAt int // add-time sequence, distinct from the engine's write seq
}

// Options bounds a Batch's staging capacity.
type Options struct {
	MaxBytes int
}

func (o *Options) setDefaults() {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 4 * 1024 * 1024
	}
}

// Batch is a bounded staging area for multi-operation submissions
// (spec §4.L). Entries accumulate under add_put/add_delete and are
// only applied to the engine on Submit.
type Batch struct {
	mu       sync.Mutex
	opts     Options
	ops      []op
	byteSize int
	nextSeq  int
}

// New creates an empty Batch bounded by opts.MaxBytes.
func New(opts Options) *Batch {
	opts.setDefaults()
	return &Batch{opts: opts}
}

// AddPut stages a Put, failing with BatchTooLarge if it would cross
// the configured byte budget.
func (b *Batch) AddPut(key, value []byte) error {
	return b.add(KindPut, key, value)
}

// AddDelete stages a Delete.
func (b *Batch) AddDelete(key []byte) error {
	return b.add(KindDelete, key, nil)
}

func (b *Batch) add(kind Kind, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cost := len(key) + len(value) + 32 // entry overhead estimate
	if b.byteSize+cost > b.opts.MaxBytes {
		return kverrors.New("Add", kverrors.BatchTooLarge, "batch capacity exceeded")
	}

	keyCopy := append([]byte(nil), key...)
	var valueCopy []byte
	if value != nil {
		valueCopy = append([]byte(nil), value...)
	}

	b.ops = append(b.ops, op{kind: kind, key: keyCopy, value: valueCopy, addedAt: b.nextSeq})
	b.nextSeq++
	b.byteSize += cost
	return nil
}

// Size reports the number of staged operations.
func (b *Batch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops)
}

// Status is the per-entry outcome of a Submit call, in the same order
// entries were originally added (not the dedup-and-sort order used to
// apply them).
type Status struct {
	Key     []byte
	Kind    Kind
	Applied bool // false if a later add for the same key superseded this one
	Err     error
}

// Submit deduplicates staged entries — keeping only the highest-seq
// entry per key — then applies the survivors to e in (key asc, seq
// asc) order, and returns a per-entry status vector (spec §4.L).
//
// The dedup pass is a stable sort by (key asc, addedAt asc) followed
// by a forward scan that keeps an entry only if the next entry for the
// same key doesn't exist: duplicates end up adjacent with the latest
// last, so keeping "no successor with the same key" is equivalent to
// "keep the latest add". A reverse scan here would retain the oldest
// entry instead of the newest, which is the bug spec §9 warns against.
func (b *Batch) Submit(e *engine.Engine) ([]Status, error) {
	b.mu.Lock()
	ops := make([]op, len(b.ops))
	copy(ops, b.ops)
	b.ops = nil
	b.byteSize = 0
	b.mu.Unlock()

	statuses := make([]Status, len(ops))
	for i, o := range ops {
		statuses[i] = Status{Key: o.key, Kind: o.kind}
	}

	sorted := make([]int, len(ops))
	for i := range sorted {
		sorted[i] = i
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, c := ops[sorted[i]], ops[sorted[j]]
		if keyLess := bytes.Compare(a.key, c.key); keyLess != 0 {
			return keyLess < 0
		}
		return a.addedAt < c.addedAt
	})

	for pos, idx := range sorted {
		hasSuccessorSameKey := pos+1 < len(sorted) && bytes.Equal(ops[idx].key, ops[sorted[pos+1]].key)
		if hasSuccessorSameKey {
			continue // superseded by a later add for this key; status stays Applied=false
		}

		o := ops[idx]
		var err error
		switch o.kind {
		case KindPut:
			err = e.Put(o.key, o.value)
		case KindDelete:
			err = e.Delete(o.key)
		}
		statuses[idx].Applied = err == nil
		statuses[idx].Err = err
	}

	return statuses, nil
}
