package memtable

import (
	"bytes"
	"math/rand"
)

const maxHeight = 16
const branching = 4

// skipNode is one (key, seq) entry in the skip list. Entries are
// totally ordered by key ascending, then seq descending, so a forward
// scan visits the newest version of a key before older ones — exactly
// the order Get(key, snapshotSeq) needs to find "largest seq <=
// snapshot" by scanning forward and taking the first seq that
// qualifies.
type skipNode struct {
	entry *Entry
	next  []*skipNode
}

// skipList is a concurrency-naive ordered index; Table wraps it with
// the locking spec §4.D requires (linearizable point ops, snapshot
// iteration, read-only once sealed).
type skipList struct {
	head   *skipNode
	height int
	rnd    *rand.Rand
	count  int
}

func newSkipList() *skipList {
	return &skipList{
		head:   &skipNode{next: make([]*skipNode, maxHeight)},
		height: 1,
		rnd:    rand.New(rand.NewSource(0xC0FFEE)),
	}
}

// compare orders by key ascending, then seq descending.
func compare(a, b *Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	default:
		return 0
	}
}

func (s *skipList) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Intn(branching) == 0 {
		h++
	}
	return h
}

// findPredecessors fills update[i] with the last node at level i whose
// key/seq order precedes target.
func (s *skipList) findPredecessors(target *Entry, update []*skipNode) *skipNode {
	cur := s.head
	for i := s.height - 1; i >= 0; i-- {
		for cur.next[i] != nil && compare(cur.next[i].entry, target) < 0 {
			cur = cur.next[i]
		}
		update[i] = cur
	}
	return cur
}

// insert adds entry, which must have a (key, seq) pair not already present.
func (s *skipList) insert(entry *Entry) {
	update := make([]*skipNode, maxHeight)
	s.findPredecessors(entry, update)

	h := s.randomHeight()
	if h > s.height {
		for i := s.height; i < h; i++ {
			update[i] = s.head
		}
		s.height = h
	}

	node := &skipNode{entry: entry, next: make([]*skipNode, h)}
	for i := 0; i < h; i++ {
		node.next[i] = update[i].next[i]
		update[i].next[i] = node
	}
	s.count++
}

// seekKey returns the first node whose key equals key (i.e. the
// highest-seq version), or nil.
func (s *skipList) seekKey(key []byte) *skipNode {
	probe := &Entry{Key: key, Seq: ^uint64(0)}
	cur := s.head
	for i := s.height - 1; i >= 0; i-- {
		for cur.next[i] != nil && compare(cur.next[i].entry, probe) < 0 {
			cur = cur.next[i]
		}
	}
	cur = cur.next[0]
	if cur != nil && bytes.Equal(cur.entry.Key, key) {
		return cur
	}
	return nil
}

// getAtSnapshot walks the versions of key starting from its
// highest-seq node, returning the first one with seq <= snapshotSeq.
func (s *skipList) getAtSnapshot(key []byte, snapshotSeq uint64) *Entry {
	node := s.seekKey(key)
	for node != nil && bytes.Equal(node.entry.Key, key) {
		if node.entry.Seq <= snapshotSeq {
			return node.entry
		}
		node = node.next[0]
	}
	return nil
}

// forEachInRange calls fn for every entry with start <= key < end (end
// nil means unbounded), in (key asc, seq desc) order, including every
// version — callers collapse to "surviving entry per key" themselves.
func (s *skipList) forEachInRange(start, end []byte, fn func(*Entry) bool) {
	cur := s.head
	if len(start) > 0 {
		probe := &Entry{Key: start, Seq: ^uint64(0)}
		for i := s.height - 1; i >= 0; i-- {
			for cur.next[i] != nil && compare(cur.next[i].entry, probe) < 0 {
				cur = cur.next[i]
			}
		}
	}
	cur = cur.next[0]
	for cur != nil {
		if end != nil && bytes.Compare(cur.entry.Key, end) >= 0 {
			return
		}
		if !fn(cur.entry) {
			return
		}
		cur = cur.next[0]
	}
}
