package memtable

import (
	"sync"

	"github.com/google/uuid"

	"github.com/concordkv/concordkv/internal/kverrors"
)

// Handle identifies one immutable table exclusively owned by the
// manager until a compaction task's RemoveSpecific succeeds against
// it — the explicit-ownership model spec §9 asks for in place of the
// source's informally-owned struct fields.
type Handle struct {
	id    uuid.UUID
	table *Table
}

func (h Handle) ID() uuid.UUID  { return h.id }
func (h Handle) Table() *Table  { return h.table }

// Manager owns exactly one active Table plus a bounded, age-ordered
// queue of immutable tables (spec §4.E), generalizing the teacher's
// single active/immutable pair (pkg/lsm/lsm_types.go) to the full
// bounded-depth queue spec §3/§6 requires.
type Manager struct {
	mu sync.Mutex

	maxBytes   int
	queueDepth int

	active    *Table
	immutable []*Handle // oldest first
}

// NewManager creates a Manager with a fresh active table.
func NewManager(maxBytes, queueDepth int) *Manager {
	return &Manager{
		maxBytes:   maxBytes,
		queueDepth: queueDepth,
		active:     New(maxBytes),
	}
}

// Insert writes into the active table, rotating it into the immutable
// queue first if it's already full. Returns the handle of any table
// just rotated (nil if none), so callers can schedule a flush.
func (m *Manager) Insert(key, value []byte, kind Kind, seq uint64) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rotated *Handle
	if m.active.IsFull() {
		h, err := m.rotateLocked()
		if err != nil {
			return nil, err
		}
		rotated = h
	}

	m.active.Insert(key, value, kind, seq)
	return rotated, nil
}

// rotateLocked seals the active table and pushes it onto the
// immutable queue, failing with Busy if the queue is already at its
// configured depth (the backpressure policy spec §4.E leaves
// implementation-defined; this manager blocks the caller with an
// error rather than stalling indefinitely).
func (m *Manager) rotateLocked() (*Handle, error) {
	if len(m.immutable) >= m.queueDepth {
		return nil, kverrors.New("Rotate", kverrors.Busy, "immutable memtable queue is full")
	}
	m.active.Seal()
	h := &Handle{id: uuid.New(), table: m.active}
	m.immutable = append(m.immutable, h)
	m.active = New(m.maxBytes)
	return h, nil
}

// ForceRotate seals and enqueues the active table even if it isn't
// full yet, used by FlushAll/shutdown paths.
func (m *Manager) ForceRotate() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active.EntryCount() == 0 {
		return nil, nil
	}
	return m.rotateLocked()
}

// Active returns the current active table for reads.
func (m *Manager) Active() *Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Immutables returns the queued immutable tables, newest-to-oldest,
// matching the read-path order spec §4.E's invariant requires.
func (m *Manager) Immutables() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, len(m.immutable))
	for i, h := range m.immutable {
		out[len(m.immutable)-1-i] = h
	}
	return out
}

// FlushOldest returns the oldest immutable handle without removing
// it, for the compactor to read while building an SSTable.
func (m *Manager) FlushOldest() (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.immutable) == 0 {
		return nil, false
	}
	return m.immutable[0], true
}

// RemoveSpecific removes one immutable table by handle. Idempotent:
// if another worker already removed it, this returns NotFound, which
// per spec §4.E/§7 is the expected, non-error outcome of the race —
// exactly one worker's removal succeeds.
func (m *Manager) RemoveSpecific(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, candidate := range m.immutable {
		if candidate.id == h.id {
			m.immutable = append(m.immutable[:i], m.immutable[i+1:]...)
			return nil
		}
	}
	return kverrors.New("RemoveSpecific", kverrors.NotFound, "immutable memtable already removed")
}

// ImmutableCount reports the current queue depth.
func (m *Manager) ImmutableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.immutable)
}
