// Package level implements per-level SSTable metadata tracking and
// file-id allocation (spec §3/§4.G). It replaces the teacher's
// filesystem-glob rediscovery (pkg/lsm/compaction.go's ListSSTables,
// which re-derives level membership from "L%d-%d.sst" filenames on
// every call) with an explicit, persisted manifest, since the
// specification requires level state survive a restart without a
// directory scan.
package level

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/concordkv/concordkv/internal/kverrors"
)

// FileMeta describes one on-disk SSTable's place in a level, per
// spec §3's SSTable metadata list.
type FileMeta struct {
	FileID     uint64
	Level      int
	Path       string
	MinKey     []byte
	MaxKey     []byte
	EntryCount int
	ByteSize   int64
	CreatedAt  time.Time
}

func (m FileMeta) overlaps(start, end []byte) bool {
	if len(end) > 0 && bytes.Compare(m.MinKey, end) >= 0 {
		return false
	}
	if len(start) > 0 && bytes.Compare(m.MaxKey, start) < 0 {
		return false
	}
	return true
}

// Manager owns the level lists and the global file-id counter.
type Manager struct {
	mu     sync.RWMutex
	levels map[int][]FileMeta
	maxLvl int

	idCounter uint64
	idMu      sync.Mutex
}

// New creates an empty level manager.
func New() *Manager {
	return &Manager{levels: make(map[int][]FileMeta)}
}

// Add registers a newly written SSTable at the given level, per
// spec §4.G's add(level, meta).
func (m *Manager) Add(meta FileMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[meta.Level] = append(m.levels[meta.Level], meta)
	if meta.Level > m.maxLvl {
		m.maxLvl = meta.Level
	}
}

// Remove drops one file from a level by file-id, per spec §4.G's
// remove(level, meta).
func (m *Manager) Remove(levelNum int, fileID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	files := m.levels[levelNum]
	for i, f := range files {
		if f.FileID == fileID {
			m.levels[levelNum] = append(files[:i], files[i+1:]...)
			return nil
		}
	}
	return kverrors.New("Remove", kverrors.NotFound, "file not present in level")
}

// Files returns a copy of the file list for one level.
func (m *Manager) Files(levelNum int) []FileMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	files := m.levels[levelNum]
	out := make([]FileMeta, len(files))
	copy(out, files)
	return out
}

// Overlap returns the files in levelNum whose key range intersects
// [start, end), per spec §4.G's overlap(level, key_range). Level-0
// files may overlap each other by construction; Level-N files never
// do, so this also serves Level-N's successor-range search.
func (m *Manager) Overlap(levelNum int, start, end []byte) []FileMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FileMeta
	for _, f := range m.levels[levelNum] {
		if f.overlaps(start, end) {
			out = append(out, f)
		}
	}
	return out
}

// MaxLevel reports the highest level number any file has been added
// at. It never decreases, so that level may since have become empty.
func (m *Manager) MaxLevel() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxLvl
}

// TotalSize sums byte sizes of files at a level, the input to
// compaction's base*ratio^N trigger (spec §4.G).
func (m *Manager) TotalSize(levelNum int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, f := range m.levels[levelNum] {
		total += f.ByteSize
	}
	return total
}

// ReplaceAll swaps in another manager's entire level/file-id state,
// keeping m's own identity (and therefore every existing pointer to
// m, e.g. the compaction scheduler's) valid. Used when hydrating an
// engine from a snapshot loaded via level.Load into a throwaway
// manager.
func (m *Manager) ReplaceAll(other *Manager) {
	other.mu.RLock()
	levels := make(map[int][]FileMeta, len(other.levels))
	for lvl, files := range other.levels {
		cp := make([]FileMeta, len(files))
		copy(cp, files)
		levels[lvl] = cp
	}
	maxLvl := other.maxLvl
	idCounter := other.idCounter
	other.mu.RUnlock()

	m.mu.Lock()
	m.levels = levels
	m.maxLvl = maxLvl
	m.mu.Unlock()

	m.idMu.Lock()
	m.idCounter = idCounter
	m.idMu.Unlock()
}

// RewriteDir rewrites every tracked file's Path to live under dir
// instead of wherever it was originally recorded, keeping only the
// base filename. Used when a manifest loaded from a snapshot archive
// names files by their source engine's directory, which the
// destination engine does not share.
func (m *Manager) RewriteDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for lvl, files := range m.levels {
		for i := range files {
			files[i].Path = filepath.Join(dir, filepath.Base(files[i].Path))
		}
		m.levels[lvl] = files
	}
}

// NextFileID allocates a globally unique id: the low 32 bits of a
// microsecond timestamp in the high bits, combined with the low 24
// bits of a monotonic counter (spec §3/§9). Go has no public goroutine
// id, so those counter bits serve the same disambiguating role the
// teacher's thread id would — collisions are still possible only in
// the pathological case of two calls landing in the same microsecond
// with a counter wraparound, so callers must retry on a
// filesystem-level collision (spec §9).
func (m *Manager) NextFileID() uint64 {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	m.idCounter++
	ts := uint64(time.Now().UnixMicro()) & 0xFFFFFFFF
	return (ts << 24) | (m.idCounter & 0xFFFFFF)
}

// FileName renders the conventional on-disk name for a file-id at a
// level: level-<lvl>-<id>-<tid>-<ts>.sst. tid and ts are recovered from
// the two components NextFileID already packs into fileID (timestamp
// in the high bits, disambiguating counter in the low bits) rather
// than threading them through as separate arguments.
func FileName(levelNum int, fileID uint64) string {
	ts := fileID >> 24
	tid := fileID & 0xFFFFFF
	return fmt.Sprintf("level-%d-%020d-%06d-%d.sst", levelNum, fileID, tid, ts)
}
