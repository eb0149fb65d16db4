package walog

import (
	"os"

	"github.com/concordkv/concordkv/internal/kverrors"
)

// CompactionStats summarizes one Compact() run.
type CompactionStats struct {
	SegmentsBefore int
	SegmentsAfter  int
	RecordsBefore  int
	RecordsAfter   int
}

// Compact rewrites the WAL into a single fresh segment containing
// only the latest record per live key (tombstones included, per spec
// §4.C), then atomically retires every prior segment. This is
// distinct from Rotate: rotation opens a new segment at a size
// threshold, compaction rewrites live keys and discards history. Both
// can run independently, and Compact only ever touches segments other
// than the current active one plus a newly appended compacted
// segment, so it never races with concurrent Append.
func (l *Log) Compact() (CompactionStats, error) {
	l.mu.Lock()
	// Snapshot and seal the current segment chain under a fresh active
	// segment so Compact can work on a closed, stable set of files
	// while new writes land elsewhere.
	if err := l.rotateLocked(); err != nil {
		l.mu.Unlock()
		return CompactionStats{}, err
	}
	toCompact := l.chain[:len(l.chain)-1]
	dir := l.opts.Dir
	compress := l.opts.Compress
	l.mu.Unlock()

	latest := make(map[string]*Record)
	order := make([]string, 0)
	recordsBefore := 0

	for _, seq := range toCompact {
		err := replaySegment(segmentPath(dir, seq), compress, func(r *Record) error {
			recordsBefore++
			key := string(r.Key)
			if _, seen := latest[key]; !seen {
				order = append(order, key)
			}
			if existing, ok := latest[key]; !ok || r.Seq > existing.Seq {
				latest[key] = r
			}
			return nil
		})
		if err != nil {
			return CompactionStats{}, kverrors.Wrap("Compact", kverrors.System, "replay segment for compaction", err)
		}
	}

	l.mu.Lock()
	newSeq := l.nextSeq
	l.nextSeq++
	l.mu.Unlock()

	compacted, err := createSegment(dir, newSeq, compress)
	if err != nil {
		return CompactionStats{}, err
	}

	records := make([]*Record, 0, len(order))
	for _, key := range order {
		records = append(records, latest[key])
	}
	if err := compacted.appendBatch(records); err != nil {
		compacted.close()
		os.Remove(compacted.path)
		return CompactionStats{}, kverrors.Wrap("Compact", kverrors.System, "write compacted segment", err)
	}
	if err := compacted.sync(); err != nil {
		compacted.close()
		os.Remove(compacted.path)
		return CompactionStats{}, kverrors.Wrap("Compact", kverrors.System, "sync compacted segment", err)
	}
	compacted.close()

	// Atomically replace the old chain prefix with the single
	// compacted segment, then unlink the superseded files.
	l.mu.Lock()
	newChain := make([]uint64, 0, len(l.chain)-len(toCompact)+1)
	newChain = append(newChain, newSeq)
	newChain = append(newChain, l.chain[len(toCompact):]...)
	oldChain := toCompact
	l.chain = newChain
	l.mu.Unlock()

	for _, seq := range oldChain {
		_ = os.Remove(segmentPath(dir, seq))
	}

	return CompactionStats{
		SegmentsBefore: len(oldChain),
		SegmentsAfter:  1,
		RecordsBefore:  recordsBefore,
		RecordsAfter:   len(records),
	}, nil
}

// ShouldCompact reports whether the log has accumulated enough
// superseded records relative to live ones to justify a compaction
// pass, per wal.compact_ratio (spec §6): compact when the fraction of
// records that are NOT the latest version of their key reaches or
// exceeds ratio.
func ShouldCompact(totalRecords, liveKeys int, ratio float64) bool {
	if totalRecords == 0 {
		return false
	}
	stale := totalRecords - liveKeys
	return float64(stale)/float64(totalRecords) >= ratio
}
