// Package compaction implements the priority task queue and worker
// pool that drain the MemTable manager into SSTables and merge
// SSTables across levels (spec §4.H). The worker loop and single-
// flight-by-target discipline are ported from the teacher's
// flushWorker/compactionWorker (pkg/lsm/lsm_workers.go), generalized
// from "at most one flush and one compaction in flight" to N
// concurrently running, independently-targeted tasks drawn off a
// real priority queue.
package compaction

import (
	"time"

	"github.com/google/uuid"

	"github.com/concordkv/concordkv/internal/level"
	"github.com/concordkv/concordkv/internal/memtable"
)

// Kind distinguishes the two task shapes spec §4.H names.
type Kind int

const (
	KindFlush Kind = iota
	KindLevelCompaction
)

// Priority orders the queue: user-initiated work preempts flushes,
// which preempt size-triggered level compaction (spec §4.H).
type Priority int

const (
	PriorityLevelCompaction Priority = iota
	PriorityFlush
	PriorityUserInitiated
)

// Status is a task's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusWarning // "already handled" — not an error, see spec §9
	StatusFailed
)

// Task is one unit of compaction work.
type Task struct {
	ID       uuid.UUID
	Kind     Kind
	Priority Priority

	// Flush inputs.
	MemtableHandle *memtable.Handle

	// LevelCompaction inputs.
	SourceLevel int
	OutputLevel int
	Files       []level.FileMeta

	CreatedAt time.Time
	Deadline  time.Time

	Status       Status
	Err          error
	BytesRead    int64
	BytesWritten int64
}

// TargetKey identifies what a task operates on, for dedup: two tasks
// with the same target key represent the same trigger and only one
// should be queued at a time (spec §4.H step 2).
func (t *Task) TargetKey() string {
	switch t.Kind {
	case KindFlush:
		return "flush:" + t.MemtableHandle.ID().String()
	case KindLevelCompaction:
		key := "compact:" + itoa(t.SourceLevel) + ":"
		for _, f := range t.Files {
			key += itoa(int(f.FileID)) + ","
		}
		return key
	default:
		return ""
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}
