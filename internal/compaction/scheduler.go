package compaction

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concordkv/concordkv/internal/arena"
	"github.com/concordkv/concordkv/internal/kverrors"
	"github.com/concordkv/concordkv/internal/level"
	"github.com/concordkv/concordkv/internal/logging"
	"github.com/concordkv/concordkv/internal/memtable"
	"github.com/concordkv/concordkv/internal/obsmetrics"
	"github.com/concordkv/concordkv/internal/sstable"
)

// Options configures a Scheduler, sourced from config.CompactionConfig.
type Options struct {
	WorkerCount    int
	L0FileLimit    int
	LevelSizeRatio int
	LevelBaseBytes int64 // base size; level N (N >= 1) triggers at LevelBaseBytes*LevelSizeRatio^N
	TaskTimeout    time.Duration
	DataDir        string
	ManifestPath   string
	SSTableOptions sstable.Options
	Logger         logging.Logger
	Metrics        *obsmetrics.Registry
}

func (o *Options) setDefaults() {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.L0FileLimit <= 0 {
		o.L0FileLimit = 4
	}
	if o.LevelSizeRatio <= 0 {
		o.LevelSizeRatio = 10
	}
	if o.LevelBaseBytes <= 0 {
		o.LevelBaseBytes = 10 * 1024 * 1024
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = obsmetrics.New()
	}
	if o.ManifestPath == "" {
		o.ManifestPath = level.DefaultManifestPath(o.DataDir)
	}
}

// Scheduler runs a pool of workers draining a priority queue of
// flush and level-compaction tasks, per spec §4.H.
type Scheduler struct {
	opts Options

	mtManager *memtable.Manager
	levels    *level.Manager

	mu      sync.Mutex
	cond    *sync.Cond
	queue   priorityQueue
	pending map[string]*Task // by TargetKey, tasks queued or running

	heartbeats []atomicTime
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool
}

// atomicTime is a tiny mutex-guarded timestamp, used for worker
// health probing without importing atomic.Value for a single field.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

// NewScheduler wires a Scheduler to its MemTable manager and level
// manager. Start() must be called before any task runs.
func NewScheduler(opts Options, mtManager *memtable.Manager, levels *level.Manager) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{
		opts:      opts,
		mtManager: mtManager,
		levels:    levels,
		pending:   make(map[string]*Task),
		stopCh:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool plus a health-probe goroutine that
// respawns any worker whose heartbeat goes stale (spec §4.H: "worker
// liveness is probed; dead workers are respawned").
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.heartbeats = make([]atomicTime, s.opts.WorkerCount)
	s.mu.Unlock()

	for i := 0; i < s.opts.WorkerCount; i++ {
		s.spawnWorker(i)
	}
	s.wg.Add(1)
	go s.healthMonitor()
}

func (s *Scheduler) spawnWorker(id int) {
	s.heartbeats[id].set(time.Now())
	s.wg.Add(1)
	go s.workerLoop(id)
}

// Stop signals every worker to exit and waits for them. Closing
// stopCh and broadcasting while holding the same mutex a waiting
// worker releases inside cond.Wait prevents the close from landing in
// the gap between a worker's emptiness check and its Wait call, which
// would otherwise be a missed wakeup.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}

// ScheduleFlush enqueues a flush of one immutable MemTable, dropping
// the request if a task already targets this handle (spec §4.H step 2).
func (s *Scheduler) ScheduleFlush(h *memtable.Handle) {
	task := &Task{
		ID:             uuid.New(),
		Kind:           KindFlush,
		Priority:       PriorityFlush,
		MemtableHandle: h,
		CreatedAt:      time.Now(),
	}
	s.enqueue(task)
}

// ScheduleLevelCompaction enqueues a merge of files at sourceLevel
// into outputLevel. userInitiated raises its priority above automatic
// flushes (spec §4.H).
func (s *Scheduler) ScheduleLevelCompaction(sourceLevel, outputLevel int, files []level.FileMeta, userInitiated bool) {
	prio := PriorityLevelCompaction
	if userInitiated {
		prio = PriorityUserInitiated
	}
	task := &Task{
		ID:          uuid.New(),
		Kind:        KindLevelCompaction,
		Priority:    prio,
		SourceLevel: sourceLevel,
		OutputLevel: outputLevel,
		Files:       files,
		CreatedAt:   time.Now(),
	}
	s.enqueue(task)
}

func (s *Scheduler) enqueue(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := task.TargetKey()
	if _, exists := s.pending[key]; exists {
		s.opts.Logger.Debug("compaction task dropped, target already queued", logging.F("target", key))
		return
	}
	task.Status = StatusPending
	s.pending[key] = task
	heap.Push(&s.queue, task)
	s.cond.Signal()
}

func (s *Scheduler) workerLoop(id int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			select {
			case <-s.stopCh:
				s.mu.Unlock()
				return
			default:
			}
			s.cond.Wait()
			select {
			case <-s.stopCh:
				s.mu.Unlock()
				return
			default:
			}
		}
		task := heap.Pop(&s.queue).(*Task)
		task.Status = StatusRunning
		s.mu.Unlock()

		s.heartbeats[id].set(time.Now())

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.TaskTimeout)
		s.runTask(ctx, task)
		cancel()

		s.heartbeats[id].set(time.Now())

		s.mu.Lock()
		delete(s.pending, task.TargetKey())
		s.mu.Unlock()
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	var err error
	switch task.Kind {
	case KindFlush:
		err = s.runFlush(ctx, task)
	case KindLevelCompaction:
		err = s.runLevelCompaction(ctx, task)
	}

	if err != nil {
		if kverrors.IsNotFound(err) {
			task.Status = StatusWarning
			task.Err = err
			s.opts.Logger.Debug("compaction task already handled", logging.F("task", task.ID.String()))
			return
		}
		task.Status = StatusFailed
		task.Err = err
		s.opts.Logger.Error("compaction task failed", logging.F("task", task.ID.String()), logging.F("error", err.Error()))
		return
	}
	task.Status = StatusDone
}

// runFlush builds a Level-0 SSTable from one immutable MemTable and
// retires it via the idempotent remove_specific contract (spec §4.E/
// §4.H/§9): the loser of a race against another trigger for the same
// handle gets NotFound here, which the caller reports as Warning, not
// failure.
func (s *Scheduler) runFlush(ctx context.Context, task *Task) error {
	h := task.MemtableHandle
	tbl := h.Table()

	var entries []*sstable.Entry
	tbl.Iterate(nil, nil, true, func(e *memtable.Entry) bool {
		entries = append(entries, &sstable.Entry{Key: e.Key, Value: e.Value, Seq: e.Seq, Kind: sstable.Kind(e.Kind)})
		return true
	})

	if len(entries) == 0 {
		return s.mtManager.RemoveSpecific(h)
	}

	fileID := s.levels.NextFileID()
	path := filepath.Join(s.opts.DataDir, level.FileName(0, fileID))

	var meta sstable.Meta
	var buildErr error
	for attempt := 0; attempt < 3; attempt++ {
		meta, buildErr = sstable.Build(path, entries, s.opts.SSTableOptions)
		if buildErr == nil {
			break
		}
		fileID = s.levels.NextFileID()
		path = filepath.Join(s.opts.DataDir, level.FileName(0, fileID))
	}
	if buildErr != nil {
		return kverrors.Wrap("runFlush", kverrors.System, "build level-0 sstable", buildErr)
	}

	s.levels.Add(level.FileMeta{
		FileID: fileID, Level: 0, Path: path,
		MinKey: meta.MinKey, MaxKey: meta.MaxKey,
		EntryCount: meta.EntryCount, ByteSize: meta.ByteSize, CreatedAt: time.Now(),
	})
	task.BytesWritten = meta.ByteSize
	s.persistManifest()
	s.opts.Metrics.FlushCount.Inc()
	s.opts.Metrics.SSTableCount.Set(float64(s.countAllFiles()))
	s.opts.Metrics.Level0Files.Set(float64(len(s.levels.Files(0))))

	if err := s.mtManager.RemoveSpecific(h); err != nil {
		return err
	}

	if len(s.levels.Files(0)) >= s.opts.L0FileLimit {
		s.ScheduleLevelCompaction(0, 1, s.levels.Files(0), false)
	}
	return nil
}

// runLevelCompaction merges the given files' live entries into new
// SSTables at outputLevel, then registers the new files before
// retiring the inputs. The two steps are separate level-manager calls,
// not one atomic swap: a concurrent reader may briefly see both the
// inputs and the output, and since inputs sit at a shallower level (or
// earlier in the same level's list) their copies are the ones a lookup
// finds first. Tombstones are dropped here — unlike WAL compaction, which
// must keep them for crash recovery, a merged SSTable has no further
// replay obligation once the source files are retired (ported from
// the teacher's compact(), pkg/lsm/compaction.go).
func (s *Scheduler) runLevelCompaction(ctx context.Context, task *Task) error {
	scratch := arena.New(1 << 20)
	defer scratch.Destroy()

	inputs := append([]level.FileMeta(nil), task.Files...)
	if minKey, maxKey, ok := keyRange(task.Files); ok {
		overlapping := s.levels.Overlap(task.OutputLevel, minKey, maxKey)
		inputs = append(inputs, overlapping...)
	}

	latest := make(map[string]*sstable.Entry)
	var order [][]byte

	for _, fm := range inputs {
		r, err := sstable.Open(fm.Path, s.opts.SSTableOptions.Compress)
		if err != nil {
			return kverrors.Wrap("runLevelCompaction", kverrors.System, "open input sstable", err)
		}
		readErr := r.Iterate(nil, nil, func(e *sstable.Entry) bool {
			key := string(e.Key)
			if existing, ok := latest[key]; !ok || e.Seq > existing.Seq {
				if _, seen := latest[key]; !seen {
					order = append(order, e.Key)
				}
				latest[key] = copyEntryIntoArena(scratch, e)
			}
			return true
		})
		if readErr != nil {
			return kverrors.Wrap("runLevelCompaction", kverrors.System, "iterate input sstable", readErr)
		}
		task.BytesRead += fm.ByteSize
	}

	merged := make([]*sstable.Entry, 0, len(order))
	for _, key := range order {
		e := latest[string(key)]
		if e.IsTombstone() {
			continue
		}
		merged = append(merged, e)
	}
	sort.Slice(merged, func(i, j int) bool { return bytes.Compare(merged[i].Key, merged[j].Key) < 0 })

	var newFiles []level.FileMeta
	if len(merged) > 0 {
		fileID := s.levels.NextFileID()
		path := filepath.Join(s.opts.DataDir, level.FileName(task.OutputLevel, fileID))
		meta, err := sstable.Build(path, merged, s.opts.SSTableOptions)
		if err != nil {
			return kverrors.Wrap("runLevelCompaction", kverrors.System, "build merged sstable", err)
		}
		newFiles = append(newFiles, level.FileMeta{
			FileID: fileID, Level: task.OutputLevel, Path: path,
			MinKey: meta.MinKey, MaxKey: meta.MaxKey,
			EntryCount: meta.EntryCount, ByteSize: meta.ByteSize, CreatedAt: time.Now(),
		})
		task.BytesWritten = meta.ByteSize
	}

	for _, nf := range newFiles {
		s.levels.Add(nf)
	}
	for _, fm := range inputs {
		if err := s.levels.Remove(fm.Level, fm.FileID); err != nil && !kverrors.IsNotFound(err) {
			return err
		}
	}
	s.persistManifest()
	s.opts.Metrics.CompactionCount.WithLabelValues("success").Inc()
	s.opts.Metrics.CompactionBytes.WithLabelValues("read").Add(float64(task.BytesRead))
	s.opts.Metrics.CompactionBytes.WithLabelValues("write").Add(float64(task.BytesWritten))
	s.opts.Metrics.SSTableCount.Set(float64(s.countAllFiles()))

	s.maybeScheduleLevelSizeCompaction(task.OutputLevel)
	return nil
}

// maybeScheduleLevelSizeCompaction enqueues levelNum→levelNum+1 once
// levelNum's total size crosses base*ratio^levelNum, the Level-N
// policy of spec §4.G (L0's own trigger is the file-count check in
// runFlush, not this one).
func (s *Scheduler) maybeScheduleLevelSizeCompaction(levelNum int) {
	if levelNum == 0 {
		return
	}
	threshold := float64(s.opts.LevelBaseBytes) * math.Pow(float64(s.opts.LevelSizeRatio), float64(levelNum))
	if float64(s.levels.TotalSize(levelNum)) > threshold {
		s.ScheduleLevelCompaction(levelNum, levelNum+1, s.levels.Files(levelNum), false)
	}
}

// persistManifest writes the level manager's current state to disk.
// A failure here is logged, not propagated: the SSTable a task just
// built is already durable, and the next successful persist will
// catch the manifest up, so a transient write error shouldn't fail
// an otherwise-successful flush or compaction.
func (s *Scheduler) persistManifest() {
	if err := s.levels.Persist(s.opts.ManifestPath); err != nil {
		s.opts.Logger.Error("persist level manifest failed", logging.F("error", err.Error()))
	}
}

func (s *Scheduler) countAllFiles() int {
	total := 0
	for lvl := 0; lvl <= s.levels.MaxLevel(); lvl++ {
		total += len(s.levels.Files(lvl))
	}
	return total
}

// keyRange computes the union [min, max] of a file set's key ranges,
// used to find the output level's already-present files a merge must
// also absorb so the result keeps that level's disjoint-range
// invariant (spec §8 invariant #3).
func keyRange(files []level.FileMeta) (min, max []byte, ok bool) {
	for i, fm := range files {
		if i == 0 || bytes.Compare(fm.MinKey, min) < 0 {
			min = fm.MinKey
		}
		if i == 0 || bytes.Compare(fm.MaxKey, max) > 0 {
			max = fm.MaxKey
		}
	}
	return min, max, len(files) > 0
}

func copyEntryIntoArena(a *arena.Arena, e *sstable.Entry) *sstable.Entry {
	key := a.Alloc(len(e.Key))
	copy(key, e.Key)
	var value []byte
	if len(e.Value) > 0 {
		value = a.Alloc(len(e.Value))
		copy(value, e.Value)
	}
	return &sstable.Entry{Key: key, Value: value, Seq: e.Seq, Kind: e.Kind}
}

func (s *Scheduler) healthMonitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for i := range s.heartbeats {
				if time.Since(s.heartbeats[i].get()) > s.opts.TaskTimeout*2 {
					s.opts.Logger.Warn("compaction worker appears stuck, respawning", logging.F("worker", fmt.Sprint(i)))
					s.spawnWorker(i)
				}
			}
		}
	}
}
