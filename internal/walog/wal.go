package walog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/concordkv/concordkv/internal/kverrors"
	"github.com/concordkv/concordkv/internal/logging"
)

// Options configures a Log instance, mirroring the wal.* keys in spec §6.
type Options struct {
	Dir                   string
	SegmentSizeBytes      int64
	SyncMode              string // "sync" or "async"
	IncrementalInterval   time.Duration
	CompactRatio          float64
	Compress              bool
	Logger                logging.Logger
}

func (o *Options) setDefaults() {
	if o.SegmentSizeBytes <= 0 {
		o.SegmentSizeBytes = 64 * 1024 * 1024
	}
	if o.SyncMode == "" {
		o.SyncMode = "sync"
	}
	if o.IncrementalInterval <= 0 {
		o.IncrementalInterval = 5 * time.Second
	}
	if o.CompactRatio <= 0 {
		o.CompactRatio = 0.3
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// Log is the write-ahead log: a chain of rotated segments, a single
// append mutex (spec §5: "WAL appends are serialized through a single
// append mutex"), and a background incremental-sync worker.
type Log struct {
	opts Options

	mu      sync.Mutex
	active  *segment
	chain   []uint64 // segment sequence numbers, oldest first
	nextSeq uint64
	nextLSN uint64

	pending   int // records appended since last sync, for async batching
	pendingMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Open creates or recovers a Log rooted at opts.Dir/wal. If segments
// already exist, the active segment is the one with the highest
// sequence number.
func Open(opts Options) (*Log, error) {
	opts.setDefaults()
	dir := filepath.Join(opts.Dir, "wal")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, kverrors.Wrap("Open", kverrors.System, "create wal dir", err)
	}
	opts.Dir = dir

	l := &Log{opts: opts, stopCh: make(chan struct{})}

	existing, err := listSegmentSeqs(dir)
	if err != nil {
		return nil, kverrors.Wrap("Open", kverrors.System, "list wal segments", err)
	}

	if len(existing) == 0 {
		seg, err := createSegment(dir, 0, opts.Compress)
		if err != nil {
			return nil, err
		}
		l.active = seg
		l.chain = []uint64{0}
		l.nextSeq = 1
	} else {
		l.chain = existing
		lastSeq := existing[len(existing)-1]
		seg, err := openSegmentForAppend(segmentPath(dir, lastSeq), lastSeq, opts.Compress)
		if err != nil {
			return nil, err
		}
		l.active = seg
		l.nextSeq = lastSeq + 1

		// Recover the highest seq seen across every segment so
		// further appends continue the sequence without reuse.
		maxSeq := uint64(0)
		for _, s := range existing {
			_ = replaySegment(segmentPath(dir, s), opts.Compress, func(r *Record) error {
				if r.Seq > maxSeq {
					maxSeq = r.Seq
				}
				return nil
			})
		}
		l.nextLSN = maxSeq
	}

	if opts.SyncMode == "async" {
		l.wg.Add(1)
		go l.incrementalSyncWorker()
	}

	return l, nil
}

func listSegmentSeqs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var seqs []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "segment-") {
			continue
		}
		base := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "segment-"), ".log")
		n, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Append assigns the next seq/LSN, writes the record, and — in sync
// mode — fsyncs before returning, matching spec §4.C's default
// wal.sync_mode=sync. In async mode the write lands in the OS buffer
// and is picked up by the incremental sync worker.
func (l *Log) Append(kind Kind, key, value []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, kverrors.New("Append", kverrors.System, "wal is closed")
	}

	l.nextLSN++
	seq := l.nextLSN

	rec := &Record{Seq: seq, Kind: kind, Key: key, Value: value, Timestamp: time.Now().UnixNano()}

	if err := l.active.append(rec); err != nil {
		l.nextLSN--
		return 0, kverrors.Wrap("Append", kverrors.System, "write wal record", err)
	}

	if l.opts.SyncMode == "sync" {
		if err := l.active.sync(); err != nil {
			return 0, kverrors.Wrap("Append", kverrors.System, "fsync wal", err)
		}
	} else {
		if err := l.active.flush(); err != nil {
			return 0, kverrors.Wrap("Append", kverrors.System, "flush wal", err)
		}
		l.pendingMu.Lock()
		l.pending++
		l.pendingMu.Unlock()
	}

	if err := l.maybeRotateLocked(); err != nil {
		return seq, err
	}

	return seq, nil
}

// ForceSync is the synchronous commit point spec §4.C calls out
// explicitly: it blocks until the active segment is durably on disk
// regardless of sync mode.
func (l *Log) ForceSync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.active.sync(); err != nil {
		return kverrors.Wrap("ForceSync", kverrors.System, "fsync wal", err)
	}
	l.pendingMu.Lock()
	l.pending = 0
	l.pendingMu.Unlock()
	return nil
}

func (l *Log) maybeRotateLocked() error {
	size, err := l.active.size()
	if err != nil {
		return kverrors.Wrap("rotate", kverrors.System, "stat active segment", err)
	}
	if size < l.opts.SegmentSizeBytes {
		return nil
	}
	return l.rotateLocked()
}

func (l *Log) rotateLocked() error {
	if err := l.active.sync(); err != nil {
		return kverrors.Wrap("rotate", kverrors.System, "sync before rotate", err)
	}
	seq := l.nextSeq
	l.nextSeq++
	seg, err := createSegment(l.opts.Dir, seq, l.opts.Compress)
	if err != nil {
		return err
	}
	l.active = seg
	l.chain = append(l.chain, seq)
	l.opts.Logger.Info("wal segment rotated", logging.F("seq", seq))
	return nil
}

// Rotate forces rotation to a fresh segment regardless of current size.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateLocked()
}

func (l *Log) incrementalSyncWorker() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.IncrementalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.pendingMu.Lock()
			has := l.pending > 0
			l.pendingMu.Unlock()
			if has {
				if err := l.ForceSync(); err != nil {
					l.opts.Logger.Error("incremental sync failed", logging.F("error", err.Error()))
				}
			}
		case <-l.stopCh:
			return
		}
	}
}

// Recover replays every segment in the chain, in seq order, calling
// consumer for each live record until end-of-log. A corrupted or
// truncated record at the true tail stops replay of that segment
// without error — the ordinary crash-mid-append case. A corrupted
// record with valid records after it is a mid-log corruption and
// fails with kverrors.Corrupted; consumer itself may also return an
// error to abort recovery.
func (l *Log) Recover(consumer func(*Record) error) error {
	l.mu.Lock()
	chain := append([]uint64(nil), l.chain...)
	dir := l.opts.Dir
	compress := l.opts.Compress
	l.mu.Unlock()

	for _, seq := range chain {
		if err := replaySegment(segmentPath(dir, seq), compress, consumer); err != nil {
			return fmt.Errorf("walog: recover segment %d: %w", seq, err)
		}
	}
	return nil
}

// Close stops the incremental sync worker (performing a final sync)
// and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.opts.SyncMode == "async" {
		close(l.stopCh)
		l.wg.Wait()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.close()
}

// ChainLength reports how many segments currently exist, for tests
// and operational introspection.
func (l *Log) ChainLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chain)
}
