package walog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/concordkv/concordkv/internal/kverrors"
)

// segment wraps one on-disk WAL file. Records are appended in order;
// the file-level record_count header is written once at creation and
// is advisory only — replay relies on CRC validity, not the count, to
// find the live tail (spec §7: a bad CRC, not a short count, is what
// truncates replay).
type segment struct {
	path     string
	seq      uint64
	file     *os.File
	writer   *bufio.Writer
	compress bool

	mu sync.Mutex
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%020d.log", seq))
}

func createSegment(dir string, seq uint64, compress bool) (*segment, error) {
	path := segmentPath(dir, seq)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("walog: create segment: %w", err)
	}
	if err := writeFileHeader(f, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("walog: write segment header: %w", err)
	}
	return &segment{path: path, seq: seq, file: f, writer: bufio.NewWriter(f), compress: compress}, nil
}

func openSegmentForAppend(path string, seq uint64, compress bool) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("walog: open segment: %w", err)
	}
	return &segment{path: path, seq: seq, file: f, writer: bufio.NewWriter(f), compress: compress}, nil
}

// append writes one record's framed payload without syncing.
func (s *segment) append(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFramedRecord(s.writer, r.encodePayload(), s.compress)
}

// appendBatch writes several records with a single subsequent flush,
// as Compact does when writing a compacted segment.
func (s *segment) appendBatch(records []*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if err := writeFramedRecord(s.writer, r.encodePayload(), s.compress); err != nil {
			return err
		}
	}
	return nil
}

// flush pushes buffered writes to the OS but does not fsync.
func (s *segment) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Flush()
}

// sync flushes and fsyncs, the durability commit point spec §4.C's
// force_sync refers to.
func (s *segment) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) size() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return err
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// replaySegment reads every valid record in a closed or foreign
// segment file in order, invoking handler for each. A frame failure
// (bad CRC or a short read) at true end-of-file is ordinary tail
// truncation — the writer crashed mid-append — and replay stops
// without error. The same failure followed by a valid frame further
// into the file means the interior of the log was damaged while later
// writes still landed intact, which spec §7 makes fatal rather than a
// truncation.
func replaySegment(path string, compress bool, handler func(*Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("walog: open segment for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, err := readFileHeader(r); err != nil {
		return fmt.Errorf("walog: read segment header: %w", err)
	}

	for {
		payload, err := readFramedRecord(r, compress)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if hasValidFrameAhead(r, compress) {
				return kverrors.New("replaySegment", kverrors.Corrupted, "corrupted record mid-log: valid frames follow the bad one")
			}
			return nil
		}
		rec, err := decodePayload(payload)
		if err != nil {
			if hasValidFrameAhead(r, compress) {
				return kverrors.New("replaySegment", kverrors.Corrupted, "corrupted record mid-log: valid frames follow the bad one")
			}
			return nil
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
}

// hasValidFrameAhead scans the remainder of r byte by byte looking for
// a resync point: an offset at which a crc32|len header is followed by
// a payload whose checksum matches. It consumes r's remaining bytes as
// a side effect, which is fine since the caller is already about to
// stop replaying this segment either way.
func hasValidFrameAhead(r *bufio.Reader, compress bool) bool {
	rest, err := io.ReadAll(r)
	if err != nil || len(rest) == 0 {
		return false
	}
	for offset := 0; offset < len(rest); offset++ {
		if _, err := readFramedRecord(bytes.NewReader(rest[offset:]), compress); err == nil {
			return true
		}
	}
	return false
}
