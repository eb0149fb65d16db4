package sstable

import (
	"bytes"
	"os"
	"sort"

	"github.com/golang/snappy"

	"github.com/concordkv/concordkv/internal/kverrors"
)

// Reader opens an immutable SSTable for point lookups and range
// scans. Ported from the teacher's OpenSSTable/Scan/Iterator
// (pkg/lsm/sstable_read.go), generalized to the block-indexed,
// optionally snappy-compressed layout Builder writes and to
// seq-qualified reads instead of last-write-wins.
type Reader struct {
	path     string
	compress bool

	index  []indexEntry
	bloom  *BloomFilter
	footer *footer
}

// Open reads the footer, index, and bloom filter of an existing
// SSTable file; data blocks are read lazily per lookup.
func Open(path string, compress bool) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, kverrors.Wrap("Open", kverrors.File, "stat sstable", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.Wrap("Open", kverrors.File, "open sstable", err)
	}
	defer f.Close()

	tailLen := int64(512)
	if tailLen > info.Size() {
		tailLen = info.Size()
	}
	tail := make([]byte, tailLen)
	if _, err := f.ReadAt(tail, info.Size()-tailLen); err != nil {
		return nil, kverrors.Wrap("Open", kverrors.Corrupted, "read sstable footer", err)
	}

	// The footer is variable-length (min/max key bytes); grow the tail
	// read until it decodes, bounded by the whole file.
	var ft *footer
	for {
		ft, err = readFooter(tail)
		if err == nil {
			break
		}
		if tailLen >= info.Size() {
			return nil, kverrors.Wrap("Open", kverrors.Corrupted, "malformed sstable footer", err)
		}
		tailLen *= 2
		if tailLen > info.Size() {
			tailLen = info.Size()
		}
		tail = make([]byte, tailLen)
		if _, err := f.ReadAt(tail, info.Size()-tailLen); err != nil {
			return nil, kverrors.Wrap("Open", kverrors.Corrupted, "read sstable footer", err)
		}
	}

	indexBuf := make([]byte, ft.indexLength)
	if ft.indexLength > 0 {
		if _, err := f.ReadAt(indexBuf, int64(ft.indexOffset)); err != nil {
			return nil, kverrors.Wrap("Open", kverrors.Corrupted, "read sstable index", err)
		}
	}
	index, err := decodeIndex(indexBuf, int(ft.entryCount))
	if err != nil {
		return nil, kverrors.Wrap("Open", kverrors.Corrupted, "decode sstable index", err)
	}

	bloomBuf := make([]byte, ft.bloomLength)
	if ft.bloomLength > 0 {
		if _, err := f.ReadAt(bloomBuf, int64(ft.bloomOffset)); err != nil {
			return nil, kverrors.Wrap("Open", kverrors.Corrupted, "read sstable bloom filter", err)
		}
	}
	bloom := UnmarshalBinaryInto(int(ft.bloomSize), int(ft.bloomHashes), bloomBuf)

	return &Reader{path: path, compress: compress, index: index, bloom: bloom, footer: ft}, nil
}

func (r *Reader) MinKey() []byte     { return r.footer.minKey }
func (r *Reader) MaxKey() []byte     { return r.footer.maxKey }
func (r *Reader) EntryCount() int    { return int(r.footer.entryCount) }
func (r *Reader) Path() string       { return r.path }

// MayContain reports the bloom filter's verdict for key.
func (r *Reader) MayContain(key []byte) bool {
	return r.bloom.MayContain(key)
}

// blockForKey finds the last index entry whose first key is <= key,
// the binary-search step spec §4.F describes.
func (r *Reader) blockForKey(key []byte) (indexEntry, bool) {
	if len(r.index) == 0 {
		return indexEntry{}, false
	}
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	})
	if i == 0 {
		return indexEntry{}, false
	}
	return r.index[i-1], true
}

func (r *Reader) readBlock(f *os.File, ie indexEntry) ([]*Entry, error) {
	raw := make([]byte, ie.length)
	if _, err := f.ReadAt(raw, int64(ie.offset)); err != nil {
		return nil, kverrors.Wrap("readBlock", kverrors.Corrupted, "read data block", err)
	}
	if r.compress {
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, kverrors.Wrap("readBlock", kverrors.Corrupted, "decompress data block", err)
		}
		raw = decoded
	}

	var entries []*Entry
	for off := 0; off < len(raw); {
		e, n, err := decodeEntry(raw[off:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		off += n
	}
	return entries, nil
}

// Get returns the entry with the largest seq <= snapshotSeq for key,
// short-circuiting via the bloom filter before touching disk.
func (r *Reader) Get(key []byte, snapshotSeq uint64) (*Entry, bool, error) {
	if !r.bloom.MayContain(key) {
		return nil, false, nil
	}
	ie, ok := r.blockForKey(key)
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, false, kverrors.Wrap("Get", kverrors.File, "open sstable", err)
	}
	defer f.Close()

	entries, err := r.readBlock(f, ie)
	if err != nil {
		return nil, false, err
	}

	var best *Entry
	for _, e := range entries {
		if !bytes.Equal(e.Key, key) {
			continue
		}
		if e.Seq > snapshotSeq {
			continue
		}
		if best == nil || e.Seq > best.Seq {
			best = e
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best, true, nil
}

// Iterate yields every entry (all versions, tombstones included) with
// start <= key < end, in file order, for merge/compaction consumers.
func (r *Reader) Iterate(start, end []byte, fn func(*Entry) bool) error {
	f, err := os.Open(r.path)
	if err != nil {
		return kverrors.Wrap("Iterate", kverrors.File, "open sstable", err)
	}
	defer f.Close()

	startBlock := 0
	if len(start) > 0 {
		if ie, ok := r.blockForKey(start); ok {
			for i, cand := range r.index {
				if cand.offset == ie.offset {
					startBlock = i
					break
				}
			}
		}
	}

	for i := startBlock; i < len(r.index); i++ {
		entries, err := r.readBlock(f, r.index[i])
		if err != nil {
			return err
		}
		for _, e := range entries {
			if len(start) > 0 && bytes.Compare(e.Key, start) < 0 {
				continue
			}
			if len(end) > 0 && bytes.Compare(e.Key, end) >= 0 {
				return nil
			}
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}
