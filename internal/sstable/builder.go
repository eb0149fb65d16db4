package sstable

import (
	"bufio"
	"bytes"
	"os"
	"sort"

	"github.com/golang/snappy"

	"github.com/concordkv/concordkv/internal/kverrors"
)

// Options configures a Builder.
type Options struct {
	BlockSizeBytes    int     // target uncompressed size per data block
	Compress          bool    // snappy-compress each block
	FilterFalsePosRate float64 // bloom filter target false-positive rate
}

func (o *Options) setDefaults() {
	if o.BlockSizeBytes <= 0 {
		o.BlockSizeBytes = 4096
	}
	if o.FilterFalsePosRate <= 0 {
		o.FilterFalsePosRate = 0.01
	}
}

// Meta describes a completed SSTable for the level manager (spec §3).
type Meta struct {
	Path       string
	MinKey     []byte
	MaxKey     []byte
	EntryCount int
	ByteSize   int64
}

// Build writes entries (which the caller must have sorted by key
// ascending, then seq descending — the memtable/compaction merge
// order) into a new SSTable file at path, in data blocks of about
// BlockSizeBytes each (a block is closed only between two different
// keys, so every version of a key lands in one block), with a sparse
// first-key index and a bloom filter, per spec §4.F.
func Build(path string, entries []*Entry, opts Options) (Meta, error) {
	opts.setDefaults()
	if len(entries) == 0 {
		return Meta{}, kverrors.New("Build", kverrors.Param, "cannot build an sstable from zero entries")
	}
	if !sort.SliceIsSorted(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) }) {
		sort.Slice(entries, func(i, j int) bool { return entryLess(entries[i], entries[j]) })
	}

	file, err := os.Create(path)
	if err != nil {
		return Meta{}, kverrors.Wrap("Build", kverrors.File, "create sstable file", err)
	}
	w := bufio.NewWriter(file)

	bloom := NewBloomFilter(len(entries), opts.FilterFalsePosRate)
	for _, e := range entries {
		bloom.Add(e.Key)
	}

	var index []indexEntry
	var offset uint64

	blockBuf := &bytes.Buffer{}
	var blockFirstKey []byte

	flushBlock := func() error {
		if blockBuf.Len() == 0 {
			return nil
		}
		payload := blockBuf.Bytes()
		if opts.Compress {
			payload = snappy.Encode(nil, payload)
		}
		n, err := w.Write(payload)
		if err != nil {
			return err
		}
		index = append(index, indexEntry{firstKey: append([]byte(nil), blockFirstKey...), offset: offset, length: uint32(n)})
		offset += uint64(n)
		blockBuf.Reset()
		blockFirstKey = nil
		return nil
	}

	fail := func(err error) (Meta, error) {
		_ = file.Close()
		_ = os.Remove(path)
		return Meta{}, err
	}

	for i, e := range entries {
		if blockBuf.Len() == 0 {
			blockFirstKey = e.Key
		}
		if _, err := encodeEntry(blockBuf, e); err != nil {
			return fail(kverrors.Wrap("Build", kverrors.System, "encode entry", err))
		}
		// Close a block only between two different keys: Reader.Get
		// reads a single block, which must then hold every version.
		if blockBuf.Len() >= opts.BlockSizeBytes && (i+1 == len(entries) || !bytes.Equal(entries[i+1].Key, e.Key)) {
			if err := flushBlock(); err != nil {
				return fail(kverrors.Wrap("Build", kverrors.System, "flush data block", err))
			}
		}
	}
	if err := flushBlock(); err != nil {
		return fail(kverrors.Wrap("Build", kverrors.System, "flush final data block", err))
	}

	indexOffset := offset
	for _, ie := range index {
		if err := writeIndexEntry(w, ie); err != nil {
			return fail(kverrors.Wrap("Build", kverrors.System, "write index entry", err))
		}
	}
	indexLen, err := indexByteLen(index)
	if err != nil {
		return fail(err)
	}
	offset += uint64(indexLen)

	bloomData := bloom.MarshalBinary()
	bloomOffset := offset
	if _, err := w.Write(bloomData); err != nil {
		return fail(kverrors.Wrap("Build", kverrors.System, "write bloom filter", err))
	}
	offset += uint64(len(bloomData))

	f := &footer{
		indexOffset: indexOffset,
		indexLength: uint64(indexLen),
		bloomOffset: bloomOffset,
		bloomLength: uint64(len(bloomData)),
		bloomSize:   uint32(bloom.Size()),
		bloomHashes: uint32(bloom.HashCount()),
		entryCount:  uint64(len(entries)),
		minKey:      entries[0].Key,
		maxKey:      entries[len(entries)-1].Key,
	}
	if err := writeFooter(w, f); err != nil {
		return fail(kverrors.Wrap("Build", kverrors.System, "write footer", err))
	}

	if err := w.Flush(); err != nil {
		return fail(kverrors.Wrap("Build", kverrors.System, "flush writer", err))
	}
	if err := file.Sync(); err != nil {
		return fail(kverrors.Wrap("Build", kverrors.System, "sync sstable file", err))
	}
	info, err := file.Stat()
	if err != nil {
		return fail(kverrors.Wrap("Build", kverrors.System, "stat sstable file", err))
	}
	if err := file.Close(); err != nil {
		return Meta{}, kverrors.Wrap("Build", kverrors.System, "close sstable file", err)
	}

	return Meta{
		Path:       path,
		MinKey:     append([]byte(nil), f.minKey...),
		MaxKey:     append([]byte(nil), f.maxKey...),
		EntryCount: len(entries),
		ByteSize:   info.Size(),
	}, nil
}

func entryLess(a, b *Entry) bool {
	c := bytes.Compare(a.Key, b.Key)
	if c != 0 {
		return c < 0
	}
	return a.Seq > b.Seq
}
