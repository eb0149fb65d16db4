// Package sstable implements the immutable, bit-stable on-disk sorted
// table (spec §3/§4.F): data blocks of sorted entries, a sparse index
// of first-keys-per-block, a bloom filter, and a footer carrying
// offsets, bloom parameters, the entry count and the min/max keys; no
// part of the file carries a checksum. Builder and Reader are grounded on
// the teacher's pkg/lsm/sstable_create.go and pkg/lsm/sstable_read.go,
// generalized from the teacher's single-entry sparse index to real
// block boundaries and from raw bytes to optional snappy-compressed
// blocks (golang/snappy, already in the module's dependency set via
// the WAL).
package sstable

import (
	"encoding/binary"
	"io"

	"github.com/concordkv/concordkv/internal/kverrors"
)

const (
	fileMagic   uint32 = 0x53535442 // "SSTB"
	fileVersion uint16 = 1
)

// Kind mirrors memtable.Kind without importing that package, keeping
// sstable usable independent of the in-memory write buffer.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
)

// Entry is one sorted-table row.
type Entry struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Kind  Kind
}

func (e *Entry) IsTombstone() bool { return e.Kind == KindDelete }

// encodeEntry writes one entry as seq(8) | kind(1) | key_len(4) | key
// | value_len(4) | value, the WAL's record payload shape without its
// timestamp field, so both formats are decodable with the same mental
// model.
func encodeEntry(w io.Writer, e *Entry) (int, error) {
	var hdr [13]byte
	binary.LittleEndian.PutUint64(hdr[0:8], e.Seq)
	hdr[8] = byte(e.Kind)
	binary.LittleEndian.PutUint32(hdr[9:13], uint32(len(e.Key)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(e.Key); err != nil {
		return 0, err
	}
	var vlen [4]byte
	binary.LittleEndian.PutUint32(vlen[:], uint32(len(e.Value)))
	if _, err := w.Write(vlen[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(e.Value); err != nil {
		return 0, err
	}
	return 13 + len(e.Key) + 4 + len(e.Value), nil
}

func decodeEntry(b []byte) (*Entry, int, error) {
	if len(b) < 13 {
		return nil, 0, kverrors.New("decodeEntry", kverrors.Corrupted, "truncated entry header")
	}
	seq := binary.LittleEndian.Uint64(b[0:8])
	kind := Kind(b[8])
	klen := binary.LittleEndian.Uint32(b[9:13])
	off := 13
	if len(b) < off+int(klen)+4 {
		return nil, 0, kverrors.New("decodeEntry", kverrors.Corrupted, "truncated key")
	}
	key := b[off : off+int(klen)]
	off += int(klen)
	vlen := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if len(b) < off+int(vlen) {
		return nil, 0, kverrors.New("decodeEntry", kverrors.Corrupted, "truncated value")
	}
	value := b[off : off+int(vlen)]
	off += int(vlen)
	return &Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...), Seq: seq, Kind: kind}, off, nil
}

// indexEntry records the first key of one data block and where to
// find it, the sparse index spec §4.F describes.
type indexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint32
}

// footer is the fixed-size trailer every reader seeks to first.
type footer struct {
	indexOffset uint64
	indexLength uint64
	bloomOffset uint64
	bloomLength uint64
	bloomSize   uint32
	bloomHashes uint32
	entryCount  uint64
	minKey      []byte
	maxKey      []byte
}

const footerFixedSize = 8 + 8 + 8 + 8 + 4 + 4 + 8 + 4 + 4 // + minKey + maxKey bytes

func writeFooter(w io.Writer, f *footer) error {
	buf := make([]byte, footerFixedSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.indexOffset)
	binary.LittleEndian.PutUint64(buf[8:16], f.indexLength)
	binary.LittleEndian.PutUint64(buf[16:24], f.bloomOffset)
	binary.LittleEndian.PutUint64(buf[24:32], f.bloomLength)
	binary.LittleEndian.PutUint32(buf[32:36], f.bloomSize)
	binary.LittleEndian.PutUint32(buf[36:40], f.bloomHashes)
	binary.LittleEndian.PutUint64(buf[40:48], f.entryCount)
	binary.LittleEndian.PutUint32(buf[48:52], uint32(len(f.minKey)))
	binary.LittleEndian.PutUint32(buf[52:56], uint32(len(f.maxKey)))
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if _, err := w.Write(f.minKey); err != nil {
		return err
	}
	if _, err := w.Write(f.maxKey); err != nil {
		return err
	}
	var magicVer [6]byte
	binary.LittleEndian.PutUint32(magicVer[0:4], fileMagic)
	binary.LittleEndian.PutUint16(magicVer[4:6], fileVersion)
	_, err := w.Write(magicVer[:])
	return err
}

func readFooter(tail []byte) (*footer, error) {
	if len(tail) < 6 {
		return nil, kverrors.New("readFooter", kverrors.Corrupted, "file too short for footer")
	}
	magicVer := tail[len(tail)-6:]
	magic := binary.LittleEndian.Uint32(magicVer[0:4])
	version := binary.LittleEndian.Uint16(magicVer[4:6])
	if magic != fileMagic {
		return nil, kverrors.New("readFooter", kverrors.Corrupted, "bad sstable magic")
	}
	if version != fileVersion {
		return nil, kverrors.New("readFooter", kverrors.NotSupported, "unsupported sstable version")
	}

	body := tail[:len(tail)-6]
	if len(body) < footerFixedSize {
		return nil, kverrors.New("readFooter", kverrors.Corrupted, "truncated footer")
	}
	f := &footer{
		indexOffset: binary.LittleEndian.Uint64(body[0:8]),
		indexLength: binary.LittleEndian.Uint64(body[8:16]),
		bloomOffset: binary.LittleEndian.Uint64(body[16:24]),
		bloomLength: binary.LittleEndian.Uint64(body[24:32]),
		bloomSize:   binary.LittleEndian.Uint32(body[32:36]),
		bloomHashes: binary.LittleEndian.Uint32(body[36:40]),
		entryCount:  binary.LittleEndian.Uint64(body[40:48]),
	}
	minLen := binary.LittleEndian.Uint32(body[48:52])
	maxLen := binary.LittleEndian.Uint32(body[52:56])
	rest := body[56:]
	if len(rest) < int(minLen)+int(maxLen) {
		return nil, kverrors.New("readFooter", kverrors.Corrupted, "truncated footer keys")
	}
	f.minKey = append([]byte(nil), rest[:minLen]...)
	f.maxKey = append([]byte(nil), rest[minLen:minLen+maxLen]...)
	return f, nil
}

// footerTotalSize returns the on-disk size of a footer for given min/max key lengths.
func footerTotalSize(minKeyLen, maxKeyLen int) int {
	return footerFixedSize + minKeyLen + maxKeyLen + 6
}
