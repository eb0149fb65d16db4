// Package walog implements the write-ahead log from spec §4.C/§6: an
// append-only, segment-rotated record log with compaction and
// incremental (background-batched) sync, grounded on the teacher's
// pkg/wal package and generalized from its fixed six-op-type schema to
// the two-kind Put/Delete model this engine needs.
package walog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/golang/snappy"
)

// Kind distinguishes a live write from a tombstone, per spec §3.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
)

const (
	fileMagic   uint32 = 0x57414c31 // "WAL1"
	fileVersion uint16 = 1
)

// Record is a single WAL entry: (seq, kind, key, value, timestamp).
// Compression (when enabled) is applied to the payload transparently
// by Segment and is invisible at this layer.
type Record struct {
	Seq       uint64
	Kind      Kind
	Key       []byte
	Value     []byte
	Timestamp int64
}

// encodePayload serializes a record's payload per the wire format in spec §6:
//
//	seq(8) | op_type(1) | ts(8) | key_len(4) | key | val_len(4) | val
func (r *Record) encodePayload() []byte {
	var buf bytes.Buffer
	buf.Grow(8 + 1 + 8 + 4 + len(r.Key) + 4 + len(r.Value))

	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], r.Seq)
	buf.Write(tmp[:])

	buf.WriteByte(byte(r.Kind))

	binary.LittleEndian.PutUint64(tmp[:], uint64(r.Timestamp))
	buf.Write(tmp[:])

	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(r.Key)))
	buf.Write(tmp4[:])
	buf.Write(r.Key)

	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(r.Value)))
	buf.Write(tmp4[:])
	buf.Write(r.Value)

	return buf.Bytes()
}

func decodePayload(payload []byte) (*Record, error) {
	if len(payload) < 8+1+8+4 {
		return nil, fmt.Errorf("walog: payload too short (%d bytes)", len(payload))
	}
	r := &Record{}
	off := 0

	r.Seq = binary.LittleEndian.Uint64(payload[off:])
	off += 8

	r.Kind = Kind(payload[off])
	off++

	r.Timestamp = int64(binary.LittleEndian.Uint64(payload[off:]))
	off += 8

	keyLen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if off+keyLen > len(payload) {
		return nil, fmt.Errorf("walog: truncated key")
	}
	r.Key = append([]byte(nil), payload[off:off+keyLen]...)
	off += keyLen

	if off+4 > len(payload) {
		return nil, fmt.Errorf("walog: truncated value length")
	}
	valLen := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if off+valLen > len(payload) {
		return nil, fmt.Errorf("walog: truncated value")
	}
	r.Value = append([]byte(nil), payload[off:off+valLen]...)

	return r, nil
}

// writeFramedRecord writes crc32(4) | len(4) | payload to w, optionally
// snappy-compressing the payload first.
func writeFramedRecord(w io.Writer, payload []byte, compress bool) error {
	if compress {
		payload = snappy.Encode(nil, payload)
	}
	checksum := crc32.ChecksumIEEE(payload)

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], checksum)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFramedRecord reads one crc32|len|payload frame. io.EOF is
// returned (unwrapped) at a clean segment boundary and when the file
// ends partway through a frame header; any other
// error, including a checksum mismatch, signals a truncated or
// corrupted tail the caller should stop replay at.
func readFramedRecord(r io.Reader, decompress bool) ([]byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	checksum := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("walog: truncated record body: %w", io.ErrUnexpectedEOF)
	}

	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("walog: crc mismatch, record is corrupted")
	}

	if decompress {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("walog: snappy decode: %w", err)
		}
		return decoded, nil
	}
	return payload, nil
}

func writeFileHeader(w io.Writer, recordCount uint32) error {
	var header [10]byte
	binary.LittleEndian.PutUint32(header[0:4], fileMagic)
	binary.LittleEndian.PutUint16(header[4:6], fileVersion)
	binary.LittleEndian.PutUint32(header[6:10], recordCount)
	_, err := w.Write(header[:])
	return err
}

func readFileHeader(r io.Reader) (recordCount uint32, err error) {
	var header [10]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != fileMagic {
		return 0, fmt.Errorf("walog: bad segment magic %x", magic)
	}
	return binary.LittleEndian.Uint32(header[6:10]), nil
}
