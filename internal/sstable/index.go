package sstable

import (
	"encoding/binary"
	"io"
)

// writeIndexEntry writes key_len(4) | key | offset(8) | length(4).
func writeIndexEntry(w io.Writer, ie indexEntry) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(ie.firstKey)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(ie.firstKey); err != nil {
		return err
	}
	var tail [12]byte
	binary.LittleEndian.PutUint64(tail[0:8], ie.offset)
	binary.LittleEndian.PutUint32(tail[8:12], ie.length)
	_, err := w.Write(tail[:])
	return err
}

func indexByteLen(entries []indexEntry) (int, error) {
	total := 0
	for _, ie := range entries {
		total += 4 + len(ie.firstKey) + 12
	}
	return total, nil
}

func decodeIndex(data []byte, count int) ([]indexEntry, error) {
	out := make([]indexEntry, 0, count)
	off := 0
	for off < len(data) {
		if off+4 > len(data) {
			break
		}
		klen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+klen+12 > len(data) {
			break
		}
		key := data[off : off+klen]
		off += klen
		offset := binary.LittleEndian.Uint64(data[off : off+8])
		length := binary.LittleEndian.Uint32(data[off+8 : off+12])
		off += 12
		out = append(out, indexEntry{firstKey: append([]byte(nil), key...), offset: offset, length: length})
	}
	return out, nil
}
