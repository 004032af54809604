package memmap

import (
	"encoding/binary"

	"kernel64/kernel"
)

const (
	// wireHeaderSize is the offset of the first record. The record count
	// occupies the first 8 bytes; the rest of the header is padding.
	wireHeaderSize = 0x10

	// wireRecordSize is the size of one E820 record: base, length, type
	// and extended attributes.
	wireRecordSize = 24
)

// Decode parses the memory map left in memory by the boot stage: a
// little-endian record count followed, at offset 0x10, by packed 24-byte
// E820 records.
func Decode(buf []byte) (*Map, *kernel.Error) {
	if len(buf) < wireHeaderSize {
		return nil, kernel.Errorf("memmap", kernel.MemoryMapInconsistency, "memory map header truncated: got %d bytes", len(buf))
	}

	count := binary.LittleEndian.Uint64(buf)
	if count > MaxEntries {
		return nil, kernel.Errorf("memmap", kernel.MemoryMapInconsistency, "num of (%d) entries is bogus", count)
	}

	if need := wireHeaderSize + count*wireRecordSize; uint64(len(buf)) < need {
		return nil, kernel.Errorf("memmap", kernel.MemoryMapInconsistency, "memory map needs 0x%x bytes for %d entries; got 0x%x", need, count, len(buf))
	}

	entries := make([]Entry, count)
	for i := range entries {
		rec := buf[wireHeaderSize+i*wireRecordSize:]
		entries[i] = Entry{
			BaseAddress: binary.LittleEndian.Uint64(rec[0:]),
			Length:      binary.LittleEndian.Uint64(rec[8:]),
			Type:        binary.LittleEndian.Uint32(rec[16:]),
			Attributes:  binary.LittleEndian.Uint32(rec[20:]),
		}
	}

	return New(entries)
}

// Encode serialises m into the layout accepted by Decode.
func Encode(m *Map) []byte {
	buf := make([]byte, wireHeaderSize+len(m.entries)*wireRecordSize)
	binary.LittleEndian.PutUint64(buf, uint64(len(m.entries)))

	for i, e := range m.entries {
		rec := buf[wireHeaderSize+i*wireRecordSize:]
		binary.LittleEndian.PutUint64(rec[0:], e.BaseAddress)
		binary.LittleEndian.PutUint64(rec[8:], e.Length)
		binary.LittleEndian.PutUint32(rec[16:], e.Type)
		binary.LittleEndian.PutUint32(rec[20:], e.Attributes)
	}

	return buf
}
