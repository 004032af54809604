// Package mem holds the page geometry and size arithmetic shared by the
// physical and virtual memory managers.
package mem

const (
	// PageShift is equal to log2(PageSize).
	PageShift = 12

	// PageSize is the granularity of every mapping and every page table.
	PageSize = Size(1 << PageShift)

	// EntriesPerTable is the number of 64-bit entries in one page table at
	// any level of the hierarchy.
	EntriesPerTable = 512

	// TableSpan is the number of bytes of virtual address space covered by
	// a single leaf table.
	TableSpan = Size(EntriesPerTable) * PageSize
)

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages required to hold this size.
func (s Size) Pages() uint64 {
	return uint64(AlignUp(uint64(s), uint64(PageSize)) >> PageShift)
}

// AlignUp rounds v up to the next multiple of align, which must be a power
// of two. An alignment of 0 is treated as 1.
func AlignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align.
func AlignDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v &^ (align - 1)
}

// IsAligned reports whether v is a multiple of align.
func IsAligned(v, align uint64) bool {
	return align == 0 || v&(align-1) == 0
}

// IsPageAligned reports whether addr sits on a page boundary.
func IsPageAligned(addr uint64) bool {
	return addr&uint64(PageSize-1) == 0
}
