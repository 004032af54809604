// Package physmem provides the byte-addressable store that stands in for
// physical RAM. Page tables, bootstrap allocations and zeroing all go through
// a Memory so the paging structures can be built and inspected from a normal
// process.
package physmem

import (
	"kernel64/kernel"
	"kernel64/kernel/mem"
)

// Table is the in-memory view of one page-table page.
type Table = [mem.EntriesPerTable]uint64

// Memory is a physical address space of fixed size.
type Memory interface {
	// Table returns a view of the page at phys as 512 64-bit entries.
	// phys must be page aligned.
	Table(phys uint64) (*Table, *kernel.Error)

	// Zero clears [phys, phys+length).
	Zero(phys, length uint64) *kernel.Error

	// Size returns the number of addressable bytes.
	Size() uint64
}

func checkRange(size, phys, length uint64) *kernel.Error {
	if end := phys + length; end < phys || end > size {
		return kernel.Errorf("physmem", kernel.InvalidArgument, "range 0x%x - 0x%x is outside physical memory (0x%x bytes)", phys, phys+length, size)
	}
	return nil
}

func checkTable(size, phys uint64) *kernel.Error {
	if !mem.IsPageAligned(phys) {
		return kernel.Errorf("physmem", kernel.Misalignment, "table address 0x%x is not page aligned", phys)
	}
	return checkRange(size, phys, uint64(mem.PageSize))
}
