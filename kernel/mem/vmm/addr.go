package vmm

import "kernel64/kernel/mem"

const (
	// pageLevels is the depth of the paging hierarchy.
	pageLevels = 4

	levelPML4 = 0
	levelPDPT = 1
	levelPD   = 2
	levelPT   = 3

	// canonicalBits is the width of a virtual address; bits above it
	// must replicate bit canonicalBits-1.
	canonicalBits = 48
)

var (
	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

	// pageLevelBits defines the number of index bits per level.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	levelNames = [pageLevels]string{"PML4", "PDPT", "PD", "PT"}
)

// IsCanonical reports whether bits 48-63 of addr are a sign extension of
// bit 47.
func IsCanonical(addr uint64) bool {
	upper := addr >> (canonicalBits - 1)
	return upper == 0 || upper == (1<<(64-canonicalBits+1))-1
}

// Canonicalize sign-extends bit 47 of addr into bits 48-63.
func Canonicalize(addr uint64) uint64 {
	if addr&(1<<(canonicalBits-1)) != 0 {
		return addr | ^uint64(1<<canonicalBits-1)
	}
	return addr & (1<<canonicalBits - 1)
}

// Indices is the per-level decomposition of a virtual address.
type Indices struct {
	PML4, PDPT, PD, PT int
}

// IndicesFor splits virt into its table indices.
func IndicesFor(virt uint64) Indices {
	var idx [pageLevels]int
	for level := 0; level < pageLevels; level++ {
		idx[level] = int((virt >> pageLevelShifts[level]) & (1<<pageLevelBits[level] - 1))
	}
	return Indices{PML4: idx[levelPML4], PDPT: idx[levelPDPT], PD: idx[levelPD], PT: idx[levelPT]}
}

// at returns the index for level.
func (i Indices) at(level int) int {
	switch level {
	case levelPML4:
		return i.PML4
	case levelPDPT:
		return i.PDPT
	case levelPD:
		return i.PD
	default:
		return i.PT
	}
}

// Address reassembles the canonical virtual address of the page selected
// by the indices.
func (i Indices) Address() uint64 {
	addr := uint64(i.PML4)<<pageLevelShifts[levelPML4] |
		uint64(i.PDPT)<<pageLevelShifts[levelPDPT] |
		uint64(i.PD)<<pageLevelShifts[levelPD] |
		uint64(i.PT)<<pageLevelShifts[levelPT]
	return Canonicalize(addr)
}

// pageOffset returns the offset of virt within its page.
func pageOffset(virt uint64) uint64 {
	return virt & uint64(mem.PageSize-1)
}
