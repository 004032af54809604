package vmm

import (
	"kernel64/kernel"
	"kernel64/kernel/mem"
)

// PageTableEntryFlag describes a control bit of a page-table entry at any
// level of the hierarchy.
type PageTableEntryFlag uint64

const (
	// FlagPresent marks the entry as valid.
	FlagPresent PageTableEntryFlag = 1 << 0

	// FlagRW allows writes through the entry.
	FlagRW PageTableEntryFlag = 1 << 1

	// FlagUser allows user-mode access (U/S bit).
	FlagUser PageTableEntryFlag = 1 << 2

	// FlagWriteThrough selects write-through caching (PWT).
	FlagWriteThrough PageTableEntryFlag = 1 << 3

	// FlagCacheDisable disables caching (PCD).
	FlagCacheDisable PageTableEntryFlag = 1 << 4

	// FlagHugePage selects a 2 MiB or 1 GiB page in a directory entry.
	FlagHugePage PageTableEntryFlag = 1 << 7

	// FlagNoExecute forbids instruction fetches (NX).
	FlagNoExecute PageTableEntryFlag = 1 << 63

	// flagMask covers every control bit the managers ever set.
	flagMask = FlagPresent | FlagRW | FlagUser | FlagWriteThrough | FlagCacheDisable | FlagNoExecute
)

const (
	// ptePhysPageMask selects bits 12-51 of an entry.
	ptePhysPageMask = uint64(0x000FFFFFFFFFF000)

	// Bits 52-59 of a PML4 entry are available to software and hold the
	// bootstrap allocator index of the table the entry points to.
	backingIndexShift = 52
	backingIndexMask  = uint64(0xFF) << backingIndexShift

	// NoBackingIndex marks a PML4 entry whose child table was not handed
	// out by the bootstrap allocator.
	NoBackingIndex = uint8(0xFF)
)

// pageTableEntry is a raw 64-bit entry.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(pte)&uint64(flags) == uint64(flags)
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Address returns the physical address the entry points to. A zero result
// means the entry is empty.
func (pte pageTableEntry) Address() uint64 {
	return uint64(pte) & ptePhysPageMask
}

// Flags returns the control bits of the entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte)) & flagMask
}

// backingIndex returns the software index stashed in bits 52-59.
func (pte pageTableEntry) backingIndex() uint8 {
	return uint8((uint64(pte) & backingIndexMask) >> backingIndexShift)
}

// makeEntry validates that addr only uses bits 12-51 and combines it with
// flags.
func makeEntry(what string, addr uint64, flags PageTableEntryFlag) (pageTableEntry, *kernel.Error) {
	if addr&^ptePhysPageMask != 0 {
		if !mem.IsPageAligned(addr) {
			return 0, kernel.Errorf("vmm", kernel.Misalignment, "%s address 0x%x is not page aligned", what, addr)
		}
		return 0, kernel.Errorf("vmm", kernel.Misalignment, "%s address 0x%x contains masked bits", what, addr)
	}

	return pageTableEntry(addr | uint64(flags&flagMask)), nil
}

// Attributes selects the control bits applied to a mapping and to any
// directory entries created for it.
type Attributes struct {
	Executable   bool `json:"executable"`
	Present      bool `json:"present"`
	Writable     bool `json:"writable"`
	Cacheable    bool `json:"cacheable"`
	User         bool `json:"user"`
	WriteThrough bool `json:"write_through"`
}

var (
	// KernelData is a present, writable, cacheable, non-executable
	// supervisor mapping.
	KernelData = Attributes{Present: true, Writable: true, Cacheable: true}

	// KernelCode is a present, executable, read-only supervisor mapping.
	KernelCode = Attributes{Present: true, Executable: true, Cacheable: true}

	// DeviceMemory is an uncached, writable, non-executable mapping for
	// MMIO windows and frame buffers.
	DeviceMemory = Attributes{Present: true, Writable: true}
)

// Flags encodes the attributes as entry bits.
func (a Attributes) Flags() PageTableEntryFlag {
	var flags PageTableEntryFlag
	if a.Present {
		flags |= FlagPresent
	}
	if a.Writable {
		flags |= FlagRW
	}
	if a.User {
		flags |= FlagUser
	}
	if a.WriteThrough {
		flags |= FlagWriteThrough
	}
	if !a.Cacheable {
		flags |= FlagCacheDisable
	}
	if !a.Executable {
		flags |= FlagNoExecute
	}
	return flags
}

// AttributesFromFlags decodes entry bits.
func AttributesFromFlags(flags PageTableEntryFlag) Attributes {
	return Attributes{
		Executable:   flags&FlagNoExecute == 0,
		Present:      flags&FlagPresent != 0,
		Writable:     flags&FlagRW != 0,
		Cacheable:    flags&FlagCacheDisable == 0,
		User:         flags&FlagUser != 0,
		WriteThrough: flags&FlagWriteThrough != 0,
	}
}

// widen returns existing with any permission granted by requested added:
// presence, write access, user access and execution. Caching bits are left
// as they are.
func widen(existing, requested PageTableEntryFlag) PageTableEntryFlag {
	out := existing | (requested & (FlagPresent | FlagRW | FlagUser))
	if requested&FlagNoExecute == 0 {
		out &^= FlagNoExecute
	}
	return out
}
