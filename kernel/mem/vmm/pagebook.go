package vmm

import (
	"kernel64/kernel"
	"kernel64/kernel/cpu"
	"kernel64/kernel/kfmt"
	"kernel64/kernel/mem"
	"kernel64/kernel/mem/memmap"
	"kernel64/kernel/mem/physmem"
)

// fourGiB bounds the region FromScratch is willing to carve tables from.
const fourGiB = uint64(4 * mem.Gb)

// PageBook is the root of the paging hierarchy: the value loaded into CR3
// plus the virtual address the PML4 can be reached at.
type PageBook struct {
	entry  uint64
	virt   uint64
	active bool
}

// NewPageBook returns a book for the PML4 at phys.
func NewPageBook(writeThrough, cacheDisable bool, phys, virt uint64) (*PageBook, *kernel.Error) {
	if !mem.IsPageAligned(phys) {
		return nil, kernel.Errorf("vmm", kernel.Misalignment, "PML4 address 0x%x is not page aligned", phys)
	}

	entry := phys
	if writeThrough {
		entry |= cpu.CR3WriteThrough
	}
	if cacheDisable {
		entry |= cpu.CR3CacheDisable
	}

	return &PageBook{entry: entry, virt: virt}, nil
}

// FromExistingIdentityMapped adopts the hierarchy that c is currently
// running on. The PML4 is assumed to be identity mapped.
func FromExistingIdentityMapped(c *cpu.CPU) *PageBook {
	cr3 := c.ReadCR3()
	return &PageBook{entry: cr3, virt: cr3 &^ cpu.CR3FlagsMask, active: true}
}

// Physical returns the physical address of the PML4.
func (b *PageBook) Physical() uint64 { return b.entry &^ cpu.CR3FlagsMask }

// Virtual returns the address the PML4 is reachable at.
func (b *PageBook) Virtual() uint64 { return b.virt }

// CR3Value returns the value to load into CR3.
func (b *PageBook) CR3Value() uint64 { return b.entry }

// Active reports whether Activate has been called, or the book was adopted
// from a running CPU.
func (b *PageBook) Active() bool { return b.active }

// Activate loads the book into c.
func (b *PageBook) Activate(c *cpu.CPU) {
	c.SwitchPDT(b.entry)
	b.active = true
}

// CreationResult is returned by FromScratch.
type CreationResult struct {
	Book *PageBook

	// LowestPhysicalAddressUsed is the base of the carved tables. Memory
	// at and above it belongs to the paging structures.
	LowestPhysicalAddressUsed uint64

	// Tables lists the physical addresses of the carved tables from the
	// root down: PML4, PDPT, PD, PT.
	Tables [pageLevels]uint64
}

// FromScratch builds a minimal hierarchy at the top of the first memory-map
// entry that identity maps the first 2 MiB of physical memory. It halts
// through log if the first entry is unsuitable.
func FromScratch(memoryMap *memmap.Map, memory physmem.Memory, log *kfmt.Logger) CreationResult {
	if memoryMap.Len() == 0 {
		log.Panic(kernel.Errorf("vmm", kernel.MemoryMapInconsistency, "memory map is empty"))
		return CreationResult{}
	}

	entry := memoryMap.Entry(0)
	if entry.Kind() != memmap.Usable {
		memoryMap.Dump(log)
		log.Panic(kernel.Errorf("vmm", kernel.MemoryMapInconsistency, "first memory map entry is %s, not usable", entry.Kind()))
		return CreationResult{}
	}

	if entry.Length == 0 {
		log.Panic(kernel.Errorf("vmm", kernel.MemoryMapInconsistency, "first memory map entry is empty"))
		return CreationResult{}
	}

	maxAddress := entry.End() - 1
	if maxAddress >= fourGiB {
		log.Panic(kernel.Errorf("vmm", kernel.MemoryMapInconsistency, "address 0x%x extends beyond the 32-bit space", maxAddress))
		return CreationResult{}
	}

	tableSize := uint64(mem.PageSize)
	if maxAddress+1 < uint64(pageLevels)*tableSize || mem.AlignDown(maxAddress+1, tableSize)-uint64(pageLevels)*tableSize < entry.BaseAddress {
		memoryMap.Dump(log)
		log.Panic(kernel.Errorf("vmm", kernel.MemoryMapInconsistency, "first memory map entry is too small to hold the page tables"))
		return CreationResult{}
	}

	if maxAddress >= memory.Size() {
		log.Panic(kernel.Errorf("vmm", kernel.MemoryMapInconsistency, "address 0x%x is outside physical memory (0x%x bytes)", maxAddress, memory.Size()))
		return CreationResult{}
	}

	// carve PT, PD, PDPT and PML4 downwards from the top of the region
	var tables [pageLevels]uint64
	next := maxAddress + 1
	for level := pageLevels - 1; level >= 0; level-- {
		next = mem.AlignDown(next-tableSize, tableSize)
		tables[level] = next
		log.Printf("%s @ 0x%x\n", levelNames[level], next)

		if err := memory.Zero(next, tableSize); err != nil {
			log.Panic(err)
			return CreationResult{}
		}
	}

	pml4, _ := memory.Table(tables[levelPML4])
	pdpt, _ := memory.Table(tables[levelPDPT])
	pd, _ := memory.Table(tables[levelPD])
	pt, _ := memory.Table(tables[levelPT])

	// first 2 MiB identity mapped, uncached
	bootstrap := Attributes{Present: true, Writable: true, Executable: true}
	directory := Attributes{Present: true, Writable: true, Executable: true, Cacheable: true}

	errs := []*kernel.Error{
		(*PageTable)(pt).SetEntry(0, mem.EntriesPerTable, 0, bootstrap),
		(*PageDirectoryTable)(pd).SetEntry(0, tables[levelPT], directory),
		(*PageDirectoryPointerTable)(pdpt).SetEntry(0, tables[levelPD], directory),
		(*PageMapLevel4Table)(pml4).SetEntry(0, tables[levelPDPT], directory, NoBackingIndex),
	}
	for _, err := range errs {
		if err != nil {
			log.Panic(err)
			return CreationResult{}
		}
	}

	book, err := NewPageBook(false, false, tables[levelPML4], tables[levelPML4])
	if err != nil {
		log.Panic(err)
		return CreationResult{}
	}

	return CreationResult{
		Book:                      book,
		LowestPhysicalAddressUsed: tables[levelPML4],
		Tables:                    tables,
	}
}
