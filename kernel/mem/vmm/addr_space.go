package vmm

import (
	"kernel64/kernel"
	"kernel64/kernel/mem"
	"kernel64/kernel/mem/physmem"
)

// leafVisitor is invoked for every leaf table reachable from the PML4, in
// ascending virtual order. base is the virtual address of entry 0.
type leafVisitor func(base, tablePhys uint64, table *physmem.Table) bool

// visitLeafTables walks every present directory entry depth-first.
func (m *Manager) visitLeafTables(visitor leafVisitor) *kernel.Error {
	root, rootPhys, err := m.root()
	if err != nil {
		return err
	}

	var visit func(level int, table *physmem.Table, tablePhys uint64, idx Indices) (bool, *kernel.Error)
	visit = func(level int, table *physmem.Table, tablePhys uint64, idx Indices) (bool, *kernel.Error) {
		if level == levelPT {
			return visitor(idx.Address(), tablePhys, table), nil
		}

		for i := 0; i < mem.EntriesPerTable; i++ {
			entry := pageTableEntry(table[i])
			if entry.Address() == 0 || !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
				continue
			}

			child, err := m.tableAt(entry.Address())
			if err != nil {
				return false, err
			}

			next := idx
			switch level {
			case levelPML4:
				next.PML4 = i
			case levelPDPT:
				next.PDPT = i
			case levelPD:
				next.PD = i
			}

			if ok, err := visit(level+1, child, entry.Address(), next); !ok || err != nil {
				return false, err
			}
		}
		return true, nil
	}

	_, err = visit(levelPML4, root, rootPhys, Indices{})
	return err
}

// FreeVirtualAddress returns the lowest canonical address of pages
// consecutive non-present leaf slots. Only leaf tables that already exist
// are searched and none are allocated, so a hierarchy whose leaf tables are
// all full reports Exhaustion even when most of the address space is
// unmapped. Address 0 is never returned.
func (m *Manager) FreeVirtualAddress(pages uint64) (uint64, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.freeVirtualAddressLocked(pages)
}

func (m *Manager) freeVirtualAddressLocked(pages uint64) (uint64, *kernel.Error) {
	if pages == 0 {
		return 0, kernel.Errorf("vmm", kernel.InvalidArgument, "cannot search for 0 free pages")
	}

	var (
		runStart, runLen uint64
		nextExpected     uint64
		found            bool
	)

	err := m.visitLeafTables(func(base, _ uint64, table *physmem.Table) bool {
		for i := 0; i < mem.EntriesPerTable; i++ {
			addr := Canonicalize(base + uint64(i)*uint64(mem.PageSize))
			if addr == 0 || pageTableEntry(table[i]).HasFlags(FlagPresent) {
				runLen = 0
				continue
			}

			if runLen == 0 || addr != nextExpected {
				runStart, runLen = addr, 0
			}
			runLen++
			nextExpected = addr + uint64(mem.PageSize)

			if runLen == pages {
				found = true
				return false
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	if !found {
		m.log.Printf("no run of %d free pages in the existing page tables\n", pages)
		return 0, kernel.Errorf("vmm", kernel.Exhaustion, "no run of %d free virtual pages", pages)
	}

	m.log.Printf("Found %d free pages @ 0x%x\n", pages, runStart)
	return runStart, nil
}

// MapPhysicalAnywhere maps [phys, phys+length) at the first free virtual
// range found by FreeVirtualAddress and returns its address.
func (m *Manager) MapPhysicalAnywhere(phys, length uint64, attrs Attributes) (uint64, *kernel.Error) {
	if !mem.IsPageAligned(phys) {
		return 0, kernel.Errorf("vmm", kernel.Misalignment, "physical address 0x%x is not page aligned", phys)
	}
	if length == 0 {
		return 0, kernel.Errorf("vmm", kernel.InvalidArgument, "cannot map 0 bytes")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pages := mem.Size(length).Pages()
	allocation := pages << mem.PageShift
	if allocation != length {
		m.log.Printf("Request was %d short\n", allocation-length)
	}

	virt, err := m.freeVirtualAddressLocked(pages)
	if err != nil {
		return 0, err
	}

	if err := m.mapSpanningLocked(phys, virt, allocation, attrs); err != nil {
		return 0, err
	}
	return virt, nil
}

// TableInfo summarises one table of the hierarchy.
type TableInfo struct {
	Level    int    `json:"level"`
	Name     string `json:"name"`
	Physical uint64 `json:"physical"`
	Virtual  uint64 `json:"virtual"`
	Base     uint64 `json:"base"`
	Present  int    `json:"present"`
}

// Tables lists every leaf table with the virtual range it covers and the
// number of present entries.
func (m *Manager) Tables() ([]TableInfo, *kernel.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []TableInfo
	err := m.visitLeafTables(func(base, tablePhys uint64, table *physmem.Table) bool {
		info := TableInfo{Level: levelPT, Name: levelNames[levelPT], Physical: tablePhys, Base: base}
		info.Virtual, _ = m.allocator.LookupPhysical(tablePhys)
		for _, e := range table {
			if pageTableEntry(e).HasFlags(FlagPresent) {
				info.Present++
			}
		}
		out = append(out, info)
		return true
	})

	return out, err
}
