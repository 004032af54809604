package vmm

import (
	"kernel64/kernel"
	"kernel64/kernel/mem"
	"kernel64/kernel/mem/physmem"
	"kernel64/kernel/trace"
)

// Map maps length bytes at phys to virt. Both addresses must be page
// aligned, virt must be canonical and the request must fit inside a single
// leaf table. Missing intermediate tables are allocated and installed with
// the requested attributes; existing ones are widened when attrs grants
// more than they do.
func (m *Manager) Map(phys, virt, length uint64, attrs Attributes) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages, err := m.prepare("Map", phys, virt, length)
	if err != nil || pages == 0 {
		return err
	}

	if pt := IndicesFor(virt).PT; pt+int(pages) > mem.EntriesPerTable {
		m.log.Printf("Mapping %d pages from PT index %d crosses a table boundary\n", pages, pt)
		return kernel.Errorf("vmm", kernel.UnsupportedSpan, "0x%x pages at 0x%x cross the end of the page table (index %d)", pages, virt, pt)
	}

	m.log.Printf("Mapping 0x%x to 0x%x for 0x%x\n", phys, virt, pages*uint64(mem.PageSize))
	return m.mapChunk(phys, virt, int(pages), attrs)
}

// IdentityMap maps [phys, phys+length) to itself.
func (m *Manager) IdentityMap(phys, length uint64, attrs Attributes) *kernel.Error {
	if !mem.IsPageAligned(phys) {
		return kernel.Errorf("vmm", kernel.Misalignment, "identity map address 0x%x is not page aligned", phys)
	}
	return m.Map(phys, phys, length, attrs)
}

// MapSpanning behaves like Map but splits requests that cross leaf tables
// into one chunk per table. The whole range is validated up front; if a
// later chunk fails, chunks already mapped stay mapped.
func (m *Manager) MapSpanning(phys, virt, length uint64, attrs Attributes) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mapSpanningLocked(phys, virt, length, attrs)
}

func (m *Manager) mapSpanningLocked(phys, virt, length uint64, attrs Attributes) *kernel.Error {
	pages, err := m.prepare("MapSpanning", phys, virt, length)
	if err != nil || pages == 0 {
		return err
	}

	m.log.Printf("Mapping 0x%x to 0x%x for 0x%x\n", phys, virt, pages*uint64(mem.PageSize))
	for pages > 0 {
		chunk := (uint64(mem.TableSpan) - virt%uint64(mem.TableSpan)) >> mem.PageShift
		if chunk > pages {
			chunk = pages
		} else {
			m.log.Printf("%d pages available in this table, %d will need to be tried again\n", chunk, pages-chunk)
		}

		if err := m.mapChunk(phys, virt, int(chunk), attrs); err != nil {
			return err
		}

		pages -= chunk
		phys += chunk * uint64(mem.PageSize)
		virt = Canonicalize(virt + chunk*uint64(mem.PageSize))
	}

	m.log.Printf("Mapping complete\n")
	return nil
}

// prepare validates a mapping request and returns its length in pages.
func (m *Manager) prepare(what string, phys, virt, length uint64) (uint64, *kernel.Error) {
	if !mem.IsPageAligned(phys) {
		m.log.Printf("%s - Physical 0x%x is misaligned\n", what, phys)
		return 0, kernel.Errorf("vmm", kernel.Misalignment, "physical address 0x%x is not page aligned", phys)
	}
	if !mem.IsPageAligned(virt) {
		m.log.Printf("%s - Virtual 0x%x is misaligned\n", what, virt)
		return 0, kernel.Errorf("vmm", kernel.Misalignment, "virtual address 0x%x is not page aligned", virt)
	}

	if !IsCanonical(virt) {
		m.log.Printf("%s - Virtual 0x%x is not canonical\n", what, virt)
		return 0, kernel.Errorf("vmm", kernel.NonCanonicalAddress, "0x%x is not canonical", virt)
	}

	if length == 0 {
		m.log.Printf("%s of 0 bytes at 0x%x ignored\n", what, virt)
		return 0, nil
	}

	pages := mem.Size(length).Pages()
	adjusted := pages << mem.PageShift
	if adjusted != length {
		m.log.Printf("Wasted 0x%x in mapping\n", adjusted-length)
	}

	last := virt + adjusted - 1
	if last < virt || !IsCanonical(last) || (virt>>63) != (last>>63) {
		return 0, kernel.Errorf("vmm", kernel.NonCanonicalAddress, "0x%x..0x%x leaves the canonical range", virt, last)
	}

	if lastPhys := phys + adjusted - uint64(mem.PageSize); lastPhys < phys || lastPhys&^ptePhysPageMask != 0 {
		return 0, kernel.Errorf("vmm", kernel.Misalignment, "physical range 0x%x..0x%x exceeds the addressable range", phys, phys+adjusted)
	}

	return pages, nil
}

// mapChunk maps pages that all live in the same leaf table.
func (m *Manager) mapChunk(phys, virt uint64, pages int, attrs Attributes) *kernel.Error {
	idx := IndicesFor(virt)
	m.log.Printf("Requested 0x%x / 0x%x (P/V) will live at %d, %d, %d, %d..%d\n",
		phys, virt, idx.PML4, idx.PDPT, idx.PD, idx.PT, idx.PT+pages)

	return m.walk(virt, func(level int, tablePhys uint64, table *physmem.Table, index int) (bool, *kernel.Error) {
		if level == levelPT {
			if err := (*PageTable)(table).SetEntry(index, pages, phys, attrs); err != nil {
				return false, err
			}

			for i := 0; i < pages; i++ {
				m.flushTLBEntry(virt + uint64(i)*uint64(mem.PageSize))
			}
			m.recorder.Record(trace.NewEvent(trace.KindMap, "leaf", virt, uint64(pages)*uint64(mem.PageSize), hex(phys)))
			return true, nil
		}

		entry := pageTableEntry(table[index])
		if entry.Address() == 0 {
			return true, m.installTable(level, table, index, attrs)
		}

		if entry.HasFlags(FlagHugePage) {
			return false, kernel.Errorf("vmm", kernel.UnsupportedSpan, "%s entry %d maps a huge page", levelNames[level], index)
		}

		m.log.Printf("%s exists @ 0x%x\n", levelNames[level+1], entry.Address())

		existing := entry.Flags()
		if widened := widen(existing, attrs.Flags()); widened != existing {
			entry.ClearFlags(flagMask)
			entry.SetFlags(widened)
			table[index] = uint64(entry)
			m.log.Printf("Widened %s entry %d from 0x%x to 0x%x\n", levelNames[level], index, uint64(existing), uint64(widened))
			m.recorder.Record(trace.NewEvent(trace.KindWiden, levelNames[level], tablePhys, uint64(index), hex(uint64(widened))))
			m.flushTLBEntry(virt)
		}

		return true, nil
	})
}

// installTable allocates the child of table[index] and points the entry at
// it.
func (m *Manager) installTable(level int, table *physmem.Table, index int, attrs Attributes) *kernel.Error {
	childVirt, childPhys, backing := m.allocator.AllocateTable()
	if err := m.memory.Zero(childPhys, uint64(mem.PageSize)); err != nil {
		return err
	}

	var err *kernel.Error
	switch level {
	case levelPML4:
		bi := NoBackingIndex
		if backing >= 0 && backing < int(NoBackingIndex) {
			bi = uint8(backing)
		}
		err = (*PageMapLevel4Table)(table).SetEntry(index, childPhys, attrs, bi)
	case levelPDPT:
		err = (*PageDirectoryPointerTable)(table).SetEntry(index, childPhys, attrs)
	case levelPD:
		err = (*PageDirectoryTable)(table).SetEntry(index, childPhys, attrs)
	}
	if err != nil {
		return err
	}

	child := levelNames[level+1]
	m.log.Printf("Allocated a new %s @ 0x%x / 0x%x (P/V)\n", child, childPhys, childVirt)
	if childPhys == childVirt {
		m.log.Printf("%s is identity mapped\n", child)
	}
	m.recorder.Record(trace.NewEvent(trace.KindTable, child, childPhys, uint64(mem.PageSize), hex(childVirt)))

	return nil
}

// Unmap clears the Present bit of every leaf entry in [virt, virt+length).
// Tables are never released. Every page must currently be mapped.
func (m *Manager) Unmap(virt, length uint64) *kernel.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages, err := m.prepare("Unmap", 0, virt, length)
	if err != nil || pages == 0 {
		return err
	}

	leaves := make([]*uint64, 0, pages)
	for i := uint64(0); i < pages; i++ {
		page := Canonicalize(virt + i*uint64(mem.PageSize))
		err := m.walk(page, func(level int, _ uint64, table *physmem.Table, index int) (bool, *kernel.Error) {
			if !pageTableEntry(table[index]).HasFlags(FlagPresent) {
				return false, kernel.Errorf("vmm", kernel.InvalidMapping, "0x%x is not mapped (%s entry %d not present)", page, levelNames[level], index)
			}
			if level == levelPT {
				leaves = append(leaves, &table[index])
			}
			return true, nil
		})
		if err != nil {
			return err
		}
	}

	for i, leaf := range leaves {
		e := pageTableEntry(*leaf)
		e.ClearFlags(FlagPresent)
		*leaf = uint64(e)
		m.flushTLBEntry(Canonicalize(virt + uint64(i)*uint64(mem.PageSize)))
	}

	m.recorder.Record(trace.NewEvent(trace.KindUnmap, "leaf", virt, pages*uint64(mem.PageSize), ""))
	m.log.Printf("Unmapped 0x%x pages at 0x%x\n", pages, virt)
	return nil
}
