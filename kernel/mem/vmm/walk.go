package vmm

import (
	"kernel64/kernel"
	"kernel64/kernel/mem/physmem"
)

// Slot identifies one entry visited while walking the hierarchy.
type Slot struct {
	Level int    `json:"level"`
	Name  string `json:"name"`
	Table uint64 `json:"table"`
	Index int    `json:"index"`
	Entry uint64 `json:"entry"`
}

// Present reports whether the slot's entry is valid.
func (s Slot) Present() bool {
	return pageTableEntry(s.Entry).HasFlags(FlagPresent)
}

// Address returns the physical address the slot's entry points to.
func (s Slot) Address() uint64 {
	return pageTableEntry(s.Entry).Address()
}

// pageTableWalker is invoked for each level of a walk with the table's
// physical address, its contents and the index selected by the address. If
// it returns false the walk stops.
type pageTableWalker func(level int, tablePhys uint64, table *physmem.Table, index int) (bool, *kernel.Error)

// walk visits the entry for virt at every level, starting at the PML4. The
// next table is read from the entry after walkFn returns, so walkFn may
// install it.
func (m *Manager) walk(virt uint64, walkFn pageTableWalker) *kernel.Error {
	table, tablePhys, err := m.root()
	if err != nil {
		return err
	}

	idx := IndicesFor(virt)
	for level := 0; level < pageLevels; level++ {
		index := idx.at(level)

		ok, err := walkFn(level, tablePhys, table, index)
		if err != nil || !ok || level == levelPT {
			return err
		}

		tablePhys = pageTableEntry(table[index]).Address()
		if tablePhys == 0 {
			return kernel.Errorf("vmm", kernel.InvalidMapping, "%s entry %d for 0x%x is empty", levelNames[level], index, virt)
		}

		if table, err = m.tableAt(tablePhys); err != nil {
			return err
		}
	}

	return nil
}

// Walk returns the slots visited while resolving virt, stopping after the
// first entry that is not present.
func (m *Manager) Walk(virt uint64) ([]Slot, *kernel.Error) {
	if !IsCanonical(virt) {
		return nil, kernel.Errorf("vmm", kernel.NonCanonicalAddress, "0x%x is not canonical", virt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.walkLocked(virt)
}

func (m *Manager) walkLocked(virt uint64) ([]Slot, *kernel.Error) {
	var slots []Slot
	err := m.walk(virt, func(level int, tablePhys uint64, table *physmem.Table, index int) (bool, *kernel.Error) {
		slot := Slot{Level: level, Name: levelNames[level], Table: tablePhys, Index: index, Entry: table[index]}
		slots = append(slots, slot)
		return slot.Present(), nil
	})

	return slots, err
}

// Translate returns the physical address virt maps to.
func (m *Manager) Translate(virt uint64) (uint64, *kernel.Error) {
	slots, err := m.Walk(virt)
	if err != nil {
		return 0, err
	}

	leaf := slots[len(slots)-1]
	if len(slots) != pageLevels || !leaf.Present() {
		return 0, kernel.Errorf("vmm", kernel.InvalidMapping, "0x%x is not mapped (%s entry %d not present)", virt, leaf.Name, leaf.Index)
	}

	return leaf.Address() + pageOffset(virt), nil
}
