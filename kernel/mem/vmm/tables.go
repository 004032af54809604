package vmm

import (
	"kernel64/kernel"
	"kernel64/kernel/mem"
)

// PageTable is a level-1 table whose entries point at 4 KiB pages.
type PageTable [mem.EntriesPerTable]uint64

// PageDirectoryTable is a level-2 table whose entries point at PageTables.
type PageDirectoryTable [mem.EntriesPerTable]uint64

// PageDirectoryPointerTable is a level-3 table whose entries point at
// PageDirectoryTables.
type PageDirectoryPointerTable [mem.EntriesPerTable]uint64

// PageMapLevel4Table is the root table. Besides pointing at
// PageDirectoryPointerTables its entries carry the bootstrap allocator index
// of their child.
type PageMapLevel4Table [mem.EntriesPerTable]uint64

func checkIndex(index, count int) *kernel.Error {
	if index < 0 || count < 0 || index+count > mem.EntriesPerTable {
		return kernel.Errorf("vmm", kernel.InvalidArgument, "entries %d..%d are outside the table", index, index+count)
	}
	return nil
}

// SetEntry programs count consecutive entries starting at index, mapping
// them to consecutive pages starting at phys.
func (t *PageTable) SetEntry(index, count int, phys uint64, attrs Attributes) *kernel.Error {
	if err := checkIndex(index, count); err != nil {
		return err
	}

	// validate the whole run before touching the table
	if count > 0 {
		last := phys + uint64(count-1)*uint64(mem.PageSize)
		if _, err := makeEntry("PT", last, 0); err != nil {
			return err
		}
	}

	for i := 0; i < count; i++ {
		entry, err := makeEntry("PT", phys+uint64(i)*uint64(mem.PageSize), attrs.Flags())
		if err != nil {
			return err
		}
		t[index+i] = uint64(entry)
	}

	return nil
}

// AddressForEntry returns the page mapped at index, or 0 when empty.
func (t *PageTable) AddressForEntry(index int) uint64 {
	return pageTableEntry(t[index]).Address()
}

// SetEntry points entry index at the page table located at pt.
func (t *PageDirectoryTable) SetEntry(index int, pt uint64, attrs Attributes) *kernel.Error {
	return setDirectoryEntry((*[mem.EntriesPerTable]uint64)(t), "PD", index, pt, attrs.Flags(), 0)
}

// AddressForEntry returns the page table referenced at index, or 0.
func (t *PageDirectoryTable) AddressForEntry(index int) uint64 {
	return pageTableEntry(t[index]).Address()
}

// SetEntry points entry index at the page directory located at pd.
func (t *PageDirectoryPointerTable) SetEntry(index int, pd uint64, attrs Attributes) *kernel.Error {
	return setDirectoryEntry((*[mem.EntriesPerTable]uint64)(t), "PDPT", index, pd, attrs.Flags(), 0)
}

// AddressForEntry returns the page directory referenced at index, or 0.
func (t *PageDirectoryPointerTable) AddressForEntry(index int) uint64 {
	return pageTableEntry(t[index]).Address()
}

// SetEntry points entry index at the PDPT located at pdpt and records
// backingIndex in the entry's available bits.
func (t *PageMapLevel4Table) SetEntry(index int, pdpt uint64, attrs Attributes, backingIndex uint8) *kernel.Error {
	return setDirectoryEntry((*[mem.EntriesPerTable]uint64)(t), "PML4", index, pdpt, attrs.Flags(), backingIndex)
}

// AddressForEntry returns the PDPT referenced at index, or 0.
func (t *PageMapLevel4Table) AddressForEntry(index int) uint64 {
	return pageTableEntry(t[index]).Address()
}

// BackingIndex returns the bootstrap allocator index stored at index.
func (t *PageMapLevel4Table) BackingIndex(index int) uint8 {
	return pageTableEntry(t[index]).backingIndex()
}

func setDirectoryEntry(t *[mem.EntriesPerTable]uint64, what string, index int, child uint64, flags PageTableEntryFlag, backingIndex uint8) *kernel.Error {
	if err := checkIndex(index, 1); err != nil {
		return err
	}

	entry, err := makeEntry(what, child, flags)
	if err != nil {
		return err
	}

	t[index] = uint64(entry) | uint64(backingIndex)<<backingIndexShift
	return nil
}
