// Package memmap models the physical memory map reported by the firmware
// (INT 15h, E820) and handed to the kernel by the boot stage.
package memmap

import (
	"golang.org/x/exp/slices"

	"kernel64/kernel"
	"kernel64/kernel/kfmt"
)

// MaxEntries is the largest number of regions a Map can hold.
const MaxEntries = 32

// Kind classifies a memory region.
type Kind uint8

const (
	Undefined Kind = iota
	Usable
	Reserved
	ACPIReclaimable
	ACPINVS
	Unusable
	Disabled
	PersistentMemory
	OEMDefined
)

var kindNames = [...]string{
	Undefined:        "Undefined",
	Usable:           "Usable",
	Reserved:         "Reserved",
	ACPIReclaimable:  "ACPIReclaimable",
	ACPINVS:          "ACPINVS",
	Unusable:         "Unusable",
	Disabled:         "Disabled",
	PersistentMemory: "PersistentMemory",
	OEMDefined:       "OEMDefined",
}

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[Undefined]
}

// ParseKind returns the Kind whose name matches s (case-sensitive).
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return Undefined, false
}

// RawType returns the firmware type code that decodes to k.
func (k Kind) RawType() uint32 {
	switch k {
	case Usable, Reserved, ACPIReclaimable, ACPINVS, Unusable, Disabled, PersistentMemory:
		return uint32(k)
	case OEMDefined:
		return 12
	default:
		return 0
	}
}

// Entry is a single firmware-reported region.
type Entry struct {
	BaseAddress uint64 `json:"base" yaml:"base"`
	Length      uint64 `json:"length" yaml:"length"`
	Type        uint32 `json:"type" yaml:"type"`
	Attributes  uint32 `json:"attributes" yaml:"attributes"`
}

// Kind decodes the raw firmware type.
func (e Entry) Kind() Kind {
	switch {
	case e.Type >= 1 && e.Type <= 7:
		return Kind(e.Type)
	case e.Type == 12, e.Type >= 0xF0000000:
		return OEMDefined
	default:
		return Undefined
	}
}

// End returns the first address past the region.
func (e Entry) End() uint64 {
	return e.BaseAddress + e.Length
}

// Contains reports whether [addr, addr+length) lies inside the region.
func (e Entry) Contains(addr, length uint64) bool {
	return e.BaseAddress <= addr && addr+length <= e.End() && addr+length >= addr
}

// Overlaps reports whether [addr, addr+length) shares any byte with the
// region.
func (e Entry) Overlaps(addr, length uint64) bool {
	return length != 0 && e.Length != 0 && addr < e.End() && e.BaseAddress < addr+length
}

// RegionVisitor is invoked by VisitRegions for each entry. Returning false
// stops the scan.
type RegionVisitor func(index int, entry Entry) bool

// Map is an immutable, bounded list of memory regions.
type Map struct {
	entries []Entry
}

var errTooManyEntries = &kernel.Error{Module: "memmap", Kind: kernel.MemoryMapInconsistency, Message: "memory map holds more entries than supported"}

// New builds a Map from entries in the order given.
func New(entries []Entry) (*Map, *kernel.Error) {
	if len(entries) > MaxEntries {
		return nil, errTooManyEntries
	}

	return &Map{entries: slices.Clone(entries)}, nil
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.entries)
}

// Entry returns the entry at index.
func (m *Map) Entry(index int) Entry {
	return m.entries[index]
}

// Entries returns a copy of all entries in their original order.
func (m *Map) Entries() []Entry {
	return slices.Clone(m.entries)
}

// Sorted returns a copy of the entries ordered by ascending base address.
func (m *Map) Sorted() []Entry {
	sorted := slices.Clone(m.entries)
	slices.SortStableFunc(sorted, compareBase)
	return sorted
}

func compareBase(a, b Entry) int {
	switch {
	case a.BaseAddress < b.BaseAddress:
		return -1
	case a.BaseAddress > b.BaseAddress:
		return 1
	default:
		return 0
	}
}

// VisitRegions invokes visitor for every entry in order.
func (m *Map) VisitRegions(visitor RegionVisitor) {
	for i, e := range m.entries {
		if !visitor(i, e) {
			return
		}
	}
}

// Find returns the index of the first entry that fully contains
// [addr, addr+length), or -1.
func (m *Map) Find(addr, length uint64) int {
	for i, e := range m.entries {
		if e.Contains(addr, length) {
			return i
		}
	}
	return -1
}

// IsValid reports whether [addr, addr+length) lies inside a region of the
// requested kind. Only the first containing entry is considered.
func (m *Map) IsValid(addr, length uint64, kind Kind) bool {
	index := m.Find(addr, length)
	return index >= 0 && m.entries[index].Kind() == kind
}

// Validate checks that entries are sorted by base address and do not
// overlap.
func (m *Map) Validate() *kernel.Error {
	if !slices.IsSortedFunc(m.entries, compareBase) {
		return kernel.Errorf("memmap", kernel.MemoryMapInconsistency, "memory map entries are not sorted by base address")
	}

	for i := 1; i < len(m.entries); i++ {
		prev, cur := m.entries[i-1], m.entries[i]
		if cur.BaseAddress < prev.End() {
			return kernel.Errorf("memmap", kernel.MemoryMapInconsistency,
				"entry %d (0x%x - 0x%x) overlaps entry %d (0x%x - 0x%x)",
				i, cur.BaseAddress, cur.End(), i-1, prev.BaseAddress, prev.End())
		}
	}

	return nil
}

// Dump writes one line per entry, last entry first, so that the lowest
// regions remain visible on a scrolling console.
func (m *Map) Dump(log *kfmt.Logger) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		last := e.BaseAddress
		if e.Length != 0 {
			last = e.End() - 1
		}
		log.Printf("%d: %s 0x%x - 0x%x (0x%x)\n", i, e.Kind(), e.BaseAddress, last, e.Length)
	}
	log.Printf("size is %d\n", len(m.entries))
}
