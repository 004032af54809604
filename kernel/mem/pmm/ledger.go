// Package pmm tracks which physical ranges have been handed out during boot.
package pmm

import (
	"sync"

	"kernel64/kernel"
	"kernel64/kernel/kfmt"
	"kernel64/kernel/mem"
	"kernel64/kernel/mem/memmap"
	"kernel64/kernel/trace"
)

// DefaultCapacity is the number of blobs a Ledger tracks unless told
// otherwise. Every bootstrap page table consumes one blob.
const DefaultCapacity = 0x40

// Policy controls which memory-map regions a reservation may land in.
type Policy uint8

const (
	// Normal reservations must lie inside a single Usable region.
	Normal Policy = iota

	// AllowReserved also accepts firmware Reserved regions.
	AllowReserved

	// Unconditional skips the memory-map check altogether. Used for MMIO
	// windows that the firmware does not report.
	Unconditional
)

func (p Policy) String() string {
	switch p {
	case Normal:
		return "normal"
	case AllowReserved:
		return "allow-reserved"
	case Unconditional:
		return "unconditional"
	default:
		return "unknown"
	}
}

// Blob is one reserved physical range. A zero Length marks a free slot.
type Blob struct {
	Address uint64 `json:"address"`
	Length  uint64 `json:"length"`
}

// End returns the first address past the blob.
func (b Blob) End() uint64 { return b.Address + b.Length }

// IsFree reports whether the slot is unused.
func (b Blob) IsFree() bool { return b.Length == 0 }

// Overlaps reports whether [addr, addr+length) intersects the blob.
func (b Blob) Overlaps(addr, length uint64) bool {
	return !b.IsFree() && addr < b.End() && b.Address < addr+length
}

// Ledger is a fixed-capacity record of reserved physical ranges. Entries are
// never released.
type Ledger struct {
	mu        sync.Mutex
	memoryMap *memmap.Map
	blobs     []Blob
	used      int
	log       *kfmt.Logger
	recorder  trace.Recorder
}

// NewLedger creates a ledger over memoryMap able to track capacity blobs.
// A nil recorder disables tracing.
func NewLedger(memoryMap *memmap.Map, capacity int, log *kfmt.Logger, recorder trace.Recorder) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if recorder == nil {
		recorder = trace.NopRecorder{}
	}

	return &Ledger{
		memoryMap: memoryMap,
		blobs:     make([]Blob, capacity),
		log:       log,
		recorder:  recorder,
	}
}

// MemoryMap returns the map the ledger validates against.
func (l *Ledger) MemoryMap() *memmap.Map {
	return l.memoryMap
}

// Capacity returns the maximum number of blobs.
func (l *Ledger) Capacity() int {
	return len(l.blobs)
}

// Reserve records [location, location+amount) as in use and returns the
// blob index. The range is checked against the memory map according to
// policy and must not intersect an existing blob.
func (l *Ledger) Reserve(location, amount uint64, policy Policy) (int, *kernel.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == 0 {
		return -1, kernel.Errorf("pmm", kernel.InvalidArgument, "cannot reserve 0 bytes @ 0x%x", location)
	}
	if location+amount < location {
		return -1, kernel.Errorf("pmm", kernel.InvalidArgument, "0x%x for 0x%x wraps the address space", location, amount)
	}

	if policy == Unconditional {
		return l.reserveLocked(location, amount, location, location+amount)
	}

	index := l.memoryMap.Find(location, amount)
	if index < 0 {
		l.log.Printf("0x%x..0x%x for 0x%x not in memory range (of any type)\n", location, location+amount, amount)
		l.memoryMap.Dump(l.log)
		return -1, kernel.Errorf("pmm", kernel.MemoryMapInconsistency, "0x%x..0x%x is not inside any memory map entry", location, location+amount)
	}

	entry := l.memoryMap.Entry(index)
	switch kind := entry.Kind(); {
	case kind == memmap.Usable:
	case kind == memmap.Reserved && policy == AllowReserved:
	default:
		l.log.Printf("0x%x is in a %s region. Cannot use.\n", location, kind)
		l.memoryMap.Dump(l.log)
		return -1, kernel.Errorf("pmm", kernel.MemoryMapInconsistency, "0x%x is in a %s region", location, kind)
	}

	return l.reserveLocked(location, amount, entry.BaseAddress, entry.End())
}

func (l *Ledger) reserveLocked(location, amount, regionStart, regionEnd uint64) (int, *kernel.Error) {
	free := -1
	for i, b := range l.blobs {
		if b.IsFree() {
			if free < 0 {
				free = i
			}
			continue
		}

		if b.Overlaps(location, amount) {
			l.log.Printf("0x%x for 0x%x overlaps with index %d 0x%x for 0x%x\n", location, amount, i, b.Address, b.Length)
			l.memoryMap.Dump(l.log)
			return -1, kernel.Errorf("pmm", kernel.Overlap, "0x%x for 0x%x overlaps with index %d 0x%x for 0x%x", location, amount, i, b.Address, b.Length)
		}
	}

	if free < 0 {
		l.log.Printf("no free blob for 0x%x bytes @ 0x%x\n", amount, location)
		l.memoryMap.Dump(l.log)
		l.dumpBlobsLocked()
		return -1, kernel.Errorf("pmm", kernel.Exhaustion, "all %d blobs are in use", len(l.blobs))
	}

	l.blobs[free] = Blob{Address: location, Length: amount}
	l.used++

	l.log.Printf("Reserved 0x%x bytes @ 0x%x within 0x%x..0x%x index %d\n", amount, location, regionStart, regionEnd, free)
	l.recorder.Record(trace.NewEvent(trace.KindReserve, "blob", location, amount, ""))

	return free, nil
}

// ReserveWherever finds and reserves the lowest aligned range of size bytes
// inside a Usable region that does not intersect any blob. Regions are
// visited by ascending base address regardless of memory-map order.
func (l *Ledger) ReserveWherever(size, alignment uint64) (uint64, *kernel.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if size == 0 {
		return 0, kernel.Errorf("pmm", kernel.InvalidArgument, "cannot reserve 0 bytes")
	}
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return 0, kernel.Errorf("pmm", kernel.InvalidArgument, "alignment 0x%x is not a power of two", alignment)
	}

	for _, entry := range l.memoryMap.Sorted() {
		if entry.Kind() != memmap.Usable {
			continue
		}

		candidate := mem.AlignUp(entry.BaseAddress, alignment)
		for candidate >= entry.BaseAddress && candidate+size <= entry.End() && candidate+size > candidate {
			blocker := l.firstOverlapLocked(candidate, size)
			if blocker < 0 {
				if _, err := l.reserveLocked(candidate, size, entry.BaseAddress, entry.End()); err != nil {
					return 0, err
				}
				return candidate, nil
			}
			candidate = mem.AlignUp(l.blobs[blocker].End(), alignment)
		}
	}

	l.log.Printf("no usable range of 0x%x bytes aligned to 0x%x\n", size, alignment)
	l.memoryMap.Dump(l.log)
	return 0, kernel.Errorf("pmm", kernel.Exhaustion, "no usable range of 0x%x bytes aligned to 0x%x", size, alignment)
}

func (l *Ledger) firstOverlapLocked(addr, length uint64) int {
	for i, b := range l.blobs {
		if b.Overlaps(addr, length) {
			return i
		}
	}
	return -1
}

// IsReserved reports whether any part of [addr, addr+length) is reserved.
func (l *Ledger) IsReserved(addr, length uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if length == 0 {
		length = 1
	}
	return l.firstOverlapLocked(addr, length) >= 0
}

// Contains reports whether a single blob covers all of [addr, addr+length).
func (l *Ledger) Contains(addr, length uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range l.blobs {
		if !b.IsFree() && b.Address <= addr && addr+length <= b.End() {
			return true
		}
	}
	return false
}

// Blobs returns the occupied slots in index order.
func (l *Ledger) Blobs() []Blob {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Blob, 0, l.used)
	for _, b := range l.blobs {
		if !b.IsFree() {
			out = append(out, b)
		}
	}
	return out
}

// DumpBlobs writes every occupied slot to the log.
func (l *Ledger) DumpBlobs() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dumpBlobsLocked()
}

func (l *Ledger) dumpBlobsLocked() {
	var total uint64
	for i, b := range l.blobs {
		if b.IsFree() {
			continue
		}
		l.log.Printf("%d: 0x%x..0x%x (0x%x)\n", i, b.Address, b.End(), b.Length)
		total += b.Length
	}
	l.log.Printf("%d/%d blobs used, %dKb reserved\n", l.used, len(l.blobs), total/uint64(mem.Kb))
}
