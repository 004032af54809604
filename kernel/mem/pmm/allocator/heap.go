// Package allocator implements the bootstrap allocator used to carve page
// tables and other early structures out of a fixed physical region.
package allocator

import (
	"sync"

	"kernel64/kernel"
	"kernel64/kernel/kfmt"
	"kernel64/kernel/mem"
	"kernel64/kernel/mem/physmem"
	"kernel64/kernel/mem/pmm"
	"kernel64/kernel/trace"
)

// DefaultMaxTranslations bounds the translation table unless configured
// otherwise.
const DefaultMaxTranslations = 0x40

// NoTranslation is returned as the index of a failed lookup.
const NoTranslation = -1

// Translation pairs a physical range with the virtual address it is
// reachable at.
type Translation struct {
	Physical uint64 `json:"physical"`
	Virtual  uint64 `json:"virtual"`
	Length   uint64 `json:"length"`
}

func (t Translation) hasVirtual(virt uint64) bool {
	return t.Virtual <= virt && virt-t.Virtual < t.Length
}

func (t Translation) hasPhysical(phys uint64) bool {
	return t.Physical <= phys && phys-t.Physical < t.Length
}

// Config describes the bootstrap region.
type Config struct {
	// Base is the physical start of the region.
	Base uint64

	// Size is the number of bytes available.
	Size uint64

	// VirtualBase is the virtual address Base is reachable at. It equals
	// Base when the region is identity mapped.
	VirtualBase uint64

	// MaxTranslations bounds the number of recorded allocations.
	MaxTranslations int
}

// BootstrapDumbHeap hands out zeroed, never-freed chunks of a fixed region
// by bumping a cursor. Every allocation is reserved in the ledger and
// remembered so its physical and virtual addresses can be converted back and
// forth. Any failure halts through the logger.
type BootstrapDumbHeap struct {
	mu sync.Mutex

	base, size, virtBase uint64
	next                 uint64

	translations    []Translation
	maxTranslations int

	ledger   *pmm.Ledger
	memory   physmem.Memory
	log      *kfmt.Logger
	recorder trace.Recorder
}

// NewBootstrapDumbHeap creates an allocator over cfg's region.
func NewBootstrapDumbHeap(cfg Config, ledger *pmm.Ledger, memory physmem.Memory, log *kfmt.Logger, recorder trace.Recorder) *BootstrapDumbHeap {
	if cfg.MaxTranslations <= 0 {
		cfg.MaxTranslations = DefaultMaxTranslations
	}
	if recorder == nil {
		recorder = trace.NopRecorder{}
	}

	return &BootstrapDumbHeap{
		base:            cfg.Base,
		size:            cfg.Size,
		virtBase:        cfg.VirtualBase,
		next:            cfg.Base,
		translations:    make([]Translation, 0, cfg.MaxTranslations),
		maxTranslations: cfg.MaxTranslations,
		ledger:          ledger,
		memory:          memory,
		log:             log,
		recorder:        recorder,
	}
}

// Allocate carves size bytes aligned to alignment and returns their virtual
// address. The memory is zeroed.
func (h *BootstrapDumbHeap) Allocate(size, alignment uint64) uint64 {
	virt, _, _ := h.allocate(size, alignment)
	return virt
}

// AllocateTable carves one zeroed page for use as a page table. It returns
// the table's virtual and physical addresses and its translation index.
func (h *BootstrapDumbHeap) AllocateTable() (virt, phys uint64, index int) {
	return h.allocate(uint64(mem.PageSize), uint64(mem.PageSize))
}

func (h *BootstrapDumbHeap) allocate(size, alignment uint64) (uint64, uint64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size == 0 {
		h.halt(kernel.Errorf("heap", kernel.InvalidArgument, "cannot allocate 0 bytes"))
		return 0, 0, NoTranslation
	}

	phys := mem.AlignUp(h.next, alignment)
	end := phys + size
	if phys < h.next || end < phys || end > h.base+h.size {
		h.log.Printf("0x%x bytes aligned to 0x%x do not fit in 0x%x..0x%x (cursor 0x%x)\n", size, alignment, h.base, h.base+h.size, h.next)
		h.debugDumpLocked()
		h.halt(kernel.Errorf("heap", kernel.Exhaustion, "bootstrap region exhausted"))
		return 0, 0, NoTranslation
	}

	if len(h.translations) == h.maxTranslations {
		h.debugDumpLocked()
		h.halt(kernel.Errorf("heap", kernel.Exhaustion, "translation table full (%d entries)", h.maxTranslations))
		return 0, 0, NoTranslation
	}

	if _, err := h.ledger.Reserve(phys, size, pmm.Normal); err != nil {
		h.halt(err)
		return 0, 0, NoTranslation
	}

	if err := h.memory.Zero(phys, size); err != nil {
		h.halt(err)
		return 0, 0, NoTranslation
	}

	h.next = end
	virt := h.virtBase + (phys - h.base)
	index := len(h.translations)
	h.translations = append(h.translations, Translation{Physical: phys, Virtual: virt, Length: size})
	h.recorder.Record(trace.NewEvent(trace.KindAlloc, "heap", phys, size, ""))

	return virt, phys, index
}

// Remember registers a page that was set up outside the allocator, such as
// the initial page tables, so that address lookups can resolve it. It
// returns the translation index.
func (h *BootstrapDumbHeap) Remember(phys, virt uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.translations) == h.maxTranslations {
		h.debugDumpLocked()
		h.halt(kernel.Errorf("heap", kernel.Exhaustion, "translation table full (%d entries)", h.maxTranslations))
		return NoTranslation
	}

	h.translations = append(h.translations, Translation{Physical: phys, Virtual: virt, Length: uint64(mem.PageSize)})
	return len(h.translations) - 1
}

// LookupVirtual returns the physical address backing virt.
func (h *BootstrapDumbHeap) LookupVirtual(virt uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.translations {
		if t.hasVirtual(virt) {
			return t.Physical + (virt - t.Virtual), true
		}
	}
	return 0, false
}

// LookupPhysical returns the virtual address phys is reachable at.
func (h *BootstrapDumbHeap) LookupPhysical(phys uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range h.translations {
		if t.hasPhysical(phys) {
			return t.Virtual + (phys - t.Physical), true
		}
	}
	return 0, false
}

// IndexOf returns the translation index covering phys, or NoTranslation.
func (h *BootstrapDumbHeap) IndexOf(phys uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, t := range h.translations {
		if t.hasPhysical(phys) {
			return i
		}
	}
	return NoTranslation
}

// VToP converts a virtual address handed out by the allocator to its
// physical address. Unknown addresses halt after dumping the table.
func (h *BootstrapDumbHeap) VToP(virt uint64) uint64 {
	if phys, ok := h.LookupVirtual(virt); ok {
		return phys
	}

	h.DebugDump()
	h.halt(kernel.Errorf("heap", kernel.InvalidMapping, "no physical address for virtual 0x%x", virt))
	return 0
}

// PToV is the inverse of VToP.
func (h *BootstrapDumbHeap) PToV(phys uint64) uint64 {
	if virt, ok := h.LookupPhysical(phys); ok {
		return virt
	}

	h.DebugDump()
	h.halt(kernel.Errorf("heap", kernel.InvalidMapping, "no virtual address for physical 0x%x", phys))
	return 0
}

// Entry returns the translation recorded at index.
func (h *BootstrapDumbHeap) Entry(index int) (Translation, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.translations) {
		return Translation{}, false
	}
	return h.translations[index], true
}

// Translations returns a copy of the translation table.
func (h *BootstrapDumbHeap) Translations() []Translation {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Translation, len(h.translations))
	copy(out, h.translations)
	return out
}

// Region returns the physical extent of the bootstrap region and the next
// address the cursor will hand out.
func (h *BootstrapDumbHeap) Region() (base, size, next uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.base, h.size, h.next
}

// DebugDump logs the region and every translation.
func (h *BootstrapDumbHeap) DebugDump() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.debugDumpLocked()
}

func (h *BootstrapDumbHeap) debugDumpLocked() {
	h.log.Printf("region 0x%x..0x%x virt 0x%x cursor 0x%x\n", h.base, h.base+h.size, h.virtBase, h.next)
	for i, t := range h.translations {
		h.log.Printf("%d: phys 0x%x virt 0x%x (0x%x)\n", i, t.Physical, t.Virtual, t.Length)
	}
	h.log.Printf("%d/%d translations used\n", len(h.translations), h.maxTranslations)
}

func (h *BootstrapDumbHeap) halt(err *kernel.Error) {
	h.log.Panic(err)
}
