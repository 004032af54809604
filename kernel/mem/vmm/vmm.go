// Package vmm builds and edits the x86-64 four-level paging hierarchy.
package vmm

import (
	"strconv"
	"sync"

	"kernel64/kernel"
	"kernel64/kernel/cpu"
	"kernel64/kernel/kfmt"
	"kernel64/kernel/mem/physmem"
	"kernel64/kernel/mem/pmm"
	"kernel64/kernel/trace"
)

// TableAllocator provides zeroed pages for new page tables and converts
// between the physical and virtual addresses of tables it knows about.
type TableAllocator interface {
	AllocateTable() (virt, phys uint64, index int)
	LookupPhysical(phys uint64) (virt uint64, ok bool)
	LookupVirtual(virt uint64) (phys uint64, ok bool)
}

// Config wires a Manager to its collaborators.
type Config struct {
	Book      *PageBook
	Ledger    *pmm.Ledger
	Allocator TableAllocator
	Memory    physmem.Memory

	// CPU receives TLB invalidations. Optional.
	CPU *cpu.CPU

	Log *kfmt.Logger

	// Recorder receives an event for every structural change. Optional.
	Recorder trace.Recorder
}

// Manager edits the hierarchy rooted at a PageBook.
type Manager struct {
	mu sync.Mutex

	book      *PageBook
	ledger    *pmm.Ledger
	allocator TableAllocator
	memory    physmem.Memory
	cpu       *cpu.CPU
	log       *kfmt.Logger
	recorder  trace.Recorder
}

// NewManager returns a Manager for cfg.
func NewManager(cfg Config) *Manager {
	if cfg.Recorder == nil {
		cfg.Recorder = trace.NopRecorder{}
	}
	if cfg.Log == nil {
		cfg.Log = kfmt.Discard()
	}

	return &Manager{
		book:      cfg.Book,
		ledger:    cfg.Ledger,
		allocator: cfg.Allocator,
		memory:    cfg.Memory,
		cpu:       cfg.CPU,
		log:       cfg.Log,
		recorder:  cfg.Recorder,
	}
}

// Book returns the root of the hierarchy.
func (m *Manager) Book() *PageBook {
	return m.book
}

// Ledger returns the physical ledger the manager was configured with.
func (m *Manager) Ledger() *pmm.Ledger {
	return m.ledger
}

// DumpPhysical logs the ledger's blobs.
func (m *Manager) DumpPhysical() {
	if m.ledger != nil {
		m.ledger.DumpBlobs()
	}
}

func (m *Manager) flushTLBEntry(virt uint64) {
	if m.cpu != nil {
		m.cpu.FlushTLBEntry(uintptr(virt))
	}
}

// tableAt returns the table whose physical address is phys after checking
// that it is reachable through the allocator's translations.
func (m *Manager) tableAt(phys uint64) (*physmem.Table, *kernel.Error) {
	virt, ok := m.allocator.LookupPhysical(phys)
	if !ok {
		return nil, kernel.Errorf("vmm", kernel.InvalidMapping, "table at physical 0x%x has no known virtual address", phys)
	}

	back, ok := m.allocator.LookupVirtual(virt)
	if !ok || back != phys {
		return nil, kernel.Errorf("vmm", kernel.InvalidMapping, "table at virtual 0x%x does not translate back to 0x%x", virt, phys)
	}

	return m.memory.Table(phys)
}

// root returns the PML4 table.
func (m *Manager) root() (*physmem.Table, uint64, *kernel.Error) {
	if m.book == nil {
		return nil, 0, kernel.Errorf("vmm", kernel.InvalidMapping, "no PML4 in page book")
	}

	phys, ok := m.allocator.LookupVirtual(m.book.Virtual())
	if !ok {
		phys = m.book.Physical()
	}

	t, err := m.tableAt(phys)
	return t, phys, err
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
