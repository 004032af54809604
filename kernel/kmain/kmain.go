// Package kmain strings the memory subsystem together in boot order: memory
// map, physical ledger, initial page tables, bootstrap heap, activation and
// the identity mappings the rest of the kernel relies on.
package kmain

import (
	"os"
	"strings"

	"kernel64/kernel"
	"kernel64/kernel/cpu"
	"kernel64/kernel/hal"
	"kernel64/kernel/hal/multiboot"
	"kernel64/kernel/kfmt"
	"kernel64/kernel/mem"
	"kernel64/kernel/mem/memmap"
	"kernel64/kernel/mem/physmem"
	"kernel64/kernel/mem/pmm"
	"kernel64/kernel/mem/pmm/allocator"
	"kernel64/kernel/mem/vmm"
	"kernel64/kernel/trace"
)

const (
	// FormatMultiboot selects a raw multiboot2 information block as the
	// source of the memory map.
	FormatMultiboot memmap.Format = "multiboot"

	// DefaultHeapSize is the size of the bootstrap heap carved below the
	// initial page tables.
	DefaultHeapSize = uint64(64 * mem.PageSize)

	// tablePages is the number of pages FromScratch carves.
	tablePages = 4
)

// Region is a physical range that must be identity mapped during boot.
// Regions outside the memory map (MMIO windows, framebuffers) are reserved
// unconditionally.
type Region struct {
	Name   string
	Base   uint64
	Length uint64
	Attrs  vmm.Attributes

	// held marks regions the boot path has already reserved.
	held bool
}

// BootInfo is what the bootloader tells the kernel.
type BootInfo struct {
	MemoryMap   *memmap.Map
	Framebuffer *multiboot.FramebufferInfo
	BootLoader  string
	CmdLine     string
}

// LoadBootInfo reads boot information from path. Multiboot blocks carry a
// memory map and optionally a framebuffer; the other formats only a memory
// map.
func LoadBootInfo(path string, format memmap.Format) (*BootInfo, *kernel.Error) {
	if format == FormatMultiboot {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, kernel.Errorf("kmain", kernel.InvalidArgument, "read %s: %v", path, err)
		}
		return ParseBootInfo(data)
	}

	m, err := memmap.Load(path, format)
	if err != nil {
		return nil, err
	}
	return &BootInfo{MemoryMap: m}, nil
}

// ParseBootInfo decodes a multiboot2 information block.
func ParseBootInfo(data []byte) (*BootInfo, *kernel.Error) {
	info, err := multiboot.Parse(data)
	if err != nil {
		return nil, err
	}

	m, err := info.MemoryMap()
	if err != nil {
		return nil, err
	}

	return &BootInfo{
		MemoryMap:   m,
		Framebuffer: info.FramebufferInfo(),
		BootLoader:  info.BootLoaderName(),
		CmdLine:     info.CmdLine(),
	}, nil
}

// FormatFromPath extends memmap.FormatFromPath with multiboot dumps.
func FormatFromPath(path string) memmap.Format {
	if strings.HasSuffix(path, ".mb") || strings.HasSuffix(path, ".multiboot") {
		return FormatMultiboot
	}
	return memmap.FormatFromPath(path)
}

// Config describes a boot.
type Config struct {
	Info   *BootInfo
	Memory physmem.Memory

	// LedgerCapacity bounds the number of physical reservations.
	LedgerCapacity int

	// HeapSize is the size of the bootstrap heap.
	HeapSize uint64

	// MaxTranslations bounds the bootstrap heap's translation table.
	MaxTranslations int

	// IdentityMaps lists regions mapped to themselves after activation.
	IdentityMaps []Region

	// Log receives boot output. Failures halt through it.
	Log *kfmt.Logger

	// Recorder receives the structural changes. Optional.
	Recorder trace.Recorder

	// CPU is the processor the page book is activated on. Optional.
	CPU *cpu.CPU
}

// System is a booted memory subsystem.
type System struct {
	MemoryMap *memmap.Map
	Ledger    *pmm.Ledger
	Heap      *allocator.BootstrapDumbHeap
	Book      *vmm.PageBook
	Manager   *vmm.Manager
	CPU       *cpu.CPU
	Created   vmm.CreationResult
	Terminal  *hal.Terminal
}

// Boot brings up the memory subsystem. Any failure is reported through
// cfg.Log and halts; Boot returns nil if the halt hook returns.
func Boot(cfg Config) *System {
	log := cfg.Log
	if log == nil {
		log = kfmt.Discard()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = trace.NopRecorder{}
	}
	if cfg.CPU == nil {
		cfg.CPU = cpu.New(0)
	}
	if cfg.LedgerCapacity <= 0 {
		cfg.LedgerCapacity = pmm.DefaultCapacity
	}
	if cfg.HeapSize == 0 {
		cfg.HeapSize = DefaultHeapSize
	}

	boot := log.Module("kmain")
	fatal := func(err *kernel.Error) *System {
		boot.Panic(err)
		return nil
	}

	if cfg.Info == nil || cfg.Info.MemoryMap == nil {
		return fatal(kernel.Errorf("kmain", kernel.MemoryMapInconsistency, "no memory map supplied"))
	}
	if cfg.Memory == nil {
		return fatal(kernel.Errorf("kmain", kernel.InvalidArgument, "no physical memory supplied"))
	}

	boot.Printf("Starting kernel64\n")
	if cfg.Info.BootLoader != "" {
		boot.Printf("Booted by %s\n", cfg.Info.BootLoader)
	}

	sys := &System{MemoryMap: cfg.Info.MemoryMap, CPU: cfg.CPU}
	sys.MemoryMap.Dump(log.Module("memmap"))
	if err := sys.MemoryMap.Validate(); err != nil {
		return fatal(err)
	}

	var term *hal.Terminal
	if fb := cfg.Info.Framebuffer; fb != nil && fb.Type == multiboot.FramebufferTypeEGA {
		var err *kernel.Error
		if term, err = hal.InitTerminal(fb, cfg.Memory); err != nil {
			return fatal(err)
		}
		boot.Printf("EGA console %dx%d @ 0x%x\n", fb.Width, fb.Height, fb.PhysAddr)
	}

	sys.Created = vmm.FromScratch(sys.MemoryMap, cfg.Memory, log.Module("vmm"))
	if sys.Created.Book == nil {
		return nil
	}
	sys.Book = sys.Created.Book
	lowest := sys.Created.LowestPhysicalAddressUsed

	sys.Ledger = pmm.NewLedger(sys.MemoryMap, cfg.LedgerCapacity, log.Module("pmm"), cfg.Recorder)
	if _, err := sys.Ledger.Reserve(lowest, tablePages*uint64(mem.PageSize), pmm.Normal); err != nil {
		return fatal(err)
	}

	heapSize := mem.AlignUp(cfg.HeapSize, uint64(mem.PageSize))
	first := sys.MemoryMap.Entry(0)
	if lowest < heapSize || lowest-heapSize < first.BaseAddress {
		return fatal(kernel.Errorf("kmain", kernel.Exhaustion, "0x%x byte bootstrap heap does not fit below the page tables at 0x%x", heapSize, lowest))
	}
	heapBase := lowest - heapSize

	sys.Heap = allocator.NewBootstrapDumbHeap(allocator.Config{
		Base:            heapBase,
		Size:            heapSize,
		VirtualBase:     heapBase,
		MaxTranslations: cfg.MaxTranslations,
	}, sys.Ledger, cfg.Memory, log.Module("heap"), cfg.Recorder)
	for _, phys := range sys.Created.Tables {
		sys.Heap.Remember(phys, phys)
	}

	sys.Book.Activate(sys.CPU)
	boot.Printf("Activated PML4 @ 0x%x\n", sys.Book.Physical())

	sys.Manager = vmm.NewManager(vmm.Config{
		Book:      sys.Book,
		Ledger:    sys.Ledger,
		Allocator: sys.Heap,
		Memory:    cfg.Memory,
		CPU:       sys.CPU,
		Log:       log.Module("vmm"),
		Recorder:  cfg.Recorder,
	})

	// the heap and the tables must stay reachable at their physical
	// addresses
	regions := []Region{{Name: "bootstrap", Base: heapBase, Length: lowest + tablePages*uint64(mem.PageSize) - heapBase, Attrs: vmm.KernelData, held: true}}
	if fb := cfg.Info.Framebuffer; fb != nil {
		regions = append(regions, Region{Name: "framebuffer", Base: mem.AlignDown(fb.PhysAddr, uint64(mem.PageSize)), Length: fb.Size() + fb.PhysAddr%uint64(mem.PageSize), Attrs: vmm.DeviceMemory})
	}
	regions = append(regions, cfg.IdentityMaps...)

	for _, r := range regions {
		if err := identityMap(sys, r); err != nil {
			return fatal(err)
		}
		boot.Printf("Identity mapped %s 0x%x - 0x%x\n", r.Name, r.Base, r.Base+r.Length)
	}

	if term != nil {
		sys.Terminal = term
		if _, err := term.Write([]byte("kernel64: memory subsystem ready\n")); err != nil {
			boot.Printf("console write failed: %s\n", err)
		}
	}

	sys.Ledger.DumpBlobs()
	boot.Printf("Boot complete\n")
	return sys
}

// reservePolicy picks the ledger policy for an identity-mapped region.
// Regions inside a Reserved entry may be taken; windows the memory map does
// not describe at all are MMIO and skip the map check. Anything else must
// pass the Normal check, so firmware-owned kinds such as ACPI or NVS are
// refused by the ledger.
func reservePolicy(m *memmap.Map, r Region) pmm.Policy {
	if index := m.Find(r.Base, r.Length); index >= 0 {
		if m.Entry(index).Kind() == memmap.Reserved {
			return pmm.AllowReserved
		}
		return pmm.Normal
	}

	described := false
	m.VisitRegions(func(_ int, e memmap.Entry) bool {
		described = e.Overlaps(r.Base, r.Length)
		return !described
	})
	if described {
		return pmm.Normal
	}
	return pmm.Unconditional
}

// identityMap reserves r unless the boot path or an earlier region already
// holds it, then maps it to itself.
func identityMap(sys *System, r Region) *kernel.Error {
	if r.Length == 0 {
		return nil
	}

	if !r.held && !sys.Ledger.IsReserved(r.Base, r.Length) {
		if _, err := sys.Ledger.Reserve(r.Base, mem.AlignUp(r.Length, uint64(mem.PageSize)), reservePolicy(sys.MemoryMap, r)); err != nil {
			return err
		}
	}

	if err := sys.Manager.MapSpanning(r.Base, r.Base, r.Length, r.Attrs); err != nil {
		return err
	}

	phys, err := sys.Manager.Translate(r.Base)
	if err != nil {
		return err
	}
	if phys != r.Base {
		return kernel.Errorf("kmain", kernel.InvalidMapping, "%s: 0x%x translates to 0x%x", r.Name, r.Base, phys)
	}
	return nil
}
