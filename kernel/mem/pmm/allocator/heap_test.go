package allocator

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kernel64/kernel/kfmt"
	"kernel64/kernel/mem/memmap"
	"kernel64/kernel/mem/physmem"
	"kernel64/kernel/mem/pmm"
	"kernel64/kernel/trace"
)

type halted struct{}

type fixture struct {
	buf    *bytes.Buffer
	ledger *pmm.Ledger
	memory *physmem.Sparse
	rec    *trace.MemoryRecorder
	heap   *BootstrapDumbHeap
}

func newFixture(t *testing.T, cfg Config) *fixture {
	m, err := memmap.New([]memmap.Entry{
		{BaseAddress: 0x0, Length: 0x800000, Type: 1},
		{BaseAddress: 0x800000, Length: 0x100000, Type: 2},
	})
	require.Nil(t, err)

	f := &fixture{
		buf:    new(bytes.Buffer),
		memory: physmem.NewSparse(0x1000000),
		rec:    new(trace.MemoryRecorder),
	}

	log := kfmt.New(f.buf)
	log.SetHaltHook(func() { panic(halted{}) })

	f.ledger = pmm.NewLedger(m, 16, log.Module("pmm"), f.rec)
	f.heap = NewBootstrapDumbHeap(cfg, f.ledger, f.memory, log.Module("heap"), f.rec)
	return f
}

// expectHalt runs fn and fails the test unless it halts.
func expectHalt(t *testing.T, fn func()) {
	t.Helper()

	defer func() {
		if _, ok := recover().(halted); !ok {
			t.Fatal("expected call to halt")
		}
	}()

	fn()
}

func TestAllocate(t *testing.T) {
	f := newFixture(t, Config{Base: 0x100000, Size: 0x10000, VirtualBase: 0xFFFF800000100000})

	// dirty the memory the allocator is about to hand out
	tbl, _ := f.memory.Table(0x101000)
	tbl[3] = 0xBADF00D

	first := f.heap.Allocate(0x10, 0x10)
	require.Equal(t, uint64(0xFFFF800000100000), first)

	virt, phys, index := f.heap.AllocateTable()
	require.Equal(t, uint64(0x101000), phys)
	require.Equal(t, uint64(0xFFFF800000101000), virt)
	require.Equal(t, 1, index)

	tbl, _ = f.memory.Table(0x101000)
	require.Equal(t, uint64(0), tbl[3], "allocations are zeroed")

	require.True(t, f.ledger.Contains(0x100000, 0x10))
	require.True(t, f.ledger.Contains(0x101000, 0x1000))
	require.Len(t, f.rec.Filter(trace.KindAlloc), 2)

	require.Equal(t, uint64(0x101000), f.heap.VToP(0xFFFF800000101000))
	require.Equal(t, uint64(0x101008), f.heap.VToP(0xFFFF800000101008))
	require.Equal(t, uint64(0xFFFF800000100000), f.heap.PToV(0x100000))

	entry, ok := f.heap.Entry(1)
	require.True(t, ok)
	require.Equal(t, Translation{Physical: 0x101000, Virtual: 0xFFFF800000101000, Length: 0x1000}, entry)

	_, ok = f.heap.Entry(2)
	require.False(t, ok)

	base, size, next := f.heap.Region()
	require.Equal(t, []uint64{0x100000, 0x10000, 0x102000}, []uint64{base, size, next})
}

func TestRemember(t *testing.T) {
	f := newFixture(t, Config{Base: 0x100000, Size: 0x10000, VirtualBase: 0x100000})

	index := f.heap.Remember(0x7FF000, 0x7FF000)
	require.Equal(t, 0, index)
	require.Equal(t, 0, f.heap.IndexOf(0x7FF000))
	require.Equal(t, NoTranslation, f.heap.IndexOf(0x7FE000))

	virt, ok := f.heap.LookupPhysical(0x7FF000)
	require.True(t, ok)
	require.Equal(t, uint64(0x7FF000), virt)

	_, ok = f.heap.LookupVirtual(0x200000)
	require.False(t, ok)

	// remembered pages are not reserved on behalf of the caller
	require.False(t, f.ledger.IsReserved(0x7FF000, 0x1000))
}

func TestAllocateHalts(t *testing.T) {
	t.Run("region exhausted", func(t *testing.T) {
		f := newFixture(t, Config{Base: 0x100000, Size: 0x2000, VirtualBase: 0x100000})
		f.heap.AllocateTable()
		f.heap.AllocateTable()
		expectHalt(t, func() { f.heap.AllocateTable() })
		require.Contains(t, f.buf.String(), "[heap] region 0x100000..0x102000 virt 0x100000 cursor 0x102000\n")
		require.Contains(t, f.buf.String(), "bootstrap region exhausted")
	})

	t.Run("zero size", func(t *testing.T) {
		f := newFixture(t, Config{Base: 0x100000, Size: 0x2000, VirtualBase: 0x100000})
		expectHalt(t, func() { f.heap.Allocate(0, 8) })
	})

	t.Run("translation table full", func(t *testing.T) {
		f := newFixture(t, Config{Base: 0x100000, Size: 0x10000, VirtualBase: 0x100000, MaxTranslations: 2})
		f.heap.AllocateTable()
		f.heap.Remember(0x7FF000, 0x7FF000)
		expectHalt(t, func() { f.heap.AllocateTable() })

		out := f.buf.String()
		require.Contains(t, out, "[heap] 0: phys 0x100000 virt 0x100000 (0x1000)\n")
		require.Contains(t, out, "[heap] 1: phys 0x7ff000 virt 0x7ff000 (0x1000)\n")
		require.Contains(t, out, "[heap] 2/2 translations used\n")
		require.Contains(t, out, "translation table full (2 entries)")

		f.buf.Reset()
		expectHalt(t, func() { f.heap.Remember(0x7FE000, 0x7FE000) })
		require.Contains(t, f.buf.String(), "[heap] 2/2 translations used\n")
	})

	t.Run("ledger rejects region", func(t *testing.T) {
		f := newFixture(t, Config{Base: 0x800000, Size: 0x10000, VirtualBase: 0x800000})
		expectHalt(t, func() { f.heap.AllocateTable() })
		require.Contains(t, f.buf.String(), "Reserved region. Cannot use.")
	})

	t.Run("unknown address", func(t *testing.T) {
		f := newFixture(t, Config{Base: 0x100000, Size: 0x10000, VirtualBase: 0x100000})
		f.heap.AllocateTable()
		expectHalt(t, func() { f.heap.VToP(0x300000) })
		expectHalt(t, func() { f.heap.PToV(0x300000) })

		out := f.buf.String()
		require.Contains(t, out, "0: phys 0x100000 virt 0x100000 (0x1000)")
		require.True(t, strings.Contains(out, "*** kernel panic: system halted ***"))
	})
}

func TestDebugDump(t *testing.T) {
	f := newFixture(t, Config{Base: 0x100000, Size: 0x10000, VirtualBase: 0x100000})
	f.heap.AllocateTable()
	f.buf.Reset()

	f.heap.DebugDump()
	require.Equal(t,
		"[heap] region 0x100000..0x110000 virt 0x100000 cursor 0x101000\n"+
			"[heap] 0: phys 0x100000 virt 0x100000 (0x1000)\n"+
			"[heap] 1/64 translations used\n",
		f.buf.String())
	require.Len(t, f.heap.Translations(), 1)
}
