package vmm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"kernel64/kernel"
	"kernel64/kernel/mem/physmem"
	"kernel64/kernel/trace"
	"kernel64/kernel/trace/mock_trace"
)

var _ = Describe("Manager", func() {
	const (
		offset   = uint64(0xFFFF800000000000)
		rootPhys = uint64(0x1000)
	)

	var (
		mockCtrl  *gomock.Controller
		allocator *MockTableAllocator
		recorder  *mock_trace.MockRecorder
		memory    *physmem.Sparse
		mgr       *Manager

		toVirt   map[uint64]uint64
		toPhys   map[uint64]uint64
		nextPhys uint64
	)

	// handOut mimics a bump allocator that places tables at offset+phys.
	handOut := func(index int) func() (uint64, uint64, int) {
		return func() (uint64, uint64, int) {
			phys := nextPhys
			nextPhys += 0x1000
			toVirt[phys] = offset + phys
			toPhys[offset+phys] = phys
			return offset + phys, phys, index
		}
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		allocator = NewMockTableAllocator(mockCtrl)
		recorder = mock_trace.NewMockRecorder(mockCtrl)
		memory = physmem.NewSparse(0x100000)

		toVirt = map[uint64]uint64{rootPhys: offset + rootPhys}
		toPhys = map[uint64]uint64{offset + rootPhys: rootPhys}
		nextPhys = 0x2000

		allocator.EXPECT().
			LookupPhysical(gomock.Any()).
			DoAndReturn(func(phys uint64) (uint64, bool) {
				virt, ok := toVirt[phys]
				return virt, ok
			}).
			AnyTimes()
		allocator.EXPECT().
			LookupVirtual(gomock.Any()).
			DoAndReturn(func(virt uint64) (uint64, bool) {
				phys, ok := toPhys[virt]
				return phys, ok
			}).
			AnyTimes()

		book, err := NewPageBook(false, false, rootPhys, offset+rootPhys)
		Expect(err).To(BeNil())

		mgr = NewManager(Config{
			Book:      book,
			Allocator: allocator,
			Memory:    memory,
			Recorder:  recorder,
		})
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should install every missing level", func() {
		allocator.EXPECT().AllocateTable().DoAndReturn(handOut(7))
		allocator.EXPECT().AllocateTable().DoAndReturn(handOut(8))
		allocator.EXPECT().AllocateTable().DoAndReturn(handOut(9))

		var events []trace.Event
		recorder.EXPECT().
			Record(gomock.Any()).
			Do(func(e trace.Event) { events = append(events, e) }).
			Times(4)

		Expect(mgr.Map(0x50000, 0x8000000000, 0x1000, KernelData)).To(BeNil())

		Expect(events).To(HaveLen(4))
		Expect(events[0].Kind).To(Equal(trace.KindTable))
		Expect(events[0].What).To(Equal("PDPT"))
		Expect(events[1].What).To(Equal("PD"))
		Expect(events[2].What).To(Equal("PT"))
		Expect(events[3].Kind).To(Equal(trace.KindMap))

		root, _ := memory.Table(rootPhys)
		pml4 := (*PageMapLevel4Table)(root)
		Expect(pml4.AddressForEntry(1)).To(Equal(uint64(0x2000)))
		Expect(pml4.BackingIndex(1)).To(Equal(uint8(7)))

		phys, err := mgr.Translate(0x8000000042)
		Expect(err).To(BeNil())
		Expect(phys).To(Equal(uint64(0x50042)))
	})

	It("should store no backing index when the allocator has none", func() {
		allocator.EXPECT().AllocateTable().DoAndReturn(handOut(-1))
		allocator.EXPECT().AllocateTable().DoAndReturn(handOut(300)).Times(2)
		recorder.EXPECT().Record(gomock.Any()).Times(4)

		Expect(mgr.Map(0x50000, 0, 0x1000, KernelData)).To(BeNil())

		root, _ := memory.Table(rootPhys)
		Expect((*PageMapLevel4Table)(root).BackingIndex(0)).To(Equal(NoBackingIndex))
	})

	It("should not allocate for rejected requests", func() {
		allocator.EXPECT().AllocateTable().Times(0)
		recorder.EXPECT().Record(gomock.Any()).Times(0)

		err := mgr.Map(0x50001, 0x8000000000, 0x1000, KernelData)
		Expect(err).NotTo(BeNil())
		Expect(err.Kind).To(Equal(kernel.Misalignment))

		err = mgr.Map(0x50000, 0x0000900000000000, 0x1000, KernelData)
		Expect(err).NotTo(BeNil())
		Expect(err.Kind).To(Equal(kernel.NonCanonicalAddress))
	})

	It("should refuse tables that do not translate back", func() {
		allocator.EXPECT().AllocateTable().DoAndReturn(handOut(0)).Times(3)
		recorder.EXPECT().Record(gomock.Any()).Times(4)

		Expect(mgr.Map(0x50000, 0x8000000000, 0x1000, KernelData)).To(BeNil())

		toPhys[offset+0x3000] = 0x9000

		_, err := mgr.Translate(0x8000000000)
		Expect(err).NotTo(BeNil())
		Expect(err.Kind).To(Equal(kernel.InvalidMapping))
	})

	It("should fail when the root is unknown to the allocator", func() {
		delete(toVirt, rootPhys)
		delete(toPhys, offset+rootPhys)

		_, err := mgr.Walk(0x1000)
		Expect(err).NotTo(BeNil())
		Expect(err.Kind).To(Equal(kernel.InvalidMapping))
	})

	It("should record widened directory entries", func() {
		allocator.EXPECT().AllocateTable().DoAndReturn(handOut(0)).Times(3)

		var widened []trace.Event
		recorder.EXPECT().
			Record(gomock.Any()).
			Do(func(e trace.Event) {
				if e.Kind == trace.KindWiden {
					widened = append(widened, e)
				}
			}).
			AnyTimes()

		Expect(mgr.Map(0x50000, 0x8000000000, 0x1000, KernelCode)).To(BeNil())
		Expect(mgr.Map(0x51000, 0x8000001000, 0x1000, Attributes{Present: true, Writable: true, User: true})).To(BeNil())

		Expect(widened).To(HaveLen(3))
		Expect(widened[0].What).To(Equal("PML4"))
		Expect(widened[0].Address).To(Equal(rootPhys))

		root, _ := memory.Table(rootPhys)
		entry := pageTableEntry(root[1])
		Expect(entry.HasFlags(FlagRW | FlagUser)).To(BeTrue())
		Expect(entry.HasFlags(FlagNoExecute)).To(BeFalse())
		Expect(entry.backingIndex()).To(Equal(uint8(0)))
	})
})
