package monitor

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"kernel64/kernel/kfmt"
	"kernel64/kernel/kmain"
	"kernel64/kernel/mem/memmap"
	"kernel64/kernel/mem/physmem"
	"kernel64/kernel/mem/vmm"
	"kernel64/kernel/trace"
)

type halted struct{}

func bootSystem(rec *trace.MemoryRecorder) *kmain.System {
	m, err := memmap.New([]memmap.Entry{
		{BaseAddress: 0, Length: 0x9FC00, Type: 1},
		{BaseAddress: 0x9FC00, Length: 0x400, Type: 2},
		{BaseAddress: 0x100000, Length: 0x700000, Type: 1},
	})
	Expect(err).To(BeNil())

	log := kfmt.New(GinkgoWriter)
	log.SetHaltHook(func() { panic(halted{}) })

	sys := kmain.Boot(kmain.Config{
		Info:   &kmain.BootInfo{MemoryMap: m},
		Memory: physmem.NewSparse(0x800000),
		IdentityMaps: []kmain.Region{
			{Name: "lapic", Base: 0xFEE00000, Length: 0x1000, Attrs: vmm.DeviceMemory},
		},
		Log:      log,
		Recorder: rec,
	})
	Expect(sys).NotTo(BeNil())
	return sys
}

var _ = Describe("Monitor", func() {
	var (
		rec *trace.MemoryRecorder
		sys *kmain.System
		m   *Monitor
		srv *httptest.Server
	)

	get := func(path string) (int, []byte) {
		rsp, err := http.Get(srv.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		return rsp.StatusCode, body
	}

	getJSON := func(path string, v interface{}) {
		status, body := get(path)
		Expect(status).To(Equal(http.StatusOK), string(body))
		Expect(json.Unmarshal(body, v)).To(Succeed())
	}

	BeforeEach(func() {
		rec = new(trace.MemoryRecorder)
		sys = bootSystem(rec)

		m = NewMonitor(kfmt.New(GinkgoWriter)).WithProfileDuration(10 * time.Millisecond)
		m.RegisterMemoryMap(sys.MemoryMap)
		m.RegisterLedger(sys.Ledger)
		m.RegisterHeap(sys.Heap)
		m.RegisterManager(sys.Manager)
		m.RegisterTrace(rec)

		srv = httptest.NewServer(m.Router())
	})

	AfterEach(func() {
		srv.Close()
	})

	It("should replace privileged ports", func() {
		buf := new(bytes.Buffer)
		mon := NewMonitor(kfmt.New(buf)).WithPortNumber(80)

		Expect(mon.portNumber).To(Equal(0))
		Expect(buf.String()).To(ContainSubstring("Port number 80 is not allowed"))
		Expect(NewMonitor(nil).WithPortNumber(8080).portNumber).To(Equal(8080))
	})

	It("should list the memory map", func() {
		var entries []struct {
			Base uint64 `json:"base"`
			Kind string `json:"kind"`
		}
		getJSON("/api/memmap", &entries)

		Expect(entries).To(HaveLen(3))
		Expect(entries[1].Base).To(Equal(uint64(0x9FC00)))
		Expect(entries[1].Kind).To(Equal(memmap.Reserved.String()))
	})

	It("should list the ledger", func() {
		var rsp ledgerRsp
		getJSON("/api/ledger", &rsp)

		Expect(rsp.Capacity).To(Equal(sys.Ledger.Capacity()))
		Expect(rsp.Blobs).To(Equal(sys.Ledger.Blobs()))
		Expect(rsp.Used).To(Equal(len(rsp.Blobs)))
		Expect(rsp.Reserved).To(BeNumerically(">=", uint64(0x4000)))
	})

	It("should list the heap", func() {
		var rsp heapRsp
		getJSON("/api/heap", &rsp)

		Expect(rsp.Base).To(Equal(uint64(0x5B000)))
		Expect(rsp.Size).To(Equal(kmain.DefaultHeapSize))
		Expect(rsp.Translations).To(Equal(sys.Heap.Translations()))
	})

	It("should describe the page book", func() {
		var rsp pageBookRsp
		getJSON("/api/pagebook", &rsp)

		Expect(rsp.Physical).To(Equal(uint64(0x9B000)))
		Expect(rsp.Active).To(BeTrue())
		Expect(rsp.Tables).To(HaveLen(2))
		Expect(rsp.Tables[0].Present).To(Equal(512))
		Expect(rsp.Tables[1].Base).To(Equal(uint64(0xFEE00000)))
	})

	It("should walk addresses", func() {
		var rsp walkRsp
		getJSON("/api/walk/0xfee00010", &rsp)

		Expect(rsp.Mapped).To(BeTrue())
		Expect(rsp.Physical).To(Equal(uint64(0xFEE00010)))
		Expect(rsp.Slots).To(HaveLen(4))
		Expect(rsp.Slots[3].Name).To(Equal("PT"))

		getJSON("/api/walk/0x40000000", &rsp)
		Expect(rsp.Mapped).To(BeFalse())
		Expect(rsp.Slots).To(HaveLen(2))

		status, _ := get("/api/walk/0x0000900000000000")
		Expect(status).To(Equal(http.StatusBadRequest))

		status, _ = get("/api/walk/nope")
		Expect(status).To(Equal(http.StatusBadRequest))
	})

	It("should find free virtual addresses", func() {
		var rsp map[string]uint64
		getJSON("/api/free/2", &rsp)
		Expect(rsp["address"]).To(Equal(uint64(0xFEE01000)))
		Expect(rsp["pages"]).To(Equal(uint64(2)))

		status, _ := get("/api/free/0")
		Expect(status).To(Equal(http.StatusBadRequest))

		status, _ = get("/api/free/512")
		Expect(status).To(Equal(http.StatusNotFound))
	})

	It("should filter the trace", func() {
		var events []trace.Event
		getJSON("/api/trace", &events)
		recorded := rec.Events()
		Expect(events).To(HaveLen(len(recorded)))
		for i, e := range events {
			Expect(e.ID).To(Equal(recorded[i].ID))
		}

		getJSON("/api/trace?kind=table", &events)
		Expect(events).To(HaveLen(2))
		for _, e := range events {
			Expect(e.Kind).To(Equal(trace.KindTable))
		}
	})

	It("should report process resources", func() {
		var rsp resourceRsp
		getJSON("/api/resource", &rsp)
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a profile", func() {
		status, body := get("/api/profile")
		Expect(status).To(Equal(http.StatusOK), string(body))
	})

	It("should serialize registered state", func() {
		for _, name := range []string{"memmap", "ledger", "heap", "manager", "pagebook"} {
			status, body := get("/api/state/" + name)
			Expect(status).To(Equal(http.StatusOK), name)
			Expect(body).NotTo(BeEmpty(), name)
		}

		status, _ := get("/api/state/scheduler")
		Expect(status).To(Equal(http.StatusNotFound))
	})

	It("should serialize snapshots rather than live subsystems", func() {
		type sethItem struct {
			Type string `json:"t"`
			Len  int    `json:"l"`
		}
		type sethDoc struct {
			Root string              `json:"r"`
			Dict map[string]sethItem `json:"dict"`
		}

		var doc sethDoc
		getJSON("/api/state/ledger", &doc)
		Expect(doc.Dict[doc.Root].Type).To(Equal("kernel64/kernel/monitor.ledgerRsp"))

		getJSON("/api/state/ledger?field=Blobs", &doc)
		Expect(doc.Dict[doc.Root].Len).To(Equal(len(sys.Ledger.Blobs())))

		getJSON("/api/state/heap?field=Translations", &doc)
		Expect(doc.Dict[doc.Root].Len).To(Equal(len(sys.Heap.Translations())))

		getJSON("/api/state/manager?field=Tables", &doc)
		Expect(doc.Dict[doc.Root].Len).To(Equal(2))

		// unexported fields of the live structs are out of reach
		status, _ := get("/api/state/ledger?field=mu")
		Expect(status).To(Equal(http.StatusBadRequest))
	})

	It("should report missing registrations", func() {
		empty := httptest.NewServer(NewMonitor(nil).Router())
		defer empty.Close()

		for _, path := range []string{"/api/memmap", "/api/ledger", "/api/heap", "/api/pagebook", "/api/walk/0", "/api/free/1", "/api/trace", "/api/state/ledger"} {
			rsp, err := http.Get(empty.URL + path)
			Expect(err).NotTo(HaveOccurred())
			rsp.Body.Close()
			Expect(rsp.StatusCode).To(Equal(http.StatusServiceUnavailable), path)
		}
	})

	It("should start and stop a server", func() {
		mon := NewMonitor(nil)
		mon.RegisterLedger(sys.Ledger)

		url, err := mon.StartServer()
		Expect(err).NotTo(HaveOccurred())
		defer mon.Close()

		rsp, err := http.Get(url + "/api/ledger")
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))
	})
})
