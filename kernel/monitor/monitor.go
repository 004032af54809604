// Package monitor serves a read-mostly HTTP view of a booted memory
// subsystem: the memory map, the physical ledger, the bootstrap heap, the
// paging hierarchy and the recorded trace.
package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"kernel64/kernel"
	"kernel64/kernel/kfmt"
	"kernel64/kernel/mem/memmap"
	"kernel64/kernel/mem/pmm"
	"kernel64/kernel/mem/pmm/allocator"
	"kernel64/kernel/mem/vmm"
	"kernel64/kernel/trace"
)

// Monitor exposes the registered subsystems over HTTP.
type Monitor struct {
	memoryMap *memmap.Map
	ledger    *pmm.Ledger
	heap      *allocator.BootstrapDumbHeap
	manager   *vmm.Manager
	events    *trace.MemoryRecorder

	portNumber      int
	profileDuration time.Duration
	log             *kfmt.Logger

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a monitor that logs through log.
func NewMonitor(log *kfmt.Logger) *Monitor {
	if log == nil {
		log = kfmt.Discard()
	}
	return &Monitor{log: log, profileDuration: time.Second}
}

// WithPortNumber sets the port the server listens on. Privileged ports are
// replaced by a random one.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.log.Printf("Port number %d is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber
	return m
}

// WithProfileDuration sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileDuration(d time.Duration) *Monitor {
	m.profileDuration = d
	return m
}

// RegisterMemoryMap registers the firmware memory map.
func (m *Monitor) RegisterMemoryMap(mm *memmap.Map) { m.memoryMap = mm }

// RegisterLedger registers the physical ledger.
func (m *Monitor) RegisterLedger(l *pmm.Ledger) { m.ledger = l }

// RegisterHeap registers the bootstrap allocator.
func (m *Monitor) RegisterHeap(h *allocator.BootstrapDumbHeap) { m.heap = h }

// RegisterManager registers the virtual memory manager.
func (m *Monitor) RegisterManager(mgr *vmm.Manager) { m.manager = mgr }

// RegisterTrace registers the in-memory event log.
func (m *Monitor) RegisterTrace(r *trace.MemoryRecorder) { m.events = r }

// Router returns the API routes.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/memmap", m.listMemoryMap).Methods(http.MethodGet)
	r.HandleFunc("/api/ledger", m.listLedger).Methods(http.MethodGet)
	r.HandleFunc("/api/heap", m.listHeap).Methods(http.MethodGet)
	r.HandleFunc("/api/pagebook", m.listPageBook).Methods(http.MethodGet)
	r.HandleFunc("/api/walk/{addr}", m.walk).Methods(http.MethodGet)
	r.HandleFunc("/api/free/{pages}", m.free).Methods(http.MethodGet)
	r.HandleFunc("/api/trace", m.listTrace).Methods(http.MethodGet)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)
	r.HandleFunc("/api/state/{name}", m.dumpState).Methods(http.MethodGet)

	return r
}

// StartServer starts serving in the background and returns the URL of the
// server.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", "localhost:"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", err
	}

	m.listener = listener
	m.server = &http.Server{Handler: m.Router(), ReadHeaderTimeout: 5 * time.Second}

	url := "http://localhost:" + strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)
	m.log.Printf("Monitoring memory subsystem with %s\n", url)

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Printf("monitor server stopped: %s\n", err)
		}
	}()

	return url, nil
}

// Close stops the server.
func (m *Monitor) Close() error {
	if m.server == nil {
		return nil
	}
	return m.server.Close()
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.Printf("encoding response: %s\n", err)
	}
}

func (m *Monitor) writeError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	if _, werr := w.Write([]byte(err.Error())); werr != nil {
		m.log.Printf("writing error response: %s\n", werr)
	}
}

// writeKernelError maps err to an HTTP status.
func (m *Monitor) writeKernelError(w http.ResponseWriter, err *kernel.Error) {
	status := http.StatusInternalServerError
	switch err.Kind {
	case kernel.NonCanonicalAddress, kernel.InvalidArgument, kernel.Misalignment:
		status = http.StatusBadRequest
	case kernel.InvalidMapping, kernel.Exhaustion:
		status = http.StatusNotFound
	}
	m.writeError(w, status, err)
}

func (m *Monitor) unavailable(w http.ResponseWriter, what string) {
	m.writeError(w, http.StatusServiceUnavailable, errors.New(what+" not registered"))
}

func (m *Monitor) listMemoryMap(w http.ResponseWriter, _ *http.Request) {
	if m.memoryMap == nil {
		m.unavailable(w, "memory map")
		return
	}

	m.writeJSON(w, m.memoryMapSnapshot())
}

type entryRsp struct {
	memmap.Entry
	Kind string `json:"kind"`
}

func (m *Monitor) memoryMapSnapshot() []entryRsp {
	entries := m.memoryMap.Entries()
	rsp := make([]entryRsp, len(entries))
	for i, e := range entries {
		rsp[i] = entryRsp{Entry: e, Kind: e.Kind().String()}
	}
	return rsp
}

type ledgerRsp struct {
	Capacity int        `json:"capacity"`
	Used     int        `json:"used"`
	Reserved uint64     `json:"reserved"`
	Blobs    []pmm.Blob `json:"blobs"`
}

func (m *Monitor) listLedger(w http.ResponseWriter, _ *http.Request) {
	if m.ledger == nil {
		m.unavailable(w, "ledger")
		return
	}

	m.writeJSON(w, m.ledgerSnapshot())
}

func (m *Monitor) ledgerSnapshot() ledgerRsp {
	rsp := ledgerRsp{Capacity: m.ledger.Capacity(), Blobs: m.ledger.Blobs()}
	rsp.Used = len(rsp.Blobs)
	for _, b := range rsp.Blobs {
		rsp.Reserved += b.Length
	}
	return rsp
}

type heapRsp struct {
	Base         uint64                  `json:"base"`
	Size         uint64                  `json:"size"`
	Next         uint64                  `json:"next"`
	Translations []allocator.Translation `json:"translations"`
}

func (m *Monitor) listHeap(w http.ResponseWriter, _ *http.Request) {
	if m.heap == nil {
		m.unavailable(w, "heap")
		return
	}

	m.writeJSON(w, m.heapSnapshot())
}

func (m *Monitor) heapSnapshot() heapRsp {
	rsp := heapRsp{Translations: m.heap.Translations()}
	rsp.Base, rsp.Size, rsp.Next = m.heap.Region()
	return rsp
}

type pageBookRsp struct {
	Physical uint64          `json:"physical"`
	Virtual  uint64          `json:"virtual"`
	CR3      uint64          `json:"cr3"`
	Active   bool            `json:"active"`
	Tables   []vmm.TableInfo `json:"tables"`
}

func (m *Monitor) listPageBook(w http.ResponseWriter, _ *http.Request) {
	if m.manager == nil {
		m.unavailable(w, "manager")
		return
	}

	rsp, err := m.pageBookSnapshot(true)
	if err != nil {
		m.writeKernelError(w, err)
		return
	}
	m.writeJSON(w, rsp)
}

// pageBookSnapshot copies the PageBook registers and, when withTables is
// set, the leaf table summary.
func (m *Monitor) pageBookSnapshot(withTables bool) (pageBookRsp, *kernel.Error) {
	book := m.manager.Book()
	rsp := pageBookRsp{
		Physical: book.Physical(),
		Virtual:  book.Virtual(),
		CR3:      book.CR3Value(),
		Active:   book.Active(),
	}

	if withTables {
		tables, err := m.manager.Tables()
		if err != nil {
			return pageBookRsp{}, err
		}
		rsp.Tables = tables
	}
	return rsp, nil
}

type walkRsp struct {
	Virtual  uint64     `json:"virtual"`
	Slots    []vmm.Slot `json:"slots"`
	Mapped   bool       `json:"mapped"`
	Physical uint64     `json:"physical,omitempty"`
}

func (m *Monitor) walk(w http.ResponseWriter, r *http.Request) {
	if m.manager == nil {
		m.unavailable(w, "manager")
		return
	}

	virt, err := strconv.ParseUint(mux.Vars(r)["addr"], 0, 64)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}

	slots, kerr := m.manager.Walk(virt)
	if kerr != nil {
		m.writeKernelError(w, kerr)
		return
	}

	rsp := walkRsp{Virtual: virt, Slots: slots}
	if phys, kerr := m.manager.Translate(virt); kerr == nil {
		rsp.Mapped, rsp.Physical = true, phys
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) free(w http.ResponseWriter, r *http.Request) {
	if m.manager == nil {
		m.unavailable(w, "manager")
		return
	}

	pages, err := strconv.ParseUint(mux.Vars(r)["pages"], 0, 64)
	if err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}

	virt, kerr := m.manager.FreeVirtualAddress(pages)
	if kerr != nil {
		m.writeKernelError(w, kerr)
		return
	}

	m.writeJSON(w, map[string]uint64{"address": virt, "pages": pages})
}

func (m *Monitor) listTrace(w http.ResponseWriter, r *http.Request) {
	if m.events == nil {
		m.unavailable(w, "trace")
		return
	}

	events := m.events.Events()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		events = m.events.Filter(trace.Kind(kind))
	}

	m.writeJSON(w, events)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, resourceRsp{CPUPercent: cpuPercent, MemorySize: memInfo.RSS})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)
	if err := pprof.StartCPUProfile(buf); err != nil {
		m.writeError(w, http.StatusConflict, err)
		return
	}

	time.Sleep(m.profileDuration)
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, prof)
}

// dumpState serializes a snapshot of one registered subsystem with goseth.
// Snapshots are taken through the locked accessors, never the live structs.
// The optional field query selects a nested field, e.g. ?field=Blobs.
func (m *Monitor) dumpState(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var (
		root       interface{}
		registered bool
	)
	switch name {
	case "memmap":
		if registered = m.memoryMap != nil; registered {
			root = m.memoryMapSnapshot()
		}
	case "ledger":
		if registered = m.ledger != nil; registered {
			root = m.ledgerSnapshot()
		}
	case "heap":
		if registered = m.heap != nil; registered {
			root = m.heapSnapshot()
		}
	case "manager", "pagebook":
		if registered = m.manager != nil; registered {
			rsp, err := m.pageBookSnapshot(name == "manager")
			if err != nil {
				m.writeKernelError(w, err)
				return
			}
			root = rsp
		}
	default:
		m.writeError(w, http.StatusNotFound, errors.New("unknown state "+strconv.Quote(name)))
		return
	}

	if !registered {
		m.unavailable(w, name)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(root)
	serializer.SetMaxDepth(1)

	if field := r.URL.Query().Get("field"); field != "" {
		if err := serializer.SetEntryPoint(strings.Split(field, ".")); err != nil {
			m.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := serializer.Serialize(w); err != nil {
		m.log.Printf("serializing state: %s\n", err)
	}
}
