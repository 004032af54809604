// Package cpu models the control registers and instructions that the memory
// management code needs from the processor: the page-table base register
// (CR3), TLB invalidation and halting.
package cpu

import (
	"sync"

	"github.com/tebeka/atexit"
)

const (
	// CR3 page-level write-through bit.
	CR3WriteThrough = uint64(1 << 3)

	// CR3 page-level cache disable bit.
	CR3CacheDisable = uint64(1 << 4)

	// CR3FlagsMask covers the low control bits of CR3; the remaining
	// bits hold the physical address of the top-level page table.
	CR3FlagsMask = uint64(0xFFF)
)

var (
	// exitFn is used by tests to override the process exit performed by
	// Halt.
	exitFn = atexit.Exit
)

// CPU holds the state of a single core. There is no preemption at the stage
// of the boot sequence this package models so a CPU is only ever driven by
// one goroutine; the lock exists for inspectors that read the registers
// while the kernel runs.
type CPU struct {
	mu sync.Mutex

	cr3         uint64
	pagingOn    bool
	tlbFlushes  uint64
	pdtSwitches uint64
}

// New returns a CPU in the state it has right after the long-mode
// transition: CR3 is loaded with the supplied value.
func New(cr3 uint64) *CPU {
	return &CPU{cr3: cr3, pagingOn: cr3 != 0}
}

// ReadCR3 returns the raw value of the page-table base register.
func (c *CPU) ReadCR3() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cr3
}

// SwitchPDT loads CR3 with the supplied value, enabling paging if it was not
// already enabled, and flushes the TLB.
func (c *CPU) SwitchPDT(cr3 uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cr3 = cr3
	c.pagingOn = true
	c.pdtSwitches++
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr {
	return uintptr(c.ReadCR3() &^ CR3FlagsMask)
}

// PagingEnabled returns true once a page table has been activated.
func (c *CPU) PagingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pagingOn
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *CPU) FlushTLBEntry(_ uintptr) {
	c.mu.Lock()
	c.tlbFlushes++
	c.mu.Unlock()
}

// Stats returns the number of TLB entry flushes and page table switches
// performed so far.
func (c *CPU) Stats() (tlbFlushes, pdtSwitches uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlbFlushes, c.pdtSwitches
}

// Halt stops instruction execution. Registered atexit handlers (e.g. trace
// writers) get a chance to flush before the process terminates.
func Halt() {
	exitFn(1)
}
