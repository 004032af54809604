//go:build unix

package physmem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"kernel64/kernel"
	"kernel64/kernel/mem"
)

// Mapped is a Memory backed by a single anonymous private mapping covering
// [0, size).
type Mapped struct {
	data []byte
}

// NewMapped reserves size bytes (rounded up to a page) of anonymous memory.
func NewMapped(size uint64) (*Mapped, error) {
	size = mem.AlignUp(size, uint64(mem.PageSize))
	if size == 0 {
		return nil, unix.EINVAL
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}

	return &Mapped{data: data}, nil
}

// Size implements Memory.
func (m *Mapped) Size() uint64 { return uint64(len(m.data)) }

// Table implements Memory.
func (m *Mapped) Table(phys uint64) (*Table, *kernel.Error) {
	if err := checkTable(m.Size(), phys); err != nil {
		return nil, err
	}
	return (*Table)(unsafe.Pointer(&m.data[phys])), nil
}

// Zero implements Memory.
func (m *Mapped) Zero(phys, length uint64) *kernel.Error {
	if err := checkRange(m.Size(), phys, length); err != nil {
		return err
	}
	mem.Memset(m.data[phys:phys+length], 0)
	return nil
}

// Close releases the mapping. The Mapped must not be used afterwards.
func (m *Mapped) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
