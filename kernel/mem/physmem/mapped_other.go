//go:build !unix

package physmem

import (
	"errors"

	"kernel64/kernel"
)

// Mapped is unavailable on this platform.
type Mapped struct{}

// NewMapped always fails on platforms without mmap.
func NewMapped(uint64) (*Mapped, error) {
	return nil, errors.New("physmem: mmap backing is not supported on this platform")
}

func (m *Mapped) Size() uint64 { return 0 }

func (m *Mapped) Table(phys uint64) (*Table, *kernel.Error) {
	return nil, checkTable(0, phys)
}

func (m *Mapped) Zero(phys, length uint64) *kernel.Error {
	return checkRange(0, phys, length)
}

func (m *Mapped) Close() error { return nil }
