package physmem

import (
	"sync"

	"kernel64/kernel"
	"kernel64/kernel/mem"
)

// Sparse is a Memory that only materialises frames once they are touched.
// Untouched frames read as zero.
type Sparse struct {
	mu     sync.Mutex
	size   uint64
	frames map[uint64]*Table
}

// NewSparse returns a sparse memory of the given size.
func NewSparse(size uint64) *Sparse {
	return &Sparse{size: size, frames: make(map[uint64]*Table)}
}

// Size implements Memory.
func (s *Sparse) Size() uint64 { return s.size }

// Frames returns the number of materialised frames.
func (s *Sparse) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Table implements Memory.
func (s *Sparse) Table(phys uint64) (*Table, *kernel.Error) {
	if err := checkTable(s.size, phys); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	frame := phys >> mem.PageShift
	t, ok := s.frames[frame]
	if !ok {
		t = new(Table)
		s.frames[frame] = t
	}
	return t, nil
}

// Zero implements Memory. Fully covered frames are released; partially
// covered ones are cleared in place.
func (s *Sparse) Zero(phys, length uint64) *kernel.Error {
	if err := checkRange(s.size, phys, length); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	end := phys + length
	for cur := phys; cur < end; {
		frameStart := mem.AlignDown(cur, uint64(mem.PageSize))
		frameEnd := frameStart + uint64(mem.PageSize)
		stop := end
		if frameEnd < stop {
			stop = frameEnd
		}

		frame := frameStart >> mem.PageShift
		if t, ok := s.frames[frame]; ok {
			if cur == frameStart && stop == frameEnd {
				delete(s.frames, frame)
			} else {
				clearBytes(t, cur-frameStart, stop-frameStart)
			}
		}
		cur = stop
	}

	return nil
}

// clearBytes zeroes bytes [from, to) of t, assuming little-endian entries.
func clearBytes(t *Table, from, to uint64) {
	for b := from; b < to; b++ {
		t[b/8] &^= uint64(0xFF) << ((b % 8) * 8)
	}
}
