package physmem

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"kernel64/kernel"
)

func backends(t *testing.T) map[string]Memory {
	out := map[string]Memory{
		"sparse": NewSparse(0x100000),
	}

	if runtime.GOOS != "windows" && runtime.GOOS != "plan9" {
		m, err := NewMapped(0x100000)
		require.NoError(t, err)
		t.Cleanup(func() { m.Close() })
		out["mapped"] = m
	}

	return out
}

func TestTableAccess(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, uint64(0x100000), m.Size())

			tbl, err := m.Table(0x3000)
			require.Nil(t, err)
			require.Equal(t, uint64(0), tbl[7])

			tbl[7] = 0xDEADB000 | 3

			again, err := m.Table(0x3000)
			require.Nil(t, err)
			require.Equal(t, uint64(0xDEADB003), again[7])
		})
	}
}

func TestTableErrors(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := m.Table(0x3010)
			require.NotNil(t, err)
			require.Equal(t, kernel.Misalignment, err.Kind)

			_, err = m.Table(0x100000)
			require.NotNil(t, err)
			require.Equal(t, kernel.InvalidArgument, err.Kind)
		})
	}
}

func TestZero(t *testing.T) {
	for name, m := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, phys := range []uint64{0x1000, 0x2000} {
				tbl, _ := m.Table(phys)
				for i := range tbl {
					tbl[i] = ^uint64(0)
				}
			}

			// clear the tail of the first frame and the head of the second
			require.Nil(t, m.Zero(0x1FFC, 0x8))

			first, _ := m.Table(0x1000)
			second, _ := m.Table(0x2000)
			require.Equal(t, uint64(0x00000000FFFFFFFF), first[511])
			require.Equal(t, ^uint64(0), first[510])
			require.Equal(t, uint64(0xFFFFFFFF00000000), second[0])

			require.Nil(t, m.Zero(0x1000, 0x2000))
			first, _ = m.Table(0x1000)
			second, _ = m.Table(0x2000)
			require.Equal(t, Table{}, *first)
			require.Equal(t, Table{}, *second)

			err := m.Zero(0xFF000, 0x2000)
			require.NotNil(t, err)
			require.Equal(t, kernel.InvalidArgument, err.Kind)
		})
	}
}

func TestSparseReleasesFrames(t *testing.T) {
	s := NewSparse(0x10000)
	s.Table(0x0)
	s.Table(0x1000)
	require.Equal(t, 2, s.Frames())

	require.Nil(t, s.Zero(0x0, 0x1000))
	require.Equal(t, 1, s.Frames())

	// zeroing untouched frames does not materialise them
	require.Nil(t, s.Zero(0x4000, 0x4000))
	require.Equal(t, 1, s.Frames())
}
