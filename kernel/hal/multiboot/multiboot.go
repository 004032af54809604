// Package multiboot decodes the information block a multiboot2 compliant
// bootloader hands to the kernel.
package multiboot

import (
	"encoding/binary"

	"kernel64/kernel"
	"kernel64/kernel/mem/memmap"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize covers the total size and reserved fields.
	infoHeaderSize = 8

	// tagHeaderSize covers the type and size of each tag.
	tagHeaderSize = 8

	// mmapHeaderSize covers the entry size and version of the memory map tag.
	mmapHeaderSize = 8

	// minMmapEntrySize is the size of the fields we decode from each entry.
	minMmapEntrySize = 20
)

// FramebufferType is the display mode the bootloader left the framebuffer
// in.
type FramebufferType uint8

const (
	FrameBufferTypeIndexed FramebufferType = iota
	FramebufferTypeRGB
	FramebufferTypeEGA
)

// FramebufferInfo is the decoded framebuffer tag. Width and Height count
// characters in EGA text mode and pixels otherwise.
type FramebufferInfo struct {
	PhysAddr      uint64
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
	Type          FramebufferType
}

// Size returns the number of bytes the framebuffer occupies.
func (fb *FramebufferInfo) Size() uint64 {
	return uint64(fb.Pitch) * uint64(fb.Height)
}

// MemoryEntryType is the firmware type of a memory region. The numbering is
// shared with E820.
type MemoryEntryType uint32

const (
	MemAvailable MemoryEntryType = iota + 1
	MemReserved
	MemAcpiReclaimable
	MemNvs

	// types from here on are reported as MemReserved
	memUnknown
)

// MemoryMapEntry is one region of the bootloader's memory map.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// MemRegionVisitor receives each memory region in turn and returns false to
// stop the scan.
type MemRegionVisitor func(entry MemoryMapEntry) bool

// Info is a multiboot information block.
type Info struct {
	data []byte
}

// Parse wraps data, which must start with the info header. Bytes past the
// size recorded in the header are ignored.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, kernel.Errorf("multiboot", kernel.MemoryMapInconsistency, "info block is %d bytes; need at least %d", len(data), infoHeaderSize)
	}

	total := binary.LittleEndian.Uint32(data)
	if total < infoHeaderSize || uint64(total) > uint64(len(data)) {
		return nil, kernel.Errorf("multiboot", kernel.MemoryMapInconsistency, "info block claims %d bytes but %d are available", total, len(data))
	}

	return &Info{data: data[:total]}, nil
}

// VisitMemRegions calls visitor for every entry of the memory map tag, in
// the order the bootloader listed them.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	offset, size := i.findTagByType(tagMemoryMap)
	if size < mmapHeaderSize {
		return
	}

	entrySize := binary.LittleEndian.Uint32(i.data[offset:])
	if entrySize < minMmapEntrySize {
		return
	}

	end := offset + size
	for cur := offset + mmapHeaderSize; cur+entrySize <= end; cur += entrySize {
		entry := MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(i.data[cur:]),
			Length:      binary.LittleEndian.Uint64(i.data[cur+8:]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(i.data[cur+16:])),
		}

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// MemoryMap converts the memory map tag into a memmap.Map. Multiboot entry
// types share their numbering with E820.
func (i *Info) MemoryMap() (*memmap.Map, *kernel.Error) {
	var entries []memmap.Entry
	i.VisitMemRegions(func(e MemoryMapEntry) bool {
		entries = append(entries, memmap.Entry{
			BaseAddress: e.PhysAddress,
			Length:      e.Length,
			Type:        uint32(e.Type),
		})
		return true
	})

	if len(entries) == 0 {
		return nil, kernel.Errorf("multiboot", kernel.MemoryMapInconsistency, "info block has no memory map")
	}
	return memmap.New(entries)
}

// FramebufferInfo decodes the framebuffer tag, or returns nil when the
// bootloader did not set up a framebuffer.
func (i *Info) FramebufferInfo() *FramebufferInfo {
	offset, size := i.findTagByType(tagFramebufferInfo)
	if size < 22 {
		return nil
	}

	d := i.data[offset:]
	return &FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(d),
		Pitch:    binary.LittleEndian.Uint32(d[8:]),
		Width:    binary.LittleEndian.Uint32(d[12:]),
		Height:   binary.LittleEndian.Uint32(d[16:]),
		Bpp:      d[20],
		Type:     FramebufferType(d[21]),
	}
}

// BootLoaderName returns the name reported by the bootloader.
func (i *Info) BootLoaderName() string {
	return i.stringTag(tagBootLoaderName)
}

// CmdLine returns the kernel command line.
func (i *Info) CmdLine() string {
	return i.stringTag(tagBootCmdLine)
}

func (i *Info) stringTag(t tagType) string {
	offset, size := i.findTagByType(t)
	s := i.data[offset : offset+size]
	for n, b := range s {
		if b == 0 {
			return string(s[:n])
		}
	}
	return string(s)
}

// findTagByType returns the offset and length of the payload of the first
// tag of type t, or (0, 0) when there is none. Scanning stops at the end tag
// or at the first tag whose size does not fit the block.
func (i *Info) findTagByType(t tagType) (uint32, uint32) {
	total := uint32(len(i.data))

	for cur := uint32(infoHeaderSize); cur+tagHeaderSize <= total; {
		curType := tagType(binary.LittleEndian.Uint32(i.data[cur:]))
		size := binary.LittleEndian.Uint32(i.data[cur+4:])
		if curType == tagMbSectionEnd || size < tagHeaderSize || size > total-cur {
			break
		}

		if curType == t {
			return cur + tagHeaderSize, size - tagHeaderSize
		}

		// tags start on 8 byte boundaries
		cur += (size + 7) &^ 7
	}

	return 0, 0
}
