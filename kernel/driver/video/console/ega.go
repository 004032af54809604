package console

import (
	"strings"
	"sync"

	"kernel64/kernel"
	"kernel64/kernel/mem"
	"kernel64/kernel/mem/physmem"
)

const (
	clearColor = Black
	clearChar  = byte(' ')

	// cellSize is the number of bytes per character cell.
	cellSize = 2
)

var _ Screen = (*Ega)(nil)

// Ega implements an EGA-compatible text console whose framebuffer lives in
// physical memory. Each cell holds a character in its low byte and an
// attribute in its high byte.
type Ega struct {
	sync.Mutex

	width  uint16
	height uint16

	memory physmem.Memory
	fbPhys uint64
}

// NewEga sets up a width x height console over the framebuffer at fbPhys.
func NewEga(memory physmem.Memory, fbPhys uint64, width, height uint16) (*Ega, *kernel.Error) {
	if fbPhys%cellSize != 0 {
		return nil, kernel.Errorf("console", kernel.Misalignment, "framebuffer address 0x%x is not cell aligned", fbPhys)
	}
	if width == 0 || height == 0 {
		return nil, kernel.Errorf("console", kernel.InvalidArgument, "console dimensions %dx%d are empty", width, height)
	}

	end := fbPhys + uint64(width)*uint64(height)*cellSize
	for frame := mem.AlignDown(fbPhys, uint64(mem.PageSize)); frame < end; frame += uint64(mem.PageSize) {
		if _, err := memory.Table(frame); err != nil {
			return nil, err
		}
	}

	return &Ega{width: width, height: height, memory: memory, fbPhys: fbPhys}, nil
}

// word returns the table word holding cell i and the bit offset of the cell
// inside it.
func (cons *Ega) word(i int) (*uint64, uint) {
	addr := cons.fbPhys + uint64(i)*cellSize
	table, _ := cons.memory.Table(mem.AlignDown(addr, uint64(mem.PageSize)))
	off := addr & uint64(mem.PageSize-1)
	return &table[off/8], uint(off%8) * 8
}

func (cons *Ega) cell(i int) uint16 {
	w, shift := cons.word(i)
	return uint16(*w >> shift)
}

func (cons *Ega) setCell(i int, v uint16) {
	w, shift := cons.word(i)
	*w = *w&^(uint64(0xFFFF)<<shift) | uint64(v)<<shift
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = attr | uint16(clearChar)
		rowOffset, colOffset int
	)

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width || x+width < x {
		width = cons.width - x
	}
	if y+height > cons.height || y+height < y {
		height = cons.height - y
	}

	rowOffset = int(y)*int(cons.width) + int(x)
	for ; height > 0; height, rowOffset = height-1, rowOffset+int(cons.width) {
		for colOffset = rowOffset; colOffset < rowOffset+int(width); colOffset++ {
			cons.setCell(colOffset, clr)
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	offset := int(lines) * int(cons.width)
	cells := int(cons.height) * int(cons.width)

	switch dir {
	case Up:
		for i := 0; i < cells-offset; i++ {
			cons.setCell(i, cons.cell(i+offset))
		}
	case Down:
		for i := cells - 1; i >= offset; i-- {
			cons.setCell(i, cons.cell(i-offset))
		}
	}
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.setCell(int(y)*int(cons.width)+int(x), (uint16(attr)<<8)|uint16(ch))
}

// Read returns the character and attribute at the specified location.
func (cons *Ega) Read(x, y uint16) (byte, Attr) {
	if x >= cons.width || y >= cons.height {
		return 0, 0
	}

	v := cons.cell(int(y)*int(cons.width) + int(x))
	return byte(v), Attr(v >> 8)
}

// Lines returns the text on screen with trailing blanks removed.
func (cons *Ega) Lines() []string {
	out := make([]string, cons.height)
	row := make([]byte, cons.width)
	for y := uint16(0); y < cons.height; y++ {
		for x := uint16(0); x < cons.width; x++ {
			ch, _ := cons.Read(x, y)
			if ch == 0 {
				ch = ' '
			}
			row[x] = ch
		}
		out[y] = strings.TrimRight(string(row), " ")
	}
	return out
}
