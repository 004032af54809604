package console

import (
	"testing"

	"kernel64/kernel"
	"kernel64/kernel/mem/physmem"
)

func newTestEga(t *testing.T) *Ega {
	t.Helper()

	cons, err := NewEga(physmem.NewSparse(0x100000), 0xB8000, 80, 25)
	if err != nil {
		t.Fatal(err)
	}
	return cons
}

func (cons *Ega) fill(fn func(x, y uint16) uint16) {
	var x, y uint16
	for y = 0; y < cons.height; y++ {
		for x = 0; x < cons.width; x++ {
			cons.setCell(int(y)*int(cons.width)+int(x), fn(x, y))
		}
	}
}

func TestNewEga(t *testing.T) {
	cons := newTestEga(t)

	var expWidth uint16 = 80
	var expHeight uint16 = 25

	if w, h := cons.Dimensions(); w != expWidth || h != expHeight {
		t.Fatalf("expected console dimensions to be (%d, %d); got (%d, %d)", expWidth, expHeight, w, h)
	}

	specs := []struct {
		fbPhys        uint64
		width, height uint16
		expKind       kernel.ErrorKind
	}{
		{0xB8001, 80, 25, kernel.Misalignment},
		{0xB8000, 0, 25, kernel.InvalidArgument},
		{0xFF800, 80, 25, kernel.InvalidArgument},
	}

	for specIndex, spec := range specs {
		_, err := NewEga(physmem.NewSparse(0x100000), spec.fbPhys, spec.width, spec.height)
		if err == nil || err.Kind != spec.expKind {
			t.Errorf("[spec %d] expected error of kind %s; got %v", specIndex, spec.expKind, err)
		}
	}
}

func TestEgaCellsShareWords(t *testing.T) {
	memory := physmem.NewSparse(0x100000)
	cons, err := NewEga(memory, 0xB8000, 80, 25)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		cons.Write(byte('a'+i), Attr(i), uint16(i), 0)
	}

	table, _ := memory.Table(0xB8000)
	if exp := uint64(0x0364_0263_0162_0061); table[0] != exp {
		t.Fatalf("expected first framebuffer word to be 0x%x; got 0x%x", exp, table[0])
	}
}

func TestEgaClear(t *testing.T) {
	specs := []struct {
		// Input rect
		x, y, w, h uint16

		// Expected area to be cleared
		expX, expY, expW, expH uint16
	}{
		{
			0, 0, 500, 500,
			0, 0, 80, 25,
		},
		{
			10, 10, 11, 50,
			10, 10, 11, 15,
		},
		{
			10, 10, 110, 1,
			10, 10, 70, 1,
		},
		{
			70, 20, 20, 20,
			70, 20, 10, 5,
		},
		{
			90, 25, 20, 20,
			0, 0, 0, 0,
		},
		{
			12, 12, 5, 6,
			12, 12, 5, 6,
		},
	}

	cons := newTestEga(t)

	testPat := uint16(0xDEAD)
	clearPat := (uint16(clearColor) << 8) | uint16(clearChar)

nextSpec:
	for specIndex, spec := range specs {
		cons.fill(func(_, _ uint16) uint16 { return testPat })

		cons.Clear(spec.x, spec.y, spec.w, spec.h)

		var x, y uint16
		for y = 0; y < cons.height; y++ {
			for x = 0; x < cons.width; x++ {
				fbVal := cons.cell(int(y)*int(cons.width) + int(x))

				if x < spec.expX || y < spec.expY || x >= spec.expX+spec.expW || y >= spec.expY+spec.expH {
					if fbVal != testPat {
						t.Errorf("[spec %d] expected char at (%d, %d) not to be cleared", specIndex, x, y)
						continue nextSpec
					}
				} else {
					if fbVal != clearPat {
						t.Errorf("[spec %d] expected char at (%d, %d) to be cleared", specIndex, x, y)
						continue nextSpec
					}
				}
			}
		}
	}
}

func TestEgaScroll(t *testing.T) {
	specs := []struct {
		dir   ScrollDir
		lines uint16
	}{
		{Up, 0},
		{Up, 1},
		{Up, 2},
		{Down, 0},
		{Down, 1},
		{Down, 2},
		{Up, 30},
	}

	cons := newTestEga(t)

nextSpec:
	for specIndex, spec := range specs {
		cons.fill(func(x, y uint16) uint16 { return (y << 8) | x })

		cons.Scroll(spec.dir, spec.lines)

		lines := spec.lines
		if lines > cons.height {
			lines = 0
		}

		var x, y uint16
		for y = 0; y < cons.height-lines; y++ {
			for x = 0; x < cons.width; x++ {
				row, expRow := y, y+lines
				if spec.dir == Down {
					row, expRow = y+lines, y
				}

				expVal := (expRow << 8) | x
				if got := cons.cell(int(row)*int(cons.width) + int(x)); got != expVal {
					t.Errorf("[spec %d] expected value at (%d, %d) to be %d; got %d", specIndex, x, row, expVal, got)
					continue nextSpec
				}
			}
		}
	}
}

func TestEgaWriteWithOffScreenCoords(t *testing.T) {
	cons := newTestEga(t)

	specs := []struct {
		x, y uint16
	}{
		{80, 25},
		{90, 24},
		{79, 30},
		{100, 100},
	}

nextSpec:
	for specIndex, spec := range specs {
		cons.fill(func(_, _ uint16) uint16 { return 0 })

		cons.Write('!', Red, spec.x, spec.y)

		for i := 0; i < int(cons.width)*int(cons.height); i++ {
			if got := cons.cell(i); got != 0 {
				t.Errorf("[spec %d] expected Write() with off-screen coords to be a no-op", specIndex)
				continue nextSpec
			}
		}
	}
}

func TestEgaWriteRead(t *testing.T) {
	cons := newTestEga(t)

	attr := (Black << 4) | Red
	cons.Write('!', attr, 0, 0)

	expVal := uint16(attr<<8) | uint16('!')
	if got := cons.cell(0); got != expVal {
		t.Errorf("expected call to Write() to set cell 0 to %d; got %d", expVal, got)
	}

	if ch, gotAttr := cons.Read(0, 0); ch != '!' || gotAttr != attr {
		t.Errorf("expected Read() to return ('!', %d); got (%q, %d)", attr, ch, gotAttr)
	}
	if ch, _ := cons.Read(80, 0); ch != 0 {
		t.Errorf("expected off-screen Read() to return 0; got %q", ch)
	}

	for i, ch := range []byte("hello") {
		cons.Write(ch, White, uint16(i), 3)
	}

	lines := cons.Lines()
	if len(lines) != 25 {
		t.Fatalf("expected 25 lines; got %d", len(lines))
	}
	if lines[0] != "!" || lines[3] != "hello" || lines[4] != "" {
		t.Errorf("unexpected screen contents %q", lines[:5])
	}
}

func TestAttr(t *testing.T) {
	specs := []struct {
		fg, bg Attr
		exp    Attr
	}{
		{LightGrey, Black, 0x07},
		{LightRed, Blue, 0x1C},
		{White, White, 0xFF},
		{0x1F, 0x12, 0x2F},
	}

	for specIndex, spec := range specs {
		attr := MakeAttr(spec.fg, spec.bg)
		if attr != spec.exp {
			t.Errorf("[spec %d] expected MakeAttr(%d, %d) to be 0x%x; got 0x%x", specIndex, spec.fg, spec.bg, spec.exp, attr)
			continue
		}

		if fg, bg := attr.Colors(); fg != spec.fg&0xF || bg != spec.bg&0xF {
			t.Errorf("[spec %d] expected Colors() to return (%d, %d); got (%d, %d)", specIndex, spec.fg&0xF, spec.bg&0xF, fg, bg)
		}
	}
}
