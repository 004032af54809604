// Package tty turns a character-cell console into a byte stream sink, so the
// boot log and status banners can be written to the screen with io.Writer.
package tty

import (
	"sync"

	"kernel64/kernel/driver/video/console"
)

// TabWidth is the number of blanks a TAB expands to.
const TabWidth = 4

var defaultAttr = console.MakeAttr(console.LightGrey, console.Black)

// Vt is a cursor over a console. It understands CR, LF, BS and TAB, wraps at
// the right edge and scrolls at the bottom. The zero value must be attached
// to a console before use.
type Vt struct {
	mu   sync.Mutex
	cons console.Console

	width, height uint16
	x, y          uint16
	attr          console.Attr
}

// AttachTo points the terminal at cons and homes the cursor.
func (t *Vt) AttachTo(cons console.Console) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.x, t.y = 0, 0
	t.attr = defaultAttr
}

// Dimensions returns the terminal size in characters.
func (t *Vt) Dimensions() (uint16, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.width, t.height
}

// Clear blanks the whole screen. The cursor does not move.
func (t *Vt) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cons.Clear(0, 0, t.width, t.height)
}

// Position returns the cursor column and row.
func (t *Vt) Position() (uint16, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.x, t.y
}

// SetPosition moves the cursor, clamping to the screen.
func (t *Vt) SetPosition(x, y uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.x, t.y = min(x, t.width-1), min(y, t.height-1)
}

// SetAttr selects the colors of subsequent output.
func (t *Vt) SetAttr(fg, bg console.Attr) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.attr = console.MakeAttr(fg, bg)
}

// Write interprets data as terminal output. It never fails.
func (t *Vt) Write(data []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, b := range data {
		t.emit(b)
	}
	return len(data), nil
}

// WriteByte writes a single byte of terminal output.
func (t *Vt) WriteByte(b byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.emit(b)
	return nil
}

// WriteAtPosition places ch at (x, y) with attr and leaves the cursor alone.
func (t *Vt) WriteAtPosition(x, y uint16, attr console.Attr, ch byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cons.Write(ch, attr, x, y)
}

func (t *Vt) emit(b byte) {
	switch b {
	case '\r':
		t.x = 0
	case '\n':
		t.newline()
	case '\b':
		if t.x > 0 {
			t.x--
		}
	case '\t':
		for i := 0; i < TabWidth; i++ {
			t.advance(' ')
		}
	default:
		t.advance(b)
	}
}

// advance draws b under the cursor and moves right, wrapping onto the next
// line at the right edge.
func (t *Vt) advance(b byte) {
	t.cons.Write(b, t.attr, t.x, t.y)
	if t.x++; t.x == t.width {
		t.newline()
	}
}

// newline moves to the start of the next row; on the last row the screen
// scrolls up and the row is blanked.
func (t *Vt) newline() {
	t.x = 0
	if t.y+1 < t.height {
		t.y++
		return
	}

	t.cons.Scroll(console.Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}
