// Package console drives character-cell displays backed by physical memory.
package console

// Attr is a cell color. The low nibble of a cell attribute is the
// foreground, the high nibble the background.
type Attr uint16

// Standard 16 color text-mode palette.
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// MakeAttr packs a foreground and background color into a cell attribute.
func MakeAttr(fg, bg Attr) Attr {
	return (bg&0xF)<<4 | fg&0xF
}

// Colors splits a cell attribute into its foreground and background.
func (a Attr) Colors() (fg, bg Attr) {
	return a & 0xF, (a >> 4) & 0xF
}

// ScrollDir selects which way Scroll moves the contents.
type ScrollDir uint8

const (
	Up ScrollDir = iota
	Down
)

// Console is a grid of character cells addressed by column and row.
type Console interface {
	Dimensions() (width, height uint16)

	// Clear blanks a rectangle.
	Clear(x, y, width, height uint16)

	// Scroll moves every row by lines; rows scrolled in keep their old
	// contents until cleared.
	Scroll(dir ScrollDir, lines uint16)

	Write(ch byte, attr Attr, x, y uint16)
}

// Screen is a Console whose contents can be read back.
type Screen interface {
	Console

	Read(x, y uint16) (byte, Attr)

	// Lines returns the text of every row without trailing blanks.
	Lines() []string
}
