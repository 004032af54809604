package kfmt

import "io"

// earlyBufferSize is the capacity of the buffer that holds log output emitted
// before an output sink is attached. It must be a power of 2.
const earlyBufferSize = 4096

// earlyBuffer is a fixed-size ring buffer. When it fills up, the oldest bytes
// are overwritten.
type earlyBuffer struct {
	data           [earlyBufferSize]byte
	rIndex, wIndex int
}

// Write appends p to the buffer, discarding the oldest data on overflow.
func (eb *earlyBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		eb.data[eb.wIndex] = b
		eb.wIndex = (eb.wIndex + 1) & (earlyBufferSize - 1)
		if eb.rIndex == eb.wIndex {
			eb.rIndex = (eb.rIndex + 1) & (earlyBufferSize - 1)
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes.
func (eb *earlyBuffer) Len() int {
	return (eb.wIndex - eb.rIndex) & (earlyBufferSize - 1)
}

// Read drains up to len(p) bytes from the buffer.
func (eb *earlyBuffer) Read(p []byte) (int, error) {
	if eb.rIndex == eb.wIndex {
		return 0, io.EOF
	}

	end := eb.wIndex
	if eb.rIndex > eb.wIndex {
		end = earlyBufferSize
	}

	n := copy(p, eb.data[eb.rIndex:end])
	eb.rIndex = (eb.rIndex + n) & (earlyBufferSize - 1)
	return n, nil
}
