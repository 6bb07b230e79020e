package sdi12

// BufferSize is the capacity of the transmit and receive buffers.
const BufferSize = 100

// Buffer is a fixed capacity byte buffer with an explicit length.
type Buffer struct {
	data [BufferSize]byte
	n    int
}

// Append adds c at the tail. It returns ErrBufferOverflow once the buffer
// is full and leaves the contents untouched.
func (b *Buffer) Append(c byte) error {
	if b.n >= len(b.data) {
		return ErrBufferOverflow
	}
	b.data[b.n] = c
	b.n++

	return nil
}

// Write replaces the contents of b with p.
func (b *Buffer) Write(p []byte) error {
	if len(p) > len(b.data) {
		return ErrBufferOverflow
	}
	b.n = copy(b.data[:], p)

	return nil
}

// Bytes returns the valid bytes. The slice aliases the buffer and is only
// valid until the next modification.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

func (b *Buffer) Len() int { return b.n }

func (b *Buffer) Cap() int { return len(b.data) }

// Reset empties the buffer.
func (b *Buffer) Reset() { b.n = 0 }

// HasTerminator reports whether the buffer ends in cr followed by lf.
func (b *Buffer) HasTerminator(cr, lf byte) bool {
	return b.n >= 2 && b.data[b.n-2] == cr && b.data[b.n-1] == lf
}
