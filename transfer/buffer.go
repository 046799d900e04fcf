// Description: transfer package
// A Buffer holds the bytes of an upload between the moment they arrive on the
// wire and the moment they are written to the store.

package transfer

// Buffer is owned by a single session and is not safe for concurrent use.
// Every session gets its own, so one upload can never see another session's bytes.
type Buffer struct {
	data []byte
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Stage replaces the contents of the buffer with a copy of data.
func (b *Buffer) Stage(data []byte) {
	b.data = append(b.data[:0:0], data...)
}

// TakeAndClear returns the staged bytes and leaves the buffer empty.
func (b *Buffer) TakeAndClear() []byte {
	data := b.data
	b.data = nil
	return data
}

// Len is the number of staged bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Empty reports whether nothing is staged.
func (b *Buffer) Empty() bool {
	return len(b.data) == 0
}
