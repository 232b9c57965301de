// Package wire implements the MariaDB/MySQL client-server wire protocol:
// the length-encoded integer/string codec, packet framing (3-byte length
// + 1-byte sequence, including the 0xFFFFFF large-packet continuation
// rule), and the owned byte Buffer that every packet is read into and
// written out of.
package wire

// Buffer is an owned, growable byte container. It supports amortized O(1)
// append, a prefix trim that shifts the remaining bytes down, and a
// one-shot hand-off of its backing array to a sink (Take). Buffers are never shared mutably: a reply produced by the
// backend is consumed by exactly one client writer.
type Buffer struct {
	data []byte
}

// NewBuffer returns an empty Buffer with the given initial capacity hint.
func NewBuffer(capHint int) *Buffer {
	return &Buffer{data: make([]byte, 0, capHint)}
}

// Append copies b onto the end of the buffer.
func (buf *Buffer) Append(b []byte) {
	buf.data = append(buf.data, b...)
}

// AppendByte appends a single byte.
func (buf *Buffer) AppendByte(b byte) {
	buf.data = append(buf.data, b)
}

// Len returns the number of bytes currently held.
func (buf *Buffer) Len() int {
	return len(buf.data)
}

// Bytes returns the buffer's contents. The caller must not retain it
// across a subsequent TrimPrefix or Take call.
func (buf *Buffer) Bytes() []byte {
	return buf.data
}

// TrimPrefix discards the first n bytes, shifting the remainder down.
func (buf *Buffer) TrimPrefix(n int) {
	if n <= 0 {
		return
	}
	if n >= len(buf.data) {
		buf.data = buf.data[:0]
		return
	}
	copy(buf.data, buf.data[n:])
	buf.data = buf.data[:len(buf.data)-n]
}

// Take hands ownership of the backing array to the caller and resets the
// buffer to empty. Used when a fully-assembled packet is handed off to a
// sink (a socket write, a history entry) without an extra copy.
func (buf *Buffer) Take() []byte {
	out := buf.data
	buf.data = nil
	return out
}

// Reset empties the buffer without releasing its backing array.
func (buf *Buffer) Reset() {
	buf.data = buf.data[:0]
}
