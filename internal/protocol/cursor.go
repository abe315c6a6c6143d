package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrShortBuffer is returned when a write would exceed the buffer capacity
	// or a read would run past the end of the input.
	ErrShortBuffer = errors.New("protocol: short buffer")
	// ErrTooLong is returned when a field does not fit its length prefix.
	ErrTooLong = errors.New("protocol: field too long")
	// ErrMalformed is returned for structurally invalid input.
	ErrMalformed = errors.New("protocol: malformed message")
)

// Writer appends to a bounded buffer. Once a write fails every later write
// fails too, so callers may check Err once at the end.
type Writer struct {
	buf []byte
	max int
	err error
}

// NewWriter returns a Writer that refuses to grow beyond max bytes.
func NewWriter(max int) *Writer {
	hint := max
	if hint > 4096 {
		hint = 4096
	}
	return &Writer{buf: make([]byte, 0, hint), max: max}
}

func (w *Writer) reserve(n int) bool {
	if w.err != nil {
		return false
	}
	if n < 0 || len(w.buf)+n > w.max {
		w.err = ErrShortBuffer
		return false
	}
	return true
}

// Byte appends one byte.
func (w *Writer) Byte(b byte) {
	if w.reserve(1) {
		w.buf = append(w.buf, b)
	}
}

// Uint16 appends v in big endian order.
func (w *Writer) Uint16(v uint16) {
	if w.reserve(2) {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

// Uint32 appends v in big endian order.
func (w *Writer) Uint32(v uint32) {
	if w.reserve(4) {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

// Bytes appends p verbatim.
func (w *Writer) Bytes(p []byte) {
	if w.reserve(len(p)) {
		w.buf = append(w.buf, p...)
	}
}

// String appends s verbatim.
func (w *Writer) String(s string) {
	if w.reserve(len(s)) {
		w.buf = append(w.buf, s...)
	}
}

// Len reports how many bytes have been written.
func (w *Writer) Len() int { return len(w.buf) }

// Remaining reports how many bytes may still be written.
func (w *Writer) Remaining() int { return w.max - len(w.buf) }

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

// Finish returns the written bytes or the first error.
func (w *Writer) Finish() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// Reader consumes a byte slice front to back.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over p.
func NewReader(p []byte) *Reader {
	return &Reader{buf: p}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = ErrShortBuffer
		return nil
	}
	p := r.buf[r.off : r.off+n]
	r.off += n
	return p
}

// Byte reads one byte.
func (r *Reader) Byte() byte {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

// Uint16 reads a big endian uint16.
func (r *Reader) Uint16() uint16 {
	if p := r.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

// Uint32 reads a big endian uint32.
func (r *Reader) Uint32() uint32 {
	if p := r.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

// Bytes reads n bytes. The result aliases the input.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

// String reads n bytes as a string.
func (r *Reader) String(n int) string {
	return string(r.take(n))
}

// Rest returns everything not yet consumed.
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	p := r.buf[r.off:]
	r.off = len(r.buf)
	return p
}

// Remaining reports the unread byte count.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }
