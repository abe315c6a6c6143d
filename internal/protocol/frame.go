package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameLenSize = 4
	frameSeqSize = 2

	// MaxPayload bounds a frame payload. Event messages are limited by their
	// 16-bit length field, command replies by the 16 KiB reply buffer; the
	// extra room covers names and opcodes.
	MaxPayload = 64*1024 + 512
)

// Frame is one unit on the IPC stream.
type Frame struct {
	Seq     uint16
	Header  Header
	Payload []byte
}

// MarshalBinary encodes the frame including its length prefix.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes: %w", len(f.Payload), ErrTooLong)
	}
	w := NewWriter(frameLenSize + frameSeqSize + HeaderSize + len(f.Payload))
	w.Uint32(uint32(frameSeqSize + HeaderSize + len(f.Payload)))
	w.Uint16(f.Seq)
	w.Bytes(f.Header[:])
	w.Bytes(f.Payload)
	return w.Finish()
}

// WriteFrame writes f to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [frameLenSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	n := int(binary.BigEndian.Uint32(prefix[:]))
	if n < frameSeqSize+HeaderSize {
		return Frame{}, fmt.Errorf("frame length %d: %w", n, ErrMalformed)
	}
	if n > frameSeqSize+HeaderSize+MaxPayload {
		return Frame{}, fmt.Errorf("frame length %d: %w", n, ErrTooLong)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	rd := NewReader(body)
	var f Frame
	f.Seq = rd.Uint16()
	copy(f.Header[:], rd.Bytes(HeaderSize))
	f.Payload = rd.Rest()
	return f, rd.Err()
}
