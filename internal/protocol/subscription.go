package protocol

import "fmt"

// EncodeOpcodes builds a subscription list: (1 byte length, opcode) pairs.
func EncodeOpcodes(opcodes []string) ([]byte, error) {
	size := 0
	for _, op := range opcodes {
		if len(op) == 0 || len(op) >= OpcodeBufferSize {
			return nil, fmt.Errorf("opcode %q: %w", op, ErrTooLong)
		}
		size += 1 + len(op)
	}
	w := NewWriter(size)
	for _, op := range opcodes {
		w.Byte(byte(len(op)))
		w.String(op)
	}
	return w.Finish()
}

// OpcodeScanner walks a subscription list. Scanning stops at a zero length
// byte or the end of input; an oversized or truncated entry stops it with an
// error, leaving earlier entries already returned.
type OpcodeScanner struct {
	r   *Reader
	cur string
	err error
}

// NewOpcodeScanner returns a scanner over list.
func NewOpcodeScanner(list []byte) *OpcodeScanner {
	return &OpcodeScanner{r: NewReader(list)}
}

// Scan advances to the next opcode.
func (s *OpcodeScanner) Scan() bool {
	if s.err != nil || s.r.Remaining() == 0 {
		return false
	}
	n := int(s.r.Byte())
	if n == 0 {
		return false
	}
	if n >= OpcodeBufferSize {
		s.err = fmt.Errorf("opcode length %d >= %d: %w", n, OpcodeBufferSize, ErrTooLong)
		return false
	}
	op := s.r.String(n)
	if err := s.r.Err(); err != nil {
		s.err = fmt.Errorf("opcode length %d past end of list: %w", n, err)
		return false
	}
	s.cur = op
	return true
}

// Opcode returns the opcode produced by the last Scan.
func (s *OpcodeScanner) Opcode() string { return s.cur }

// Err returns the error that stopped scanning, if any.
func (s *OpcodeScanner) Err() error { return s.err }
