package sv

import "errors"

// errShortBuffer marks reads past the end of the frame. It is classified
// as a truncated payload by the decoder entry points.
var errShortBuffer = errors.New("unexpected end of buffer")

// reader is a non-owning cursor over a frame payload. All reads are
// bounds checked; nothing is ever copied.
type reader struct {
	buf []byte
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) empty() bool { return len(r.buf) == 0 }

func (r *reader) remaining() int { return len(r.buf) }

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf) {
		return nil, errShortBuffer
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}

func (r *reader) readU8() (byte, error) {
	if len(r.buf) == 0 {
		return 0, errShortBuffer
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *reader) peekU8() (byte, error) {
	if len(r.buf) == 0 {
		return 0, errShortBuffer
	}
	return r.buf[0], nil
}

func (r *reader) readU16() (uint16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (r *reader) readU32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (r *reader) skip(n int) error {
	if n < 0 || n > len(r.buf) {
		return errShortBuffer
	}
	r.buf = r.buf[n:]
	return nil
}

// limit shrinks the readable window to the first n bytes.
func (r *reader) limit(n int) error {
	if n < 0 || n > len(r.buf) {
		return errShortBuffer
	}
	r.buf = r.buf[:n]
	return nil
}

// sub consumes n bytes and returns a cursor over just those bytes.
func (r *reader) sub(n int) (*reader, error) {
	b, err := r.readBytes(n)
	if err != nil {
		return nil, err
	}
	return newReader(b), nil
}
