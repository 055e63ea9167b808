package sv

import (
	"errors"
	"fmt"
)

// Minimal ASN.1 BER reader, covering only what IEC 61850-9-2 sampled
// value PDUs actually use: identifiers, definite lengths, INTEGER,
// OCTET STRING and VisibleString.

type tagClass uint8

const (
	classUniversal tagClass = iota
	classApplication
	classContextSpecific
	classPrivate
)

type tag struct {
	class tagClass
	num   uint32
}

func universal(n uint32) tag       { return tag{classUniversal, n} }
func application(n uint32) tag     { return tag{classApplication, n} }
func contextSpecific(n uint32) tag { return tag{classContextSpecific, n} }

var (
	errUnexpectedTag    = errors.New("unexpected tag")
	errTagOutOfRange    = errors.New("tag number out of range")
	errIndefiniteLength = errors.New("indefinite length not supported")
	errReservedLength   = errors.New("reserved length encoding")
	errLengthOutOfRange = errors.New("length out of range")
	errBadInteger       = errors.New("invalid integer encoding")
	errConstructed      = errors.New("constructed strings not supported")
	errBadVisibleString = errors.New("invalid VisibleString")
)

// readIdentifier parses a BER identifier octet (plus high-tag-number
// continuation bytes) and reports whether the encoding is constructed.
func readIdentifier(r *reader) (tag, bool, error) {
	first, err := r.readU8()
	if err != nil {
		return tag{}, false, err
	}
	constructed := first&(1<<5) != 0
	num := uint32(first & 0b0001_1111)
	if num == 31 {
		num = 0
		for {
			b, err := r.readU8()
			if err != nil {
				return tag{}, false, err
			}
			num = num<<7 | uint32(b&0b0111_1111)
			if b&(1<<7) == 0 {
				break
			}
			if num >= 1<<25 {
				return tag{}, false, errTagOutOfRange
			}
		}
	}
	return tag{class: tagClass(first >> 6), num: num}, constructed, nil
}

// readRequired consumes an identifier and fails unless it matches want.
func readRequired(r *reader, want tag) (bool, error) {
	got, constructed, err := readIdentifier(r)
	if err != nil {
		return false, err
	}
	if got != want {
		return false, fmt.Errorf("%w: got class %d num %d", errUnexpectedTag, got.class, got.num)
	}
	return constructed, nil
}

// readOptional peeks at the next identifier; the cursor only advances
// when the tag matches want.
func readOptional(r *reader, want tag) (present, constructed bool, err error) {
	if r.empty() {
		return false, false, nil
	}
	peek := *r
	got, constructed, err := readIdentifier(&peek)
	if err != nil {
		return false, false, err
	}
	if got != want {
		return false, false, nil
	}
	*r = peek
	return true, constructed, nil
}

// readLength parses a definite BER length.
func readLength(r *reader) (int, error) {
	first, err := r.readU8()
	if err != nil {
		return 0, err
	}
	switch {
	case first < 0b1000_0000:
		return int(first), nil
	case first == 0b1000_0000:
		return 0, errIndefiniteLength
	case first == 0b1111_1111:
		return 0, errReservedLength
	}
	var length uint64
	for i := 0; i < int(first&0b0111_1111); i++ {
		if length >= 1<<55 {
			return 0, errLengthOutOfRange
		}
		b, err := r.readU8()
		if err != nil {
			return 0, err
		}
		length = length<<8 | uint64(b)
	}
	if length > uint64(int(^uint(0)>>1)) {
		return 0, errLengthOutOfRange
	}
	return int(length), nil
}

// readUint16 parses a BER INTEGER constrained to 0..65535.
func readUint16(r *reader, constructed bool) (uint16, error) {
	if constructed {
		return 0, errBadInteger
	}
	length, err := readLength(r)
	if err != nil {
		return 0, err
	}
	b, err := r.readBytes(length)
	if err != nil {
		return 0, err
	}
	switch {
	case len(b) == 0:
		return 0, errBadInteger
	case b[0] >= 0x80:
		return 0, fmt.Errorf("%w: negative", errBadInteger)
	case len(b) >= 2 && b[0] == 0 && b[1] < 0x80:
		return 0, fmt.Errorf("%w: overlong", errBadInteger)
	}
	switch len(b) {
	case 1:
		return uint16(b[0]), nil
	case 2:
		return uint16(b[0])<<8 | uint16(b[1]), nil
	case 3: // leading zero pad for values >= 0x8000
		return uint16(b[1])<<8 | uint16(b[2]), nil
	default:
		return 0, fmt.Errorf("%w: %d bytes", errBadInteger, len(b))
	}
}

// readOctetString returns the contents of a primitive OCTET STRING.
func readOctetString(r *reader, constructed bool) ([]byte, error) {
	if constructed {
		return nil, errConstructed
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	return r.readBytes(length)
}

// readVisibleString returns a primitive VisibleString, restricted to
// printable ASCII (0x20..0x7E).
func readVisibleString(r *reader, constructed bool) (string, error) {
	b, err := readOctetString(r, constructed)
	if err != nil {
		return "", err
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return "", errBadVisibleString
		}
	}
	return string(b), nil
}
