package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"github.com/openpmu/sv-gateway/internal/metrics"
)

// Serial tap framing. Test rigs and remote taps forward captured SV
// payloads over a serial link with a tiny envelope:
//
//	5A A5 - preamble
//	LL LL - payload length, big endian (1..MaxFrameSize)
//	...   - payload (the Ethernet payload, APPID onward)
//	CC    - checksum = 0x5A + both length bytes + sum(payload) (mod 256)
const (
	tapPre0 = 0x5A
	tapPre1 = 0xA5
)

// ErrTapFrameTooLarge is returned by EncodeTap for payloads above MaxFrameSize.
var ErrTapFrameTooLarge = errors.New("serial tap: payload too large")

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenPort opens a serial device for the tap source.
func OpenPort(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// EncodeTap wraps payload in the tap envelope. Used by tests and by
// tooling that replays recorded captures into a gateway.
func EncodeTap(payload []byte) ([]byte, error) {
	n := len(payload)
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTapFrameTooLarge, n)
	}
	out := make([]byte, n+5)
	out[0] = tapPre0
	out[1] = tapPre1
	out[2] = byte(n >> 8)
	out[3] = byte(n)
	sum := byte(tapPre0) + out[2] + out[3]
	for i, b := range payload {
		out[4+i] = b
		sum += b
	}
	out[4+n] = sum
	return out, nil
}

// compactBuffer reclaims consumed prefix capacity once unread bytes are a
// small fraction of the backing array. Returns true if compaction occurred.
func compactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// decodeTap extracts at most one tap frame from acc into fr, resyncing
// past garbage and checksum failures. Returns true when a frame was
// produced; false means more bytes are needed.
func decodeTap(acc *bytes.Buffer, fr *Frame) bool {
	header := []byte{tapPre0, tapPre1}
	for {
		_ = compactBuffer(acc)
		data := acc.Bytes()
		if len(data) < 4 { // preamble + length
			return false
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case the next read starts mid-preamble
			last := data[len(data)-1]
			acc.Reset()
			if last == tapPre0 {
				_ = acc.WriteByte(last)
			}
			return false
		}
		if i > 0 {
			acc.Next(i)
			continue
		}

		ln := int(data[2])<<8 | int(data[3])
		if ln < 1 || ln > MaxFrameSize {
			metrics.IncTapMalformed()
			acc.Next(1)
			continue
		}
		req := 4 + ln + 1
		if len(data) < req {
			return false
		}

		sum := byte(tapPre0) + data[2] + data[3]
		for _, b := range data[4 : req-1] {
			sum += b
		}
		if sum != data[req-1] {
			metrics.IncTapMalformed()
			acc.Next(1)
			continue
		}

		fr.Len = copy(fr.Data[:], data[4:req-1])
		acc.Next(req)
		return true
	}
}

// SerialSource reads tap-framed SV payloads from a serial port.
type SerialSource struct {
	port Port
	name string
	acc  *bytes.Buffer
	buf  []byte
}

const serialReadBufSize = 4096

// largeBufferReclaimThreshold bounds the accumulator after bursts of
// line noise; once drained we drop the oversized backing array.
const largeBufferReclaimThreshold = 16 * 1024

// NewSerialSource wraps an already open port (tests inject fakes here).
func NewSerialSource(port Port, name string) *SerialSource {
	return &SerialSource{
		port: port,
		name: name,
		acc:  bytes.NewBuffer(nil),
		buf:  make([]byte, serialReadBufSize),
	}
}

// OpenSerial opens the named serial device as a tap source.
func OpenSerial(name string, baud int, readTimeout time.Duration) (*SerialSource, error) {
	port, err := OpenPort(name, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("open serial tap: %w", err)
	}
	return NewSerialSource(port, name), nil
}

func (s *SerialSource) Close() error { return s.port.Close() }

// ReadFrame blocks until a complete tap frame is assembled. Timestamps
// are taken on completion; only the ethernet source has kernel stamps.
func (s *SerialSource) ReadFrame(fr *Frame) error {
	for {
		if decodeTap(s.acc, fr) {
			fr.TS = time.Now()
			fr.Iface = s.name
			return nil
		}
		if s.acc.Len() == 0 && s.acc.Cap() > largeBufferReclaimThreshold {
			s.acc = bytes.NewBuffer(nil)
		}
		n, err := s.port.Read(s.buf)
		if n > 0 {
			s.acc.Write(s.buf[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue // read timeout; keep polling
			}
			return err
		}
	}
}
