package capture

import "time"

// EthertypeSV is the Ethertype assigned to IEC 61850-9-2 sampled value
// messages.
const EthertypeSV = 0x88BA

// MaxFrameSize is the largest Ethernet frame payload we ever expect
// (1522 bytes covers a VLAN-tagged maximum-size frame).
const MaxFrameSize = 1522

// Frame holds one captured link-layer payload. Data is only valid up to
// Len; the decoder borrows it read-only and the buffer is reused for the
// next read.
type Frame struct {
	Data  [MaxFrameSize]byte
	Len   int
	TS    time.Time // kernel receive timestamp when available
	Iface string
}

// Payload returns the valid portion of the frame buffer.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

// Source produces captured frames. ReadFrame blocks until a frame is
// available or the source fails; Close unblocks a pending ReadFrame.
type Source interface {
	ReadFrame(*Frame) error
	Close() error
}
