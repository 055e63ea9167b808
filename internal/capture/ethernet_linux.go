//go:build linux

package capture

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// EthernetSource reads sampled value frames from an AF_PACKET socket
// bound to a single interface and the SV Ethertype. SOCK_DGRAM strips
// the Ethernet header, so Frame.Data starts at the APPID field.
type EthernetSource struct {
	fd    int
	iface string
	oob   [128]byte
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// OpenEthernet opens a raw packet socket on iface. An empty iface binds
// to all interfaces. Requires CAP_NET_RAW.
func OpenEthernet(iface string) (*EthernetSource, error) {
	proto := htons(EthertypeSV)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(proto))
	if err != nil {
		return nil, fmt.Errorf("socket(AF_PACKET): %w", err)
	}
	var ifindex int
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("if %q: %w", iface, err)
		}
		ifindex = ifi.Index
	}
	sa := &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifindex}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(sv@%s): %w", iface, err)
	}
	// Kernel receive timestamps are delivered as control messages; more
	// accurate than stamping after recvmsg returns.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("SO_TIMESTAMPNS: %w", err)
	}
	return &EthernetSource{fd: fd, iface: iface}, nil
}

func (s *EthernetSource) Close() error { return unix.Close(s.fd) }

// ReadFrame reads one frame payload and its kernel timestamp.
func (s *EthernetSource) ReadFrame(fr *Frame) error {
	n, oobn, _, _, err := unix.Recvmsg(s.fd, fr.Data[:], s.oob[:], 0)
	if err != nil {
		return err
	}
	fr.Len = n
	fr.Iface = s.iface
	fr.TS = time.Now() // fallback if no timestamp cmsg arrives
	if oobn > 0 {
		if cmsgs, err := unix.ParseSocketControlMessage(s.oob[:oobn]); err == nil {
			for _, m := range cmsgs {
				if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_TIMESTAMPNS && len(m.Data) >= 16 {
					sec := int64(binary.NativeEndian.Uint64(m.Data[0:8]))
					nsec := int64(binary.NativeEndian.Uint64(m.Data[8:16]))
					fr.TS = time.Unix(sec, nsec)
				}
			}
		}
	}
	return nil
}
