// Package sink delivers encoded datagrams to the configured OpenPMU
// destinations. Each destination gets its own async queue so one slow
// or unreachable receiver never stalls the others.
package sink

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Send error classes. Callers pick a recovery strategy from the class,
// not from the raw errno.
var (
	// ErrWouldBlock means the local socket buffer is full. The datagram
	// is lost; the next one will likely go through.
	ErrWouldBlock = errors.New("sink: send would block")
	// ErrUnreachable means the destination rejected or cannot be routed.
	// Worth backing off and retrying, the receiver may come back.
	ErrUnreachable = errors.New("sink: destination unreachable")
)

// Sender is the minimal destination contract. *UDPSink implements it;
// tests substitute in-memory fakes.
type Sender interface {
	Send(d []byte) error
	Addr() string
	Close() error
}

// UDPSink sends datagrams to a single UDP destination over a connected
// socket, so ICMP errors surface as send errors we can classify.
type UDPSink struct {
	addr string
	conn *net.UDPConn
}

// OpenUDP resolves addr (host:port) and connects a UDP socket to it.
func OpenUDP(addr string) (*UDPSink, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("sink: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, ua)
	if err != nil {
		return nil, fmt.Errorf("sink: dial %s: %w", addr, err)
	}
	return &UDPSink{addr: addr, conn: conn}, nil
}

// Addr returns the destination address as configured.
func (s *UDPSink) Addr() string { return s.addr }

// Send writes one datagram. Errors are classified into ErrWouldBlock or
// ErrUnreachable where the errno allows; anything else passes through.
func (s *UDPSink) Send(d []byte) error {
	_, err := s.conn.Write(d)
	if err == nil {
		return nil
	}
	return classify(err)
}

// Close releases the socket.
func (s *UDPSink) Close() error { return s.conn.Close() }

func classify(err error) error {
	switch {
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.ENOBUFS):
		return fmt.Errorf("%w: %v", ErrWouldBlock, err)
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return err
}
