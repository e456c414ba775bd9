package socket

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxDatagram is the largest payload one UDP datagram carries over IPv4.
const MaxDatagram = 65507

var (
	// ErrDropped marks a datagram the kernel refused without blocking:
	// a full send buffer or no listener on the client port.
	ErrDropped = errors.New("datagram dropped")

	ErrDatagramTooLarge = errors.New("datagram exceeds UDP limit")
	ErrSenderClosed     = errors.New("sender closed")
)

// CaptureFunc observes every datagram that was handed to the kernel.
type CaptureFunc func(payload []byte) error

// Sender writes datagrams to the client over a connected UDP socket.
type Sender struct {
	remote *net.UDPAddr

	mu      sync.RWMutex
	conn    *net.UDPConn
	capture CaptureFunc
}

// DialSender connects a UDP socket to host:port. Nothing is sent, so it
// succeeds whether or not the client is listening yet.
func DialSender(host string, port int) (*Sender, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve client address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create client connection: %w", err)
	}
	return &Sender{remote: addr, conn: conn}, nil
}

// SetCapture installs fn as the capture hook; nil removes it.
func (s *Sender) SetCapture(fn CaptureFunc) {
	s.mu.Lock()
	s.capture = fn
	s.mu.Unlock()
}

// Send writes one datagram. Refusals the client can recover from are
// reported as ErrDropped.
func (s *Sender) Send(b []byte) error {
	if len(b) > MaxDatagram {
		return fmt.Errorf("%w: %d bytes", ErrDatagramTooLarge, len(b))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return ErrSenderClosed
	}
	if _, err := s.conn.Write(b); err != nil {
		if dropped(err) {
			return fmt.Errorf("%w: %v", ErrDropped, err)
		}
		return err
	}
	if s.capture != nil {
		if err := s.capture(b); err != nil {
			opsf("capture: %v", err)
		}
	}
	return nil
}

func dropped(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ECONNREFUSED)
}

// LocalAddr returns the bound local address, or nil once closed.
func (s *Sender) LocalAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	addr, _ := s.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// RemoteAddr returns the client address.
func (s *Sender) RemoteAddr() *net.UDPAddr { return s.remote }

// Close closes the socket. Closing twice is a no-op.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
