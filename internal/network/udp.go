// Package network wraps the UDP endpoint both peers share: send-to-address,
// receive-with-sender, and broadcast capability for client discovery.
package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// UDPSocket serializes sends and receives independently, so a retransmission
// never waits behind a blocked receive and vice versa.
type UDPSocket struct {
	conn   *net.UDPConn
	sendMu sync.Mutex
	recvMu sync.Mutex
}

// Listen binds 0.0.0.0:port. Port 0 picks an ephemeral port. With broadcast
// set, SO_BROADCAST is enabled so the socket may send to 255.255.255.255.
func Listen(port int, broadcast bool) (*UDPSocket, error) {
	var lc net.ListenConfig
	if broadcast {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return serr
		}
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn %T", pc)
	}
	return &UDPSocket{conn: conn}, nil
}

// SendTo writes one datagram to addr.
func (s *UDPSocket) SendTo(b []byte, addr *net.UDPAddr) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	n, err := s.conn.WriteToUDP(b, addr)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short send: %d of %d bytes", n, len(b))
	}
	return nil
}

// Receive blocks until one datagram arrives and reports its sender.
func (s *UDPSocket) Receive(buf []byte) (int, *net.UDPAddr, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.conn.ReadFromUDP(buf)
}

// ReceiveTimeout is Receive bounded by d. A deadline miss is reported as a
// net.Error with Timeout() == true.
func (s *UDPSocket) ReceiveTimeout(buf []byte, d time.Duration) (int, *net.UDPAddr, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, nil, err
	}
	n, addr, err := s.conn.ReadFromUDP(buf)
	if derr := s.conn.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		err = derr
	}
	return n, addr, err
}

// LocalPort reports the bound port.
func (s *UDPSocket) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// IsTimeout reports whether err is a receive deadline miss.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
