// Package proto defines the fixed-size ZIP datagram and its codec.
//
// Every packet on the wire is exactly PacketSize bytes. The first byte
// selects the variant; bytes 4..8 carry the request id; bytes 8..16 are a
// payload union: a transaction request carries (dest_ip, value), every ack
// carries (new_balance, unused). All integers are big-endian, which also
// keeps dest_ip in network byte order.
package proto

import (
	"encoding/binary"
	"fmt"
	"net"
)

const PacketSize = 16

// Packet type values. Replies are distinct bits so a dispatcher can mask for
// "any ack" without enumerating.
const (
	TypeClientDiscovery        uint8 = 1
	TypeClientDiscoveryAck     uint8 = 2
	TypeTransactionRequest     uint8 = 4
	TypeTransactionAck         uint8 = 8
	TypeInsufficientBalanceAck uint8 = 16
	TypeInvalidClientAck       uint8 = 32
	TypeErrorAck               uint8 = 64

	ackMask = TypeClientDiscoveryAck | TypeTransactionAck |
		TypeInsufficientBalanceAck | TypeInvalidClientAck | TypeErrorAck
)

// Packet is the decoded form of one datagram. DestIP and Value are meaningful
// only for TypeTransactionRequest; NewBalance only for ack types. They share
// wire bytes, so encoding picks by Type.
type Packet struct {
	Type       uint8
	RequestID  uint32
	DestIP     uint32
	Value      uint32
	NewBalance uint32
}

func NewDiscovery() Packet {
	return Packet{Type: TypeClientDiscovery}
}

func NewTransactionRequest(requestID, destIP, value uint32) Packet {
	return Packet{Type: TypeTransactionRequest, RequestID: requestID, DestIP: destIP, Value: value}
}

// NewAck builds any of the five reply shapes.
func NewAck(ackType uint8, requestID, newBalance uint32) Packet {
	return Packet{Type: ackType, RequestID: requestID, NewBalance: newBalance}
}

func (p Packet) IsAck() bool {
	return p.Type&ackMask != 0
}

func (p Packet) Encode() [PacketSize]byte {
	var b [PacketSize]byte
	b[0] = p.Type
	binary.BigEndian.PutUint32(b[4:8], p.RequestID)
	if p.IsAck() {
		binary.BigEndian.PutUint32(b[8:12], p.NewBalance)
		return b
	}
	binary.BigEndian.PutUint32(b[8:12], p.DestIP)
	binary.BigEndian.PutUint32(b[12:16], p.Value)
	return b
}

// Decode rejects only wrong-sized input. Unknown type bytes decode fine;
// dispatchers ignore what they do not handle.
func Decode(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("bad packet size %d", len(b))
	}
	p := Packet{
		Type:      b[0],
		RequestID: binary.BigEndian.Uint32(b[4:8]),
	}
	if p.IsAck() {
		p.NewBalance = binary.BigEndian.Uint32(b[8:12])
		return p, nil
	}
	p.DestIP = binary.BigEndian.Uint32(b[8:12])
	p.Value = binary.BigEndian.Uint32(b[12:16])
	return p, nil
}

// IPFromUDPAddr extracts the sender's IPv4 as a network-order uint32. False
// for non-IPv4 senders.
func IPFromUDPAddr(addr *net.UDPAddr) (uint32, bool) {
	if addr == nil {
		return 0, false
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(ip4), true
}

// ParseIPv4 parses a dotted-quad string into the uint32 wire form.
func ParseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("not an IPv4 address %q", s)
	}
	return binary.BigEndian.Uint32(ip4), nil
}

// FormatIPv4 renders the uint32 wire form as a dotted quad.
func FormatIPv4(ip uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return net.IP(b[:]).String()
}
