// Package server implements the ZIP request dispatcher and transaction state
// machine over the account map.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fatih/color"

	"zipmvp/internal/account"
	"zipmvp/internal/debuglog"
	"zipmvp/internal/metrics"
	"zipmvp/internal/proto"
)

// PacketConn is the slice of the UDP endpoint the server needs. Tests inject
// a fake so datagrams can carry arbitrary sender IPs.
type PacketConn interface {
	Receive(buf []byte) (int, *net.UDPAddr, error)
	SendTo(b []byte, addr *net.UDPAddr) error
}

var dupMark = color.New(color.FgRed, color.Bold).SprintFunc()

type Server struct {
	conn    PacketConn
	out     io.Writer
	outMu   sync.Mutex
	metrics *metrics.Metrics

	accounts *account.Map

	// Aggregates live under their own mutex, disjoint from all entry locks.
	// totalBalance changes only when a new client registers; transfers must
	// leave it untouched.
	aggMu            sync.Mutex
	numTransactions  uint64
	totalTransferred uint64
	totalBalance     uint64
}

func New(conn PacketConn, out io.Writer) *Server {
	return &Server{
		conn:     conn,
		out:      out,
		metrics:  metrics.New(),
		accounts: account.NewMap(),
	}
}

func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Accounts exposes the map for tests that assert balances directly.
func (s *Server) Accounts() *account.Map {
	return s.accounts
}

// Aggregates returns (num_transactions, total_transferred, total_balance).
func (s *Server) Aggregates() (uint64, uint64, uint64) {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	return s.numTransactions, s.totalTransferred, s.totalBalance
}

// Run prints the zero aggregates and loops on the receive path until the
// connection errors out (normally: closed on shutdown). Each well-sized
// datagram is handled on its own goroutine.
func (s *Server) Run() error {
	s.printState()
	buf := make([]byte, proto.PacketSize+1)
	for {
		n, from, err := s.conn.Receive(buf)
		if err != nil {
			if snap, merr := json.Marshal(s.metrics.Snapshot()); merr == nil {
				debuglog.Debugf("metrics %s", snap)
			}
			return err
		}
		if n != proto.PacketSize {
			s.metrics.IncDropShort()
			debuglog.RateLimitedf("drop-short", time.Second, "drop %d-byte datagram from %v", n, from)
			continue
		}
		pkt, err := proto.Decode(buf[:n])
		if err != nil {
			s.metrics.IncDropShort()
			continue
		}
		go s.Handle(pkt, from)
	}
}

// Handle dispatches one datagram. Exported so tests can drive the state
// machine without a socket.
func (s *Server) Handle(pkt proto.Packet, from *net.UDPAddr) {
	srcIP, ok := proto.IPFromUDPAddr(from)
	if !ok {
		s.metrics.IncDropShort()
		return
	}
	switch pkt.Type {
	case proto.TypeClientDiscovery:
		s.handleDiscovery(srcIP, from)
	case proto.TypeTransactionRequest:
		s.handleTransaction(pkt, srcIP, from)
	default:
		s.metrics.IncDropUnknownType()
		debuglog.Debugf("ignore packet type %d from %v", pkt.Type, from)
	}
}

// Discovery is idempotent: a repeat from the same IP leaves the record alone
// and produces the same ack shape.
func (s *Server) handleDiscovery(srcIP uint32, from *net.UDPAddr) {
	if s.accounts.Insert(srcIP, account.ClientRecord{Balance: account.InitialBalance}) {
		s.aggMu.Lock()
		s.totalBalance += uint64(account.InitialBalance)
		s.aggMu.Unlock()
		s.logf("%s client %s registered", timestamp(), proto.FormatIPv4(srcIP))
		s.printState()
	}
	s.metrics.IncDiscovery()
	rec, ok := s.accounts.Read(srcIP)
	if !ok {
		return
	}
	s.reply(proto.NewAck(proto.TypeClientDiscoveryAck, rec.LastRequestID, rec.Balance), from)
}

func (s *Server) handleTransaction(pkt proto.Packet, srcIP uint32, from *net.UDPAddr) {
	rid := pkt.RequestID
	dst := pkt.DestIP
	value := pkt.Value

	// S2+S3 as one exclusive step on the source entry: either observe a
	// duplicate, or commit the new id before any balance work. Two workers
	// racing on the same datagram serialize here; the loser replays.
	var snap account.ClientRecord
	fresh := false
	known := s.accounts.Update(srcIP, func(r *account.ClientRecord) {
		if rid <= r.LastRequestID {
			snap = *r
			return
		}
		r.LastRequestID = rid
		fresh = true
		snap = *r
	})
	if !known {
		s.metrics.IncUnknownClient()
		s.logRequest(srcIP, pkt, false)
		s.reply(proto.NewAck(proto.TypeErrorAck, rid, 0), from)
		return
	}
	if !fresh {
		s.metrics.IncDuplicate()
		s.logRequest(srcIP, pkt, true)
		s.printState()
		s.reply(proto.NewAck(proto.TypeTransactionAck, snap.LastRequestID, snap.Balance), from)
		return
	}

	s.logRequest(srcIP, pkt, false)

	if value == 0 {
		s.printState()
		s.reply(proto.NewAck(proto.TypeTransactionAck, rid, snap.Balance), from)
		return
	}
	if !s.accounts.Exists(dst) {
		s.metrics.IncInvalidDest()
		s.printState()
		s.reply(proto.NewAck(proto.TypeInvalidClientAck, rid, snap.Balance), from)
		return
	}
	if dst == srcIP {
		s.printState()
		s.reply(proto.NewAck(proto.TypeTransactionAck, rid, snap.Balance), from)
		return
	}

	// The balance check runs under both writer locks: two fresh requests
	// from one client could both pass an unlocked check and overdraw.
	var newBalance uint32
	insufficient := false
	ok := s.accounts.AtomicPair(srcIP, dst, func(src, dstRec *account.ClientRecord) {
		if src.Balance < value {
			insufficient = true
			newBalance = src.Balance
			return
		}
		src.Balance -= value
		dstRec.Balance += value
		newBalance = src.Balance
	})
	if !ok {
		// Entries never leave the map, so this cannot happen; abort silently
		// per the failure semantics.
		return
	}
	if insufficient {
		s.metrics.IncInsufficientFunds()
		s.printState()
		s.reply(proto.NewAck(proto.TypeInsufficientBalanceAck, rid, newBalance), from)
		return
	}

	s.aggMu.Lock()
	s.numTransactions++
	s.totalTransferred += uint64(value)
	s.aggMu.Unlock()
	s.metrics.IncTransferApplied()
	s.printState()
	s.reply(proto.NewAck(proto.TypeTransactionAck, rid, newBalance), from)
}

// The server never retransmits; a lost reply is recovered by the client's
// retry hitting the duplicate path.
func (s *Server) reply(pkt proto.Packet, to *net.UDPAddr) {
	b := pkt.Encode()
	if err := s.conn.SendTo(b[:], to); err != nil {
		debuglog.RateLimitedf("send-fail", time.Second, "send reply to %v failed: %v", to, err)
	}
}

func (s *Server) logRequest(srcIP uint32, pkt proto.Packet, dup bool) {
	mark := ""
	if dup {
		mark = " " + dupMark("DUP!!")
	}
	s.logf("%s client %s%s id req %d dest %s value %d",
		timestamp(), proto.FormatIPv4(srcIP), mark, pkt.RequestID,
		proto.FormatIPv4(pkt.DestIP), pkt.Value)
}

func (s *Server) printState() {
	n, transferred, balance := s.Aggregates()
	s.logf("num transactions %d total transferred %d total balance %d", n, transferred, balance)
}

func (s *Server) logf(format string, args ...any) {
	if s.out == nil {
		return
	}
	s.outMu.Lock()
	fmt.Fprintf(s.out, format+"\n", args...)
	s.outMu.Unlock()
}

func timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
