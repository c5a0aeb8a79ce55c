// Package client implements the ZIP client: broadcast discovery, the user
// input loop, and stop-and-wait retransmission of one request at a time.
package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"zipmvp/internal/debuglog"
	"zipmvp/internal/network"
	"zipmvp/internal/proto"
)

// DefaultRetransmitInterval is the stop-and-wait timeout. ZIP_RETRANS_MS
// overrides it for experiments on slower links.
const DefaultRetransmitInterval = 200 * time.Millisecond

// PacketConn is the slice of the UDP endpoint the client needs.
type PacketConn interface {
	SendTo(b []byte, addr *net.UDPAddr) error
	Receive(buf []byte) (int, *net.UDPAddr, error)
	ReceiveTimeout(buf []byte, d time.Duration) (int, *net.UDPAddr, error)
}

type Options struct {
	RetransmitInterval time.Duration
}

type Client struct {
	conn       PacketConn
	out        io.Writer
	retransmit time.Duration

	serverAddr    *net.UDPAddr
	nextRequestID uint32

	// Stop-and-wait state shared with the receiver goroutine. pendingAck is
	// the lock-free fast path: stray datagrams are rejected on a plain atomic
	// load. pending is written before pendingAck is published and read only
	// after a matching load, so the store/load pair orders the accesses.
	// ackCh is the single-slot wakeup.
	sendMu     sync.Mutex
	pendingAck atomic.Uint32
	pending    proto.Packet
	ackCh      chan struct{}

	// out is shared by the input loop, the receiver goroutine and Discover.
	outMu sync.Mutex
}

func New(conn PacketConn, out io.Writer, opts Options) *Client {
	interval := opts.RetransmitInterval
	if interval <= 0 {
		interval = intervalFromEnv()
	}
	return &Client{
		conn:          conn,
		out:           out,
		retransmit:    interval,
		nextRequestID: 1,
		ackCh:         make(chan struct{}, 1),
	}
}

func intervalFromEnv() time.Duration {
	if v := os.Getenv("ZIP_RETRANS_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultRetransmitInterval
}

// Discover sends DISCOVERY packets to dest at the retransmission interval
// until a CLIENT_DISCOVERY_ACK arrives, then records the responder as the
// server. dest is the broadcast address unless a server IP was supplied.
func (c *Client) Discover(dest *net.UDPAddr) error {
	pkt := proto.NewDiscovery().Encode()
	buf := make([]byte, proto.PacketSize+1)
	for {
		if err := c.conn.SendTo(pkt[:], dest); err != nil {
			return fmt.Errorf("send discovery: %w", err)
		}
		n, from, err := c.conn.ReceiveTimeout(buf, c.retransmit)
		if err != nil {
			if network.IsTimeout(err) {
				continue
			}
			return fmt.Errorf("receive discovery ack: %w", err)
		}
		if n != proto.PacketSize {
			continue
		}
		reply, err := proto.Decode(buf[:n])
		if err != nil || reply.Type != proto.TypeClientDiscoveryAck {
			continue
		}
		c.serverAddr = from
		c.printf("%s Connected to server at %s\n", timestamp(), from)
		return nil
	}
}

// ServerAddr reports the discovered server, nil before Discover succeeds.
func (c *Client) ServerAddr() *net.UDPAddr {
	return c.serverAddr
}

// Run starts the receiver goroutine and consumes transaction lines from
// input until EOF. Each line is "<dst-ipv4> <value>"; malformed lines are
// reported and skipped.
func (c *Client) Run(input io.Reader) error {
	go c.receiveLoop()

	sc := bufio.NewScanner(input)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		dst, value, err := parseTransferLine(line)
		if err != nil {
			c.printf("invalid input: %v\n", err)
			continue
		}
		rid := c.nextRequestID
		c.nextRequestID++
		if err := c.SendRequest(proto.NewTransactionRequest(rid, dst, value)); err != nil {
			c.printf("send failed: %v\n", err)
		}
	}
	return sc.Err()
}

func parseTransferLine(line string) (uint32, uint32, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("want \"<dst-ipv4> <value>\", got %q", line)
	}
	dst, err := proto.ParseIPv4(fields[0])
	if err != nil {
		return 0, 0, err
	}
	value, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid value %q", fields[1])
	}
	return dst, uint32(value), nil
}

// SendRequest transmits pkt and retransmits at the configured interval until
// the receiver observes a matching ack. It returns early only on a transport
// send error; otherwise it retries forever, which is the protocol's liveness
// contract.
func (c *Client) SendRequest(pkt proto.Packet) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// Drain a stale wakeup left by a reply that raced a previous timeout.
	select {
	case <-c.ackCh:
	default:
	}

	c.pending = pkt
	c.pendingAck.Store(pkt.RequestID)
	b := pkt.Encode()
	timer := time.NewTimer(c.retransmit)
	defer timer.Stop()

	for c.pendingAck.Load() == pkt.RequestID {
		if err := c.conn.SendTo(b[:], c.serverAddr); err != nil {
			c.pendingAck.Store(0)
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.retransmit)
		select {
		case <-c.ackCh:
		case <-timer.C:
			debuglog.Debugf("retransmit id req %d", pkt.RequestID)
		}
	}
	return nil
}

// receiveLoop classifies replies. The id comparison is a plain atomic load;
// stray datagrams (late duplicates, crossed wires) never touch the sender's
// state.
func (c *Client) receiveLoop() {
	buf := make([]byte, proto.PacketSize+1)
	for {
		n, _, err := c.conn.Receive(buf)
		if err != nil {
			return
		}
		if n != proto.PacketSize {
			continue
		}
		pkt, err := proto.Decode(buf[:n])
		if err != nil || !pkt.IsAck() {
			continue
		}
		pending := c.pendingAck.Load()
		if pending == 0 || pkt.RequestID != pending {
			continue
		}
		req := c.pending
		// Print before releasing the sender, so the reply line is flushed by
		// the time SendRequest returns. A retransmission firing meanwhile is
		// harmless; the server replays it as a duplicate.
		c.printReply(pkt, req)
		c.pendingAck.Store(0)
		select {
		case c.ackCh <- struct{}{}:
		default:
		}
	}
}

func (c *Client) printReply(pkt, req proto.Packet) {
	switch pkt.Type {
	case proto.TypeTransactionAck:
		c.printf("%s server %s id req %d dest %s value %d new balance %d\n",
			timestamp(), serverIP(c.serverAddr), pkt.RequestID,
			proto.FormatIPv4(req.DestIP), req.Value, pkt.NewBalance)
	case proto.TypeInsufficientBalanceAck:
		c.printf("insufficient balance\n")
	case proto.TypeInvalidClientAck:
		c.printf("invalid destination client\n")
	case proto.TypeErrorAck:
		c.printf("server error\n")
	}
}

func (c *Client) printf(format string, args ...any) {
	c.outMu.Lock()
	fmt.Fprintf(c.out, format, args...)
	c.outMu.Unlock()
}

func serverIP(addr *net.UDPAddr) string {
	if addr == nil {
		return "?"
	}
	return addr.IP.String()
}

func timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
