// Package tcp implements a fixed-size pool of TCP connections driving the
// full RFC 793 state machine (minus out-of-order reassembly, a deliberate
// simplification): active/passive open, data transfer over ring buffers,
// graceful close, and a periodic retransmit timer with fixed exponential
// backoff.
package tcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nos-project/netcore/internal/netproto"
)

// State is one of the twelve connection states named by the spec.
type State uint8

const (
	StateFree State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateClosing
	StateTimeWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateListen:
		return "Listen"
	case StateSynSent:
		return "SynSent"
	case StateSynReceived:
		return "SynReceived"
	case StateEstablished:
		return "Established"
	case StateFinWait1:
		return "FinWait1"
	case StateFinWait2:
		return "FinWait2"
	case StateCloseWait:
		return "CloseWait"
	case StateLastAck:
		return "LastAck"
	case StateClosing:
		return "Closing"
	case StateTimeWait:
		return "TimeWait"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	MaxConnections   = 64
	sendBufSize      = 8192
	recvBufSize      = 8192
	defaultMSS       = 536
	ourMSS           = 1460
	initialRTO       = time.Second
	maxRTO           = 8 * time.Second
	timeWaitDuration = 2 * time.Second
	ConnectTimeout   = 5 * time.Second
	defaultTTL       = 64
	timerPeriod      = 200 * time.Millisecond
	hashBuckets      = 32
	ephemeralBase    = 49152
	ephemeralMax     = 65535
)

// Device is the capability this package needs from the network core: our
// own addressing, ARP resolution and raw frame transmission. Routing beyond
// ARP (gateways, multiple interfaces) is out of scope.
type Device interface {
	MAC() netproto.MAC
	IP() netproto.IPv4
	ResolveMAC(ctx context.Context, ip netproto.IPv4) (netproto.MAC, error)
	SendRaw(frame []byte) error
}

// ringBuf is a fixed-capacity byte ring, mirroring the reference
// implementation's send/receive buffer.
type ringBuf struct {
	data       []byte
	head, tail uint64
}

func newRingBuf(capacity int) *ringBuf {
	return &ringBuf{data: make([]byte, capacity)}
}

func (r *ringBuf) used() uint64 { return r.tail - r.head }
func (r *ringBuf) free() uint64 { return uint64(len(r.data)) - r.used() }

func (r *ringBuf) write(src []byte) int {
	n := uint64(len(src))
	if avail := r.free(); n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		r.data[(r.tail+i)%uint64(len(r.data))] = src[i]
	}
	r.tail += n
	return int(n)
}

func (r *ringBuf) read(dst []byte) int {
	n := uint64(len(dst))
	if avail := r.used(); n > avail {
		n = avail
	}
	for i := uint64(0); i < n; i++ {
		dst[i] = r.data[(r.head+i)%uint64(len(r.data))]
	}
	r.head += n
	return int(n)
}

// consume discards up to n bytes from the front of the ring (the data the
// peer has acked) without copying them out.
func (r *ringBuf) consume(n uint64) {
	if avail := r.used(); n > avail {
		n = avail
	}
	r.head += n
}

// peek copies up to len(dst) bytes starting offset bytes into the unread
// region, without advancing head.
func (r *ringBuf) peek(dst []byte, offset uint64) int {
	avail := r.used()
	if offset >= avail {
		return 0
	}
	n := avail - offset
	if uint64(len(dst)) < n {
		n = uint64(len(dst))
	}
	for i := uint64(0); i < n; i++ {
		dst[i] = r.data[(r.head+offset+i)%uint64(len(r.data))]
	}
	return int(n)
}

// Conn is one pool slot: identity, state, sequence variables, ring buffers
// and retransmit bookkeeping. All mutable fields are guarded by mu.
type Conn struct {
	pool *Pool

	mu sync.Mutex

	localIP    netproto.IPv4
	localPort  uint16
	remoteIP   netproto.IPv4
	remotePort uint16
	remoteMAC  netproto.MAC

	state State

	sndUna uint32
	sndNxt uint32
	sndWnd uint32
	rcvNxt uint32
	rcvWnd uint32
	iss    uint32
	irs    uint32
	peerMSS uint16

	sendBuf *ringBuf
	recvBuf *ringBuf

	rto              time.Duration
	retransmitAt     time.Time
	haveRetransmitAt bool
	timeWaitAt       time.Time

	// ackedDataBytes is how much of the data stream (sequence numbers
	// iss+1 .. sndNxt) the peer has acknowledged; sendBuf.used() is always
	// exactly sndNxt-(iss+1)-ackedDataBytes, less one once our FIN has been
	// sent (the FIN's sequence number is not data): the unacked tail to
	// retransmit.
	ackedDataBytes uint32

	// The FIN occupies one sequence number but is tracked separately from
	// the data stream so that "no unacked data but FIN outstanding" and
	// "data still unacked" are distinguishable without mixing the two.
	finQueued bool
	finSeq    uint32
	finAcked  bool

	dataReady chan struct{}
	connReady chan struct{}

	listenBacklog chan *Conn // only meaningful for StateListen slots
	listener      *Conn      // set on a SynReceived child: its listening slot
}

func newConn(pool *Pool) *Conn {
	return &Conn{
		pool:      pool,
		sendBuf:   newRingBuf(sendBufSize),
		recvBuf:   newRingBuf(recvBufSize),
		rcvWnd:    recvBufSize,
		dataReady: make(chan struct{}, 1),
		connReady: make(chan struct{}, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remote returns the peer's address.
func (c *Conn) Remote() (netproto.IPv4, uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteIP, c.remotePort
}

// Pool owns a fixed set of connection slots indexed by a 4-tuple hash table,
// matching the spec's two-lock design: poolLock guards allocation, hash
// membership and listener scans; each Conn's own mu guards its mutable
// state. Lock order is always poolLock before conn.mu.
type Pool struct {
	dev Device

	poolMu  sync.Mutex
	conns   [MaxConnections]*Conn
	buckets [hashBuckets][]*Conn

	nextEphemeral uint16

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool creates an empty connection pool bound to dev and starts its
// retransmit timer goroutine.
func NewPool(dev Device) *Pool {
	p := &Pool{dev: dev, nextEphemeral: ephemeralBase, stopCh: make(chan struct{})}
	for i := range p.conns {
		p.conns[i] = newConn(p)
		p.conns[i].state = StateFree
	}
	go p.retransmitLoop()
	return p
}

// Shutdown stops the pool's background timer. Open connections are not
// forcibly reset.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func hashIndex(lip netproto.IPv4, lport uint16, rip netproto.IPv4, rport uint16) int {
	l := uint32(lip[0])<<24 | uint32(lip[1])<<16 | uint32(lip[2])<<8 | uint32(lip[3])
	r := uint32(rip[0])<<24 | uint32(rip[1])<<16 | uint32(rip[2])<<8 | uint32(rip[3])
	h := l ^ r ^ (uint32(lport) << 16) ^ uint32(rport)
	h = (h >> 16) ^ (h & 0xffff)
	h = (h >> 8) ^ (h & 0xff)
	return int(h % hashBuckets)
}

func (p *Pool) insertHash(c *Conn) {
	idx := hashIndex(c.localIP, c.localPort, c.remoteIP, c.remotePort)
	p.buckets[idx] = append(p.buckets[idx], c)
}

func (p *Pool) removeHash(c *Conn) {
	idx := hashIndex(c.localIP, c.localPort, c.remoteIP, c.remotePort)
	bucket := p.buckets[idx]
	for i, e := range bucket {
		if e == c {
			p.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// lookupLocked finds an established (non-listener) connection by 4-tuple.
// Caller holds poolMu.
func (p *Pool) lookupLocked(lip netproto.IPv4, lport uint16, rip netproto.IPv4, rport uint16) *Conn {
	idx := hashIndex(lip, lport, rip, rport)
	for _, c := range p.buckets[idx] {
		if c.localIP == lip && c.localPort == lport && c.remoteIP == rip && c.remotePort == rport {
			return c
		}
	}
	return nil
}

// findListenerLocked finds a listening slot bound to localPort. Caller
// holds poolMu. Listeners are never hashed (there is no remote tuple), so
// this is a linear scan, matching the reference implementation.
func (p *Pool) findListenerLocked(localPort uint16) *Conn {
	for _, c := range p.conns {
		c.mu.Lock()
		isListener := c.state == StateListen && c.localPort == localPort
		c.mu.Unlock()
		if isListener {
			return c
		}
	}
	return nil
}

func (p *Pool) allocConnLocked() (*Conn, error) {
	for _, c := range p.conns {
		c.mu.Lock()
		free := c.state == StateFree
		if free {
			c.state = StateClosed // claimed; caller finishes initialization
		}
		c.mu.Unlock()
		if free {
			return c, nil
		}
	}
	return nil, fmt.Errorf("tcp: connection pool exhausted (max %d)", MaxConnections)
}

func (p *Pool) allocEphemeralPortLocked() uint16 {
	port := p.nextEphemeral
	if p.nextEphemeral == ephemeralMax {
		p.nextEphemeral = ephemeralBase
	} else {
		p.nextEphemeral++
	}
	return port
}

// Listen marks a pool slot as listening on port, with the given backlog
// depth for Accept.
func (p *Pool) Listen(port uint16, backlog int) (*Conn, error) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	c, err := p.allocConnLocked()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.localIP = p.dev.IP()
	c.localPort = port
	c.state = StateListen
	c.listenBacklog = make(chan *Conn, backlog)
	c.mu.Unlock()
	return c, nil
}

// Accept blocks until a new connection arrives on a listening slot or ctx is
// cancelled.
func (p *Pool) Accept(ctx context.Context, listener *Conn) (*Conn, error) {
	select {
	case c := <-listener.listenBacklog:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect performs an active open: it resolves the peer's MAC over ARP
// before taking any pool lock (per the spec's lock-ordering note), then
// allocates a slot, sends a SYN and blocks for up to ConnectTimeout waiting
// for the handshake to complete.
func (p *Pool) Connect(ctx context.Context, dstIP netproto.IPv4, dstPort, srcPort uint16) (*Conn, error) {
	mac, err := p.dev.ResolveMAC(ctx, dstIP)
	if err != nil {
		return nil, fmt.Errorf("tcp: resolve peer mac: %w", err)
	}

	p.poolMu.Lock()
	c, err := p.allocConnLocked()
	if err != nil {
		p.poolMu.Unlock()
		return nil, err
	}
	if srcPort == 0 {
		srcPort = p.allocEphemeralPortLocked()
	}

	c.mu.Lock()
	c.localIP = p.dev.IP()
	c.localPort = srcPort
	c.remoteIP = dstIP
	c.remotePort = dstPort
	c.remoteMAC = mac
	c.iss = initialSeq()
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.rcvWnd = recvBufSize
	c.peerMSS = defaultMSS
	c.state = StateSynSent
	c.rto = initialRTO
	p.insertHash(c)
	p.sendSegmentLocked(c, netproto.TCPFlagSYN, nil)
	c.sndNxt++
	c.armRetransmitLocked()
	c.mu.Unlock()
	p.poolMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	return c, c.waitConnReady(ctx)
}

func (c *Conn) waitConnReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		switch state {
		case StateEstablished:
			return nil
		case StateClosed:
			return fmt.Errorf("tcp: connection refused or reset")
		}
		select {
		case <-c.connReady:
			continue
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// initialSeq picks an initial send sequence number. The reference
// implementation seeds this from the boot clock; here the caller-visible
// entropy source is avoided (no disallowed time.Now()-for-randomness use
// in library code), so Pool derives it from a package-level counter that
// advances by 64000 per connection to keep rapid successive connects apart.
var issCounter uint32 = 0x1000

func initialSeq() uint32 {
	issCounter += 64000
	return issCounter
}

// Send writes up to len(data) bytes to conn's outbound stream, fragmenting
// into segments no larger than min(peerMSS, free send-ring space), and
// blocks while the send ring is full.
func (p *Pool) Send(ctx context.Context, c *Conn, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		c.mu.Lock()
		if c.state != StateEstablished && c.state != StateCloseWait {
			c.mu.Unlock()
			return written, fmt.Errorf("tcp: send on connection in state %s", c.state)
		}
		segMax := int(c.peerMSS)
		if free := int(c.sendBuf.free()); free < segMax {
			segMax = free
		}
		if segMax == 0 {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-time.After(time.Millisecond):
				continue
			}
		}
		n := len(data) - written
		if n > segMax {
			n = segMax
		}
		chunk := data[written : written+n]
		c.sendBuf.write(chunk)
		p.sendSegmentLocked(c, netproto.TCPFlagACK|netproto.TCPFlagPSH, chunk)
		c.sndNxt += uint32(n)
		if !c.haveRetransmitAt {
			c.armRetransmitLocked()
		}
		c.mu.Unlock()
		written += n
	}
	return written, nil
}

// Recv reads up to len(buf) bytes from conn's inbound stream, blocking
// until data is available, EOF (peer FIN) is reached, or ctx is cancelled.
func (p *Pool) Recv(ctx context.Context, c *Conn, buf []byte) (int, error) {
	for {
		c.mu.Lock()
		n := c.recvBuf.read(buf)
		eof := c.state == StateCloseWait || c.state == StateClosing ||
			c.state == StateTimeWait || c.state == StateClosed ||
			c.state == StateLastAck
		c.mu.Unlock()
		if n > 0 {
			return n, nil
		}
		if eof {
			return 0, nil
		}
		select {
		case <-c.dataReady:
			continue
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Close initiates a graceful close: Established/CloseWait sends FIN+ACK and
// advances to FinWait1/LastAck; any other state moves straight to Closed
// without sending a segment.
func (p *Pool) Close(c *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateEstablished:
		p.sendFinLocked(c)
		c.state = StateFinWait1
	case StateCloseWait:
		p.sendFinLocked(c)
		c.state = StateLastAck
	default:
		c.state = StateClosed
		notify(c.connReady)
	}
}

// sendFinLocked transmits our FIN at the next free data sequence number and
// marks it queued for retransmission until acked. Caller holds c.mu.
func (p *Pool) sendFinLocked(c *Conn) {
	c.finSeq = c.sndNxt
	c.finQueued = true
	c.finAcked = false
	savedNxt := c.sndNxt
	p.sendSegmentLocked(c, netproto.TCPFlagFIN|netproto.TCPFlagACK, nil)
	c.sndNxt = savedNxt + 1
	c.armRetransmitLocked()
}

// processAckLocked folds a received cumulative ACK into the data-stream and
// FIN tracking. Caller holds c.mu.
func (c *Conn) processAckLocked(ack uint32) {
	dataStart := c.iss + 1
	dataEnd := c.sndNxt
	if c.finQueued {
		dataEnd = c.finSeq
	}
	dataTotal := dataEnd - dataStart

	if netproto.SeqLessEqual(dataStart, ack) {
		acked := ack - dataStart
		if acked > dataTotal {
			acked = dataTotal
		}
		if acked > c.ackedDataBytes {
			c.sendBuf.consume(uint64(acked - c.ackedDataBytes))
			c.ackedDataBytes = acked
		}
	}
	if c.finQueued && !c.finAcked && netproto.SeqLessEqual(c.finSeq+1, ack) {
		c.finAcked = true
	}
	if c.sendBuf.used() == 0 && (!c.finQueued || c.finAcked) {
		c.haveRetransmitAt = false
	}
}

// armRetransmitLocked arms (or re-arms) the retransmit deadline at now+rto.
// Callers that must not push back an armed deadline check haveRetransmitAt
// first. Caller holds c.mu.
func (c *Conn) armRetransmitLocked() {
	if c.rto == 0 {
		c.rto = initialRTO
	}
	c.retransmitAt = time.Now().Add(c.rto)
	c.haveRetransmitAt = true
}

// sendSegmentLocked builds and transmits one TCP segment for c. Caller
// holds c.mu (and, during the initial handshake, poolMu).
func (p *Pool) sendSegmentLocked(c *Conn, flags uint8, payload []byte) {
	seg := netproto.EncodeTCP(c.localIP, c.remoteIP, netproto.TCPHeader{
		SrcPort: c.localPort,
		DstPort: c.remotePort,
		Seq:     c.sndNxt,
		Ack:     c.rcvNxt,
		Flags:   flags,
		Window:  uint16(c.rcvWnd),
	}, payload)

	ipPkt := netproto.EncodeIPv4(netproto.IPv4Header{
		TTL:      defaultTTL,
		Protocol: netproto.ProtoTCP,
		Src:      c.localIP,
		Dst:      c.remoteIP,
	}, seg)

	frame := make([]byte, netproto.EthernetHeaderLen+len(ipPkt))
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{
		Dst: c.remoteMAC, Src: p.dev.MAC(), EtherType: netproto.EtherTypeIPv4,
	})
	copy(frame[netproto.EthernetHeaderLen:], ipPkt)
	p.dev.SendRaw(frame)
}

func (p *Pool) sendRST(srcIP, dstIP netproto.IPv4, dstMAC netproto.MAC, srcPort, dstPort uint16, seq, ack uint32) {
	seg := netproto.EncodeTCP(srcIP, dstIP, netproto.TCPHeader{
		SrcPort: srcPort, DstPort: dstPort, Seq: seq, Ack: ack, Flags: netproto.TCPFlagRST | netproto.TCPFlagACK,
	}, nil)
	ipPkt := netproto.EncodeIPv4(netproto.IPv4Header{TTL: defaultTTL, Protocol: netproto.ProtoTCP, Src: srcIP, Dst: dstIP}, seg)
	frame := make([]byte, netproto.EthernetHeaderLen+len(ipPkt))
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{Dst: dstMAC, Src: p.dev.MAC(), EtherType: netproto.EtherTypeIPv4})
	copy(frame[netproto.EthernetHeaderLen:], ipPkt)
	p.dev.SendRaw(frame)
}

// Process handles one received IPv4 packet whose protocol is TCP: ip is the
// parsed IPv4 header, segment is the TCP header+payload that followed it,
// and srcMAC is the Ethernet source (used to answer SYNs without a prior
// ARP round-trip, mirroring the reference receive path). A segment with a
// bad checksum is silently discarded (§4.5.3).
func (p *Pool) Process(ip netproto.IPv4Header, srcMAC netproto.MAC, segment []byte) {
	if netproto.ChecksumWithPseudoHeader(ip.Src, ip.Dst, netproto.ProtoTCP, segment) != 0 {
		return
	}
	hdr, payload, err := netproto.DecodeTCP(segment)
	if err != nil {
		return
	}

	p.poolMu.Lock()
	conn := p.lookupLocked(ip.Dst, hdr.DstPort, ip.Src, hdr.SrcPort)
	if conn == nil {
		listener := p.findListenerLocked(hdr.DstPort)
		if listener == nil {
			p.poolMu.Unlock()
			if hdr.Flags&netproto.TCPFlagRST == 0 {
				p.sendRST(ip.Dst, ip.Src, srcMAC, hdr.DstPort, hdr.SrcPort, 0, hdr.Seq+1)
			}
			return
		}
		if hdr.Flags&netproto.TCPFlagSYN == 0 {
			p.poolMu.Unlock()
			return
		}
		child, err := p.allocConnLocked()
		if err != nil {
			p.poolMu.Unlock()
			return
		}
		child.mu.Lock()
		child.localIP = ip.Dst
		child.localPort = hdr.DstPort
		child.remoteIP = ip.Src
		child.remotePort = hdr.SrcPort
		child.remoteMAC = srcMAC
		child.irs = hdr.Seq
		child.rcvNxt = hdr.Seq + 1
		child.iss = initialSeq()
		child.sndUna = child.iss
		child.sndNxt = child.iss
		child.rcvWnd = recvBufSize
		if mss, ok := netproto.ParseMSSOption(hdr.Options); ok {
			child.peerMSS = mss
		} else {
			child.peerMSS = defaultMSS
		}
		child.state = StateSynReceived
		child.rto = initialRTO
		child.listener = listener
		p.insertHash(child)
		p.sendSegmentLocked(child, netproto.TCPFlagSYN|netproto.TCPFlagACK, netproto.BuildMSSOption(ourMSS))
		child.sndNxt++
		child.armRetransmitLocked()
		child.mu.Unlock()
		p.poolMu.Unlock()
		return
	}
	p.poolMu.Unlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	p.handleStateLocked(conn, hdr, payload)
}

// handleStateLocked runs the state machine table from §4.5.1. Caller holds
// conn.mu.
func (p *Pool) handleStateLocked(c *Conn, hdr netproto.TCPHeader, payload []byte) {
	if hdr.Flags&netproto.TCPFlagRST != 0 {
		c.state = StateClosed
		notify(c.connReady)
		notify(c.dataReady)
		return
	}

	switch c.state {
	case StateSynSent:
		if hdr.Flags&netproto.TCPFlagSYN != 0 && hdr.Flags&netproto.TCPFlagACK != 0 {
			if hdr.Ack != c.sndNxt {
				p.sendRST(c.localIP, c.remoteIP, c.remoteMAC, c.localPort, c.remotePort, hdr.Ack, 0)
				return
			}
			c.irs = hdr.Seq
			c.rcvNxt = hdr.Seq + 1
			c.sndUna = hdr.Ack
			if mss, ok := netproto.ParseMSSOption(hdr.Options); ok {
				c.peerMSS = mss
			} else {
				c.peerMSS = defaultMSS
			}
			c.state = StateEstablished
			c.haveRetransmitAt = false
			p.sendSegmentLocked(c, netproto.TCPFlagACK, nil)
			notify(c.connReady)
		}
		return
	case StateSynReceived:
		if hdr.Flags&netproto.TCPFlagACK != 0 && hdr.Ack == c.sndNxt {
			c.sndUna = hdr.Ack
			c.state = StateEstablished
			c.haveRetransmitAt = false
			notify(c.connReady)
			if c.listener != nil {
				select {
				case c.listener.listenBacklog <- c:
				default:
				}
			}
		}
		// The ACK that completes the handshake may carry in-order data or
		// a FIN; it is handled below like any segment in Established.
		if c.state != StateEstablished {
			return
		}
	}

	// Established and later: process ACKs of outstanding data/FIN first.
	if hdr.Flags&netproto.TCPFlagACK != 0 {
		c.processAckLocked(hdr.Ack)
		c.sndWnd = uint32(hdr.Window)
	}

	switch c.state {
	case StateEstablished:
		p.acceptDataLocked(c, hdr, payload)
		if hdr.Flags&netproto.TCPFlagFIN != 0 && hdr.Seq == c.rcvNxt {
			c.rcvNxt++
			c.state = StateCloseWait
			p.sendSegmentLocked(c, netproto.TCPFlagACK, nil)
			notify(c.dataReady)
		}
	case StateFinWait1:
		ackedFin := hdr.Flags&netproto.TCPFlagACK != 0 && c.finAcked
		gotFin := hdr.Flags&netproto.TCPFlagFIN != 0 && hdr.Seq == c.rcvNxt
		if gotFin {
			c.rcvNxt++
			p.sendSegmentLocked(c, netproto.TCPFlagACK, nil)
		}
		switch {
		case ackedFin && gotFin:
			c.state = StateTimeWait
			c.timeWaitAt = time.Now().Add(timeWaitDuration)
		case ackedFin:
			c.state = StateFinWait2
		case gotFin:
			c.state = StateClosing
		}
	case StateFinWait2:
		if hdr.Flags&netproto.TCPFlagFIN != 0 && hdr.Seq == c.rcvNxt {
			c.rcvNxt++
			p.sendSegmentLocked(c, netproto.TCPFlagACK, nil)
			c.state = StateTimeWait
			c.timeWaitAt = time.Now().Add(timeWaitDuration)
		}
	case StateClosing:
		if hdr.Flags&netproto.TCPFlagACK != 0 && c.finAcked {
			c.state = StateTimeWait
			c.timeWaitAt = time.Now().Add(timeWaitDuration)
		}
	case StateLastAck:
		if hdr.Flags&netproto.TCPFlagACK != 0 && c.finAcked {
			c.state = StateClosed
			notify(c.connReady)
		}
	}
}

// acceptDataLocked appends in-order payload bytes to the receive ring and
// ACKs; out-of-order data is discarded and duplicate-ACKed (no reassembly).
func (p *Pool) acceptDataLocked(c *Conn, hdr netproto.TCPHeader, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if hdr.Seq != c.rcvNxt {
		p.sendSegmentLocked(c, netproto.TCPFlagACK, nil)
		return
	}
	n := c.recvBuf.write(payload)
	c.rcvNxt += uint32(n)
	p.sendSegmentLocked(c, netproto.TCPFlagACK, nil)
	notify(c.dataReady)
}

// retransmitLoop fires every timerPeriod, applying the retransmit and
// cleanup logic from §4.5.2 to every non-Free slot.
func (p *Pool) retransmitLoop() {
	ticker := time.NewTicker(timerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pool) tick() {
	now := time.Now()
	for _, c := range p.conns {
		c.mu.Lock()
		p.tickConnLocked(c, now)
		needsCleanup := c.state == StateClosed
		c.mu.Unlock()
		if needsCleanup {
			p.cleanup(c)
		}
	}
}

func (p *Pool) tickConnLocked(c *Conn, now time.Time) {
	switch c.state {
	case StateFree, StateListen:
		return
	case StateTimeWait:
		if !c.timeWaitAt.IsZero() && now.After(c.timeWaitAt) {
			c.state = StateClosed
		}
		return
	}

	if !c.haveRetransmitAt || now.Before(c.retransmitAt) {
		return
	}

	switch c.state {
	case StateSynSent:
		c.sndNxt = c.sndUna
		p.sendSegmentLocked(c, netproto.TCPFlagSYN, nil)
		c.sndNxt++
	case StateSynReceived:
		c.sndNxt = c.sndUna
		p.sendSegmentLocked(c, netproto.TCPFlagSYN|netproto.TCPFlagACK, netproto.BuildMSSOption(ourMSS))
		c.sndNxt++
	case StateFinWait1, StateLastAck, StateClosing:
		if c.sendBuf.used() > 0 {
			p.retransmitUnackedLocked(c)
		} else if c.finQueued && !c.finAcked {
			p.retransmitFinLocked(c)
		} else {
			return
		}
	case StateEstablished, StateCloseWait:
		if c.sendBuf.used() > 0 {
			p.retransmitUnackedLocked(c)
		} else {
			return // nothing outstanding, don't touch the timer
		}
	default:
		return
	}

	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
	c.retransmitAt = now.Add(c.rto)
}

// retransmitUnackedLocked resends min(peerMSS, used) bytes starting at the
// oldest unacked data sequence number, restoring sndNxt afterwards (§4.5.2).
func (p *Pool) retransmitUnackedLocked(c *Conn) {
	segLen := int(c.peerMSS)
	used := int(c.sendBuf.used())
	if used < segLen {
		segLen = used
	}
	if segLen == 0 {
		return
	}
	buf := make([]byte, segLen)
	c.sendBuf.peek(buf, 0)

	unackedSeq := c.iss + 1 + c.ackedDataBytes
	savedNxt := c.sndNxt
	c.sndNxt = unackedSeq
	p.sendSegmentLocked(c, netproto.TCPFlagACK|netproto.TCPFlagPSH, buf)
	c.sndNxt = savedNxt
}

// retransmitFinLocked resends the bare FIN at its original sequence number.
func (p *Pool) retransmitFinLocked(c *Conn) {
	savedNxt := c.sndNxt
	c.sndNxt = c.finSeq
	p.sendSegmentLocked(c, netproto.TCPFlagFIN|netproto.TCPFlagACK, nil)
	c.sndNxt = savedNxt
}

// cleanup reclaims a Closed slot: removes it from the hash table and resets
// it to Free. Takes poolLock, matching the spec's cleanup-phase lock order.
func (p *Pool) cleanup(c *Conn) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return
	}
	p.removeHash(c)

	// Reset fields in place rather than replacing *c: c.mu is the mutex
	// this method is currently holding locked, and overwriting the Conn
	// value would also overwrite mu with a fresh, unlocked one out from
	// under the deferred Unlock above.
	c.localIP = netproto.IPv4{}
	c.localPort = 0
	c.remoteIP = netproto.IPv4{}
	c.remotePort = 0
	c.remoteMAC = netproto.MAC{}
	c.state = StateFree
	c.sndUna = 0
	c.sndNxt = 0
	c.sndWnd = 0
	c.rcvNxt = 0
	c.rcvWnd = recvBufSize
	c.iss = 0
	c.irs = 0
	c.peerMSS = 0
	c.sendBuf = newRingBuf(sendBufSize)
	c.recvBuf = newRingBuf(recvBufSize)
	c.rto = 0
	c.retransmitAt = time.Time{}
	c.haveRetransmitAt = false
	c.timeWaitAt = time.Time{}
	c.ackedDataBytes = 0
	c.finQueued = false
	c.finSeq = 0
	c.finAcked = false
	c.listenBacklog = nil
	c.listener = nil

	// dataReady/connReady keep their existing channel identity: any
	// stale signal left in them is harmless (the next occupant starts by
	// waiting on a fresh state anyway), and replacing them here would
	// race with a goroutine that still holds a reference from before
	// this slot was reused.
}
