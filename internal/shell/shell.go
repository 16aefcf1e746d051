// Package shell implements the NOSH UDP shell protocol (§6): a chunked
// request/reply framing over UDP that lets a remote client run one command
// at a time against an in-kernel dispatcher. Command parsing and execution
// themselves are an external collaborator (§1 non-goals: "command-line
// shell parsing"); this package only owns the wire protocol and the
// single-pending-command scheduling around it.
package shell

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/nos-project/netcore/internal/netproto"
)

// Magic identifies a NOSH datagram ("NOSH" in ASCII).
const Magic uint32 = 0x4E4F5348

// FlagLast marks the final chunk of a reply.
const FlagLast uint16 = 0x0001

// HeaderLen is the fixed size of Header on the wire.
const HeaderLen = 16

// ChunkSize is the maximum payload carried by one reply datagram.
const ChunkSize = 1384

// MaxOutputLen bounds buffered command output, matching the fixed
// UdpPrinter scratch buffer the original server formatted replies into.
const MaxOutputLen = 4096

// Header is the 16-byte protocol header preceding every NOSH datagram's
// payload.
type Header struct {
	Magic      uint32
	SeqNo      uint32 // opaque; echoed back to the client exactly as received
	ChunkIdx   uint16
	Flags      uint16
	PayloadLen uint16
	Reserved   uint16
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNo)
	binary.BigEndian.PutUint16(buf[8:10], h.ChunkIdx)
	binary.BigEndian.PutUint16(buf[10:12], h.Flags)
	binary.BigEndian.PutUint16(buf[12:14], h.PayloadLen)
	binary.BigEndian.PutUint16(buf[14:16], h.Reserved)
	return buf
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("shell: short header: %d bytes", len(data))
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(data[0:4]),
		SeqNo:      binary.BigEndian.Uint32(data[4:8]),
		ChunkIdx:   binary.BigEndian.Uint16(data[8:10]),
		Flags:      binary.BigEndian.Uint16(data[10:12]),
		PayloadLen: binary.BigEndian.Uint16(data[12:14]),
		Reserved:   binary.BigEndian.Uint16(data[14:16]),
	}, nil
}

// Transport is the capability this package needs from the network core:
// sending a reply datagram from our own address.
type Transport interface {
	SendUDP(dstIP netproto.IPv4, dstPort, srcPort uint16, payload []byte) error
}

// Dispatcher runs one command line, writing its output to out. A real
// kernel shell's command table lives outside this package's scope; tests
// and demos wire in something minimal.
type Dispatcher interface {
	Dispatch(cmd string, out io.Writer)
}

type pendingCmd struct {
	text    string
	seqNo   uint32
	srcIP   netproto.IPv4
	srcPort uint16
}

// Server answers NOSH commands on one UDP port. Only one command is
// processed at a time and at most one more can wait behind it; a command
// that arrives while one is already waiting is dropped, matching the
// original's "drop if previous command still pending" rule.
type Server struct {
	dev        Transport
	port       uint16
	dispatch   Dispatcher
	pending    chan pendingCmd
}

// New creates a shell server listening logically on port (the caller is
// responsible for calling netstack.Device.RegisterUDPListener(port,
// srv.Deliver)).
func New(dev Transport, port uint16, dispatch Dispatcher) *Server {
	return &Server{dev: dev, port: port, dispatch: dispatch, pending: make(chan pendingCmd, 1)}
}

// Deliver feeds one received UDP payload (the bytes after the UDP header)
// to the server. Malformed datagrams, and commands received while one is
// already queued, are silently dropped.
func (s *Server) Deliver(srcIP netproto.IPv4, srcPort uint16, payload []byte) {
	hdr, err := decodeHeader(payload)
	if err != nil || hdr.Magic != Magic {
		return
	}
	declared := int(hdr.PayloadLen)
	if declared > len(payload)-HeaderLen {
		return
	}
	cmd := strings.TrimRight(string(payload[HeaderLen:HeaderLen+declared]), "\r\n")
	if cmd == "" {
		return
	}

	select {
	case s.pending <- pendingCmd{text: cmd, seqNo: hdr.SeqNo, srcIP: srcIP, srcPort: srcPort}:
	default:
	}
}

// Run processes queued commands one at a time until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.pending:
			s.execute(cmd)
		}
	}
}

func (s *Server) execute(cmd pendingCmd) {
	out := &boundedBuffer{max: MaxOutputLen}
	s.dispatch.Dispatch(cmd.text, out)
	s.reply(cmd, out.data)
}

func (s *Server) reply(cmd pendingCmd, data []byte) {
	if len(data) == 0 {
		hdr := Header{Magic: Magic, SeqNo: cmd.seqNo, Flags: FlagLast}
		_ = s.dev.SendUDP(cmd.srcIP, cmd.srcPort, s.port, encodeHeader(hdr))
		return
	}

	var chunkIdx uint16
	offset := 0
	for offset < len(data) {
		n := len(data) - offset
		if n > ChunkSize {
			n = ChunkSize
		}
		last := offset+n == len(data)
		var flags uint16
		if last {
			flags = FlagLast
		}
		hdr := Header{Magic: Magic, SeqNo: cmd.seqNo, ChunkIdx: chunkIdx, Flags: flags, PayloadLen: uint16(n)}
		frame := append(encodeHeader(hdr), data[offset:offset+n]...)
		if err := s.dev.SendUDP(cmd.srcIP, cmd.srcPort, s.port, frame); err != nil {
			return
		}
		offset += n
		chunkIdx++
	}
}

// boundedBuffer accumulates up to max bytes, silently discarding anything
// past that, matching UdpPrinter's fixed scratch buffer instead of growing
// without bound for a runaway command.
type boundedBuffer struct {
	data []byte
	max  int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	origLen := len(p)
	if len(b.data) >= b.max {
		return origLen, nil
	}
	room := b.max - len(b.data)
	if len(p) > room {
		p = p[:room]
	}
	b.data = append(b.data, p...)
	return origLen, nil
}
