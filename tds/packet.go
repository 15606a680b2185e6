package tds

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/ha1tch/tdsfrontend/internal/tdserr"
)

// PacketType identifies the TDS packet type carried in a packet header.
type PacketType uint8

const (
	PacketSQLBatch     PacketType = 1
	PacketRPCRequest   PacketType = 3
	PacketReply        PacketType = 4
	PacketAttention    PacketType = 6
	PacketBulkLoad     PacketType = 7
	PacketFedAuthToken PacketType = 8
	PacketTransMgrReq  PacketType = 14
	PacketLogin7       PacketType = 16
	PacketSSPIMessage  PacketType = 17
	PacketPrelogin     PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketTransMgrReq:
		return "TRANS_MGR_REQ"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return "UNKNOWN"
	}
}

// PacketStatus is the status bitmap of a packet header.
type PacketStatus uint8

const (
	StatusNormal                  PacketStatus = 0x00
	StatusEOM                     PacketStatus = 0x01
	StatusIgnore                  PacketStatus = 0x02
	StatusResetConnection         PacketStatus = 0x08
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

const (
	// HeaderSize is the fixed size of a TDS packet header.
	HeaderSize = 8
	// DefaultPacketSize is negotiated unless the client/server agree on
	// something else.
	DefaultPacketSize = 4096
	// MaxPacketSize is the hard cap on negotiated packet size, matching
	// the largest value representable in the header's 16-bit length
	// field and the upper bound TDS 7.x clients negotiate against.
	MaxPacketSize = 65535
	// MinPacketSize is the floor for negotiated packet size.
	MinPacketSize = 512
)

// Header is the 8-byte, big-endian-length TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16
	SPID     uint16
	PacketID uint8
	Window   uint8
}

// ReadHeader reads and validates a packet header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
	if h.Length < HeaderSize || h.Length > MaxPacketSize {
		return Header{}, tdserr.Newf(tdserr.Protocol, "packet length %d out of range [%d, %d]", h.Length, HeaderSize, MaxPacketSize)
	}
	return h, nil
}

// Write serializes the header to w.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	_, err := w.Write(buf[:])
	return err
}

// PayloadLength returns the body length (total length minus header).
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket reports whether the EOM status bit is set.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}

// IsIgnored reports whether the IgnoreEvent status bit is set.
// ReadMessage treats a packet carrying it together with EOM as a
// discarded cancellation.
func (h Header) IsIgnored() bool {
	return h.Status&StatusIgnore != 0
}

// InboundMessage is a fully reassembled logical message: every packet
// body from the first packet of a given type through to (and including)
// the packet whose status has EOM set.
type InboundMessage struct {
	Type PacketType
	SPID uint16
	Body []byte
}

// Framer wraps a net.Conn with TDS packet reassembly (inbound) and
// chunking (outbound). One Framer is owned exclusively by one session;
// it is not safe for concurrent use.
type Framer struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	spid       uint16
	packetSize int // negotiated max packet size, including header

	readTimeout  time.Duration
	writeTimeout time.Duration

	// outbound chunk accumulator
	outBuf     []byte
	outType    PacketType
	outPacketID uint8
}

// NewFramer wraps conn for packet-level I/O at the given SPID, starting
// with the default negotiated packet size.
func NewFramer(conn net.Conn, spid uint16) *Framer {
	return &Framer{
		conn:       conn,
		r:          bufio.NewReaderSize(conn, DefaultPacketSize),
		w:          bufio.NewWriterSize(conn, DefaultPacketSize),
		spid:       spid,
		packetSize: DefaultPacketSize,
	}
}

// SetPacketSize updates the negotiated packet size used for outbound
// chunking. It must be within [MinPacketSize, MaxPacketSize].
func (f *Framer) SetPacketSize(size int) {
	if size < MinPacketSize {
		size = MinPacketSize
	}
	if size > MaxPacketSize {
		size = MaxPacketSize
	}
	f.packetSize = size
}

// PacketSize returns the currently negotiated packet size.
func (f *Framer) PacketSize() int { return f.packetSize }

// SetDeadlines configures the underlying socket's read/write deadlines,
// applied per I/O call.
func (f *Framer) SetDeadlines(read, write time.Duration) {
	f.readTimeout = read
	f.writeTimeout = write
}

// Upgrade swaps the underlying connection (used after a TLS handshake),
// discarding any buffered plaintext bytes — callers must ensure the TLS
// handshake itself was performed over the exact same byte stream.
func (f *Framer) Upgrade(conn net.Conn) {
	f.conn = conn
	f.r = bufio.NewReaderSize(conn, f.packetSize)
	f.w = bufio.NewWriterSize(conn, f.packetSize)
}

// Conn returns the underlying connection (for peeking or TLS handshakes).
func (f *Framer) Conn() net.Conn { return f.conn }

// ReadMessage reads packets from the stream until a full logical message
// (chain ending in EOM) is assembled, matching §4.1's inbound algorithm.
// A packet with IgnoreEvent+EOM discards the in-progress accumulator and
// returns errCancelled (IsCancelled reports true) so the caller can
// resume the read loop.
func (f *Framer) ReadMessage() (*InboundMessage, error) {
	if f.readTimeout > 0 {
		f.conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	}

	var acc []byte
	var msgType PacketType
	first := true

	for {
		h, err := ReadHeader(f.r)
		if err != nil {
			return nil, err
		}

		if first {
			msgType = h.Type
			first = false
		} else if h.Type != msgType {
			return nil, tdserr.Newf(tdserr.Protocol, "packet type changed mid-message: %s -> %s", msgType, h.Type)
		}

		body := make([]byte, h.PayloadLength())
		if _, err := io.ReadFull(f.r, body); err != nil {
			return nil, err
		}

		if h.IsIgnored() && h.IsLastPacket() {
			return nil, errCancelled
		}

		acc = append(acc, body...)

		if h.IsLastPacket() {
			return &InboundMessage{Type: msgType, SPID: h.SPID, Body: acc}, nil
		}
	}
}

// errCancelled signals a client-initiated IgnoreEvent+EOM cancellation of
// a partial inbound message.
var errCancelled = tdserr.New(tdserr.Protocol, "cancelled: IgnoreEvent+EOM received")

// IsCancelled reports whether err is the sentinel returned by ReadMessage
// for a discarded, client-cancelled partial message.
func IsCancelled(err error) bool {
	return err == errCancelled
}

// BeginMessage starts accumulating an outbound logical message of the
// given packet type. Any previously unflushed message is discarded.
func (f *Framer) BeginMessage(t PacketType) {
	f.outBuf = f.outBuf[:0]
	f.outType = t
	f.outPacketID = 1
}

// Write appends encoded bytes to the outbound accumulator, flushing full
// packets as the max body size is exceeded (§4.1 outbound algorithm).
func (f *Framer) Write(b []byte) error {
	f.outBuf = append(f.outBuf, b...)
	maxBody := f.packetSize - HeaderSize
	for len(f.outBuf) > maxBody {
		chunk := f.outBuf[:maxBody]
		if err := f.sendChunk(chunk, StatusNormal); err != nil {
			return err
		}
		f.outBuf = f.outBuf[maxBody:]
		f.outPacketID++
		if f.outPacketID == 0 {
			f.outPacketID = 1
		}
	}
	return nil
}

// Flush emits the remaining buffered bytes as the final, EOM-marked
// packet of the current outbound message and resets packet-id to 0 for
// the next message (§4.1: "flush the final chunk with status=EOM and
// reset packet_id to 0").
func (f *Framer) Flush() error {
	if f.writeTimeout > 0 {
		f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout))
	}
	if err := f.sendChunk(f.outBuf, StatusEOM); err != nil {
		return err
	}
	f.outBuf = f.outBuf[:0]
	f.outPacketID = 0
	return f.w.Flush()
}

func (f *Framer) sendChunk(body []byte, status PacketStatus) error {
	h := Header{
		Type:     f.outType,
		Status:   status,
		Length:   uint16(HeaderSize + len(body)),
		SPID:     f.spid,
		PacketID: f.outPacketID,
		Window:   0,
	}
	if err := h.Write(f.w); err != nil {
		return err
	}
	if _, err := f.w.Write(body); err != nil {
		return err
	}
	if status == StatusNormal {
		// Intermediate packets must reach the wire promptly so large
		// streamed result sets do not bloat the bufio.Writer buffer
		// beyond one packet's worth.
		return f.w.Flush()
	}
	return nil
}
