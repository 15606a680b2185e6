package tds

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func newLoopback(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return a, b
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Type:     PacketLogin7,
		Status:   StatusEOM,
		Length:   512,
		SPID:     7,
		PacketID: 1,
		Window:   0,
	}
	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Errorf("ReadHeader round-trip = %+v, want %+v", got, h)
	}
}

func TestReadHeaderRejectsOutOfRangeLength(t *testing.T) {
	h := Header{Type: PacketLogin7, Status: StatusEOM, Length: 3, SPID: 1}
	var buf bytes.Buffer
	h.Write(&buf)
	if _, err := ReadHeader(&buf); err == nil {
		t.Fatal("expected error for length below HeaderSize")
	}
}

// TestOutboundChunking verifies a 1200-byte body negotiated at a 512-byte
// packet size splits into {504, 504, 192} payload bytes: two full packets
// at packetSize-HeaderSize=504 bytes each, then the remainder flushed with
// EOM.
func TestOutboundChunking(t *testing.T) {
	server, client := newLoopback(t)
	defer server.Close()
	defer client.Close()

	f := NewFramer(server, 1)
	f.SetPacketSize(512)

	body := bytes.Repeat([]byte{0xAB}, 1200)

	done := make(chan error, 1)
	go func() {
		f.BeginMessage(PacketReply)
		if err := f.Write(body); err != nil {
			done <- err
			return
		}
		done <- f.Flush()
	}()

	var chunkLens []int
	var statuses []PacketStatus
	read := 0
	for read < len(body) {
		h, err := ReadHeader(client)
		if err != nil {
			t.Fatalf("ReadHeader: %v", err)
		}
		payload := make([]byte, h.PayloadLength())
		if _, err := readFull(client, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
		chunkLens = append(chunkLens, len(payload))
		statuses = append(statuses, h.Status)
		read += len(payload)
	}

	if err := <-done; err != nil {
		t.Fatalf("writer goroutine: %v", err)
	}

	want := []int{504, 504, 192}
	if len(chunkLens) != len(want) {
		t.Fatalf("chunk count = %d, want %d (lens=%v)", len(chunkLens), len(want), chunkLens)
	}
	for i, w := range want {
		if chunkLens[i] != w {
			t.Errorf("chunk[%d] len = %d, want %d", i, chunkLens[i], w)
		}
	}
	for i, s := range statuses {
		isLast := i == len(statuses)-1
		if isLast && s&StatusEOM == 0 {
			t.Errorf("final chunk missing EOM status")
		}
		if !isLast && s&StatusEOM != 0 {
			t.Errorf("non-final chunk %d unexpectedly has EOM set", i)
		}
	}
}

func TestReadMessageReassemblesMultiPacket(t *testing.T) {
	server, client := newLoopback(t)
	defer server.Close()
	defer client.Close()

	go func() {
		h1 := Header{Type: PacketSQLBatch, Status: StatusNormal, Length: HeaderSize + 3, SPID: 9, PacketID: 1}
		h1.Write(client)
		client.Write([]byte{1, 2, 3})

		h2 := Header{Type: PacketSQLBatch, Status: StatusEOM, Length: HeaderSize + 2, SPID: 9, PacketID: 2}
		h2.Write(client)
		client.Write([]byte{4, 5})
	}()

	f := NewFramer(server, 9)
	msg, err := f.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != PacketSQLBatch {
		t.Errorf("Type = %v, want PacketSQLBatch", msg.Type)
	}
	if !bytes.Equal(msg.Body, []byte{1, 2, 3, 4, 5}) {
		t.Errorf("Body = %v, want [1 2 3 4 5]", msg.Body)
	}
}

func TestReadMessageIgnoreEventCancellation(t *testing.T) {
	server, client := newLoopback(t)
	defer server.Close()
	defer client.Close()

	go func() {
		h := Header{Type: PacketSQLBatch, Status: StatusIgnore | StatusEOM, Length: HeaderSize, SPID: 3, PacketID: 1}
		h.Write(client)
	}()

	f := NewFramer(server, 3)
	_, err := f.ReadMessage()
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestFramerSetPacketSizeClampsToBounds(t *testing.T) {
	f := NewFramer(&discardConn{}, 1)
	f.SetPacketSize(10)
	if f.PacketSize() != MinPacketSize {
		t.Errorf("PacketSize() = %d, want %d (clamped to min)", f.PacketSize(), MinPacketSize)
	}
	f.SetPacketSize(1 << 20)
	if f.PacketSize() != MaxPacketSize {
		t.Errorf("PacketSize() = %d, want %d (clamped to max)", f.PacketSize(), MaxPacketSize)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// discardConn is a minimal net.Conn used only to construct a Framer for
// unit tests that never perform real I/O.
type discardConn struct {
	net.Conn
}

func (discardConn) Read(b []byte) (int, error)  { return 0, nil }
func (discardConn) Write(b []byte) (int, error) { return len(b), nil }
func (discardConn) Close() error                { return nil }
func (discardConn) LocalAddr() net.Addr         { return nil }
func (discardConn) RemoteAddr() net.Addr        { return nil }
func (discardConn) SetDeadline(t time.Time) error      { return nil }
func (discardConn) SetReadDeadline(t time.Time) error  { return nil }
func (discardConn) SetWriteDeadline(t time.Time) error { return nil }
