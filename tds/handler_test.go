package tds

import (
	"net"
	"testing"
)

func TestResponseWriterSendTokenAndFlush(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	framer := NewFramer(server, 51)
	session := NewSession(51, "127.0.0.1:1234", DefaultServerContext("test"))

	rw := newResponseWriter(framer, session)

	errCh := make(chan error, 1)
	go func() {
		if err := rw.SendToken(&DoneToken{Kind: TokenDone, Status: DoneCount, RowCount: 3}); err != nil {
			errCh <- err
			return
		}
		errCh <- rw.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
	}()

	msg, err := readOneMessage(t, client, 51)
	if err != nil {
		t.Fatalf("reading reply message: %v", err)
	}
	if msg.Type != PacketReply {
		t.Errorf("Type = %v, want PacketReply", msg.Type)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("writer goroutine: %v", err)
	}
}

func TestResponseWriterFlushForcesAttnOnCancellation(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	framer := NewFramer(server, 51)
	session := NewSession(51, "127.0.0.1:1234", DefaultServerContext("test"))
	session.RequestAttention()

	rw := newResponseWriter(framer, session)
	if !rw.AttentionRequested() {
		t.Fatal("AttentionRequested = false, want true")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- rw.Flush(DoneToken{Kind: TokenDone, Status: DoneCount | DoneMore, RowCount: 1})
	}()

	body, err := readRawMessageBody(t, client)
	if err != nil {
		t.Fatalf("reading flushed message: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r := newReader(body[1:]) // skip token id byte
	done, err := decodeDone(TokenDone, r)
	if err != nil {
		t.Fatalf("decodeDone: %v", err)
	}
	if done.Status&DoneAttn == 0 {
		t.Errorf("Status = %#x, want DoneAttn set", done.Status)
	}
	if done.Status&DoneMore != 0 {
		t.Errorf("Status = %#x, want DoneMore cleared", done.Status)
	}

	if session.State() != StateLoggedIn {
		t.Errorf("session state = %v, want LoggedIn after Flush", session.State())
	}
}

func readOneMessage(t *testing.T, conn net.Conn, spid uint16) (*InboundMessage, error) {
	t.Helper()
	f := NewFramer(conn, spid)
	return f.ReadMessage()
}

func readRawMessageBody(t *testing.T, conn net.Conn) ([]byte, error) {
	t.Helper()
	msg, err := readOneMessage(t, conn, 51)
	if err != nil {
		return nil, err
	}
	return msg.Body, nil
}
