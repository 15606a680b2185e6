package tds

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ha1tch/tdsfrontend/internal/obslog"
)

// echoingHandler answers LOGIN7 with a LOGINACK/DONE and SQLBatch with a
// one-column result set carrying the batch's own query text back, enough
// to exercise the full driveConnection path end to end.
type echoingHandler struct {
	sawBatch chan string
}

func (h *echoingHandler) OpenSession(ctx context.Context, session *Session) error { return nil }
func (h *echoingHandler) CloseSession(session *Session)                          {}
func (h *echoingHandler) OnPreloginRequest(client *ResponseWriter, session *Session, msg *Prelogin) error {
	return client.SendMessage(NewPreloginResponse(DefaultServerVersion(), EncryptNotSup, false, false).Encode())
}
func (h *echoingHandler) OnLogin7Request(client *ResponseWriter, session *Session, msg *Login7) error {
	if err := client.SendToken(&LoginAckToken{
		Interface:   LoginAckSQL2012,
		TDSVersion:  session.TDSVersion,
		ProgName:    "test",
		ProgVersion: 0x01000000,
	}); err != nil {
		return err
	}
	return client.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
}
func (h *echoingHandler) OnFederatedAuthenticationTokenMessage(client *ResponseWriter, session *Session, token []byte) error {
	return client.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
}
func (h *echoingHandler) OnSQLBatchRequest(client *ResponseWriter, session *Session, batch *SQLBatchRequest) error {
	h.sawBatch <- batch.Query
	cols := []Column{{Name: "text", TypeInfo: TypeInfo{Type: TypeNVarChar, Length: 4000, Collation: DefaultCollation}}}
	if err := client.SendToken(&ColMetadataToken{Columns: cols}); err != nil {
		return err
	}
	if err := client.SendToken(&RowToken{Columns: cols, Values: []interface{}{batch.Query}}); err != nil {
		return err
	}
	return client.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
}
func (h *echoingHandler) OnRPCRequest(client *ResponseWriter, session *Session, rpc *RPCRequest) error {
	return client.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
}
func (h *echoingHandler) OnAttention(session *Session) {}

// sendMessage writes a single-packet EOM message of type t carrying body.
func sendMessage(t *testing.T, conn net.Conn, pt PacketType, body []byte) {
	t.Helper()
	h := Header{Type: pt, Status: StatusEOM, Length: uint16(HeaderSize + len(body)), PacketID: 1}
	if err := h.Write(conn); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
}

func readMessage(t *testing.T, conn net.Conn) *InboundMessage {
	t.Helper()
	f := NewFramer(conn, 0)
	msg, err := f.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return msg
}

func TestDriveConnectionFullHandshakeAndBatch(t *testing.T) {
	handler := &echoingHandler{sawBatch: make(chan string, 1)}
	ctx := DefaultServerContext("test-driver")
	ctx.EncryptPolicy = EncryptNotSup
	srv, err := NewServer(ctx, handler, obslog.New(obslog.DefaultConfig()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	clientPrelogin := buildClientPrelogin(EncryptNotSup)
	sendMessage(t, conn, PacketPrelogin, clientPrelogin.Encode())

	preloginResp := readMessage(t, conn)
	if preloginResp.Type != PacketReply {
		t.Fatalf("prelogin response type = %v, want REPLY", preloginResp.Type)
	}
	if _, err := DecodePrelogin(preloginResp.Body); err != nil {
		t.Fatalf("DecodePrelogin(response): %v", err)
	}

	login7 := buildLogin7Body(t, "workstation1", "appuser", "s3cret", "myapp", "myserver", "appdb")
	sendMessage(t, conn, PacketLogin7, login7)

	loginResp := readMessage(t, conn)
	if loginResp.Type != PacketReply {
		t.Fatalf("login7 response type = %v, want REPLY", loginResp.Type)
	}

	batchBody, err := EncodeSQLBatch(VerTDS74, "SELECT 1")
	if err != nil {
		t.Fatalf("EncodeSQLBatch: %v", err)
	}
	sendMessage(t, conn, PacketSQLBatch, batchBody)

	select {
	case q := <-handler.sawBatch:
		if q != "SELECT 1" {
			t.Errorf("handler saw query %q, want SELECT 1", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnSQLBatchRequest")
	}

	batchResp := readMessage(t, conn)
	if batchResp.Type != PacketReply {
		t.Fatalf("batch response type = %v, want REPLY", batchResp.Type)
	}
}
