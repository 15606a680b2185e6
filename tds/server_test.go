package tds

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ha1tch/tdsfrontend/internal/obslog"
)

// nopHandler answers every call with the minimum needed to keep a
// connection's state machine moving, without producing any response
// bytes — enough to exercise Server's accept loop and SPID registry.
type nopHandler struct{}

func (nopHandler) OpenSession(ctx context.Context, session *Session) error { return nil }
func (nopHandler) CloseSession(session *Session)                          {}
func (nopHandler) OnPreloginRequest(client *ResponseWriter, session *Session, msg *Prelogin) error {
	return client.SendMessage(NewPreloginResponse(DefaultServerVersion(), EncryptNotSup, false, false).Encode())
}
func (nopHandler) OnLogin7Request(client *ResponseWriter, session *Session, msg *Login7) error {
	return client.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
}
func (nopHandler) OnFederatedAuthenticationTokenMessage(client *ResponseWriter, session *Session, token []byte) error {
	return client.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
}
func (nopHandler) OnSQLBatchRequest(client *ResponseWriter, session *Session, batch *SQLBatchRequest) error {
	return client.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
}
func (nopHandler) OnRPCRequest(client *ResponseWriter, session *Session, rpc *RPCRequest) error {
	return client.Flush(DoneToken{Kind: TokenDone, Status: DoneFinal})
}
func (nopHandler) OnAttention(session *Session) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := DefaultServerContext("test-server")
	ctx.EncryptPolicy = EncryptNotSup
	srv, err := NewServer(ctx, nopHandler{}, obslog.New(obslog.DefaultConfig()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return srv
}

func TestServerAcceptsTCPConnections(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	go srv.Serve()

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
}

func TestServerSPIDAllocationStartsAt51(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	first := srv.allocateSPID()
	if first != 51 {
		t.Errorf("first allocated SPID = %d, want 51", first)
	}
	second := srv.allocateSPID()
	if second != 52 {
		t.Errorf("second allocated SPID = %d, want 52", second)
	}
}

func TestServerSessionRegistry(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	session := NewSession(51, "127.0.0.1:1", srv.Context)
	srv.registerSession(session)
	if srv.SessionCount() != 1 {
		t.Fatalf("SessionCount = %d, want 1", srv.SessionCount())
	}
	if !srv.DeliverAttention(51) {
		t.Fatal("DeliverAttention(51) = false, want true")
	}
	if !session.AttentionRequested() {
		t.Fatal("session attention not set after DeliverAttention")
	}
	if srv.DeliverAttention(999) {
		t.Fatal("DeliverAttention(999) = true, want false (no such session)")
	}

	srv.unregisterSession(session)
	if srv.SessionCount() != 0 {
		t.Fatalf("SessionCount after unregister = %d, want 0", srv.SessionCount())
	}
}

func TestServerEmitDoesNotBlockWhenChannelFull(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	for i := 0; i < 1000; i++ {
		srv.Emit(AuditRecord{SPID: 1, Message: "flood"})
	}
}

func TestServerCloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestServerRejectsAtSessionLimitWithLoginFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.Context.SessionLimit = 1
	defer srv.Close()
	go srv.Serve()

	// Fill the one permitted slot directly, bypassing a real handshake:
	// Serve only consults the counter, not session identity.
	fake := NewSession(srv.allocateSPID(), "test", srv.Context)
	srv.registerSession(fake)
	defer srv.unregisterSession(fake)

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	f := NewFramer(conn, 0)
	msg, err := f.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != PacketReply {
		t.Fatalf("message type = %v, want REPLY", msg.Type)
	}

	r := newReader(msg.Body)
	tok, err := DecodeToken(r, nil)
	if err != nil {
		t.Fatalf("DecodeToken(error): %v", err)
	}
	errTok, ok := tok.(*ServerMessageToken)
	if !ok || errTok.Kind != TokenError {
		t.Fatalf("first token = %#v, want ServerMessageToken{Kind: TokenError}", tok)
	}

	tok, err = DecodeToken(r, nil)
	if err != nil {
		t.Fatalf("DecodeToken(done): %v", err)
	}
	doneTok, ok := tok.(*DoneToken)
	if !ok || doneTok.Status&DoneError == 0 {
		t.Fatalf("second token = %#v, want DoneToken with DoneError status", tok)
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection closed after session-limit rejection, got more data")
	}
}
