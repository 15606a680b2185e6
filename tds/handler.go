package tds

import "context"

// Handler is the contract a query core implements to drive a session's
// responses. The driver calls these methods in the order dictated by
// the session state machine; everything below OpenSession runs with
// one call in flight per session, except OnAttention, which the
// driver's attention watcher may call while OnSQLBatchRequest or
// OnRPCRequest is still running.
type Handler interface {
	// OpenSession is called once per accepted connection, before
	// prelogin is processed.
	OpenSession(ctx context.Context, session *Session) error

	// CloseSession is called once at connection teardown, regardless
	// of how the connection ended.
	CloseSession(session *Session)

	// OnPreloginRequest handles a decoded PRELOGIN message. The
	// handler is responsible for sending the PRELOGIN response via
	// client (version, chosen encryption, fed-auth-required, nonce);
	// the driver flushes what it buffered once the call returns.
	OnPreloginRequest(client *ResponseWriter, session *Session, msg *Prelogin) error

	// OnLogin7Request handles a decoded LOGIN7 message. The handler
	// emits env-change tokens, a login-ack, an optional feature-ext-ack,
	// and a final done via client.
	OnLogin7Request(client *ResponseWriter, session *Session, msg *Login7) error

	// OnFederatedAuthenticationTokenMessage handles a post-login FedAuth
	// token submission.
	OnFederatedAuthenticationTokenMessage(client *ResponseWriter, session *Session, token []byte) error

	// OnSQLBatchRequest handles a decoded SQL_BATCH message. The
	// handler emits column-metadata, rows, optional info/error tokens,
	// and a final done via client.
	OnSQLBatchRequest(client *ResponseWriter, session *Session, batch *SQLBatchRequest) error

	// OnRPCRequest handles a decoded RPC_REQUEST message, with the same
	// response obligations as OnSQLBatchRequest.
	OnRPCRequest(client *ResponseWriter, session *Session, rpc *RPCRequest) error

	// OnAttention is the cooperative cancellation hook: called when an
	// Attention packet interrupts an in-flight response. The handler
	// need not do anything special here — checking
	// session.AttentionRequested() at the next send point is
	// sufficient — but handlers holding external resources (e.g. a
	// backend query cursor) can use this to begin cancelling them.
	OnAttention(session *Session)
}

// ResponseWriter is the single-producer interface through which a
// Handler streams tokens back to the client. One ResponseWriter is
// created per response stream and becomes invalid once Flush returns.
type ResponseWriter struct {
	framer  *Framer
	session *Session
	w       writer
}

func newResponseWriter(f *Framer, s *Session) *ResponseWriter {
	f.BeginMessage(PacketReply)
	return &ResponseWriter{framer: f, session: s}
}

// SendToken encodes and buffers a single token. Tokens accumulate in
// the ResponseWriter until Flush is called; the underlying Framer
// handles chunking into packets as the buffer grows.
func (rw *ResponseWriter) SendToken(t Token) error {
	rw.w.buf = rw.w.buf[:0]
	t.Encode(&rw.w) // Encode writes its own leading token id byte
	return rw.framer.Write(rw.w.buf)
}

// SendMessage writes raw already-encoded bytes directly to the
// outbound accumulator, bypassing token framing. Used for responses
// whose wire shape isn't a Token, such as the PRELOGIN response body.
func (rw *ResponseWriter) SendMessage(b []byte) error {
	return rw.framer.Write(b)
}

// AttentionRequested reports whether the client has sent an Attention
// packet since this response stream began. Handlers producing rows in
// a loop should check this between rows and stop promptly when true.
func (rw *ResponseWriter) AttentionRequested() bool {
	return rw.session.AttentionRequested()
}

// Flush sends the Done sentinel: if Attention was requested mid-stream
// the emitted Done token gets DoneAttn added and DoneMore cleared (the
// caller's other status bits are kept), per the attention-cancellation
// contract, and the session returns to LoggedIn.
func (rw *ResponseWriter) Flush(done DoneToken) error {
	if rw.session.AttentionRequested() {
		done.Status |= DoneAttn
		done.Status &^= DoneMore
	}
	if err := rw.SendToken(&done); err != nil {
		return err
	}
	if err := rw.framer.Flush(); err != nil {
		return err
	}
	rw.session.ForceState(StateLoggedIn)
	return nil
}
