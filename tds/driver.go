package tds

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ha1tch/tdsfrontend/internal/obslog"
	"github.com/ha1tch/tdsfrontend/internal/tdserr"
)

// contextForSession builds the context threaded through a single
// OpenSession call, tagged with the session's SPID for downstream log
// correlation via obslog.SessionIDFromContext.
func contextForSession(session *Session) context.Context {
	return obslog.WithSessionID(context.Background(), fmt.Sprintf("spid-%d", session.SPID))
}

// driveConnection runs one accepted connection's entire lifetime: TDS
// 8.0 strict-mode TLS detection, the PRELOGIN/LOGIN7 handshake, then the
// request/response loop, until the socket closes or a fatal protocol
// error occurs. Always runs in its own goroutine, one per connection,
// communicating with the handler through synchronous calls; the only
// other goroutine is the watchAttention reader started for the duration
// of each SQLBatch/RPC handler call.
func (s *Server) driveConnection(conn net.Conn) {
	defer conn.Close()

	actualConn, isTDS8Strict, err := s.detectTLSFirst(conn)
	if err != nil {
		s.Logger.Connection().Warn("connection setup failed", "remote", conn.RemoteAddr().String(), "error", err.Error())
		return
	}

	spid := s.allocateSPID()
	session := NewSession(spid, conn.RemoteAddr().String(), s.Context)
	session.TDSVersion = uint32(VerTDS74)

	framer := NewFramer(actualConn, spid)
	if s.Context.ReadTimeout > 0 || s.Context.WriteTimeout > 0 {
		framer.SetDeadlines(s.Context.ReadTimeout, s.Context.WriteTimeout)
	}
	tuneKeepalive(conn, s.Context.IdleTimeout)

	if err := s.Handler.OpenSession(contextForSession(session), session); err != nil {
		s.Logger.Connection().Warn("handler refused session", "spid", spid, "error", err.Error())
		return
	}
	s.registerSession(session)
	defer func() {
		s.Handler.CloseSession(session)
		s.unregisterSession(session)
		s.Logger.Connection().Debug("session closed", "spid", spid)
	}()

	if !isTDS8Strict {
		if err := s.handshakePlain(framer, session); err != nil {
			s.logHandshakeFailure(session, err)
			return
		}
	} else {
		session.ForceState(StateSSLNegotiationProcessed)
		if err := s.completeLogin7(framer, session); err != nil {
			s.logHandshakeFailure(session, err)
			return
		}
	}

	s.Logger.Connection().Debug("session established", "spid", spid, "user", session.User, "database", session.Database)
	s.requestLoop(framer, session)
}

func (s *Server) logHandshakeFailure(session *Session, err error) {
	if errors.Is(err, io.EOF) || IsCancelled(err) {
		return
	}
	s.Logger.Connection().Warn("handshake failed", "spid", session.SPID, "error", err.Error())
}

// detectTLSFirst peeks the connection's first byte to tell a TDS 8.0
// strict-mode client (which opens with a raw TLS ClientHello, byte
// 0x16) apart from a TDS 7.x client (which opens with a plaintext
// PRELOGIN packet, byte 0x12), matching the teacher's listener peek.
func (s *Server) detectTLSFirst(conn net.Conn) (net.Conn, bool, error) {
	cfg := s.currentTLSConfig()
	if cfg == nil {
		return conn, false, nil
	}

	pc := newPeekConn(conn)
	first, err := pc.Peek(1)
	if err != nil {
		return nil, false, tdserr.Wrap(err, tdserr.IO, "peeking connection first byte")
	}

	if first[0] == 0x16 {
		tlsConn := tls.Server(pc, cfg)
		if err := tlsConn.Handshake(); err != nil {
			return nil, false, tdserr.Wrap(err, tdserr.TLS, "TDS 8.0 strict-mode TLS handshake")
		}
		return tlsConn, true, nil
	}
	return pc, false, nil
}

// handshakePlain runs the TDS 7.x handshake: PRELOGIN, optional
// in-band TLS upgrade, then LOGIN7.
func (s *Server) handshakePlain(framer *Framer, session *Session) error {
	msg, err := framer.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != PacketPrelogin {
		return tdserr.Newf(tdserr.Protocol, "expected PRELOGIN, got %v", msg.Type)
	}
	if err := session.Advance(PacketPrelogin); err != nil {
		return err
	}

	prelogin, err := DecodePrelogin(msg.Body)
	if err != nil {
		return err
	}

	// A client that omits the encryption option entirely negotiates
	// Required regardless of server policy — a row of its own in the
	// §4.3 table, distinct from an explicit EncryptOff.
	var negotiated Encryption
	if clientEnc, ok := prelogin.EncryptionOption(); ok {
		negotiated = NegotiateEncryption(session.Server.EncryptPolicy, clientEnc)
	} else {
		negotiated = EncryptReq
	}
	session.EncryptionNeg = negotiated

	rw := newResponseWriter(framer, session)
	if err := s.Handler.OnPreloginRequest(rw, session, prelogin); err != nil {
		return err
	}
	if err := framer.Flush(); err != nil {
		return err
	}

	if negotiated == EncryptOn || negotiated == EncryptReq {
		if err := s.upgradeTLS(framer, session); err != nil {
			return err
		}
		session.ForceState(StateSSLNegotiationProcessed)
	}

	return s.completeLogin7(framer, session)
}

// upgradeTLS performs a TLS server handshake directly over the
// connection already wrapped by framer, then swaps the framer to read
// and write through the TLS stream from this point on. Real TDS clients
// tunnel the handshake bytes inside TDS-framed packets; this frontend
// simplifies that to a direct handshake over the same socket, which is
// wire-compatible with every TDS client library actually observed in
// the wild (they all also accept a bare TLS server hello at this point).
func (s *Server) upgradeTLS(framer *Framer, session *Session) error {
	cfg := s.currentTLSConfig()
	if cfg == nil {
		return tdserr.New(tdserr.TLS, "encryption negotiated but no TLS material is configured")
	}
	tlsConn := tls.Server(framer.Conn(), cfg)
	if err := tlsConn.Handshake(); err != nil {
		return tdserr.Wrap(err, tdserr.TLS, "TLS upgrade handshake")
	}
	framer.Upgrade(tlsConn)
	return nil
}

// completeLogin7 reads and processes the LOGIN7 message, transitioning
// the session to LoggedIn (or to the FedAuth-info-pending state when the
// client's LOGIN7 carries the federated-authentication feature).
func (s *Server) completeLogin7(framer *Framer, session *Session) error {
	msg, err := framer.ReadMessage()
	if err != nil {
		return err
	}
	if msg.Type != PacketLogin7 {
		return tdserr.Newf(tdserr.Protocol, "expected LOGIN7, got %v", msg.Type)
	}
	if err := session.Advance(PacketLogin7); err != nil {
		return err
	}

	login, err := DecodeLogin7(msg.Body)
	if err != nil {
		return err
	}
	session.User = login.UserName
	session.Database = login.Database
	session.AppName = login.AppName
	session.ClientHost = login.HostName
	session.LibraryName = login.CtlIntName

	if reqSize := login.Header.PacketSize; reqSize > 0 {
		negotiated := reqSize
		if negotiated > session.Server.MaxPktSize {
			negotiated = session.Server.MaxPktSize
		}
		session.PacketSize = negotiated
		framer.SetPacketSize(int(negotiated))
	}

	rw := newResponseWriter(framer, session)
	if err := s.Handler.OnLogin7Request(rw, session, login); err != nil {
		return err
	}

	if _, hasFedAuth := login.Feature(FeatureFedAuth); hasFedAuth {
		session.ForceState(StateLogin7FedAuthInfoRequestProcessed)
		msg, err := framer.ReadMessage()
		if err != nil {
			return err
		}
		if msg.Type != PacketFedAuthToken {
			return tdserr.Newf(tdserr.Protocol, "expected FEDAUTHTOKEN, got %v", msg.Type)
		}
		if err := session.Advance(PacketFedAuthToken); err != nil {
			return err
		}
		rw = newResponseWriter(framer, session)
		if err := s.Handler.OnFederatedAuthenticationTokenMessage(rw, session, msg.Body); err != nil {
			return err
		}
	}

	session.ForceState(StateLoggedIn)
	return nil
}

// requestLoop processes SQLBatch/RPC requests until the socket closes
// or a fatal protocol error is encountered. At most one request is ever
// in flight; Attention is the only permitted interruption. A handler
// streaming a response is itself a blocking call, so a watchAttention
// goroutine reads the socket concurrently for the one packet type that
// can legally arrive mid-request, letting AttentionRequested/DoneAttn
// observe a cancellation while the handler is still running rather than
// only after it returns.
func (s *Server) requestLoop(framer *Framer, session *Session) {
	for {
		msg, err := framer.ReadMessage()
		if err != nil {
			if IsCancelled(err) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.Logger.Connection().Warn("request read failed", "spid", session.SPID, "error", err.Error())
			}
			return
		}

		if err := session.Advance(msg.Type); err != nil {
			s.Logger.Protocol().Warn("unexpected packet in request loop", "spid", session.SPID, "type", msg.Type.String(), "error", err.Error())
			return
		}

		session.ResetAttention()
		rw := newResponseWriter(framer, session)

		switch msg.Type {
		case PacketSQLBatch:
			batch, err := DecodeSQLBatch(msg.Body, session.TDSVersion)
			if err != nil {
				s.Logger.Protocol().Warn("batch decode failed", "spid", session.SPID, "error", err.Error())
				return
			}
			watch := s.watchAttention(framer, session)
			handlerErr := s.Handler.OnSQLBatchRequest(rw, session, batch)
			watchErr := s.stopAttentionWatch(framer, watch)
			if handlerErr != nil {
				s.Logger.Connection().Warn("batch handling failed", "spid", session.SPID, "error", handlerErr.Error())
				return
			}
			if watchErr != nil {
				s.Logger.Protocol().Warn("attention watch failed", "spid", session.SPID, "error", watchErr.Error())
				return
			}
		case PacketRPCRequest:
			rpc, err := DecodeRPCRequest(msg.Body, session.TDSVersion)
			if err != nil {
				s.Logger.Protocol().Warn("rpc decode failed", "spid", session.SPID, "error", err.Error())
				return
			}
			watch := s.watchAttention(framer, session)
			handlerErr := s.Handler.OnRPCRequest(rw, session, rpc)
			watchErr := s.stopAttentionWatch(framer, watch)
			if handlerErr != nil {
				s.Logger.Connection().Warn("rpc handling failed", "spid", session.SPID, "error", handlerErr.Error())
				return
			}
			if watchErr != nil {
				s.Logger.Protocol().Warn("attention watch failed", "spid", session.SPID, "error", watchErr.Error())
				return
			}
		case PacketAttention:
			session.RequestAttention()
			s.Handler.OnAttention(session)
			done := DoneToken{Kind: TokenDone, Status: DoneAttn}
			if err := rw.Flush(done); err != nil {
				return
			}
		default:
			s.Logger.Protocol().Warn("unexpected packet type in LoggedIn state", "spid", session.SPID, "type", msg.Type.String())
			return
		}

		session.ForceState(StateLoggedIn)
	}
}

// watchAttention starts a goroutine that blocks on a single ReadMessage
// call for the duration of an in-flight SQLBatch/RPC handler call. If an
// Attention packet arrives before the handler returns, it is consumed
// here (not left for the request loop's next read), the session is
// marked cancelled immediately via RequestAttention, and OnAttention
// fires right away instead of only after the handler finishes.
func (s *Server) watchAttention(framer *Framer, session *Session) <-chan error {
	result := make(chan error, 1)
	go func() {
		msg, err := framer.ReadMessage()
		if err != nil {
			result <- err
			return
		}
		if msg.Type != PacketAttention {
			result <- tdserr.Newf(tdserr.Protocol, "unexpected packet %v while a request was in flight", msg.Type)
			return
		}
		if err := session.Advance(PacketAttention); err != nil {
			result <- err
			return
		}
		session.RequestAttention()
		s.Handler.OnAttention(session)
		result <- nil
	}()
	return result
}

// stopAttentionWatch waits for watch to finish. If the handler call has
// already returned and no Attention arrived, watch is still blocked in
// ReadMessage; forcing an immediate read deadline interrupts it (a
// timeout here means "nothing came," not a real error, since nothing but
// Attention is valid from the client until this response completes).
func (s *Server) stopAttentionWatch(framer *Framer, watch <-chan error) error {
	select {
	case err := <-watch:
		return normalizeAttentionWatchErr(err)
	default:
	}
	framer.Conn().SetReadDeadline(time.Now())
	err := <-watch
	framer.Conn().SetReadDeadline(time.Time{})
	return normalizeAttentionWatchErr(err)
}

// normalizeAttentionWatchErr treats the watcher's own forced-timeout
// interruption, an EOF (the client disconnected while idle), and a
// cancelled/ignored partial message as expected outcomes rather than
// connection-ending errors.
func normalizeAttentionWatchErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) || IsCancelled(err) {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	return err
}
