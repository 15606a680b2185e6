package tds

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ha1tch/tdsfrontend/internal/obslog"
	"github.com/ha1tch/tdsfrontend/internal/tlsutil"
)

// ServerContext is the immutable, process-wide configuration shared by
// every session. Constructed once at boot and never mutated; the only
// mutable server-wide state lives in *Server itself (session counter,
// telemetry channel, TLS config pointer).
type ServerContext struct {
	ServerName     string
	ServerVersion  ServerVersion
	DefaultPktSize uint32
	MaxPktSize     uint32
	EncryptPolicy  Encryption
	SessionLimit   int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerContext returns a ServerContext with the package's
// default packet size/cap and an encryption policy of EncryptOn, under
// which NegotiateEncryption resolves every client to On or Required.
func DefaultServerContext(name string) *ServerContext {
	return &ServerContext{
		ServerName:     name,
		ServerVersion:  DefaultServerVersion(),
		DefaultPktSize: DefaultPacketSize,
		MaxPktSize:     MaxPacketSize,
		EncryptPolicy:  EncryptOn,
	}
}

// Server is the process-wide TDS listener instance: it owns the
// network listener, the SPID registry, the active-session counter, and
// the bounded-parallelism audit/telemetry channel. One Server is
// constructed at boot and shared by every accepted connection.
type Server struct {
	Context *ServerContext
	Logger  *obslog.Logger
	Handler Handler

	listener net.Listener

	sessions    sync.Map // map[uint16]*Session, keyed by SPID
	sessionCtr  int32
	nextSPID    uint32 // starts at 51; SPIDs 1-50 are reserved
	closed      int32

	tlsMu     sync.RWMutex
	tlsConfig *tls.Config

	audit     chan AuditRecord
	auditSem  chan struct{} // bounds concurrent audit processing
	auditStop chan struct{}
	auditWG   sync.WaitGroup

	watcher *fsnotify.Watcher
}

// AuditRecord is one message on the server's audit/telemetry bus.
type AuditRecord struct {
	SPID      uint16
	Category  obslog.Category
	Message   string
	Fields    map[string]interface{}
	Err       error
}

// ServerOption configures NewServer.
type ServerOption func(*Server)

// WithTLSFiles loads a certificate/key pair for the listener to present.
func WithTLSFiles(certFile, keyFile string) ServerOption {
	return func(s *Server) {
		cfg, err := tlsutil.LoadFromFiles(certFile, keyFile)
		if err != nil {
			s.Logger.System().Warn("failed to load configured TLS certificate, falling back to self-signed", "error", err.Error())
			return
		}
		s.tlsConfig = cfg
		if err := s.watchTLSFiles(certFile, keyFile); err != nil {
			s.Logger.System().Warn("TLS hot-reload watch failed to start", "error", err.Error())
		}
	}
}

// WithAuditParallelism overrides the default bounded parallelism (4)
// for audit/telemetry channel processing.
func WithAuditParallelism(n int) ServerOption {
	return func(s *Server) {
		s.auditSem = make(chan struct{}, n)
	}
}

// NewServer constructs a Server bound to ctx and handler, auto-generating
// a self-signed TLS certificate unless an option supplies one (matching
// the teacher's "TLS always available, even in dev" posture).
func NewServer(ctx *ServerContext, handler Handler, logger *obslog.Logger, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		logger = obslog.Default()
	}
	s := &Server{
		Context:   ctx,
		Logger:    logger,
		Handler:   handler,
		nextSPID:  51,
		audit:     make(chan AuditRecord, 256),
		auditSem:  make(chan struct{}, 4),
		auditStop: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.tlsConfig == nil {
		cfg, err := tlsutil.GenerateSelfSigned()
		if err != nil {
			logger.System().Warn("failed to auto-generate TLS certificate; TLS unavailable", "error", err.Error())
		} else {
			s.tlsConfig = cfg
			logger.System().Info("auto-generated self-signed TLS certificate for development")
		}
	}

	s.auditWG.Add(1)
	go s.processAudit()

	return s, nil
}

// Emit enqueues an audit/telemetry record without blocking the caller:
// when the channel's buffer is full, the new record is dropped and a
// warning is logged.
func (s *Server) Emit(rec AuditRecord) {
	select {
	case s.audit <- rec:
	default:
		s.Logger.Audit().Warn("audit channel full, dropping record", "spid", rec.SPID)
	}
}

func (s *Server) processAudit() {
	defer s.auditWG.Done()
	for {
		select {
		case rec, ok := <-s.audit:
			if !ok {
				return
			}
			s.auditSem <- struct{}{}
			s.auditWG.Add(1)
			go func(rec AuditRecord) {
				defer s.auditWG.Done()
				defer func() { <-s.auditSem }()
				s.Logger.Audit().Info(rec.Message, flattenFields(rec)...)
			}(rec)
		case <-s.auditStop:
			return
		}
	}
}

func flattenFields(rec AuditRecord) []interface{} {
	fields := make([]interface{}, 0, 2+2*len(rec.Fields))
	fields = append(fields, "spid", rec.SPID)
	for k, v := range rec.Fields {
		fields = append(fields, k, v)
	}
	if rec.Err != nil {
		fields = append(fields, "error", rec.Err.Error())
	}
	return fields
}

// watchTLSFiles starts an fsnotify watch on certFile/keyFile, atomically
// swapping the listener's tls.Config whenever either changes. In-flight
// connections keep whatever tls.Config they already negotiated with;
// only subsequently accepted connections see the reloaded material.
func (s *Server) watchTLSFiles(certFile, keyFile string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(certFile); err != nil {
		w.Close()
		return err
	}
	if err := w.Add(keyFile); err != nil {
		w.Close()
		return err
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := tlsutil.LoadFromFiles(certFile, keyFile)
				if err != nil {
					s.Logger.System().Warn("TLS hot-reload: failed to load updated certificate", "error", err.Error())
					continue
				}
				s.tlsMu.Lock()
				s.tlsConfig = cfg
				s.tlsMu.Unlock()
				s.Logger.System().Info("TLS certificate reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.Logger.System().Warn("TLS hot-reload watcher error", "error", err.Error())
			case <-s.auditStop:
				return
			}
		}
	}()
	return nil
}

func (s *Server) currentTLSConfig() *tls.Config {
	s.tlsMu.RLock()
	defer s.tlsMu.RUnlock()
	return s.tlsConfig
}

// Listen starts accepting TCP connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tds: listen %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until Close is called or Accept returns a
// permanent error. One goroutine is spawned per accepted connection.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) != 0 {
				return nil
			}
			return err
		}

		if s.Context.SessionLimit > 0 && int(atomic.LoadInt32(&s.sessionCtr)) >= s.Context.SessionLimit {
			s.rejectSessionLimit(conn)
			s.Logger.System().Warn("session limit reached, rejecting connection", "limit", s.Context.SessionLimit)
			continue
		}

		go s.driveConnection(conn)
	}
}

// rejectSessionLimit sends a login-failure ERROR/DONE pair over conn
// before closing it: a connection turned away for exceeding the session
// limit still gets a decodable TDS response, not a bare RST.
func (s *Server) rejectSessionLimit(conn net.Conn) {
	defer conn.Close()

	framer := NewFramer(conn, 0)
	framer.SetPacketSize(int(s.Context.DefaultPktSize))
	if s.Context.WriteTimeout > 0 {
		framer.SetDeadlines(0, s.Context.WriteTimeout)
	}

	framer.BeginMessage(PacketReply)

	var w writer
	(&ServerMessageToken{
		Kind:       TokenError,
		Number:     18456,
		State:      1,
		Class:      14,
		Message:    "Login failed: the server has reached its maximum session count.",
		ServerName: s.Context.ServerName,
	}).Encode(&w)
	if err := framer.Write(w.buf); err != nil {
		s.Logger.System().Warn("session-limit rejection: failed writing error token", "error", err.Error())
		return
	}

	w.buf = w.buf[:0]
	(&DoneToken{Kind: TokenDone, Status: DoneError | DoneFinal}).Encode(&w)
	if err := framer.Write(w.buf); err != nil {
		s.Logger.System().Warn("session-limit rejection: failed writing done token", "error", err.Error())
		return
	}

	if err := framer.Flush(); err != nil {
		s.Logger.System().Warn("session-limit rejection: failed flushing response", "error", err.Error())
	}
}

// allocateSPID hands out the next SPID, wrapping past 0xFFFF back to 51
// (SPIDs below 51 are reserved and never allocated here).
func (s *Server) allocateSPID() uint16 {
	for {
		next := atomic.AddUint32(&s.nextSPID, 1) - 1
		if next > 0xFFFF || next < 51 {
			atomic.StoreUint32(&s.nextSPID, 51)
			continue
		}
		return uint16(next)
	}
}

// registerSession tracks session in the SPID registry and increments
// the active-session counter.
func (s *Server) registerSession(session *Session) {
	s.sessions.Store(session.SPID, session)
	atomic.AddInt32(&s.sessionCtr, 1)
}

// unregisterSession removes session from the registry and decrements
// the active-session counter. Safe to call more than once.
func (s *Server) unregisterSession(session *Session) {
	if _, loaded := s.sessions.LoadAndDelete(session.SPID); loaded {
		atomic.AddInt32(&s.sessionCtr, -1)
	}
}

// SessionCount returns the number of currently active sessions.
func (s *Server) SessionCount() int {
	return int(atomic.LoadInt32(&s.sessionCtr))
}

// DeliverAttention looks up a session by SPID and marks it cancelled,
// used by an external admin/kill-connection path. Returns false if no
// session is registered under that SPID.
func (s *Server) DeliverAttention(spid uint16) bool {
	v, ok := s.sessions.Load(spid)
	if !ok {
		return false
	}
	v.(*Session).RequestAttention()
	return true
}

// Close stops the accept loop, the audit processor and the TLS
// hot-reload watcher. It does not close sessions already running; each
// keeps its socket until its own connection ends.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	close(s.auditStop)
	if s.watcher != nil {
		s.watcher.Close()
	}
	close(s.audit)
	s.auditWG.Wait()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	return err
}

// peekConn wraps a net.Conn with a buffered reader so the first byte of
// a connection can be inspected (to distinguish a TDS 8.0 strict-mode
// TLS ClientHello from a plaintext TDS 7.x PRELOGIN packet) without
// consuming it from whatever reads the connection next.
type peekConn struct {
	net.Conn
	br *bufio.Reader
}

func newPeekConn(c net.Conn) *peekConn {
	return &peekConn{Conn: c, br: bufio.NewReader(c)}
}

func (p *peekConn) Peek(n int) ([]byte, error) { return p.br.Peek(n) }
func (p *peekConn) Read(b []byte) (int, error) { return p.br.Read(b) }
