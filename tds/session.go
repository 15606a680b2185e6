package tds

import (
	"fmt"
	"sync"

	"github.com/ha1tch/tdsfrontend/internal/tdserr"
)

// State is a session's position in the prelogin/login/logged-in
// progression. Transitions are driven entirely by the type of the
// inbound packet; any packet type not listed as expected for the
// current state is a fatal protocol error.
type State int

const (
	StateInitial State = iota
	StatePreLoginProcessed
	StateSSLNegotiationProcessed
	StateCompleteLogin7Processed
	StateLogin7SPNEGOProcessed
	StateLogin7FedAuthInfoRequestProcessed
	StateLoggedIn
	StateRequestReceived
	StateAttentionReceived
	StateReConnect
	StateLogoutProcessed
	StateFinal
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StatePreLoginProcessed:
		return "PreLoginProcessed"
	case StateSSLNegotiationProcessed:
		return "SSLNegotiationProcessed"
	case StateCompleteLogin7Processed:
		return "CompleteLogin7Processed"
	case StateLogin7SPNEGOProcessed:
		return "Login7SPNEGOProcessed"
	case StateLogin7FedAuthInfoRequestProcessed:
		return "Login7FedAuthInfoRequestProcessed"
	case StateLoggedIn:
		return "LoggedIn"
	case StateRequestReceived:
		return "RequestReceived"
	case StateAttentionReceived:
		return "AttentionReceived"
	case StateReConnect:
		return "ReConnect"
	case StateLogoutProcessed:
		return "LogoutProcessed"
	case StateFinal:
		return "Final"
	default:
		return "Unknown"
	}
}

// transitions enumerates, for each state, the packet types that are
// valid inbound and the state they lead to. Packet types not present
// for the current state are a fatal protocol error per the transition
// table.
var transitions = map[State]map[PacketType]State{
	StateInitial: {
		PacketPrelogin: StatePreLoginProcessed,
	},
	StatePreLoginProcessed: {
		PacketLogin7: StateLoggedIn,
	},
	StateSSLNegotiationProcessed: {
		PacketLogin7: StateCompleteLogin7Processed,
	},
	StateCompleteLogin7Processed: {
		PacketLogin7: StateLoggedIn,
	},
	StateLogin7FedAuthInfoRequestProcessed: {
		PacketFedAuthToken: StateLoggedIn,
	},
	StateLoggedIn: {
		PacketSQLBatch:   StateRequestReceived,
		PacketRPCRequest: StateRequestReceived,
		PacketAttention:  StateAttentionReceived,
		PacketPrelogin:   StatePreLoginProcessed, // reconnect/reset
	},
	StateRequestReceived: {
		PacketAttention: StateAttentionReceived,
	},
}

// SessionVar is a session variable value, carrying whether it was
// explicitly set by the client or is standing in on the server's
// default — distinguishing "client never specified a database" from
// "client explicitly asked for the server's default database name".
type SessionVar struct {
	value    string
	explicit bool
}

// DefaultVar wraps v as an unset, default-sourced session variable.
func DefaultVar(v string) SessionVar { return SessionVar{value: v} }

// SomeVar wraps v as an explicitly-set session variable.
func SomeVar(v string) SessionVar { return SessionVar{value: v, explicit: true} }

// Value returns the variable's current string value regardless of origin.
func (v SessionVar) Value() string { return v.value }

// IsExplicit reports whether the client set this value itself, as
// opposed to it standing in for the server's default.
func (v SessionVar) IsExplicit() bool { return v.explicit }

// Well-known session variable keys.
const (
	SessionVarDialect  = "proxy_dialect"
	SessionVarCatalog  = "proxy_catalog"
	SessionVarDatabase = "proxy_database"
	SessionVarBranch   = "branch_name"
	SessionVarCompute  = "compute_id"
)

// Session holds all per-connection state: negotiated parameters, the
// state machine's current position, and session variables. A session
// is owned exclusively by its connection's goroutine except for the
// fields explicitly called out as safe for concurrent access (used by
// Attention delivery from the server's SPID registry).
type Session struct {
	SPID          uint16
	RemoteAddr    string
	TDSVersion    uint32
	PacketSize    uint32
	ClientNonce   []byte
	ServerNonce   []byte
	EncryptionNeg Encryption

	User        string
	Database    string
	AppName     string
	ClientHost  string
	LibraryName string

	vars   map[string]SessionVar
	varsMu sync.RWMutex

	state   State
	stateMu sync.Mutex

	// attention is set when an Attention packet arrives while a
	// request is in flight; the handler's next send observes it via
	// AttentionRequested and must stop emitting further tokens.
	attention chan struct{}
	attnOnce  sync.Once

	Server *ServerContext
}

// NewSession constructs a session in its Initial state, bound to the
// given server-wide context.
func NewSession(spid uint16, remoteAddr string, server *ServerContext) *Session {
	return &Session{
		SPID:       spid,
		RemoteAddr: remoteAddr,
		PacketSize: DefaultPacketSize,
		vars:       make(map[string]SessionVar),
		state:      StateInitial,
		attention:  make(chan struct{}),
		Server:     server,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Advance applies the transition for an inbound packet of type pt,
// returning a Protocol error if pt is not valid in the current state.
func (s *Session) Advance(pt PacketType) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	next, ok := transitions[s.state][pt]
	if !ok {
		return tdserr.Newf(tdserr.Protocol, "packet type %v is not valid in state %v", pt, s.state)
	}
	s.state = next
	return nil
}

// ForceState overrides the current state directly, used for
// transitions driven by something other than an inbound packet type
// (e.g. returning to LoggedIn after a response stream's final done, or
// TLS completing the SSL-negotiated path).
func (s *Session) ForceState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// SetVar sets a session variable.
func (s *Session) SetVar(key string, v SessionVar) {
	s.varsMu.Lock()
	s.vars[key] = v
	s.varsMu.Unlock()
}

// Var retrieves a session variable, ok is false if it was never set.
func (s *Session) Var(key string) (SessionVar, bool) {
	s.varsMu.RLock()
	defer s.varsMu.RUnlock()
	v, ok := s.vars[key]
	return v, ok
}

// RequestAttention marks the in-flight response stream as cancelled.
// Safe to call from the SPID registry's Attention-delivery path,
// concurrently with the session's own goroutine.
func (s *Session) RequestAttention() {
	s.attnOnce.Do(func() { close(s.attention) })
}

// AttentionRequested reports whether Attention has been requested for
// the current request. The channel resets at the start of each new
// response stream via ResetAttention.
func (s *Session) AttentionRequested() bool {
	select {
	case <-s.attention:
		return true
	default:
		return false
	}
}

// ResetAttention prepares the session for a new response stream,
// clearing any prior Attention signal.
func (s *Session) ResetAttention() {
	s.attnOnce = sync.Once{}
	s.attention = make(chan struct{})
}

func (s *Session) String() string {
	return fmt.Sprintf("session[spid=%d addr=%s state=%v]", s.SPID, s.RemoteAddr, s.State())
}
