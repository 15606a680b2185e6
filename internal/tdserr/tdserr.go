// Package tdserr provides the structured error taxonomy for the TDS
// frontend: a fixed set of Kinds (Protocol, Encoding, Conversion, Server,
// TLS, IO, Input), each carrying context fields and an optional cause,
// plus the SQL-Server-compatible token-error fields the Server kind needs
// to round-trip through an ERROR/INFO token.
package tdserr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is one of the fixed error kinds named in the error handling design.
type Kind int

const (
	// Protocol: malformed packet or unexpected state transition. Fatal to
	// the connection.
	Protocol Kind = iota
	// Encoding: invalid UTF-16 or length-prefix mismatch. Fatal to the
	// in-flight message; the connection survives if recoverable.
	Encoding
	// Conversion: type/value mismatch while encoding a column value.
	// Surfaces as a server token-error to the client.
	Conversion
	// Server: a token-error surfaced from the handler to the client.
	Server
	// TLS: handshake failure. Fatal.
	TLS
	// IO: any socket error. Fatal.
	IO
	// Input: domain-specific handler failure, surfaced as a server token.
	Input
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Encoding:
		return "encoding"
	case Conversion:
		return "conversion"
	case Server:
		return "server"
	case TLS:
		return "tls"
	case IO:
		return "io"
	case Input:
		return "input"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind must terminate the connection.
func (k Kind) Fatal() bool {
	switch k {
	case Protocol, TLS, IO:
		return true
	default:
		return false
	}
}

// SQL Server severity classes, reused for the Server kind's Class field.
const (
	SeverityInfo      uint8 = 0
	SeveritySuccess   uint8 = 1
	SeverityWarning   uint8 = 10
	SeverityUserError uint8 = 11
	SeverityMissing   uint8 = 12
	SeverityDeadlock  uint8 = 13
	SeverityPerm      uint8 = 14
	SeveritySyntax    uint8 = 15
	SeverityGeneral   uint8 = 16
	SeverityResource  uint8 = 17
	SeverityInternal  uint8 = 18
	SeverityLimit     uint8 = 19
	SeverityFatal     uint8 = 20
	SeveritySystem    uint8 = 25
)

// Error is the structured error type used throughout the frontend.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Fields  map[string]interface{}
	Time    time.Time

	// Server-kind token-error fields, populated when Kind == Server.
	Number   int32
	State    uint8
	Class    uint8
	LineNo   int32
	ServerName string
	ProcName string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// WithField attaches a context field and returns the receiver.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// New builds a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Time: time.Now()}
}

// Newf builds a new Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Time: time.Now()}
}

// Wrap attaches cause to a new Error of the given kind.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Time: time.Now()}
}

// Wrapf attaches cause to a new Error with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause, Time: time.Now()}
}

// ServerToken builds a Server-kind error carrying the fields an
// ERROR/INFO token needs to surface to the client.
func ServerToken(number int32, class uint8, message, procName string) *Error {
	return &Error{
		Kind:    Server,
		Message: message,
		Number:  number,
		Class:   class,
		ProcName: procName,
		Time:    time.Now(),
	}
}

// GetKind extracts the Kind from err, defaulting to Protocol for an
// unstructured error (the conservative, connection-terminating default).
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Protocol
}

// IsFatal reports whether err must terminate the connection.
func IsFatal(err error) bool {
	return GetKind(err).Fatal()
}

// Is and As re-exported for callers that only import tdserr.
func Is(err, target error) bool         { return errors.Is(err, target) }
func As(err error, target interface{}) bool { return errors.As(err, target) }
