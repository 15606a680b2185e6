package tds

import (
	"encoding/binary"
	"sort"

	"github.com/ha1tch/tdsfrontend/internal/tdserr"
)

// TDS protocol versions, as carried in the prelogin VERSION option and
// the Login7 fixed prelude.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS73B    uint32 = 0x730B0003
	VerTDS74     uint32 = 0x74000004
	VerTDS80Strict uint32 = 0x08000000
)

// Prelogin option tokens.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTraceID    uint8 = 0x05
	PreloginFedAuth    uint8 = 0x06
	PreloginNonceOpt   uint8 = 0x07
	PreloginTerminator uint8 = 0xFF
)

// Encryption negotiates the TLS requirement for the connection.
type Encryption uint8

const (
	EncryptOff    Encryption = 0x00
	EncryptOn     Encryption = 0x01
	EncryptNotSup Encryption = 0x02
	EncryptReq    Encryption = 0x03
	EncryptStrict Encryption = 0x04 // TDS 8.0 strict (TLS-first)

	// EncryptNone is a server-only policy value, never sent on the wire
	// by a client: it tells NegotiateEncryption to abort TLS and proceed
	// plaintext, but only when the client itself explicitly offered On.
	EncryptNone Encryption = 0x05
)

// preloginDescriptor is one {token, offset, length} entry from the
// option header table.
type preloginDescriptor struct {
	Token  uint8
	Offset uint16
	Length uint16
}

// Prelogin is a decoded PRELOGIN message. Options are kept in the order
// they were declared on the wire so that Encode can reproduce a
// byte-identical packet for the round-trip invariant in §8.
type Prelogin struct {
	order  []uint8          // token order as seen on the wire
	values map[uint8][]byte // raw option value per token
}

func newPrelogin() *Prelogin {
	return &Prelogin{values: make(map[uint8][]byte)}
}

func (p *Prelogin) set(token uint8, value []byte) {
	if _, ok := p.values[token]; !ok {
		p.order = append(p.order, token)
	}
	p.values[token] = value
}

func (p *Prelogin) has(token uint8) bool {
	_, ok := p.values[token]
	return ok
}

// Version returns the 4-byte version + 2-byte subbuild VERSION option.
func (p *Prelogin) Version() (major, minor uint8, build, subBuild uint16, ok bool) {
	v, present := p.values[PreloginVersion]
	if !present || len(v) < 6 {
		return 0, 0, 0, 0, false
	}
	return v[0], v[1], binary.BigEndian.Uint16(v[2:4]), binary.BigEndian.Uint16(v[4:6]), true
}

// EncryptionOption returns the client's offered encryption level.
func (p *Prelogin) EncryptionOption() (Encryption, bool) {
	v, ok := p.values[PreloginEncryption]
	if !ok || len(v) < 1 {
		return 0, false
	}
	return Encryption(v[0]), true
}

// Instance returns the named-instance option, if present.
func (p *Prelogin) Instance() (string, bool) {
	v, ok := p.values[PreloginInstOpt]
	if !ok {
		return "", false
	}
	for i, b := range v {
		if b == 0 {
			return string(v[:i]), true
		}
	}
	return string(v), true
}

// ThreadID returns the client process thread id option.
func (p *Prelogin) ThreadID() (uint32, bool) {
	v, ok := p.values[PreloginThreadID]
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// MARS returns whether multiple-active-result-sets was requested.
func (p *Prelogin) MARS() (bool, bool) {
	v, ok := p.values[PreloginMARS]
	if !ok || len(v) < 1 {
		return false, false
	}
	return v[0] != 0, true
}

// Trace returns the 36-byte connection GUID + activity sequence option.
func (p *Prelogin) Trace() ([]byte, bool) {
	v, ok := p.values[PreloginTraceID]
	if !ok || len(v) < 36 {
		return nil, false
	}
	return v, true
}

// FedAuthRequired returns the federated-authentication-required option.
func (p *Prelogin) FedAuthRequired() (bool, bool) {
	v, ok := p.values[PreloginFedAuth]
	if !ok || len(v) < 1 {
		return false, false
	}
	return v[0] != 0, true
}

// Nonce returns the client's 32-byte nonce, if present.
func (p *Prelogin) Nonce() ([]byte, bool) {
	v, ok := p.values[PreloginNonceOpt]
	if !ok || len(v) < 32 {
		return nil, false
	}
	return v, true
}

var knownPreloginTokens = map[uint8]bool{
	PreloginVersion:    true,
	PreloginEncryption: true,
	PreloginInstOpt:    true,
	PreloginThreadID:   true,
	PreloginMARS:       true,
	PreloginTraceID:    true,
	PreloginFedAuth:    true,
	PreloginNonceOpt:   true,
}

// DecodePrelogin parses a PRELOGIN message body per §4.2: read option
// descriptors until the terminator, sort by offset, then walk the body
// in offset order extracting each option's raw value.
func DecodePrelogin(body []byte) (*Prelogin, error) {
	var descriptors []preloginDescriptor
	off := 0
	for {
		if off >= len(body) {
			return nil, tdserr.New(tdserr.Protocol, "prelogin: truncated option header table")
		}
		token := body[off]
		if token == PreloginTerminator {
			off++
			break
		}
		if off+5 > len(body) {
			return nil, tdserr.New(tdserr.Protocol, "prelogin: truncated option descriptor")
		}
		d := preloginDescriptor{
			Token:  token,
			Offset: binary.BigEndian.Uint16(body[off+1 : off+3]),
			Length: binary.BigEndian.Uint16(body[off+3 : off+5]),
		}
		if !knownPreloginTokens[token] {
			return nil, tdserr.Newf(tdserr.Protocol, "prelogin: unknown option token 0x%02X", token)
		}
		descriptors = append(descriptors, d)
		off += 5
	}

	sorted := make([]preloginDescriptor, len(descriptors))
	copy(sorted, descriptors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	prev := off
	for _, d := range sorted {
		if int(d.Offset) < prev {
			return nil, tdserr.New(tdserr.Protocol, "prelogin: option offsets are not monotonically increasing")
		}
		end := int(d.Offset) + int(d.Length)
		if end > len(body) {
			return nil, tdserr.Newf(tdserr.Protocol, "prelogin: option 0x%02X value out of bounds", d.Token)
		}
		prev = end
	}

	p := newPrelogin()
	// Preserve the descriptor (wire) order for re-encoding, not the
	// offset-sorted order used only to validate/extract values.
	for _, d := range descriptors {
		value := body[int(d.Offset) : int(d.Offset)+int(d.Length)]
		p.set(d.Token, value)
	}
	return p, nil
}

// Encode serializes the prelogin options back to wire bytes, assigning
// offsets by summing value widths in declaration order starting right
// after the descriptor table, mirroring DecodePrelogin exactly so that
// decode(encode(p)) reproduces the original bytes for well-formed input.
func (p *Prelogin) Encode() []byte {
	headerSize := len(p.order)*5 + 1
	offset := uint16(headerSize)

	type placed struct {
		token  uint8
		offset uint16
		value  []byte
	}
	items := make([]placed, 0, len(p.order))
	for _, tok := range p.order {
		v := p.values[tok]
		items = append(items, placed{token: tok, offset: offset, value: v})
		offset += uint16(len(v))
	}

	buf := make([]byte, 0, int(offset))
	for _, it := range items {
		var hdr [5]byte
		hdr[0] = it.token
		binary.BigEndian.PutUint16(hdr[1:3], it.offset)
		binary.BigEndian.PutUint16(hdr[3:5], uint16(len(it.value)))
		buf = append(buf, hdr[:]...)
	}
	buf = append(buf, PreloginTerminator)
	for _, it := range items {
		buf = append(buf, it.value...)
	}
	return buf
}

// NewPreloginResponse builds a server PRELOGIN response carrying the
// negotiated encryption outcome and server version/fed-auth echo.
func NewPreloginResponse(ver ServerVersion, enc Encryption, fedAuth bool, mars bool) *Prelogin {
	p := newPrelogin()
	p.set(PreloginVersion, ver.Bytes())
	p.set(PreloginEncryption, []byte{byte(enc)})
	p.set(PreloginInstOpt, []byte{0})
	marsByte := byte(0)
	if mars {
		marsByte = 1
	}
	p.set(PreloginMARS, []byte{marsByte})
	if fedAuth {
		p.set(PreloginFedAuth, []byte{1})
	}
	return p
}

// ServerVersion is the 6-byte server version reported in prelogin.
type ServerVersion struct {
	Major    uint8
	Minor    uint8
	Build    uint16
	SubBuild uint16
}

// DefaultServerVersion returns a SQL Server 2019-equivalent version.
func DefaultServerVersion() ServerVersion {
	return ServerVersion{Major: 15, Minor: 0, Build: 2000, SubBuild: 0}
}

// Bytes returns the 6-byte wire representation of the version.
func (v ServerVersion) Bytes() []byte {
	buf := make([]byte, 6)
	buf[0] = v.Major
	buf[1] = v.Minor
	binary.BigEndian.PutUint16(buf[2:4], v.Build)
	binary.BigEndian.PutUint16(buf[4:6], v.SubBuild)
	return buf
}

// NegotiateEncryption implements the §4.3 encryption negotiation table:
// the outcome is a total function of the server's policy and the
// client's offered level.
func NegotiateEncryption(serverPolicy, clientOffered Encryption) Encryption {
	switch clientOffered {
	case EncryptNotSup:
		switch serverPolicy {
		case EncryptNotSup, EncryptOff:
			return EncryptNotSup
		default:
			return EncryptReq
		}
	case EncryptOff:
		switch serverPolicy {
		case EncryptNotSup:
			return EncryptNotSup
		case EncryptOff:
			return EncryptOff
		default:
			return EncryptReq
		}
	case EncryptOn:
		if serverPolicy == EncryptNone {
			// The only table cell that resolves to None: the server
			// refuses TLS outright, but only backs down because the
			// client itself explicitly demanded encryption is optional
			// for it to ask for in the first place.
			return EncryptNone
		}
		return EncryptOn
	default:
		return EncryptReq
	}
}
