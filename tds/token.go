package tds

import (
	"math/big"

	"github.com/ha1tch/tdsfrontend/internal/tdserr"
	"github.com/shopspring/decimal"
)

// TokenType is the one-byte tag prefixing every token in a tabular
// result message. The full historical TDS token space is named here for
// diagnostics and the dispatch switch; only the subset this frontend's
// response pipeline actually produces or consumes has a working
// decode/encode pair (see Token, below) — everything else recognized
// but unused returns a Protocol error from DecodeToken rather than
// silently misinterpreting bytes it was never grounded against.
type TokenType uint8

const (
	TokenAltMetadata   TokenType = 0x88
	TokenAltRow        TokenType = 0xD3
	TokenColInfo       TokenType = 0xA5
	TokenColMetadata   TokenType = 0x81
	TokenDone          TokenType = 0xFD
	TokenDoneInProc    TokenType = 0xFF
	TokenDoneProc      TokenType = 0xFE
	TokenEnvChange     TokenType = 0xE3
	TokenError         TokenType = 0xAA
	TokenFeatureExtAck TokenType = 0xAE
	TokenFedAuthInfo   TokenType = 0xEE
	TokenInfo          TokenType = 0xAB
	TokenLoginAck      TokenType = 0xAD
	TokenNBCRow        TokenType = 0xD2
	TokenOffset        TokenType = 0x78
	TokenOrder         TokenType = 0xA9
	TokenReturnStatus  TokenType = 0x79
	TokenReturnValue   TokenType = 0xAC
	TokenRow           TokenType = 0xD1
	TokenSessionState  TokenType = 0xE4
	TokenSSPI          TokenType = 0xED
	TokenTabName       TokenType = 0xA4
	TokenTVPRow        TokenType = 0x01
	TokenFedAuthToken  TokenType = 0x72
	TokenLoginAckEED   TokenType = 0xE5 // legacy EED, superseded by ERROR/INFO
)

func (t TokenType) String() string {
	switch t {
	case TokenAltMetadata:
		return "ALTMETADATA"
	case TokenAltRow:
		return "ALTROW"
	case TokenColInfo:
		return "COLINFO"
	case TokenColMetadata:
		return "COLMETADATA"
	case TokenDone:
		return "DONE"
	case TokenDoneInProc:
		return "DONEINPROC"
	case TokenDoneProc:
		return "DONEPROC"
	case TokenEnvChange:
		return "ENVCHANGE"
	case TokenError:
		return "ERROR"
	case TokenFeatureExtAck:
		return "FEATUREEXTACK"
	case TokenFedAuthInfo:
		return "FEDAUTHINFO"
	case TokenInfo:
		return "INFO"
	case TokenLoginAck:
		return "LOGINACK"
	case TokenNBCRow:
		return "NBCROW"
	case TokenOffset:
		return "OFFSET"
	case TokenOrder:
		return "ORDER"
	case TokenReturnStatus:
		return "RETURNSTATUS"
	case TokenReturnValue:
		return "RETURNVALUE"
	case TokenRow:
		return "ROW"
	case TokenSessionState:
		return "SESSIONSTATE"
	case TokenSSPI:
		return "SSPI"
	case TokenTabName:
		return "TABNAME"
	case TokenTVPRow:
		return "TVPROW"
	case TokenFedAuthToken:
		return "FEDAUTH_TOKEN"
	default:
		return "UNKNOWN_TOKEN"
	}
}

// Token is the closed sum type of tokens this frontend's response
// pipeline can emit and/or parse.
type Token interface {
	TokenID() TokenType
	Encode(w *writer)
}

// Done status flags, shared by DONE/DONEPROC/DONEINPROC.
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInxact   uint16 = 0x0004
	DoneCount    uint16 = 0x0010
	DoneAttn     uint16 = 0x0020
	DoneSrvError uint16 = 0x0100
)

// ENVCHANGE sub-types.
const (
	EnvDatabase            uint8 = 1
	EnvLanguage            uint8 = 2
	EnvCharset             uint8 = 3
	EnvPacketSize          uint8 = 4
	EnvSortID              uint8 = 5
	EnvSortFlags           uint8 = 6
	EnvSQLCollation        uint8 = 7
	EnvBeginTran           uint8 = 8
	EnvCommitTran          uint8 = 9
	EnvRollbackTran        uint8 = 10
	EnvEnlistDTC           uint8 = 11
	EnvDefectTran          uint8 = 12
	EnvMirrorPartner       uint8 = 13
	EnvPromoteTran         uint8 = 15
	EnvTranMgrAddr         uint8 = 16
	EnvTranEnded           uint8 = 17
	EnvResetConnAck        uint8 = 18
	EnvStartedInstanceName uint8 = 19
	EnvRouting             uint8 = 20
)

// LoginAckInterface is the TDS interface byte in LOGINACK.
type LoginAckInterface uint8

const (
	LoginAckSQL70   LoginAckInterface = 0x70
	LoginAckSQL2000 LoginAckInterface = 0x71
	LoginAckSQL2005 LoginAckInterface = 0x72
	LoginAckSQL2008 LoginAckInterface = 0x73
	LoginAckSQL2012 LoginAckInterface = 0x74
)

// --- COLMETADATA ---

// ColMetadataToken carries the result set's column descriptors. A nil
// Columns slice with NoMetadata set encodes the count=0xFFFF "no
// metadata" sentinel.
type ColMetadataToken struct {
	Columns     []Column
	NoMetadata  bool
}

func (t *ColMetadataToken) TokenID() TokenType { return TokenColMetadata }

func (t *ColMetadataToken) Encode(w *writer) {
	w.u8(uint8(TokenColMetadata))
	if t.NoMetadata {
		w.u16(0xFFFF)
		return
	}
	w.u16(uint16(len(t.Columns)))
	for _, col := range t.Columns {
		w.u32(col.UserType)
		flags := col.Flags
		if col.Nullable {
			flags |= ColFlagNullable
		}
		w.u16(flags)
		col.TypeInfo.Encode(w)
		w.bVarChar(col.Name)
	}
}

func decodeColMetadata(r *reader) (*ColMetadataToken, error) {
	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	if count == 0xFFFF {
		return &ColMetadataToken{NoMetadata: true}, nil
	}
	cols := make([]Column, 0, count)
	for i := 0; i < int(count); i++ {
		userType, err := r.u32()
		if err != nil {
			return nil, err
		}
		flags, err := r.u16()
		if err != nil {
			return nil, err
		}
		ti, err := DecodeTypeInfo(r)
		if err != nil {
			return nil, err
		}
		name, err := r.bVarChar()
		if err != nil {
			return nil, err
		}
		cols = append(cols, Column{
			Name:     name,
			TypeInfo: ti,
			Nullable: flags&ColFlagNullable != 0,
			UserType: userType,
			Flags:    flags &^ ColFlagNullable,
		})
	}
	return &ColMetadataToken{Columns: cols}, nil
}

// --- ROW ---

// RowToken is a non-NBC row: every column's value is present in order,
// even when null (via that type's null-length encoding).
type RowToken struct {
	Columns []Column
	Values  []interface{}
}

func (t *RowToken) TokenID() TokenType { return TokenRow }

func (t *RowToken) Encode(w *writer) {
	w.u8(uint8(TokenRow))
	for i, col := range t.Columns {
		encodeColumnValue(w, col, t.Values[i])
	}
}

func decodeRow(r *reader, columns []Column) (*RowToken, error) {
	values := make([]interface{}, len(columns))
	for i, col := range columns {
		v, err := decodeColumnValue(r, col)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &RowToken{Columns: columns, Values: values}, nil
}

// --- DONE / DONEPROC / DONEINPROC ---

// DoneToken is the shared shape of DONE, DONEPROC and DONEINPROC; Kind
// selects which of the three token ids it serializes as.
type DoneToken struct {
	Kind     TokenType // TokenDone, TokenDoneProc, or TokenDoneInProc
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (t *DoneToken) TokenID() TokenType { return t.Kind }

func (t *DoneToken) Encode(w *writer) {
	w.u8(uint8(t.Kind))
	w.u16(t.Status)
	w.u16(t.CurCmd)
	w.u64(t.RowCount)
}

func decodeDone(kind TokenType, r *reader) (*DoneToken, error) {
	status, err := r.u16()
	if err != nil {
		return nil, err
	}
	curCmd, err := r.u16()
	if err != nil {
		return nil, err
	}
	rowCount, err := r.u64()
	if err != nil {
		return nil, err
	}
	return &DoneToken{Kind: kind, Status: status, CurCmd: curCmd, RowCount: rowCount}, nil
}

// --- ENVCHANGE ---

// EnvChangeToken reports a server-initiated environment change
// (database, language, packet size, ...) as a pair of UTF-16LE strings.
// EnvSQLCollation and similar binary sub-types are not produced by this
// frontend (collation is negotiated once at login via LOGINACK, not
// echoed back through ENVCHANGE) so a single string-valued shape covers
// every sub-type this implementation emits or parses.
type EnvChangeToken struct {
	EnvType  uint8
	NewValue string
	OldValue string
}

func (t *EnvChangeToken) TokenID() TokenType { return TokenEnvChange }

func (t *EnvChangeToken) Encode(w *writer) {
	var body writer
	body.u8(t.EnvType)
	body.bVarChar(t.NewValue)
	body.bVarChar(t.OldValue)

	w.u8(uint8(TokenEnvChange))
	w.u16(uint16(len(body.buf)))
	w.bytes(body.buf)
}

func decodeEnvChange(r *reader) (*EnvChangeToken, error) {
	length, err := r.u16()
	if err != nil {
		return nil, err
	}
	body, err := r.take(int(length))
	if err != nil {
		return nil, err
	}
	br := newReader(body)
	envType, err := br.u8()
	if err != nil {
		return nil, err
	}
	newValue, err := br.bVarChar()
	if err != nil {
		return nil, err
	}
	oldValue, err := br.bVarChar()
	if err != nil {
		return nil, err
	}
	return &EnvChangeToken{EnvType: envType, NewValue: newValue, OldValue: oldValue}, nil
}

// --- LOGINACK ---

// LoginAckToken confirms a successful login and echoes the negotiated
// TDS version and server program name/version.
type LoginAckToken struct {
	Interface   LoginAckInterface
	TDSVersion  uint32
	ProgName    string
	ProgVersion uint32
}

func (t *LoginAckToken) TokenID() TokenType { return TokenLoginAck }

func (t *LoginAckToken) Encode(w *writer) {
	var body writer
	body.u8(uint8(t.Interface))
	body.u32be(t.TDSVersion)
	body.bVarChar(t.ProgName)
	body.u32be(t.ProgVersion)

	w.u8(uint8(TokenLoginAck))
	w.u16(uint16(len(body.buf)))
	w.bytes(body.buf)
}

func decodeLoginAck(r *reader) (*LoginAckToken, error) {
	length, err := r.u16()
	if err != nil {
		return nil, err
	}
	body, err := r.take(int(length))
	if err != nil {
		return nil, err
	}
	br := newReader(body)
	iface, err := br.u8()
	if err != nil {
		return nil, err
	}
	version, err := br.u32be()
	if err != nil {
		return nil, err
	}
	progName, err := br.bVarChar()
	if err != nil {
		return nil, err
	}
	progVersion, err := br.u32be()
	if err != nil {
		return nil, err
	}
	return &LoginAckToken{
		Interface:   LoginAckInterface(iface),
		TDSVersion:  version,
		ProgName:    progName,
		ProgVersion: progVersion,
	}, nil
}

// --- ERROR / INFO (shared wire shape) ---

// ServerMessageToken is the shared shape of ERROR and INFO: Kind selects
// which of the two token ids it serializes as.
type ServerMessageToken struct {
	Kind       TokenType // TokenError or TokenInfo
	Number     int32
	State      uint8
	Class      uint8
	Message    string
	ServerName string
	ProcName   string
	LineNumber int32
}

func (t *ServerMessageToken) TokenID() TokenType { return t.Kind }

func (t *ServerMessageToken) Encode(w *writer) {
	var body writer
	body.i32(t.Number)
	body.u8(t.State)
	body.u8(t.Class)
	body.usVarChar(t.Message)
	body.bVarChar(t.ServerName)
	body.bVarChar(t.ProcName)
	body.i32(t.LineNumber)

	w.u8(uint8(t.Kind))
	w.u16(uint16(len(body.buf)))
	w.bytes(body.buf)
}

func decodeServerMessage(kind TokenType, r *reader) (*ServerMessageToken, error) {
	length, err := r.u16()
	if err != nil {
		return nil, err
	}
	body, err := r.take(int(length))
	if err != nil {
		return nil, err
	}
	br := newReader(body)
	number, err := br.i32()
	if err != nil {
		return nil, err
	}
	state, err := br.u8()
	if err != nil {
		return nil, err
	}
	class, err := br.u8()
	if err != nil {
		return nil, err
	}
	message, err := br.usVarChar()
	if err != nil {
		return nil, err
	}
	serverName, err := br.bVarChar()
	if err != nil {
		return nil, err
	}
	procName, err := br.bVarChar()
	if err != nil {
		return nil, err
	}
	lineNumber, err := br.i32()
	if err != nil {
		return nil, err
	}
	return &ServerMessageToken{
		Kind: kind, Number: number, State: state, Class: class,
		Message: message, ServerName: serverName, ProcName: procName, LineNumber: lineNumber,
	}, nil
}

// --- RETURNSTATUS ---

// ReturnStatusToken carries a stored procedure's integer return code.
type ReturnStatusToken struct {
	Value int32
}

func (t *ReturnStatusToken) TokenID() TokenType { return TokenReturnStatus }

func (t *ReturnStatusToken) Encode(w *writer) {
	w.u8(uint8(TokenReturnStatus))
	w.i32(t.Value)
}

func decodeReturnStatus(r *reader) (*ReturnStatusToken, error) {
	v, err := r.i32()
	if err != nil {
		return nil, err
	}
	return &ReturnStatusToken{Value: v}, nil
}

// --- RETURNVALUE ---

// ReturnValueToken carries the final value of an output parameter after
// RPC execution.
type ReturnValueToken struct {
	Ordinal   uint16
	ParamName string
	Status    uint8
	Column    Column
	Value     interface{}
}

func (t *ReturnValueToken) TokenID() TokenType { return TokenReturnValue }

func (t *ReturnValueToken) Encode(w *writer) {
	var body writer
	body.u16(t.Ordinal)
	body.bVarChar(t.ParamName)
	body.u8(t.Status)
	body.u32(t.Column.UserType)
	flags := t.Column.Flags
	if t.Column.Nullable {
		flags |= ColFlagNullable
	}
	body.u16(flags)
	t.Column.TypeInfo.Encode(&body)
	encodeColumnValue(&body, t.Column, t.Value)

	w.u8(uint8(TokenReturnValue))
	w.u16(uint16(len(body.buf)))
	w.bytes(body.buf)
}

func decodeReturnValue(r *reader) (*ReturnValueToken, error) {
	length, err := r.u16()
	if err != nil {
		return nil, err
	}
	body, err := r.take(int(length))
	if err != nil {
		return nil, err
	}
	br := newReader(body)
	ordinal, err := br.u16()
	if err != nil {
		return nil, err
	}
	paramName, err := br.bVarChar()
	if err != nil {
		return nil, err
	}
	status, err := br.u8()
	if err != nil {
		return nil, err
	}
	userType, err := br.u32()
	if err != nil {
		return nil, err
	}
	flags, err := br.u16()
	if err != nil {
		return nil, err
	}
	ti, err := DecodeTypeInfo(br)
	if err != nil {
		return nil, err
	}
	col := Column{TypeInfo: ti, Nullable: flags&ColFlagNullable != 0, UserType: userType, Flags: flags &^ ColFlagNullable}
	val, err := decodeColumnValue(br, col)
	if err != nil {
		return nil, err
	}
	return &ReturnValueToken{Ordinal: ordinal, ParamName: paramName, Status: status, Column: col, Value: val}, nil
}

// --- FEATUREEXTACK ---

// FeatureExtAckToken acknowledges negotiated LOGIN7 feature extensions.
type FeatureExtAckToken struct {
	Features []FeatureOption
}

func (t *FeatureExtAckToken) TokenID() TokenType { return TokenFeatureExtAck }

func (t *FeatureExtAckToken) Encode(w *writer) {
	w.u8(uint8(TokenFeatureExtAck))
	for _, f := range t.Features {
		w.u8(f.ID)
		w.u32(uint32(len(f.Data)))
		w.bytes(f.Data)
	}
	w.u8(FeatureTerminator)
}

func decodeFeatureExtAck(r *reader) (*FeatureExtAckToken, error) {
	var features []FeatureOption
	for {
		id, err := r.u8()
		if err != nil {
			return nil, err
		}
		if id == FeatureTerminator {
			return &FeatureExtAckToken{Features: features}, nil
		}
		dataLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		data, err := r.take(int(dataLen))
		if err != nil {
			return nil, err
		}
		features = append(features, FeatureOption{ID: id, Data: append([]byte(nil), data...)})
	}
}

// --- SSPI ---

// SSPIToken carries a raw SSPI security blob exchanged during integrated
// authentication.
type SSPIToken struct {
	Data []byte
}

func (t *SSPIToken) TokenID() TokenType { return TokenSSPI }

func (t *SSPIToken) Encode(w *writer) {
	w.u8(uint8(TokenSSPI))
	w.u16(uint16(len(t.Data)))
	w.bytes(t.Data)
}

func decodeSSPI(r *reader) (*SSPIToken, error) {
	length, err := r.u16()
	if err != nil {
		return nil, err
	}
	data, err := r.take(int(length))
	if err != nil {
		return nil, err
	}
	return &SSPIToken{Data: append([]byte(nil), data...)}, nil
}

// --- FEDAUTHINFO ---

// FedAuthInfoOption is one {id, data} entry inside a FEDAUTHINFO token.
type FedAuthInfoOption struct {
	ID   uint32
	Data []byte
}

const (
	FedAuthInfoSTSURL uint32 = 0x01
	FedAuthInfoSPN    uint32 = 0x02
)

// FedAuthInfoToken tells the client where and with what audience to
// obtain a federated-auth token (MSAL-style flows).
type FedAuthInfoToken struct {
	Options []FedAuthInfoOption
}

func (t *FedAuthInfoToken) TokenID() TokenType { return TokenFedAuthInfo }

func (t *FedAuthInfoToken) Encode(w *writer) {
	var body writer
	body.u32(uint32(len(t.Options)))
	offset := uint32(4 + len(t.Options)*9)
	for _, o := range t.Options {
		body.u32(uint32(len(o.Data)))
		body.u32(offset)
		body.u8(byte(o.ID))
		offset += uint32(len(o.Data))
	}
	for _, o := range t.Options {
		body.bytes(o.Data)
	}

	w.u8(uint8(TokenFedAuthInfo))
	w.u32(uint32(len(body.buf)))
	w.bytes(body.buf)
}

func decodeFedAuthInfo(r *reader) (*FedAuthInfoToken, error) {
	length, err := r.u32()
	if err != nil {
		return nil, err
	}
	body, err := r.take(int(length))
	if err != nil {
		return nil, err
	}
	br := newReader(body)
	count, err := br.u32()
	if err != nil {
		return nil, err
	}
	type descriptor struct {
		dataLen uint32
		offset  uint32
		id      uint8
	}
	descriptors := make([]descriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		dataLen, err := br.u32()
		if err != nil {
			return nil, err
		}
		offset, err := br.u32()
		if err != nil {
			return nil, err
		}
		id, err := br.u8()
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, descriptor{dataLen, offset, id})
	}
	opts := make([]FedAuthInfoOption, 0, len(descriptors))
	for _, d := range descriptors {
		start, end := int(d.offset), int(d.offset)+int(d.dataLen)
		if end > len(body) {
			return nil, tdserr.New(tdserr.Protocol, "fedauthinfo: option data out of bounds")
		}
		opts = append(opts, FedAuthInfoOption{ID: uint32(d.id), Data: append([]byte(nil), body[start:end]...)})
	}
	return &FedAuthInfoToken{Options: opts}, nil
}

// --- ORDER ---

// OrderToken lists the result set's ORDER BY column ordinals.
type OrderToken struct {
	ColumnOrdinals []uint16
}

func (t *OrderToken) TokenID() TokenType { return TokenOrder }

func (t *OrderToken) Encode(w *writer) {
	w.u8(uint8(TokenOrder))
	w.u16(uint16(len(t.ColumnOrdinals) * 2))
	for _, ord := range t.ColumnOrdinals {
		w.u16(ord)
	}
}

func decodeOrder(r *reader) (*OrderToken, error) {
	length, err := r.u16()
	if err != nil {
		return nil, err
	}
	n := int(length) / 2
	ords := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.u16()
		if err != nil {
			return nil, err
		}
		ords = append(ords, v)
	}
	return &OrderToken{ColumnOrdinals: ords}, nil
}

// DecodeToken reads one token, given the set of columns currently in
// scope (needed only to decode ROW/NBCROW, whose shape depends on the
// most recently seen COLMETADATA). Unknown or recognized-but-unsupported
// token ids fail with a Protocol error rather than silently
// misinterpreting the stream.
func DecodeToken(r *reader, columns []Column) (Token, error) {
	id, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch TokenType(id) {
	case TokenColMetadata:
		return decodeColMetadata(r)
	case TokenRow:
		if columns == nil {
			return nil, tdserr.New(tdserr.Protocol, "ROW token with no preceding COLMETADATA")
		}
		return decodeRow(r, columns)
	case TokenNBCRow:
		if columns == nil {
			return nil, tdserr.New(tdserr.Protocol, "NBCROW token with no preceding COLMETADATA")
		}
		return decodeNBCRow(r, columns)
	case TokenDone:
		return decodeDone(TokenDone, r)
	case TokenDoneProc:
		return decodeDone(TokenDoneProc, r)
	case TokenDoneInProc:
		return decodeDone(TokenDoneInProc, r)
	case TokenEnvChange:
		return decodeEnvChange(r)
	case TokenError:
		return decodeServerMessage(TokenError, r)
	case TokenInfo:
		return decodeServerMessage(TokenInfo, r)
	case TokenLoginAck:
		return decodeLoginAck(r)
	case TokenReturnStatus:
		return decodeReturnStatus(r)
	case TokenReturnValue:
		return decodeReturnValue(r)
	case TokenFeatureExtAck:
		return decodeFeatureExtAck(r)
	case TokenSSPI:
		return decodeSSPI(r)
	case TokenFedAuthInfo:
		return decodeFedAuthInfo(r)
	case TokenOrder:
		return decodeOrder(r)
	default:
		return nil, tdserr.Newf(tdserr.Protocol, "unsupported token id 0x%02X (%s)", id, TokenType(id))
	}
}

// encodeColumnValue writes a single column's value, or its type's null
// encoding when val is nil.
func encodeColumnValue(w *writer, col Column, val interface{}) {
	if val == nil {
		encodeNullValue(w, col)
		return
	}
	ti := col.TypeInfo
	switch ti.Type {
	case TypeInt1:
		v, _ := toInt64(val)
		w.u8(uint8(v))
	case TypeBit:
		v, _ := toBool(val)
		w.u8(boolByte(v))
	case TypeInt2:
		v, _ := toInt64(val)
		w.u16(uint16(int16(v)))
	case TypeInt4:
		v, _ := toInt64(val)
		w.i32(int32(v))
	case TypeInt8:
		v, _ := toInt64(val)
		w.u64(uint64(v))
	case TypeFloat4:
		v, _ := toFloat64(val)
		w.u32(float32bits(float32(v)))
	case TypeFloat8:
		v, _ := toFloat64(val)
		w.u64(float64bits(v))
	case TypeIntN:
		v, _ := toInt64(val)
		w.u8(uint8(ti.Length))
		switch ti.Length {
		case 1:
			w.u8(uint8(v))
		case 2:
			w.u16(uint16(int16(v)))
		case 4:
			w.i32(int32(v))
		case 8:
			w.u64(uint64(v))
		}
	case TypeBitN:
		v, _ := toBool(val)
		w.u8(1)
		w.u8(boolByte(v))
	case TypeFloatN:
		v, _ := toFloat64(val)
		w.u8(uint8(ti.Length))
		if ti.Length == 4 {
			w.u32(float32bits(float32(v)))
		} else {
			w.u64(float64bits(v))
		}
	case TypeNVarChar, TypeNChar:
		s := toString(val)
		enc, _ := ucs2(s)
		if ti.IsPLP {
			encodePLPBytes(w, enc, false)
			return
		}
		if uint32(len(enc)) > ti.Length && ti.Length > 0 {
			enc = enc[:ti.Length]
		}
		w.u16(uint16(len(enc)))
		w.bytes(enc)
	case TypeBigVarChar, TypeBigChar:
		s := toString(val)
		data := []byte(s)
		if ti.IsPLP {
			encodePLPBytes(w, data, false)
			return
		}
		if uint32(len(data)) > ti.Length && ti.Length > 0 {
			data = data[:ti.Length]
		}
		w.u16(uint16(len(data)))
		w.bytes(data)
	case TypeBigVarBin, TypeBigBinary:
		data, _ := toBytes(val)
		if ti.IsPLP {
			encodePLPBytes(w, data, false)
			return
		}
		w.u16(uint16(len(data)))
		w.bytes(data)
	case TypeGUID:
		b, _ := toBytes(val)
		w.u8(16)
		w.bytes(b)
	case TypeDecimalN, TypeNumericN:
		encodeDecimalValue(w, val, ti.Precision, ti.Scale)
	case TypeText, TypeNText:
		s := toString(val)
		var data []byte
		if ti.Type == TypeNText {
			data, _ = ucs2(s)
		} else {
			data = []byte(s)
		}
		encodeLegacyBlob(w, data)
	case TypeImage:
		data, _ := toBytes(val)
		encodeLegacyBlob(w, data)
	default:
		encodeNullValue(w, col)
	}
}

// legacyBlobPtr is a fixed, dummy TEXTPTR value this frontend uses for
// every non-NULL TEXT/NTEXT/IMAGE value it emits: a proxied synthetic
// result set never hands out a pointer a client could dereference in a
// later READTEXT/UPDATETEXT call, so the actual bytes don't matter, only
// that TEXTPTR_LEN is non-zero (zero means NULL).
var legacyBlobPtr = [16]byte{}

// encodeLegacyBlob writes a TEXT/NTEXT/IMAGE value in its pre-PLP wire
// shape: {textptr_len(u8), textptr[16], timestamp(8 bytes),
// data_len(u32), data}. A zero textptr_len means NULL; encodeNullValue
// handles that case, so this path always writes the full non-NULL form.
func encodeLegacyBlob(w *writer, data []byte) {
	w.u8(16)
	w.bytes(legacyBlobPtr[:])
	w.u64(0) // timestamp, unused by this frontend
	w.u32(uint32(len(data)))
	w.bytes(data)
}

func encodeNullValue(w *writer, col Column) {
	switch col.TypeInfo.Type {
	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN, TypeGUID, TypeDecimalN, TypeNumericN,
		TypeDateN, TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		w.u8(0)
	case TypeNVarChar, TypeNChar, TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary:
		if col.TypeInfo.IsPLP {
			encodePLPBytes(w, nil, true)
			return
		}
		w.u16(0xFFFF)
	default:
		// Covers TEXT/NTEXT/IMAGE, whose NULL marker is a zero-length
		// TEXTPTR — the same single byte as the catch-all default.
		w.u8(0)
	}
}

func decodeColumnValue(r *reader, col Column) (interface{}, error) {
	ti := col.TypeInfo
	switch ti.Type {
	case TypeInt1:
		return r.u8()
	case TypeBit:
		v, err := r.u8()
		return v != 0, err
	case TypeInt2:
		v, err := r.u16()
		return int16(v), err
	case TypeInt4:
		return r.i32()
	case TypeInt8:
		v, err := r.u64()
		return int64(v), err
	case TypeFloat4:
		v, err := r.u32()
		return float32frombits(v), err
	case TypeFloat8:
		v, err := r.u64()
		return float64frombits(v), err
	case TypeIntN:
		n, err := r.u8()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		switch n {
		case 1:
			v, err := r.u8()
			return v, err
		case 2:
			v, err := r.u16()
			return int16(v), err
		case 4:
			v, err := r.i32()
			return v, err
		case 8:
			v, err := r.u64()
			return int64(v), err
		default:
			return nil, tdserr.Newf(tdserr.Protocol, "INTN: unexpected length %d", n)
		}
	case TypeBitN:
		n, err := r.u8()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		v, err := r.u8()
		return v != 0, err
	case TypeFloatN:
		n, err := r.u8()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		if n == 4 {
			v, err := r.u32()
			return float32frombits(v), err
		}
		v, err := r.u64()
		return float64frombits(v), err
	case TypeNVarChar, TypeNChar:
		if ti.IsPLP {
			data, isNull, err := decodePLP(r)
			if err != nil || isNull {
				return nil, err
			}
			out, err := utf16LE.Bytes(data)
			if err != nil {
				return nil, tdserr.Wrap(err, tdserr.Encoding, "invalid UTF-16LE string")
			}
			return string(out), nil
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		if n == 0xFFFF {
			return nil, nil
		}
		return r.ucs2String(int(n) / 2)
	case TypeBigVarChar, TypeBigChar:
		if ti.IsPLP {
			data, isNull, err := decodePLP(r)
			if err != nil || isNull {
				return nil, err
			}
			return string(data), nil
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		if n == 0xFFFF {
			return nil, nil
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case TypeBigVarBin, TypeBigBinary:
		if ti.IsPLP {
			data, isNull, err := decodePLP(r)
			if err != nil || isNull {
				return nil, err
			}
			return data, nil
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		if n == 0xFFFF {
			return nil, nil
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case TypeGUID:
		n, err := r.u8()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		b, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case TypeDecimalN, TypeNumericN:
		return decodeDecimalValue(r, ti.Scale)
	case TypeText:
		data, isNull, err := decodeLegacyBlob(r)
		if err != nil || isNull {
			return nil, err
		}
		return string(data), nil
	case TypeNText:
		data, isNull, err := decodeLegacyBlob(r)
		if err != nil || isNull {
			return nil, err
		}
		out, err := utf16LE.Bytes(data)
		if err != nil {
			return nil, tdserr.Wrap(err, tdserr.Encoding, "invalid UTF-16LE string")
		}
		return string(out), nil
	case TypeImage:
		data, isNull, err := decodeLegacyBlob(r)
		if err != nil || isNull {
			return nil, err
		}
		return data, nil
	default:
		return nil, tdserr.Newf(tdserr.Protocol, "decoding unsupported type %s", ti.Type)
	}
}

// decodeLegacyBlob reads a TEXT/NTEXT/IMAGE value in its pre-PLP wire
// shape: {textptr_len(u8), textptr[textptr_len], timestamp(8 bytes),
// data_len(u32), data}. textptr_len == 0 means the value is NULL, with
// no further bytes.
func decodeLegacyBlob(r *reader) (data []byte, isNull bool, err error) {
	ptrLen, err := r.u8()
	if err != nil {
		return nil, false, err
	}
	if ptrLen == 0 {
		return nil, true, nil
	}
	if _, err := r.take(int(ptrLen)); err != nil {
		return nil, false, err
	}
	if _, err := r.take(8); err != nil { // timestamp
		return nil, false, err
	}
	dataLen, err := r.u32()
	if err != nil {
		return nil, false, err
	}
	data, err = r.take(int(dataLen))
	if err != nil {
		return nil, false, err
	}
	return append([]byte(nil), data...), false, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// encodeDecimalValue writes a DECIMALN/NUMERICN value using the
// precision-band byte width from decimalByteWidth.
func encodeDecimalValue(w *writer, val interface{}, precision, scale uint8) {
	d, ok := val.(decimal.Decimal)
	if !ok {
		s := toString(val)
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			encodeNullValue(w, Column{TypeInfo: TypeInfo{Type: TypeDecimalN}})
			return
		}
		d = parsed
	}
	scaled := d.Shift(int32(scale)).Truncate(0)
	byteLen := decimalByteWidth(precision)
	w.u8(uint8(byteLen))

	sign := uint8(1) // 1 = positive, 0 = negative, per TDS convention
	abs := scaled
	if scaled.IsNegative() {
		sign = 0
		abs = scaled.Neg()
	}
	w.u8(sign)

	valueBytes := abs.BigInt().Bytes() // big-endian
	out := make([]byte, byteLen-1)
	for i := 0; i < len(valueBytes) && i < len(out); i++ {
		out[i] = valueBytes[len(valueBytes)-1-i] // little-endian on the wire
	}
	w.bytes(out)
}

func decodeDecimalValue(r *reader, scale uint8) (interface{}, error) {
	length, err := r.u8()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	signByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	valBytes, err := r.take(int(length) - 1)
	if err != nil {
		return nil, err
	}
	be := make([]byte, len(valBytes))
	for i, b := range valBytes {
		be[len(valBytes)-1-i] = b
	}
	mag := new(big.Int).SetBytes(be)
	unscaled := decimal.NewFromBigInt(mag, -int32(scale))
	if signByte == 0 {
		unscaled = unscaled.Neg()
	}
	return unscaled, nil
}
