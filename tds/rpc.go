package tds

import "github.com/ha1tch/tdsfrontend/internal/tdserr"

// Well-known system stored procedure ids an RPC message may reference
// by id instead of by name. Only ExecuteSQL and Unprepare are decoded
// (through the ordinary parameter list); the rest back the
// prepared-statement/cursor surface
// this frontend does not implement (see reservedProcedureIDs).
const (
	ProcIDCursor         uint16 = 1
	ProcIDCursorOpen     uint16 = 2
	ProcIDCursorPrepare  uint16 = 3
	ProcIDCursorExecute  uint16 = 4
	ProcIDCursorPrepExec uint16 = 5
	ProcIDCursorUnprepare uint16 = 6
	ProcIDCursorFetch    uint16 = 7
	ProcIDCursorOption   uint16 = 8
	ProcIDCursorClose    uint16 = 9
	ProcIDExecuteSQL     uint16 = 10
	ProcIDPrepare        uint16 = 11
	ProcIDExecute        uint16 = 12
	ProcIDPrepExec       uint16 = 13
	ProcIDPrepExecRPC    uint16 = 14
	ProcIDUnprepare      uint16 = 15
)

// reservedProcedureIDs are well-known ids whose payload layout beyond
// the common parameter list is either prepared-statement/cursor state
// this frontend proxies through unmodified (so decoding it gains
// nothing) or, for PrepExecRPC, genuinely undocumented. Decoding is
// refused for all of them rather than guessed.
var reservedProcedureIDs = map[uint16]bool{
	ProcIDCursor:          true,
	ProcIDCursorOpen:      true,
	ProcIDCursorPrepare:   true,
	ProcIDCursorExecute:   true,
	ProcIDCursorPrepExec:  true,
	ProcIDCursorUnprepare: true,
	ProcIDCursorFetch:     true,
	ProcIDCursorOption:    true,
	ProcIDCursorClose:     true,
	ProcIDPrepare:         true,
	ProcIDExecute:         true,
	ProcIDPrepExec:        true,
	ProcIDPrepExecRPC:     true,
}

// RPC option flags.
const (
	RPCOptionWithRecomp  uint16 = 0x0001
	RPCOptionNoMetaData  uint16 = 0x0002
	RPCOptionReuseCursor uint16 = 0x0004
)

// RPC parameter status flags.
const (
	ParamByRefValue   uint8 = 0x01
	ParamDefaultValue uint8 = 0x02
	ParamEncrypted    uint8 = 0x08
)

// RPCParam is one decoded RPC parameter.
type RPCParam struct {
	Name     string
	Status   uint8
	TypeInfo TypeInfo
	Value    interface{}
	IsOutput bool
}

// RPCRequest is a decoded RPC_REQUEST message.
type RPCRequest struct {
	Headers    []RequestHeader
	ProcID     uint16 // 0 when invoked by name
	ProcName   string
	Options    uint16
	Parameters []RPCParam
}

// TransactionDescriptor returns the request's transaction-descriptor
// header, if the client sent one.
func (req *RPCRequest) TransactionDescriptor() (TransactionDescriptor, bool) {
	return transactionDescriptor(req.Headers)
}

// DecodeRPCRequest parses an RPC_REQUEST message body: the ALL_HEADERS
// block (TDS 7.2+), the procedure name-or-id, option flags, then
// parameters until the end of the message.
func DecodeRPCRequest(body []byte, tdsVersion uint32) (*RPCRequest, error) {
	r := newReader(body)

	var headers []RequestHeader
	if tdsVersion >= VerTDS72 {
		h, err := decodeAllHeaders(r)
		if err != nil {
			return nil, err
		}
		headers = h
	}

	req := &RPCRequest{Headers: headers}

	nameLen, err := r.u16()
	if err != nil {
		return nil, err
	}
	if nameLen == 0xFFFF {
		procID, err := r.u16()
		if err != nil {
			return nil, err
		}
		if reservedProcedureIDs[procID] {
			return nil, tdserr.Newf(tdserr.Protocol, "RPC request names reserved system procedure id %d with an unspecified payload layout", procID)
		}
		req.ProcID = procID
		req.ProcName = procIDName(procID)
	} else {
		name, err := r.ucs2String(int(nameLen))
		if err != nil {
			return nil, err
		}
		req.ProcName = name
	}

	options, err := r.u16()
	if err != nil {
		return nil, err
	}
	req.Options = options

	for r.remaining() > 0 {
		param, err := decodeRPCParam(r)
		if err != nil {
			return nil, err
		}
		req.Parameters = append(req.Parameters, param)
	}

	return req, nil
}

func decodeRPCParam(r *reader) (RPCParam, error) {
	nameLen, err := r.u8()
	if err != nil {
		return RPCParam{}, err
	}
	name := ""
	if nameLen > 0 {
		name, err = r.ucs2String(int(nameLen))
		if err != nil {
			return RPCParam{}, err
		}
		if len(name) > 0 && name[0] == '@' {
			name = name[1:]
		}
	}

	status, err := r.u8()
	if err != nil {
		return RPCParam{}, err
	}

	ti, err := DecodeTypeInfo(r)
	if err != nil {
		return RPCParam{}, err
	}

	value, err := decodeColumnValue(r, Column{TypeInfo: ti})
	if err != nil {
		return RPCParam{}, err
	}

	return RPCParam{
		Name:     name,
		Status:   status,
		TypeInfo: ti,
		Value:    value,
		IsOutput: status&ParamByRefValue != 0,
	}, nil
}

func procIDName(id uint16) string {
	switch id {
	case ProcIDExecuteSQL:
		return "sp_executesql"
	case ProcIDUnprepare:
		return "sp_unprepare"
	default:
		return "sp_unknown"
	}
}
