package tds

import "github.com/ha1tch/tdsfrontend/internal/tdserr"

// ALL_HEADERS header type ids.
const (
	HeaderQueryNotification     uint16 = 1
	HeaderTransactionDescriptor uint16 = 2
	HeaderTraceActivity         uint16 = 3
)

// RequestHeader is one decoded entry from an ALL_HEADERS block.
type RequestHeader struct {
	Type uint16
	Data []byte
}

// TransactionDescriptor pulls the transaction id and outstanding request
// count out of a decoded HeaderTransactionDescriptor header.
type TransactionDescriptor struct {
	TransactionID          uint64
	OutstandingRequestCount uint32
}

// decodeAllHeaders reads the ALL_HEADERS block present at the start of
// SQLBatch and RPCRequest message bodies on TDS 7.2+: a 4-byte total
// byte length (including itself) followed by a chain of
// {length(u32) including itself, type(u16), data[length-6]} entries.
func decodeAllHeaders(r *reader) ([]RequestHeader, error) {
	totalLength, err := r.u32()
	if err != nil {
		return nil, err
	}
	if totalLength < 4 {
		return nil, tdserr.Newf(tdserr.Protocol, "ALL_HEADERS total length %d shorter than its own length field", totalLength)
	}
	remaining := int(totalLength) - 4

	var headers []RequestHeader
	for remaining > 0 {
		headerLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		if headerLen < 6 {
			return nil, tdserr.Newf(tdserr.Protocol, "ALL_HEADERS entry length %d too short for its own prefix", headerLen)
		}
		headerType, err := r.u16()
		if err != nil {
			return nil, err
		}
		dataLen := int(headerLen) - 6
		data, err := r.take(dataLen)
		if err != nil {
			return nil, err
		}
		headers = append(headers, RequestHeader{Type: headerType, Data: append([]byte(nil), data...)})
		remaining -= int(headerLen)
	}
	if remaining != 0 {
		return nil, tdserr.New(tdserr.Protocol, "ALL_HEADERS entries overran the declared total length")
	}
	return headers, nil
}

// transactionDescriptor finds and decodes the transaction-descriptor
// header, if present.
func transactionDescriptor(headers []RequestHeader) (TransactionDescriptor, bool) {
	for _, h := range headers {
		if h.Type != HeaderTransactionDescriptor || len(h.Data) < 12 {
			continue
		}
		r := newReader(h.Data)
		txID, err := r.u64()
		if err != nil {
			continue
		}
		count, err := r.u32()
		if err != nil {
			continue
		}
		return TransactionDescriptor{TransactionID: txID, OutstandingRequestCount: count}, true
	}
	return TransactionDescriptor{}, false
}
