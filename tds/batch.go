package tds

// SQLBatchRequest is a decoded SQL_BATCH message: a plain ad-hoc query
// string, with no parameters (use RPCRequest's sp_executesql path for
// parameterized queries).
type SQLBatchRequest struct {
	Headers []RequestHeader
	Query   string
}

// TransactionDescriptor returns the request's transaction-descriptor
// header, if the client sent one.
func (b *SQLBatchRequest) TransactionDescriptor() (TransactionDescriptor, bool) {
	return transactionDescriptor(b.Headers)
}

// DecodeSQLBatch parses a SQL_BATCH message body: the ALL_HEADERS block
// (TDS 7.2+) followed by a UTF-16LE query string running to the end of
// the message.
func DecodeSQLBatch(body []byte, tdsVersion uint32) (*SQLBatchRequest, error) {
	r := newReader(body)

	var headers []RequestHeader
	if tdsVersion >= VerTDS72 {
		h, err := decodeAllHeaders(r)
		if err != nil {
			return nil, err
		}
		headers = h
	}

	queryBytes, err := r.take(r.remaining())
	if err != nil {
		return nil, err
	}
	query, err := utf16LE.Bytes(queryBytes)
	if err != nil {
		return nil, err
	}

	return &SQLBatchRequest{Headers: headers, Query: string(query)}, nil
}

// EncodeSQLBatch is the inverse of DecodeSQLBatch, used by tests that
// need to synthesize a wire-accurate batch request body.
func EncodeSQLBatch(tdsVersion uint32, query string) ([]byte, error) {
	var w writer
	if tdsVersion >= VerTDS72 {
		// Minimal ALL_HEADERS: just the 4-byte total length, no entries.
		w.u32(4)
	}
	enc, err := ucs2(query)
	if err != nil {
		return nil, err
	}
	w.bytes(enc)
	return w.buf, nil
}
