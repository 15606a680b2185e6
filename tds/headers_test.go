package tds

import "testing"

func TestDecodeAllHeadersEmpty(t *testing.T) {
	var w writer
	w.u32(4) // total length covering only itself: no entries
	headers, err := decodeAllHeaders(newReader(w.buf))
	if err != nil {
		t.Fatalf("decodeAllHeaders: %v", err)
	}
	if len(headers) != 0 {
		t.Errorf("len(headers) = %d, want 0", len(headers))
	}
}

func TestDecodeAllHeadersMultipleEntries(t *testing.T) {
	var entries writer
	entries.u32(6 + 4) // length, type, 4 bytes data
	entries.u16(HeaderQueryNotification)
	entries.u32(0x11223344)

	entries.u32(6 + 12) // length, type, 12 bytes transaction descriptor
	entries.u16(HeaderTransactionDescriptor)
	entries.u64(42)
	entries.u32(1)

	var w writer
	w.u32(uint32(4 + len(entries.buf)))
	w.bytes(entries.buf)

	headers, err := decodeAllHeaders(newReader(w.buf))
	if err != nil {
		t.Fatalf("decodeAllHeaders: %v", err)
	}
	if len(headers) != 2 {
		t.Fatalf("len(headers) = %d, want 2", len(headers))
	}
	if headers[0].Type != HeaderQueryNotification {
		t.Errorf("headers[0].Type = %d, want %d", headers[0].Type, HeaderQueryNotification)
	}
	if headers[1].Type != HeaderTransactionDescriptor {
		t.Errorf("headers[1].Type = %d, want %d", headers[1].Type, HeaderTransactionDescriptor)
	}
}

func TestDecodeAllHeadersRejectsTotalLengthBelowMinimum(t *testing.T) {
	var w writer
	w.u32(2)
	if _, err := decodeAllHeaders(newReader(w.buf)); err == nil {
		t.Fatal("expected error for total length shorter than its own field")
	}
}

func TestDecodeAllHeadersRejectsEntryLengthTooShort(t *testing.T) {
	var w writer
	w.u32(4 + 5)
	w.u32(5) // declares an entry shorter than its own 6-byte prefix
	w.u16(HeaderQueryNotification)
	if _, err := decodeAllHeaders(newReader(w.buf)); err == nil {
		t.Fatal("expected error for an entry length too short for its own prefix")
	}
}

func TestDecodeAllHeadersRejectsOverrun(t *testing.T) {
	var w writer
	w.u32(4 + 6) // declares only one 6-byte entry (header only, no data)
	w.u32(6 + 4) // but the entry itself claims 10 bytes
	w.u16(HeaderQueryNotification)
	w.u32(0)
	if _, err := decodeAllHeaders(newReader(w.buf)); err == nil {
		t.Fatal("expected error when entries overrun the declared total length")
	}
}

func TestTransactionDescriptorMissingWhenNoMatchingHeader(t *testing.T) {
	headers := []RequestHeader{{Type: HeaderQueryNotification, Data: []byte{1, 2, 3, 4}}}
	if _, ok := transactionDescriptor(headers); ok {
		t.Fatal("transactionDescriptor ok = true, want false")
	}
}

func TestTransactionDescriptorRejectsShortData(t *testing.T) {
	headers := []RequestHeader{{Type: HeaderTransactionDescriptor, Data: []byte{1, 2, 3}}}
	if _, ok := transactionDescriptor(headers); ok {
		t.Fatal("transactionDescriptor ok = true for undersized data, want false")
	}
}
