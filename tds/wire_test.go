package tds

import "testing"

func TestReaderPrimitiveRoundTrips(t *testing.T) {
	var w writer
	w.u8(0xAB)
	w.u16(0x1234)
	w.u32(0xDEADBEEF)
	w.u64(0x0102030405060708)
	w.i32(-5)
	w.u32be(0x01020304)

	r := newReader(w.buf)
	if v, err := r.u8(); err != nil || v != 0xAB {
		t.Fatalf("u8 = %#x, %v, want 0xAB", v, err)
	}
	if v, err := r.u16(); err != nil || v != 0x1234 {
		t.Fatalf("u16 = %#x, %v, want 0x1234", v, err)
	}
	if v, err := r.u32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("u32 = %#x, %v, want 0xDEADBEEF", v, err)
	}
	if v, err := r.u64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("u64 = %#x, %v, want 0x0102030405060708", v, err)
	}
	if v, err := r.i32(); err != nil || v != -5 {
		t.Fatalf("i32 = %d, %v, want -5", v, err)
	}
	if v, err := r.u32be(); err != nil || v != 0x01020304 {
		t.Fatalf("u32be = %#x, %v, want 0x01020304", v, err)
	}
	if r.remaining() != 0 {
		t.Errorf("remaining() = %d, want 0", r.remaining())
	}
}

func TestReaderNeedRejectsShortBuffer(t *testing.T) {
	r := newReader([]byte{0x01, 0x02})
	if _, err := r.u32(); err == nil {
		t.Fatal("expected error reading u32 from a 2-byte buffer")
	}
}

func TestReaderTakeAdvancesAndRejectsNegative(t *testing.T) {
	r := newReader([]byte{0x01, 0x02, 0x03})
	b, err := r.take(2)
	if err != nil || len(b) != 2 {
		t.Fatalf("take(2) = %v, %v", b, err)
	}
	if r.remaining() != 1 {
		t.Errorf("remaining() = %d, want 1", r.remaining())
	}
	if _, err := r.take(-1); err == nil {
		t.Fatal("expected error for a negative take length")
	}
}

func TestBVarCharRoundTrip(t *testing.T) {
	var w writer
	if err := w.bVarChar("hello"); err != nil {
		t.Fatalf("bVarChar: %v", err)
	}
	r := newReader(w.buf)
	got, err := r.bVarChar()
	if err != nil {
		t.Fatalf("r.bVarChar: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}

func TestUSVarCharRoundTrip(t *testing.T) {
	var w writer
	if err := w.usVarChar("a longer string value"); err != nil {
		t.Fatalf("usVarChar: %v", err)
	}
	r := newReader(w.buf)
	got, err := r.usVarChar()
	if err != nil {
		t.Fatalf("r.usVarChar: %v", err)
	}
	if got != "a longer string value" {
		t.Errorf("got %q, want %q", got, "a longer string value")
	}
}

func TestUCS2StringRoundTrip(t *testing.T) {
	enc, err := ucs2("SELECT 1")
	if err != nil {
		t.Fatalf("ucs2: %v", err)
	}
	r := newReader(enc)
	got, err := r.ucs2String(len("SELECT 1"))
	if err != nil {
		t.Fatalf("ucs2String: %v", err)
	}
	if got != "SELECT 1" {
		t.Errorf("got %q, want SELECT 1", got)
	}
}

func TestCharCountCountsUTF16CodeUnits(t *testing.T) {
	n, err := charCount("abc")
	if err != nil {
		t.Fatalf("charCount: %v", err)
	}
	if n != 3 {
		t.Errorf("charCount(\"abc\") = %d, want 3", n)
	}
}

func TestBVarCharRejectsOversizedString(t *testing.T) {
	var w writer
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	if err := w.bVarChar(string(long)); err == nil {
		t.Fatal("expected error for a B_VARCHAR string longer than 255 chars")
	}
}
