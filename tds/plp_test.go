package tds

import "testing"

func TestPLPRoundTripData(t *testing.T) {
	var w writer
	encodePLPBytes(&w, []byte("hello world"), false)

	r := newReader(w.buf)
	data, isNull, err := decodePLP(r)
	if err != nil {
		t.Fatalf("decodePLP: %v", err)
	}
	if isNull {
		t.Fatal("isNull = true, want false")
	}
	if string(data) != "hello world" {
		t.Errorf("data = %q, want %q", data, "hello world")
	}
}

func TestPLPRoundTripNull(t *testing.T) {
	var w writer
	encodePLPBytes(&w, nil, true)

	r := newReader(w.buf)
	data, isNull, err := decodePLP(r)
	if err != nil {
		t.Fatalf("decodePLP: %v", err)
	}
	if !isNull {
		t.Fatal("isNull = false, want true")
	}
	if data != nil {
		t.Errorf("data = %v, want nil", data)
	}
}

func TestPLPRoundTripEmpty(t *testing.T) {
	var w writer
	encodePLPBytes(&w, []byte{}, false)

	r := newReader(w.buf)
	data, isNull, err := decodePLP(r)
	if err != nil {
		t.Fatalf("decodePLP: %v", err)
	}
	if isNull {
		t.Fatal("isNull = true, want false")
	}
	if len(data) != 0 {
		t.Errorf("data = %v, want empty", data)
	}
}

func TestDecodePLPUnknownLengthMultiChunk(t *testing.T) {
	var w writer
	w.u64(PLPLengthUnknown)
	w.u32(5)
	w.bytes([]byte("abcde"))
	w.u32(3)
	w.bytes([]byte("fgh"))
	w.u32(0)

	r := newReader(w.buf)
	data, isNull, err := decodePLP(r)
	if err != nil {
		t.Fatalf("decodePLP: %v", err)
	}
	if isNull {
		t.Fatal("isNull = true, want false")
	}
	if string(data) != "abcdefgh" {
		t.Errorf("data = %q, want %q", data, "abcdefgh")
	}
}

func TestDecodePLPLengthMismatchIsRejected(t *testing.T) {
	var w writer
	w.u64(100) // claims 100 bytes total
	w.u32(3)
	w.bytes([]byte("abc"))
	w.u32(0)

	r := newReader(w.buf)
	if _, _, err := decodePLP(r); err == nil {
		t.Fatal("expected error for PLP total-length mismatch")
	}
}
