package tds

import "testing"

func TestTypeInfoRoundTripNVarCharMax(t *testing.T) {
	in := TypeInfo{Type: TypeNVarChar, IsPLP: true, Collation: DefaultCollation}

	var w writer
	in.Encode(&w)

	r := newReader(w.buf)
	got, err := DecodeTypeInfo(r)
	if err != nil {
		t.Fatalf("DecodeTypeInfo: %v", err)
	}
	if got.Type != in.Type || !got.IsPLP {
		t.Errorf("got %+v, want Type=%v IsPLP=true", got, in.Type)
	}
}

func TestTypeInfoRoundTripFixedLengthVarChar(t *testing.T) {
	in := TypeInfo{Type: TypeBigVarChar, Length: 50, Collation: DefaultCollation}

	var w writer
	in.Encode(&w)

	r := newReader(w.buf)
	got, err := DecodeTypeInfo(r)
	if err != nil {
		t.Fatalf("DecodeTypeInfo: %v", err)
	}
	if got.Length != 50 || got.IsPLP {
		t.Errorf("got %+v, want Length=50 IsPLP=false", got)
	}
}

func TestTypeInfoRoundTripDecimal(t *testing.T) {
	in := TypeInfo{Type: TypeDecimalN, Length: 9, Precision: 18, Scale: 4}

	var w writer
	in.Encode(&w)

	r := newReader(w.buf)
	got, err := DecodeTypeInfo(r)
	if err != nil {
		t.Fatalf("DecodeTypeInfo: %v", err)
	}
	if got.Precision != 18 || got.Scale != 4 {
		t.Errorf("got precision=%d scale=%d, want 18/4", got.Precision, got.Scale)
	}
}

func TestDecodeTypeInfoUnknownType(t *testing.T) {
	r := newReader([]byte{0xFE})
	if _, err := DecodeTypeInfo(r); err == nil {
		t.Fatal("expected error for unrecognized type id")
	}
}

func TestDecimalByteWidthBands(t *testing.T) {
	tests := []struct {
		precision uint8
		want      int
	}{
		{1, 5},
		{9, 5},
		{10, 9},
		{19, 9},
		{20, 13},
		{28, 13},
		{29, 17},
		{38, 17},
	}
	for _, tt := range tests {
		if got := decimalByteWidth(tt.precision); got != tt.want {
			t.Errorf("decimalByteWidth(%d) = %d, want %d", tt.precision, got, tt.want)
		}
	}
}
