package tds

import (
	"github.com/ha1tch/tdsfrontend/internal/tdserr"
)

// NBCRowToken is a null-bitmap-compressed row: a leading bitmap of
// ceil(columns/8) bytes precedes the column data, and any column whose
// bit is set is entirely absent from the payload (decoded as that
// column's null value, not re-read from the wire).
type NBCRowToken struct {
	Columns []Column
	Values  []interface{}
}

func (t *NBCRowToken) TokenID() TokenType { return TokenNBCRow }

func (t *NBCRowToken) Encode(w *writer) {
	w.u8(uint8(TokenNBCRow))
	bitmap := BuildNullBitmap(t.Values, len(t.Columns))
	w.bytes(bitmap)
	for i, col := range t.Columns {
		if IsNullInBitmap(bitmap, i) {
			continue
		}
		encodeColumnValue(w, col, t.Values[i])
	}
}

func decodeNBCRow(r *reader, columns []Column) (*NBCRowToken, error) {
	bitmapLen := (len(columns) + 7) / 8
	bitmap, err := r.take(bitmapLen)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(columns))
	for i, col := range columns {
		if IsNullInBitmap(bitmap, i) {
			values[i] = nil
			continue
		}
		v, err := decodeColumnValue(r, col)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &NBCRowToken{Columns: columns, Values: values}, nil
}

// BuildNullBitmap computes the NBCROW null bitmap for a row's values:
// bit i of byte i/8 is set when values[i] is nil.
func BuildNullBitmap(values []interface{}, numColumns int) []byte {
	bitmap := make([]byte, (numColumns+7)/8)
	for i, v := range values {
		if v == nil {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	return bitmap
}

// IsNullInBitmap reports whether columnIndex's bit is set in bitmap.
func IsNullInBitmap(bitmap []byte, columnIndex int) bool {
	byteIdx := columnIndex / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(columnIndex%8)) != 0
}

// CountNulls returns how many of the first numColumns bits are set.
func CountNulls(bitmap []byte, numColumns int) int {
	n := 0
	for i := 0; i < numColumns; i++ {
		if IsNullInBitmap(bitmap, i) {
			n++
		}
	}
	return n
}

// validateNBCBitmapLength checks the §4.2 invariant that a decoded
// bitmap's length equals ceil(columnCount/8) exactly — callers that read
// a bitmap whose length was independently specified (rather than
// computed from the column count, as decodeNBCRow does) should run this
// check before trusting bit positions in it.
func validateNBCBitmapLength(bitmap []byte, columnCount int) error {
	want := (columnCount + 7) / 8
	if len(bitmap) != want {
		return tdserr.Newf(tdserr.Protocol, "NBC row bitmap length %d does not match ceil(%d/8)=%d", len(bitmap), columnCount, want)
	}
	return nil
}

// ShouldUseNBCRow is the heuristic this frontend uses to decide whether
// to emit a row as NBCROW instead of plain ROW: TDS 7.3A+ clients only,
// at least 5 nullable columns, and at least a fifth of this row's values
// actually null — below that the bitmap overhead isn't worth it.
func ShouldUseNBCRow(tdsVersion uint32, columns []Column, values []interface{}) bool {
	if tdsVersion < VerTDS73A {
		return false
	}
	nullable := 0
	for _, c := range columns {
		if c.Nullable {
			nullable++
		}
	}
	if nullable < 5 {
		return false
	}
	nulls := 0
	for _, v := range values {
		if v == nil {
			nulls++
		}
	}
	return float64(nulls)/float64(len(values)) >= 0.2
}
