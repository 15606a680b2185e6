// Package tds implements a wire-compatible Tabular Data Stream (TDS)
// server frontend: packet framing, the token and message codec, and the
// per-connection session state machine that drives a TDS client through
// prelogin, login, and request/response cycles.
//
// The implementation targets the TDS 7.4 subset described by Microsoft's
// MS-TDS specification, cross-checked against observed client behaviour
// (SSMS, sqlcmd, go-mssqldb, JDBC).
package tds

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ha1tch/tdsfrontend/internal/tdserr"
	"golang.org/x/text/encoding/unicode"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
var utf16LEEnc = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()

// reader is a cursor over an in-memory message body. Every decode
// operation advances the cursor and fails with a Protocol error rather
// than panicking when bytes are short.
type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) need(n int) error {
	if n < 0 || r.remaining() < n {
		return tdserr.Newf(tdserr.Protocol, "short read: need %d bytes, have %d", n, r.remaining())
	}
	return nil
}

func (r *reader) take(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) i32() (int32, error) {
	v, err := r.u32()
	return int32(v), err
}

// u32be reads a big-endian uint32 (TDS version fields inside LOGINACK
// and PRELOGIN are carried big-endian even though the rest of the wire
// format is little-endian).
func (r *reader) u32be() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ucs2String reads n UTF-16LE characters (2n bytes) and returns them as a
// native Go (UTF-8) string.
func (r *reader) ucs2String(chars int) (string, error) {
	raw, err := r.take(chars * 2)
	if err != nil {
		return "", err
	}
	out, err := utf16LE.Bytes(raw)
	if err != nil {
		return "", tdserr.Wrap(err, tdserr.Encoding, "invalid UTF-16LE string")
	}
	return string(out), nil
}

// bVarChar reads a B_VARCHAR: a 1-byte character count followed by
// 2*count bytes of UTF-16LE.
func (r *reader) bVarChar() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	return r.ucs2String(int(n))
}

// usVarChar reads a US_VARCHAR: a 2-byte character count followed by
// 2*count bytes of UTF-16LE.
func (r *reader) usVarChar() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	return r.ucs2String(int(n))
}

// writer accumulates encoded bytes for a single message or token.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) i32(v int32) { w.u32(uint32(v)) }

// u32be writes a big-endian uint32 (see reader.u32be).
func (w *writer) u32be(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func float32bits(f float32) uint32    { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }
func float64bits(f float64) uint64    { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// ucs2 encodes s as UTF-16LE bytes without any length prefix.
func ucs2(s string) ([]byte, error) {
	b, err := utf16LEEnc.Bytes([]byte(s))
	if err != nil {
		return nil, tdserr.Wrap(err, tdserr.Encoding, "invalid UTF-8 string for UTF-16LE encoding")
	}
	return b, nil
}

// charCount returns the UTF-16 code-unit count of s (what B_VARCHAR and
// US_VARCHAR length prefixes count), not its byte length or rune count.
func charCount(s string) (int, error) {
	b, err := ucs2(s)
	if err != nil {
		return 0, err
	}
	return len(b) / 2, nil
}

func (w *writer) bVarChar(s string) error {
	n, err := charCount(s)
	if err != nil {
		return err
	}
	if n > 0xFF {
		return tdserr.Newf(tdserr.Encoding, "B_VARCHAR string too long: %d chars", n)
	}
	enc, err := ucs2(s)
	if err != nil {
		return err
	}
	w.u8(uint8(n))
	w.bytes(enc)
	return nil
}

func (w *writer) usVarChar(s string) error {
	n, err := charCount(s)
	if err != nil {
		return err
	}
	if n > 0xFFFF {
		return tdserr.Newf(tdserr.Encoding, "US_VARCHAR string too long: %d chars", n)
	}
	enc, err := ucs2(s)
	if err != nil {
		return err
	}
	w.u16(uint16(n))
	w.bytes(enc)
	return nil
}

func (w *writer) String() string {
	return fmt.Sprintf("writer{%d bytes}", len(w.buf))
}
