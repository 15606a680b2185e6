package tds

import (
	"fmt"

	"github.com/ha1tch/tdsfrontend/internal/tdserr"
)

// SQLType is a TDS data type id, as carried in TYPE_INFO.
type SQLType uint8

const (
	TypeNull      SQLType = 0x1F
	TypeInt1      SQLType = 0x30
	TypeBit       SQLType = 0x32
	TypeInt2      SQLType = 0x34
	TypeInt4      SQLType = 0x38
	TypeDateTime4 SQLType = 0x3A
	TypeFloat4    SQLType = 0x3B
	TypeMoney     SQLType = 0x3C
	TypeDateTime  SQLType = 0x3D
	TypeFloat8    SQLType = 0x3E
	TypeMoney4    SQLType = 0x7A
	TypeInt8      SQLType = 0x7F

	TypeGUID            SQLType = 0x24
	TypeIntN            SQLType = 0x26
	TypeDecimal         SQLType = 0x37
	TypeNumeric         SQLType = 0x3F
	TypeBitN            SQLType = 0x68
	TypeDecimalN        SQLType = 0x6A
	TypeNumericN        SQLType = 0x6C
	TypeFloatN          SQLType = 0x6D
	TypeMoneyN          SQLType = 0x6E
	TypeDateTimeN       SQLType = 0x6F
	TypeDateN           SQLType = 0x28
	TypeTimeN           SQLType = 0x29
	TypeDateTime2N      SQLType = 0x2A
	TypeDateTimeOffsetN SQLType = 0x2B

	TypeChar      SQLType = 0x2F
	TypeVarChar   SQLType = 0x27
	TypeBinary    SQLType = 0x2D
	TypeVarBinary SQLType = 0x25

	TypeBigVarBin  SQLType = 0xA5
	TypeBigVarChar SQLType = 0xA7
	TypeBigBinary  SQLType = 0xAD
	TypeBigChar    SQLType = 0xAF
	TypeNVarChar   SQLType = 0xE7
	TypeNChar      SQLType = 0xEF
	TypeXML        SQLType = 0xF1
	TypeUDT        SQLType = 0xF0

	TypeText      SQLType = 0x23
	TypeImage     SQLType = 0x22
	TypeNText     SQLType = 0x63
	TypeSSVariant SQLType = 0x62
)

func (t SQLType) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt1:
		return "TINYINT"
	case TypeBit, TypeBitN:
		return "BIT"
	case TypeInt2:
		return "SMALLINT"
	case TypeInt4:
		return "INT"
	case TypeInt8:
		return "BIGINT"
	case TypeIntN:
		return "INTN"
	case TypeFloat4:
		return "REAL"
	case TypeFloat8:
		return "FLOAT"
	case TypeFloatN:
		return "FLOATN"
	case TypeDateTime:
		return "DATETIME"
	case TypeDateTime4:
		return "SMALLDATETIME"
	case TypeDateTimeN:
		return "DATETIMEN"
	case TypeMoney:
		return "MONEY"
	case TypeMoney4:
		return "SMALLMONEY"
	case TypeMoneyN:
		return "MONEYN"
	case TypeGUID:
		return "UNIQUEIDENTIFIER"
	case TypeDateN:
		return "DATE"
	case TypeTimeN:
		return "TIME"
	case TypeDateTime2N:
		return "DATETIME2"
	case TypeDateTimeOffsetN:
		return "DATETIMEOFFSET"
	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		return "DECIMAL"
	case TypeChar, TypeBigChar:
		return "CHAR"
	case TypeVarChar, TypeBigVarChar:
		return "VARCHAR"
	case TypeBinary, TypeBigBinary:
		return "BINARY"
	case TypeVarBinary, TypeBigVarBin:
		return "VARBINARY"
	case TypeNVarChar:
		return "NVARCHAR"
	case TypeNChar:
		return "NCHAR"
	case TypeText:
		return "TEXT"
	case TypeNText:
		return "NTEXT"
	case TypeImage:
		return "IMAGE"
	case TypeXML:
		return "XML"
	case TypeSSVariant:
		return "SQL_VARIANT"
	case TypeUDT:
		return "UDT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// typeShape classifies how a TYPE_INFO's length/precision fields are laid
// out on the wire.
type typeShape int

const (
	shapeFixed typeShape = iota
	shapeVarLen1      // 1-byte length prefix (legacy char/binary)
	shapeVarLen2      // 2-byte length prefix (big char/binary, nvarchar)
	shapeVarLen4      // 4-byte length prefix (text/ntext/image, xml, sql_variant, udt)
	shapeVarPrecision // decimal/numeric: 1-byte max length, precision, scale
	shapeScaled       // time/datetime2/datetimeoffset: 1-byte scale only
	shapeByteLen      // intn/bitn/floatn/moneyn/datetimen/guid: 1-byte length only
)

func shapeOf(t SQLType) (typeShape, error) {
	switch t {
	case TypeNull, TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4, TypeDateTime, TypeDateTime4:
		return shapeFixed, nil
	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN, TypeGUID:
		return shapeByteLen, nil
	case TypeDateN:
		return shapeFixed, nil
	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		return shapeScaled, nil
	case TypeDecimal, TypeNumeric, TypeDecimalN, TypeNumericN:
		return shapeVarPrecision, nil
	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		return shapeVarLen1, nil
	case TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary, TypeNVarChar, TypeNChar:
		return shapeVarLen2, nil
	case TypeText, TypeNText, TypeImage, TypeXML, TypeSSVariant, TypeUDT:
		return shapeVarLen4, nil
	default:
		return 0, tdserr.Newf(tdserr.Protocol, "unknown SQL type 0x%02X", uint8(t))
	}
}

// hasCollation reports whether this type's TYPE_INFO carries a 5-byte
// collation after its length field.
func hasCollation(t SQLType) bool {
	switch t {
	case TypeChar, TypeVarChar, TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar, TypeText, TypeNText:
		return true
	default:
		return false
	}
}

// PLPNull is the total-length sentinel for a NULL value of a PLP
// chunked type (nvarchar(max), varbinary(max), xml, ...).
const PLPNull uint64 = 0xFFFFFFFFFFFFFFFF

// PLPLengthUnknown is the total-length sentinel a PLP producer uses
// when it doesn't know the value's total length up front; the real
// length is discovered by summing chunks until the terminating
// zero-length chunk.
const PLPLengthUnknown uint64 = 0xFFFFFFFFFFFFFFFE

// plpTerminator marks the end of a PLP chunk sequence.
const plpTerminator uint32 = 0x00000000

// TypeInfo is a decoded TYPE_INFO: the data type id plus whatever
// length/precision/collation fields that type's shape requires.
type TypeInfo struct {
	Type      SQLType
	Length    uint32 // byte length for fixed-size shapes; declared max for variable ones
	Precision uint8
	Scale     uint8
	Collation []byte // 5 bytes, present only when hasCollation(Type)
	IsPLP     bool   // true when Length signals the (max) / PLP-chunked wire form
}

func fixedWidth(t SQLType) uint32 {
	switch t {
	case TypeNull:
		return 0
	case TypeInt1, TypeBit:
		return 1
	case TypeInt2:
		return 2
	case TypeInt4, TypeFloat4, TypeDateTime4, TypeMoney4:
		return 4
	case TypeInt8, TypeFloat8, TypeMoney, TypeDateTime:
		return 8
	case TypeDateN:
		return 3
	default:
		return 0
	}
}

// DecodeTypeInfo reads one TYPE_INFO structure: the type id byte followed
// by whatever additional fields that type's shape requires.
func DecodeTypeInfo(r *reader) (TypeInfo, error) {
	b, err := r.u8()
	if err != nil {
		return TypeInfo{}, err
	}
	t := SQLType(b)
	shape, err := shapeOf(t)
	if err != nil {
		return TypeInfo{}, err
	}

	ti := TypeInfo{Type: t}
	switch shape {
	case shapeFixed:
		ti.Length = fixedWidth(t)

	case shapeByteLen:
		n, err := r.u8()
		if err != nil {
			return TypeInfo{}, err
		}
		ti.Length = uint32(n)

	case shapeScaled:
		scale, err := r.u8()
		if err != nil {
			return TypeInfo{}, err
		}
		ti.Scale = scale

	case shapeVarPrecision:
		maxLen, err := r.u8()
		if err != nil {
			return TypeInfo{}, err
		}
		precision, err := r.u8()
		if err != nil {
			return TypeInfo{}, err
		}
		scale, err := r.u8()
		if err != nil {
			return TypeInfo{}, err
		}
		ti.Length = uint32(maxLen)
		ti.Precision = precision
		ti.Scale = scale

	case shapeVarLen1:
		n, err := r.u8()
		if err != nil {
			return TypeInfo{}, err
		}
		ti.Length = uint32(n)
		if hasCollation(t) {
			c, err := r.take(5)
			if err != nil {
				return TypeInfo{}, err
			}
			ti.Collation = append([]byte(nil), c...)
		}

	case shapeVarLen2:
		n, err := r.u16()
		if err != nil {
			return TypeInfo{}, err
		}
		if n == 0xFFFF {
			ti.IsPLP = true
		} else {
			ti.Length = uint32(n)
		}
		if hasCollation(t) {
			c, err := r.take(5)
			if err != nil {
				return TypeInfo{}, err
			}
			ti.Collation = append([]byte(nil), c...)
		}

	case shapeVarLen4:
		n, err := r.u32()
		if err != nil {
			return TypeInfo{}, err
		}
		ti.Length = n
		if hasCollation(t) {
			c, err := r.take(5)
			if err != nil {
				return TypeInfo{}, err
			}
			ti.Collation = append([]byte(nil), c...)
		}
		if t != TypeImage {
			// TEXTPTR-bearing types carry a one-byte table-name part count,
			// always zero for a proxied synthetic result set.
			if _, err := r.u8(); err != nil {
				return TypeInfo{}, err
			}
		}
	}

	return ti, nil
}

// Encode writes the TYPE_INFO for col back to the wire, mirroring
// DecodeTypeInfo's shape dispatch.
func (ti TypeInfo) Encode(w *writer) {
	w.u8(uint8(ti.Type))
	shape, err := shapeOf(ti.Type)
	if err != nil {
		return
	}
	switch shape {
	case shapeFixed:
		// no additional fields

	case shapeByteLen:
		w.u8(uint8(ti.Length))

	case shapeScaled:
		w.u8(ti.Scale)

	case shapeVarPrecision:
		w.u8(uint8(ti.Length))
		w.u8(ti.Precision)
		w.u8(ti.Scale)

	case shapeVarLen1:
		w.u8(uint8(ti.Length))
		if hasCollation(ti.Type) {
			w.bytes(collationOrDefault(ti.Collation))
		}

	case shapeVarLen2:
		if ti.IsPLP {
			w.u16(0xFFFF)
		} else {
			w.u16(uint16(ti.Length))
		}
		if hasCollation(ti.Type) {
			w.bytes(collationOrDefault(ti.Collation))
		}

	case shapeVarLen4:
		w.u32(ti.Length)
		if hasCollation(ti.Type) {
			w.bytes(collationOrDefault(ti.Collation))
		}
		if ti.Type != TypeImage {
			w.u8(0)
		}
	}
}

func collationOrDefault(c []byte) []byte {
	if len(c) == 5 {
		return c
	}
	return DefaultCollation
}

// DefaultCollation is Latin1_General_CI_AS, used whenever a column's own
// collation is unset.
var DefaultCollation = []byte{0x09, 0x04, 0xD0, 0x00, 0x34}

// decimalByteWidth returns the on-wire value width for a DECIMALN/NUMERICN
// value of the given precision, per the four precision bands TDS defines.
func decimalByteWidth(precision uint8) int {
	switch {
	case precision <= 9:
		return 5
	case precision <= 19:
		return 9
	case precision <= 28:
		return 13
	default:
		return 17
	}
}

// Column describes one result-set or parameter column: its TYPE_INFO plus
// the metadata COLMETADATA carries alongside it.
type Column struct {
	Name     string
	TypeInfo TypeInfo
	Nullable bool
	UserType uint32
	Flags    uint16
}

// ColumnFlags are the COLMETADATA per-column flag bits.
const (
	ColFlagNullable        uint16 = 0x0001
	ColFlagCaseSen         uint16 = 0x0002
	ColFlagUpdateable      uint16 = 0x0008
	ColFlagIdentity        uint16 = 0x0010
	ColFlagComputed        uint16 = 0x0020
	ColFlagFixedLenCLR     uint16 = 0x0100
	ColFlagSparseColumn    uint16 = 0x0400
	ColFlagEncrypted       uint16 = 0x0800
	ColFlagHidden          uint16 = 0x2000
	ColFlagKey             uint16 = 0x4000
	ColFlagNullableUnknown uint16 = 0x8000
)
