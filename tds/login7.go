package tds

import (
	"encoding/binary"

	"github.com/ha1tch/tdsfrontend/internal/tdserr"
)

// Login7 OptionFlags1 bits.
const (
	Login1ByteOrder uint8 = 0x01
	Login1Char      uint8 = 0x02
	Login1Float     uint8 = 0x0C
	Login1DumpLoad  uint8 = 0x10
	Login1UseDB     uint8 = 0x20
	Login1Database  uint8 = 0x40
	Login1SetLang   uint8 = 0x80
)

// Login7 OptionFlags2 bits.
const (
	Login2Language      uint8 = 0x01
	Login2ODBC          uint8 = 0x02
	Login2TransBoundary uint8 = 0x04
	Login2CacheConnect  uint8 = 0x08
	Login2UserType      uint8 = 0x70
	Login2IntSecurity   uint8 = 0x80
)

// Login7 OptionFlags3 bits.
const (
	Login3ChangePassword   uint8 = 0x01
	Login3BinaryXML        uint8 = 0x02
	Login3UserInstance     uint8 = 0x04
	Login3UnknownCollation uint8 = 0x08
	Login3Extension        uint8 = 0x10
)

// Login7 TypeFlags bits.
const (
	LoginTypeSQLMask       uint8 = 0x0F
	LoginTypeOLEDB         uint8 = 0x10
	LoginTypeReadOnlyIntent uint8 = 0x20
)

// Feature extension ids, read from the FEATUREEXT block when
// OptionFlags3's extension bit is set.
const (
	FeatureSessionRecovery    uint8 = 0x01
	FeatureFedAuth            uint8 = 0x02
	FeatureColumnEncryption   uint8 = 0x04
	FeatureGlobalTransactions uint8 = 0x05
	FeatureAzureSQLSupport    uint8 = 0x08
	FeatureDataClassification uint8 = 0x09
	FeatureUTF8Support        uint8 = 0x0A
	FeatureTerminator         uint8 = 0xFF
)

// Login7HeaderSize is the fixed size of the LOGIN7 prelude, as used from
// TDS 7.2 onward (the 90-byte TDS 7.0/7.1 prelude lacks SSPILongLength
// and the two AtchDBFile/ChangePassword offset/length pairs collapse
// differently; this frontend only targets 7.2+ clients).
const Login7HeaderSize = 94

// Login7Header is the fixed-size prelude of a LOGIN7 packet.
type Login7Header struct {
	Length         uint32
	TDSVersion     uint32
	PacketSize     uint32
	ClientProgVer  uint32
	ClientPID      uint32
	ConnectionID   uint32
	OptionFlags1   uint8
	OptionFlags2   uint8
	TypeFlags      uint8
	OptionFlags3   uint8
	ClientTimeZone int32
	ClientLCID     uint32

	HostNameOffset, HostNameLength             uint16
	UserNameOffset, UserNameLength             uint16
	PasswordOffset, PasswordLength             uint16
	AppNameOffset, AppNameLength                uint16
	ServerNameOffset, ServerNameLength          uint16
	ExtensionOffset, ExtensionLength            uint16
	CtlIntNameOffset, CtlIntNameLength          uint16
	LanguageOffset, LanguageLength              uint16
	DatabaseOffset, DatabaseLength              uint16
	ClientID                                    [6]byte
	SSPIOffset, SSPILength                      uint16
	AtchDBFileOffset, AtchDBFileLength           uint16
	ChangePasswordOffset, ChangePasswordLength  uint16
	SSPILongLength                               uint32
}

// FeatureOption is one entry from the FEATUREEXT block.
type FeatureOption struct {
	ID   uint8
	Data []byte
}

// Login7 is a fully decoded LOGIN7 message.
type Login7 struct {
	Header Login7Header

	HostName       string
	UserName       string
	Password       string
	AppName        string
	ServerName     string
	CtlIntName     string
	Language       string
	Database       string
	AtchDBFile     string
	ChangePassword string

	SSPI     []byte
	Features []FeatureOption
}

// IsIntegratedAuth reports whether SSPI/Windows-integrated auth was
// requested instead of username/password.
func (l *Login7) IsIntegratedAuth() bool {
	return l.Header.OptionFlags2&Login2IntSecurity != 0
}

// IsReadOnlyIntent reports the application-intent read-only flag.
func (l *Login7) IsReadOnlyIntent() bool {
	return l.Header.TypeFlags&LoginTypeReadOnlyIntent != 0
}

// Feature looks up a decoded feature extension option by id.
func (l *Login7) Feature(id uint8) (FeatureOption, bool) {
	for _, f := range l.Features {
		if f.ID == id {
			return f, true
		}
	}
	return FeatureOption{}, false
}

// DecodeLogin7 parses a LOGIN7 message body: the fixed 94-byte prelude,
// then the variable-length fields addressed by its offset/length table,
// then (if OptionFlags3 requests it) the FEATUREEXT block.
func DecodeLogin7(body []byte) (*Login7, error) {
	if len(body) < Login7HeaderSize {
		return nil, tdserr.Newf(tdserr.Protocol, "login7: body too short: %d < %d", len(body), Login7HeaderSize)
	}

	l := &Login7{}
	h := &l.Header

	h.Length = binary.LittleEndian.Uint32(body[0:4])
	h.TDSVersion = binary.LittleEndian.Uint32(body[4:8])
	h.PacketSize = binary.LittleEndian.Uint32(body[8:12])
	h.ClientProgVer = binary.LittleEndian.Uint32(body[12:16])
	h.ClientPID = binary.LittleEndian.Uint32(body[16:20])
	h.ConnectionID = binary.LittleEndian.Uint32(body[20:24])
	h.OptionFlags1 = body[24]
	h.OptionFlags2 = body[25]
	h.TypeFlags = body[26]
	h.OptionFlags3 = body[27]
	h.ClientTimeZone = int32(binary.LittleEndian.Uint32(body[28:32]))
	h.ClientLCID = binary.LittleEndian.Uint32(body[32:36])
	h.HostNameOffset = binary.LittleEndian.Uint16(body[36:38])
	h.HostNameLength = binary.LittleEndian.Uint16(body[38:40])
	h.UserNameOffset = binary.LittleEndian.Uint16(body[40:42])
	h.UserNameLength = binary.LittleEndian.Uint16(body[42:44])
	h.PasswordOffset = binary.LittleEndian.Uint16(body[44:46])
	h.PasswordLength = binary.LittleEndian.Uint16(body[46:48])
	h.AppNameOffset = binary.LittleEndian.Uint16(body[48:50])
	h.AppNameLength = binary.LittleEndian.Uint16(body[50:52])
	h.ServerNameOffset = binary.LittleEndian.Uint16(body[52:54])
	h.ServerNameLength = binary.LittleEndian.Uint16(body[54:56])
	h.ExtensionOffset = binary.LittleEndian.Uint16(body[56:58])
	h.ExtensionLength = binary.LittleEndian.Uint16(body[58:60])
	h.CtlIntNameOffset = binary.LittleEndian.Uint16(body[60:62])
	h.CtlIntNameLength = binary.LittleEndian.Uint16(body[62:64])
	h.LanguageOffset = binary.LittleEndian.Uint16(body[64:66])
	h.LanguageLength = binary.LittleEndian.Uint16(body[66:68])
	h.DatabaseOffset = binary.LittleEndian.Uint16(body[68:70])
	h.DatabaseLength = binary.LittleEndian.Uint16(body[70:72])
	copy(h.ClientID[:], body[72:78])
	h.SSPIOffset = binary.LittleEndian.Uint16(body[78:80])
	h.SSPILength = binary.LittleEndian.Uint16(body[80:82])
	h.AtchDBFileOffset = binary.LittleEndian.Uint16(body[82:84])
	h.AtchDBFileLength = binary.LittleEndian.Uint16(body[84:86])
	h.ChangePasswordOffset = binary.LittleEndian.Uint16(body[86:88])
	h.ChangePasswordLength = binary.LittleEndian.Uint16(body[88:90])
	h.SSPILongLength = binary.LittleEndian.Uint32(body[90:94])

	var err error
	if l.HostName, err = readLoginString(body, h.HostNameOffset, h.HostNameLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: hostname")
	}
	if l.UserName, err = readLoginString(body, h.UserNameOffset, h.UserNameLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: username")
	}
	if l.Password, err = readMangledPassword(body, h.PasswordOffset, h.PasswordLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: password")
	}
	if l.AppName, err = readLoginString(body, h.AppNameOffset, h.AppNameLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: appname")
	}
	if l.ServerName, err = readLoginString(body, h.ServerNameOffset, h.ServerNameLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: servername")
	}
	if l.CtlIntName, err = readLoginString(body, h.CtlIntNameOffset, h.CtlIntNameLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: ctlintname")
	}
	if l.Language, err = readLoginString(body, h.LanguageOffset, h.LanguageLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: language")
	}
	if l.Database, err = readLoginString(body, h.DatabaseOffset, h.DatabaseLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: database")
	}
	if l.AtchDBFile, err = readLoginString(body, h.AtchDBFileOffset, h.AtchDBFileLength); err != nil {
		return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: atchdbfile")
	}
	if h.ChangePasswordLength > 0 {
		if l.ChangePassword, err = readMangledPassword(body, h.ChangePasswordOffset, h.ChangePasswordLength); err != nil {
			return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: change password")
		}
	}

	sspiLen := uint32(h.SSPILength)
	if h.SSPILongLength > 0 {
		sspiLen = h.SSPILongLength
	}
	if sspiLen > 0 {
		start := int(h.SSPIOffset)
		end := start + int(sspiLen)
		if end > len(body) {
			return nil, tdserr.New(tdserr.Protocol, "login7: SSPI data out of bounds")
		}
		l.SSPI = append([]byte(nil), body[start:end]...)
	}

	if h.OptionFlags3&Login3Extension != 0 && h.ExtensionLength > 0 {
		features, err := decodeFeatureExt(body, h.ExtensionOffset)
		if err != nil {
			return nil, tdserr.Wrap(err, tdserr.Protocol, "login7: feature extension")
		}
		l.Features = features
	}

	return l, nil
}

// decodeFeatureExt reads the FEATUREEXT chain: extOffset points to a
// 4-byte absolute offset of the first {FeatureID, DataLen, Data} entry;
// the chain ends at a FeatureTerminator id byte.
func decodeFeatureExt(body []byte, extOffset uint16) ([]FeatureOption, error) {
	if int(extOffset)+4 > len(body) {
		return nil, tdserr.New(tdserr.Protocol, "extension offset out of bounds")
	}
	pos := int(binary.LittleEndian.Uint32(body[extOffset : extOffset+4]))

	var features []FeatureOption
	for {
		if pos >= len(body) {
			return nil, tdserr.New(tdserr.Protocol, "feature extension chain runs past end of body")
		}
		id := body[pos]
		pos++
		if id == FeatureTerminator {
			return features, nil
		}
		if pos+4 > len(body) {
			return nil, tdserr.New(tdserr.Protocol, "feature extension: truncated data length")
		}
		dataLen := binary.LittleEndian.Uint32(body[pos : pos+4])
		pos += 4
		if pos+int(dataLen) > len(body) {
			return nil, tdserr.Newf(tdserr.Protocol, "feature extension 0x%02X: data out of bounds", id)
		}
		data := append([]byte(nil), body[pos:pos+int(dataLen)]...)
		pos += int(dataLen)
		features = append(features, FeatureOption{ID: id, Data: data})
	}
}

// readLoginString reads a UTF-16LE string addressed by a LOGIN7
// offset/length pair (the offset is in bytes from the start of body,
// the length in characters).
func readLoginString(body []byte, offset, length uint16) (string, error) {
	if length == 0 {
		return "", nil
	}
	start := int(offset)
	end := start + int(length)*2
	if end > len(body) {
		return "", tdserr.Newf(tdserr.Protocol, "string out of bounds: offset=%d length=%d bodyLen=%d", start, length, len(body))
	}
	out, err := utf16LE.Bytes(body[start:end])
	if err != nil {
		return "", tdserr.Wrap(err, tdserr.Encoding, "invalid UTF-16LE login string")
	}
	return string(out), nil
}

// readMangledPassword reads and de-obfuscates a LOGIN7 password field:
// each byte is XORed with 0xA5 and has its nibbles swapped on the wire.
func readMangledPassword(body []byte, offset, length uint16) (string, error) {
	if length == 0 {
		return "", nil
	}
	start := int(offset)
	end := start + int(length)*2
	if end > len(body) {
		return "", tdserr.New(tdserr.Protocol, "password data out of bounds")
	}
	mangled := append([]byte(nil), body[start:end]...)
	for i, b := range mangled {
		b ^= 0xA5
		mangled[i] = (b >> 4) | (b << 4)
	}
	out, err := utf16LE.Bytes(mangled)
	if err != nil {
		return "", tdserr.Wrap(err, tdserr.Encoding, "invalid UTF-16LE password")
	}
	return string(out), nil
}

// obfuscatePassword applies the LOGIN7 wire obfuscation (nibble swap then
// XOR 0xA5) — the inverse of readMangledPassword's de-obfuscation, used
// only by tests that need to construct a synthetic LOGIN7 body.
func obfuscatePassword(s string) ([]byte, error) {
	enc, err := ucs2(s)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(enc))
	for i, b := range enc {
		swapped := (b << 4) | (b >> 4)
		out[i] = swapped ^ 0xA5
	}
	return out, nil
}
