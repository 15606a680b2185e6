package tds

import (
	"encoding/binary"
	"testing"
)

// buildLogin7Body assembles a minimal, well-formed LOGIN7 message body:
// the fixed 94-byte prelude followed by each variable-length field in
// turn, mirroring the offset/length table DecodeLogin7 expects.
func buildLogin7Body(t *testing.T, hostname, username, password, appname, serverName, database string) []byte {
	t.Helper()

	hostEnc, err := ucs2(hostname)
	if err != nil {
		t.Fatalf("ucs2(hostname): %v", err)
	}
	userEnc, err := ucs2(username)
	if err != nil {
		t.Fatalf("ucs2(username): %v", err)
	}
	passEnc, err := obfuscatePassword(password)
	if err != nil {
		t.Fatalf("obfuscatePassword: %v", err)
	}
	appEnc, err := ucs2(appname)
	if err != nil {
		t.Fatalf("ucs2(appname): %v", err)
	}
	serverEnc, err := ucs2(serverName)
	if err != nil {
		t.Fatalf("ucs2(servername): %v", err)
	}
	dbEnc, err := ucs2(database)
	if err != nil {
		t.Fatalf("ucs2(database): %v", err)
	}

	header := make([]byte, Login7HeaderSize)
	offset := uint16(Login7HeaderSize)

	putPair := func(offField, lenField int, data []byte, charLen int) {
		binary.LittleEndian.PutUint16(header[offField:], offset)
		binary.LittleEndian.PutUint16(header[lenField:], uint16(charLen))
		offset += uint16(len(data))
	}
	putPair(36, 38, hostEnc, len(hostname))
	putPair(40, 42, userEnc, len(username))
	putPair(44, 46, passEnc, len(password))
	putPair(48, 50, appEnc, len(appname))
	putPair(52, 54, serverEnc, len(serverName))
	// Extension offset/length (56/58): left zero, no FEATUREEXT.
	// CtlIntName (60/62): left zero.
	// Language (64/66): left zero.
	putPair(68, 70, dbEnc, len(database))

	binary.LittleEndian.PutUint32(header[4:8], VerTDS74)
	binary.LittleEndian.PutUint32(header[8:12], DefaultPacketSize)

	body := append([]byte(nil), header...)
	body = append(body, hostEnc...)
	body = append(body, userEnc...)
	body = append(body, passEnc...)
	body = append(body, appEnc...)
	body = append(body, serverEnc...)
	body = append(body, dbEnc...)

	binary.LittleEndian.PutUint32(body[0:4], uint32(len(body)))
	return body
}

func TestDecodeLogin7FieldExtraction(t *testing.T) {
	body := buildLogin7Body(t, "workstation1", "appuser", "s3cret", "myapp", "myserver", "appdb")

	login, err := DecodeLogin7(body)
	if err != nil {
		t.Fatalf("DecodeLogin7: %v", err)
	}
	if login.HostName != "workstation1" {
		t.Errorf("HostName = %q, want workstation1", login.HostName)
	}
	if login.UserName != "appuser" {
		t.Errorf("UserName = %q, want appuser", login.UserName)
	}
	if login.Password != "s3cret" {
		t.Errorf("Password = %q, want s3cret", login.Password)
	}
	if login.AppName != "myapp" {
		t.Errorf("AppName = %q, want myapp", login.AppName)
	}
	if login.Database != "appdb" {
		t.Errorf("Database = %q, want appdb", login.Database)
	}
	if login.Header.TDSVersion != VerTDS74 {
		t.Errorf("TDSVersion = %#x, want %#x", login.Header.TDSVersion, VerTDS74)
	}
}

func TestDecodeLogin7RejectsShortBody(t *testing.T) {
	if _, err := DecodeLogin7(make([]byte, 10)); err == nil {
		t.Fatal("expected error for body shorter than the fixed prelude")
	}
}

func TestLogin7FeatureLookupMiss(t *testing.T) {
	login := &Login7{}
	if _, ok := login.Feature(FeatureFedAuth); ok {
		t.Fatal("Feature() ok = true, want false on empty Features")
	}
}

func TestLogin7IsIntegratedAuthAndReadOnlyIntent(t *testing.T) {
	login := &Login7{Header: Login7Header{OptionFlags2: Login2IntSecurity, TypeFlags: LoginTypeReadOnlyIntent}}
	if !login.IsIntegratedAuth() {
		t.Error("IsIntegratedAuth() = false, want true")
	}
	if !login.IsReadOnlyIntent() {
		t.Error("IsReadOnlyIntent() = false, want true")
	}
}
