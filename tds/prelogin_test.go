package tds

import "testing"

func buildClientPrelogin(enc Encryption) *Prelogin {
	p := newPrelogin()
	p.set(PreloginVersion, DefaultServerVersion().Bytes())
	p.set(PreloginEncryption, []byte{byte(enc)})
	p.set(PreloginInstOpt, []byte{0})
	p.set(PreloginThreadID, []byte{0, 0, 0x30, 0x39})
	return p
}

func TestPreloginEncodeDecodeRoundTrip(t *testing.T) {
	p := buildClientPrelogin(EncryptOff)
	encoded := p.Encode()

	got, err := DecodePrelogin(encoded)
	if err != nil {
		t.Fatalf("DecodePrelogin: %v", err)
	}

	major, minor, build, subBuild, ok := got.Version()
	if !ok || major != 15 || minor != 0 || build != 2000 || subBuild != 0 {
		t.Errorf("Version() = %d.%d.%d.%d ok=%v, want 15.0.2000.0", major, minor, build, subBuild, ok)
	}
	enc, ok := got.EncryptionOption()
	if !ok || enc != EncryptOff {
		t.Errorf("EncryptionOption() = %v, %v, want EncryptOff", enc, ok)
	}
	tid, ok := got.ThreadID()
	if !ok || tid != 0x3039 {
		t.Errorf("ThreadID() = %d, %v, want 0x3039", tid, ok)
	}
}

func TestPreloginDecodeRejectsUnknownToken(t *testing.T) {
	body := []byte{0x77, 0x00, 0x06, 0x00, 0x00, PreloginTerminator}
	if _, err := DecodePrelogin(body); err == nil {
		t.Fatal("expected error for unknown prelogin token")
	}
}

func TestPreloginDecodeRejectsTruncatedDescriptor(t *testing.T) {
	body := []byte{PreloginVersion, 0x00}
	if _, err := DecodePrelogin(body); err == nil {
		t.Fatal("expected error for truncated descriptor")
	}
}

func TestNewPreloginResponseRoundTrip(t *testing.T) {
	resp := NewPreloginResponse(DefaultServerVersion(), EncryptReq, true, false)
	encoded := resp.Encode()

	got, err := DecodePrelogin(encoded)
	if err != nil {
		t.Fatalf("DecodePrelogin: %v", err)
	}
	enc, _ := got.EncryptionOption()
	if enc != EncryptReq {
		t.Errorf("EncryptionOption() = %v, want EncryptReq", enc)
	}
	fedAuth, ok := got.FedAuthRequired()
	if !ok || !fedAuth {
		t.Errorf("FedAuthRequired() = %v, %v, want true", fedAuth, ok)
	}
}

func TestNegotiateEncryptionTable(t *testing.T) {
	tests := []struct {
		server, client, want Encryption
	}{
		{EncryptNotSup, EncryptNotSup, EncryptNotSup},
		{EncryptOff, EncryptNotSup, EncryptNotSup},
		{EncryptNotSup, EncryptOff, EncryptNotSup},
		{EncryptOff, EncryptOff, EncryptOff},
		{EncryptOn, EncryptOff, EncryptReq},
		{EncryptOff, EncryptOn, EncryptOn},
	}
	for _, tt := range tests {
		got := NegotiateEncryption(tt.server, tt.client)
		if got != tt.want {
			t.Errorf("NegotiateEncryption(server=%v, client=%v) = %v, want %v", tt.server, tt.client, got, tt.want)
		}
	}
}
