package tds

import (
	"encoding/binary"
	"testing"
)

func TestManglePasswordRoundtrip(t *testing.T) {
	original := stringToUCS2("Hunter2!")
	mangled := manglePassword(original)

	// The wire-level demangling MS-TDS (and the teacher project's listener)
	// performs is: b := mangled ^ 0xA5; out := (b>>4)|(b<<4).
	demangled := make([]byte, len(mangled))
	for i, b := range mangled {
		x := b ^ 0xA5
		demangled[i] = (x >> 4) | (x << 4)
	}

	for i := range original {
		if demangled[i] != original[i] {
			t.Fatalf("byte %d: got 0x%02X, want 0x%02X", i, demangled[i], original[i])
		}
	}
}

func TestStringToUCS2Empty(t *testing.T) {
	if got := stringToUCS2(""); got != nil {
		t.Errorf("stringToUCS2(\"\") = %v, want nil", got)
	}
}

func TestLogin7EncodeHeaderFields(t *testing.T) {
	l := &Login7{
		TDSVersion:    VerTDS74,
		PacketSize:    4096,
		ClientProgVer: 0x01000000,
		HostName:      "myhost",
		UserName:      "sa",
		Password:      "secret",
		AppName:       "tdsclient-test",
		ServerName:    "db.example.com",
		Database:      "master",
	}
	buf := l.Encode()

	if len(buf) < Login7HeaderSize {
		t.Fatalf("encoded login7 shorter than fixed header: %d bytes", len(buf))
	}

	totalLen := binary.LittleEndian.Uint32(buf[0:4])
	if int(totalLen) != len(buf) {
		t.Errorf("total length field = %d, want %d", totalLen, len(buf))
	}

	tdsVer := binary.LittleEndian.Uint32(buf[4:8])
	if tdsVer != VerTDS74 {
		t.Errorf("TDSVersion = 0x%08X, want 0x%08X", tdsVer, VerTDS74)
	}

	hostOff := binary.LittleEndian.Uint16(buf[36:38])
	hostLen := binary.LittleEndian.Uint16(buf[38:40])
	if int(hostOff) != Login7HeaderSize {
		t.Errorf("hostname offset = %d, want %d", hostOff, Login7HeaderSize)
	}
	if int(hostLen) != len("myhost") {
		t.Errorf("hostname length = %d, want %d", hostLen, len("myhost"))
	}
}

func TestLogin7EncodeEmptyFieldsHaveZeroLength(t *testing.T) {
	l := &Login7{}
	buf := l.Encode()
	if len(buf) != Login7HeaderSize {
		t.Fatalf("encoded length = %d, want exactly the fixed header (%d)", len(buf), Login7HeaderSize)
	}
}
