package tds

import "testing"

func TestPreloginEncodeParseRoundtrip(t *testing.T) {
	p := &Prelogin{
		Version:    ClientVersion{Major: 1, Minor: 2, Build: 3, SubBuild: 4},
		Encryption: EncryptOn,
		Instance:   "MSSQLSERVER",
		ThreadID:   99,
		MARS:       0,
	}
	encoded := p.Encode()

	// The client's own Encode output is not meant to be parsed by
	// ParsePreloginResponse (that parses the server's reply, a distinct
	// wire shape in MS-TDS only in that the option set differs by
	// direction); here we check that it parses as an option block and that
	// the shared fields come back unchanged, since both directions share
	// the same token/offset/length framing.
	resp, err := ParsePreloginResponse(encoded)
	if err != nil {
		t.Fatalf("ParsePreloginResponse: %v", err)
	}
	if resp.Version != p.Version {
		t.Errorf("Version = %+v, want %+v", resp.Version, p.Version)
	}
	if resp.Encryption != p.Encryption {
		t.Errorf("Encryption = %v, want %v", resp.Encryption, p.Encryption)
	}
	if resp.Instance != p.Instance {
		t.Errorf("Instance = %q, want %q", resp.Instance, p.Instance)
	}
	if resp.ThreadID != p.ThreadID {
		t.Errorf("ThreadID = %d, want %d", resp.ThreadID, p.ThreadID)
	}
}

func TestParsePreloginResponseEmpty(t *testing.T) {
	_, err := ParsePreloginResponse(nil)
	if err == nil {
		t.Fatal("expected error for empty response")
	}
}

func TestParsePreloginResponseTruncatedHeader(t *testing.T) {
	_, err := ParsePreloginResponse([]byte{PreloginVersion, 0x00})
	if err == nil {
		t.Fatal("expected error for truncated option header")
	}
}

func TestVersionString(t *testing.T) {
	tests := []struct {
		ver  uint32
		want string
	}{
		{VerTDS74, "7.4"},
		{VerTDS80, "8.0"},
		{0x12345678, "unknown (0x12345678)"},
	}
	for _, tt := range tests {
		if got := VersionString(tt.ver); got != tt.want {
			t.Errorf("VersionString(0x%08X) = %q, want %q", tt.ver, got, tt.want)
		}
	}
}
