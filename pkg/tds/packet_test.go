package tds

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeaderWriteRead(t *testing.T) {
	h := Header{
		Type:     PacketTDS7Login,
		Status:   StatusEOM,
		Length:   42,
		SPID:     7,
		PacketID: 3,
	}

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got != h {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, h)
	}
}

func TestReadHeaderRejectsShortLength(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Type: PacketSQLBatch, Status: StatusEOM, Length: 4, SPID: 1, PacketID: 1}
	h.Write(&buf)

	_, err := ReadHeader(&buf)
	if err == nil {
		t.Fatal("expected error for length < HeaderSize")
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("expected *ProtocolError, got %T", err)
	}
}

func TestPacketEncodeDecodeRoundtrip(t *testing.T) {
	p := Packet{
		Type:     PacketSQLBatch,
		Status:   StatusEOM,
		SPID:     5,
		PacketID: 1,
		Payload:  []byte("SELECT 1"),
	}

	d := NewDecoder(0)
	pkts, err := d.Feed(p.Encode())
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("len(pkts) = %d, want 1", len(pkts))
	}
	got := pkts[0]
	if got.Type != p.Type || got.SPID != p.SPID || !bytes.Equal(got.Payload, p.Payload) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDecoderFeedPartial(t *testing.T) {
	p := Packet{Type: PacketSQLBatch, Status: StatusEOM, Payload: []byte("hello world")}
	encoded := p.Encode()

	d := NewDecoder(0)
	pkts, err := d.Feed(encoded[:5])
	if err != nil {
		t.Fatalf("Feed partial: %v", err)
	}
	if len(pkts) != 0 {
		t.Fatalf("expected no packets yet, got %d", len(pkts))
	}
	if !d.Pending() {
		t.Error("expected decoder to report pending bytes")
	}

	pkts, err = d.Feed(encoded[5:])
	if err != nil {
		t.Fatalf("Feed remainder: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("len(pkts) = %d, want 1", len(pkts))
	}
	if d.Pending() {
		t.Error("expected no pending bytes after full packet consumed")
	}
}

func TestDecoderFeedMultiplePacketsInOneChunk(t *testing.T) {
	p1 := Packet{Type: PacketSQLBatch, Status: StatusEOM, Payload: []byte("a")}
	p2 := Packet{Type: PacketSQLBatch, Status: StatusEOM, Payload: []byte("b")}

	d := NewDecoder(0)
	chunk := append(p1.Encode(), p2.Encode()...)
	pkts, err := d.Feed(chunk)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(pkts) != 2 {
		t.Fatalf("len(pkts) = %d, want 2", len(pkts))
	}
}

func TestDecoderRejectsOversizedLength(t *testing.T) {
	d := NewDecoder(16)
	p := Packet{Type: PacketSQLBatch, Status: StatusEOM, Payload: make([]byte, 64)}
	_, err := d.Feed(p.Encode())
	if err == nil {
		t.Fatal("expected error for packet exceeding maxPacketSize")
	}
}

func TestDecoderRejectsInvalidLength(t *testing.T) {
	d := NewDecoder(0)
	// Length field (bytes 2:4) set below HeaderSize.
	buf := []byte{byte(PacketSQLBatch), byte(StatusEOM), 0x00, 0x04, 0, 0, 0, 0}
	_, err := d.Feed(buf)
	if err == nil {
		t.Fatal("expected error for length < HeaderSize")
	}
}
