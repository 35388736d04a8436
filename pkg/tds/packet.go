// Package tds implements the wire-level framing of the Tabular Data Stream
// (TDS) protocol used by SQL Server-compatible database servers.
//
// This package is the client-side counterpart of the packet layer the aul
// project implements for its TDS listener: an 8-byte header followed by a
// payload. The Decoder emits every packet on its own; continuation packets
// are not joined into one logical message here. It knows nothing about what a message contains once framed; token and row
// decoding live above this layer, outside this module's scope.
package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the type of TDS packet. Values match the MS-TDS wire
// codes; PacketSSLKickoff is a pseudo-type that never appears on the wire.
type PacketType uint8

const (
	// PacketSQLBatch carries an ad-hoc SQL batch from client to server.
	PacketSQLBatch PacketType = 1

	// PacketRPCRequest carries a stored-procedure call from client to server.
	PacketRPCRequest PacketType = 3

	// PacketTabularResult is the server's generic reply packet type. It
	// carries the PRELOGIN response, the LOGIN7 response, and ordinary
	// result-set token streams alike; which of those it is follows from the
	// connection's state when the packet arrives, not from the wire byte.
	PacketTabularResult PacketType = 4

	// PacketAttention cancels a running request.
	PacketAttention PacketType = 6

	// PacketBulkLoad carries bulk insert data.
	PacketBulkLoad PacketType = 7

	// PacketFedAuthToken carries a federated authentication token.
	PacketFedAuthToken PacketType = 8

	// PacketTransMgrReq carries distributed transaction management requests.
	PacketTransMgrReq PacketType = 14

	// PacketTDS7Login carries the TDS 7.x LOGIN7 message.
	PacketTDS7Login PacketType = 16

	// PacketSSPIMessage carries SSPI/Windows authentication continuation data.
	PacketSSPIMessage PacketType = 17

	// PacketPrelogin carries the PRELOGIN negotiation, and, during the
	// handshake window, TLS handshake records wrapped as its payload.
	PacketPrelogin PacketType = 18

	// PacketSSLKickoff is an internal sentinel, never serialized to the
	// wire. A Request returns it from Respond to ask the dispatcher to
	// install the TLS bridge (see Conn.handleSSLKickoff in the root tds package).
	PacketSSLKickoff PacketType = 0xF0
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketTabularResult:
		return "TABULAR_RESULT"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketTransMgrReq:
		return "TRANS_MGR_REQ"
	case PacketTDS7Login:
		return "TDS7_LOGIN"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	case PacketSSLKickoff:
		return "SSL_KICKOFF(internal)"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PacketStatus holds the per-packet status bit flags.
type PacketStatus uint8

const (
	// StatusNormal indicates more packets follow in this message.
	StatusNormal PacketStatus = 0x00

	// StatusEOM marks the final packet of a logical message.
	StatusEOM PacketStatus = 0x01

	// StatusIgnore marks a packet the peer should disregard.
	StatusIgnore PacketStatus = 0x02

	// StatusResetConnection requests the server reset session state.
	StatusResetConnection PacketStatus = 0x08

	// StatusResetConnectionSkipTran is like StatusResetConnection but
	// preserves the current transaction.
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

// EndOfMessage reports whether the end-of-message bit is set.
func (s PacketStatus) EndOfMessage() bool {
	return s&StatusEOM != 0
}

// HeaderSize is the size of a TDS packet header in bytes.
const HeaderSize = 8

// DefaultPacketSize is the packet size negotiated in the absence of any
// other configuration.
const DefaultPacketSize = 4096

// MaxPacketSize is the largest packet size the protocol allows.
const MaxPacketSize = 32767

// MinPacketSize is the smallest packet size the protocol allows.
const MinPacketSize = 512

// Header is the fixed 8-byte prefix of every TDS packet.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // total packet length, header included
	SPID     uint16
	PacketID uint8
	Window   uint8 // reserved, always 0
}

// PayloadLength returns the number of payload bytes described by the header.
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// ReadHeader reads and validates a single packet header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	h := Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
	if h.Length < HeaderSize {
		return Header{}, &ProtocolError{Detail: fmt.Sprintf("invalid packet length %d", h.Length)}
	}
	return h, nil
}

// Write serializes the header to w.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	_, err := w.Write(buf[:])
	return err
}

// Packet is a fully framed TDS packet: header plus payload.
type Packet struct {
	Type     PacketType
	Status   PacketStatus
	SPID     uint16
	PacketID uint8
	Payload  []byte
}

// Encode serializes the packet to its wire representation, allocating a new
// buffer. Equivalent to EncodeInto(nil).
func (p Packet) Encode() []byte {
	return p.EncodeInto(nil)
}

// EncodeInto serializes the packet into buf when buf is large enough to
// hold it, avoiding an allocation on the hot per-packet write path; it
// allocates a fresh buffer otherwise. The returned slice is always the one
// to use, whether or not buf was reused.
func (p Packet) EncodeInto(buf []byte) []byte {
	n := HeaderSize + len(p.Payload)
	if cap(buf) < n {
		buf = make([]byte, n)
	} else {
		buf = buf[:n]
	}
	buf[0] = byte(p.Type)
	buf[1] = byte(p.Status)
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	binary.BigEndian.PutUint16(buf[4:6], p.SPID)
	buf[6] = p.PacketID
	buf[7] = 0
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// Decoder reassembles Packet values out of an arbitrarily-chunked byte
// stream. It never blocks on short input: Feed returns as many complete
// packets as the buffered bytes allow and retains any remainder for the
// next call, which is what lets the TLS upgrade swap decoder instances
// without losing bytes already read off the wire (see tds.Conn).
type Decoder struct {
	maxPacketSize int
	buf           []byte
}

// NewDecoder returns a Decoder that rejects packets larger than
// maxPacketSize. A value <= 0 uses MaxPacketSize.
func NewDecoder(maxPacketSize int) *Decoder {
	if maxPacketSize <= 0 {
		maxPacketSize = MaxPacketSize
	}
	return &Decoder{maxPacketSize: maxPacketSize}
}

// Feed appends newly-read bytes and returns every packet that is now fully
// buffered, in order.
func (d *Decoder) Feed(chunk []byte) ([]Packet, error) {
	d.buf = append(d.buf, chunk...)

	var out []Packet
	for {
		if len(d.buf) < HeaderSize {
			return out, nil
		}

		length := binary.BigEndian.Uint16(d.buf[2:4])
		if int(length) < HeaderSize {
			return out, &ProtocolError{Detail: fmt.Sprintf("invalid packet length %d", length)}
		}
		if int(length) > d.maxPacketSize {
			return out, &ProtocolError{Detail: fmt.Sprintf("packet length %d exceeds maximum %d", length, d.maxPacketSize)}
		}
		if len(d.buf) < int(length) {
			return out, nil
		}

		out = append(out, Packet{
			Type:     PacketType(d.buf[0]),
			Status:   PacketStatus(d.buf[1]),
			SPID:     binary.BigEndian.Uint16(d.buf[4:6]),
			PacketID: d.buf[6],
			Payload:  append([]byte(nil), d.buf[HeaderSize:length]...),
		})
		d.buf = d.buf[length:]
	}
}

// Pending reports whether the decoder is holding partial bytes for a packet
// that has not yet fully arrived.
func (d *Decoder) Pending() bool {
	return len(d.buf) > 0
}
