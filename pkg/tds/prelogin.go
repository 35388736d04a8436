package tds

import (
	"encoding/binary"
	"fmt"
)

// TDS protocol versions.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS73B    uint32 = 0x730B0003
	VerTDS74     uint32 = 0x74000004
	VerTDS80     uint32 = 0x08000000 // TDS 8.0 (strict encryption)
)

// VersionString returns a human-readable version string.
func VersionString(ver uint32) string {
	switch ver {
	case VerTDS70:
		return "7.0"
	case VerTDS71:
		return "7.1"
	case VerTDS71Rev1:
		return "7.1 Rev 1"
	case VerTDS72:
		return "7.2"
	case VerTDS73A:
		return "7.3A"
	case VerTDS73B:
		return "7.3B"
	case VerTDS74:
		return "7.4"
	case VerTDS80:
		return "8.0"
	default:
		return fmt.Sprintf("unknown (0x%08X)", ver)
	}
}

// Prelogin option tokens.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTraceID    uint8 = 0x05
	PreloginFedAuth    uint8 = 0x06
	PreloginNonceOpt   uint8 = 0x07
	PreloginTerminator uint8 = 0xFF
)

// Encryption options for prelogin.
const (
	EncryptOff    uint8 = 0x00 // encryption available but off
	EncryptOn     uint8 = 0x01 // encryption available and on
	EncryptNotSup uint8 = 0x02 // encryption not supported
	EncryptReq    uint8 = 0x03 // encryption required
	EncryptStrict uint8 = 0x04 // strict encryption (TDS 8.0)
)

// ClientVersion describes the client build reported in PRELOGIN and LOGIN7.
type ClientVersion struct {
	Major    uint8
	Minor    uint8
	Build    uint16
	SubBuild uint16
}

// Bytes returns the 6-byte wire representation of the version.
func (v ClientVersion) Bytes() []byte {
	buf := make([]byte, 6)
	buf[0] = v.Major
	buf[1] = v.Minor
	binary.BigEndian.PutUint16(buf[2:4], v.Build)
	binary.BigEndian.PutUint16(buf[4:6], v.SubBuild)
	return buf
}

// Prelogin is the client's outbound PRELOGIN option block.
type Prelogin struct {
	Version    ClientVersion
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
}

type preloginOption struct {
	token uint8
	data  []byte
}

// Encode serializes the PRELOGIN option block: an array of 5-byte option
// headers (token, offset, length) terminated by PreloginTerminator, followed
// by the concatenated option payloads.
func (p *Prelogin) Encode() []byte {
	instance := append([]byte(p.Instance), 0) // null-terminated

	threadID := make([]byte, 4)
	binary.BigEndian.PutUint32(threadID, p.ThreadID)

	opts := []preloginOption{
		{PreloginVersion, p.Version.Bytes()},
		{PreloginEncryption, []byte{p.Encryption}},
		{PreloginInstOpt, instance},
		{PreloginThreadID, threadID},
		{PreloginMARS, []byte{p.MARS}},
	}

	headerSize := len(opts)*5 + 1
	buf := make([]byte, headerSize)
	pos := 0
	offset := uint16(headerSize)
	for _, opt := range opts {
		buf[pos] = opt.token
		binary.BigEndian.PutUint16(buf[pos+1:pos+3], offset)
		binary.BigEndian.PutUint16(buf[pos+3:pos+5], uint16(len(opt.data)))
		pos += 5
		offset += uint16(len(opt.data))
	}
	buf[pos] = PreloginTerminator

	for _, opt := range opts {
		buf = append(buf, opt.data...)
	}
	return buf
}

// PreloginResponse is the server's PRELOGIN reply, parsed from the payload
// of the first PacketTabularResult packet received after PacketPrelogin is
// sent.
type PreloginResponse struct {
	Version    ClientVersion
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
}

type preloginOptionHeader struct {
	token  uint8
	offset uint16
	length uint16
}

// ParsePreloginResponse parses the server's PRELOGIN response option block.
func ParsePreloginResponse(data []byte) (*PreloginResponse, error) {
	if len(data) == 0 {
		return nil, &ProtocolError{Detail: "empty prelogin response"}
	}

	headers := make(map[uint8]preloginOptionHeader)
	offset := 0
	for {
		if offset >= len(data) {
			return nil, &ProtocolError{Detail: "prelogin response truncated reading option headers"}
		}
		token := data[offset]
		if token == PreloginTerminator {
			break
		}
		if offset+5 > len(data) {
			return nil, &ProtocolError{Detail: "prelogin response option header truncated"}
		}
		headers[token] = preloginOptionHeader{
			token:  token,
			offset: binary.BigEndian.Uint16(data[offset+1 : offset+3]),
			length: binary.BigEndian.Uint16(data[offset+3 : offset+5]),
		}
		offset += 5
	}

	r := &PreloginResponse{}
	for token, h := range headers {
		start, end := int(h.offset), int(h.offset)+int(h.length)
		if end > len(data) {
			return nil, &ProtocolError{Detail: fmt.Sprintf("prelogin response option %d out of bounds", token)}
		}
		value := data[start:end]

		switch token {
		case PreloginVersion:
			if len(value) >= 6 {
				r.Version = ClientVersion{
					Major:    value[0],
					Minor:    value[1],
					Build:    binary.BigEndian.Uint16(value[2:4]),
					SubBuild: binary.BigEndian.Uint16(value[4:6]),
				}
			}
		case PreloginEncryption:
			if len(value) >= 1 {
				r.Encryption = value[0]
			}
		case PreloginInstOpt:
			for i, b := range value {
				if b == 0 {
					r.Instance = string(value[:i])
					break
				}
			}
		case PreloginThreadID:
			if len(value) >= 4 {
				r.ThreadID = binary.BigEndian.Uint32(value)
			}
		case PreloginMARS:
			if len(value) >= 1 {
				r.MARS = value[0]
			}
		}
	}

	return r, nil
}
