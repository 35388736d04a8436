package tds

import (
	"encoding/binary"
	"unicode/utf16"
)

// LOGIN7 option flags (client -> server).
const (
	// OptionFlags1
	FlagByteOrder uint8 = 0x01 // 0 = little endian
	FlagChar      uint8 = 0x02 // 0 = ASCII
	FlagFloat     uint8 = 0x0C
	FlagDumpLoad  uint8 = 0x10
	FlagUseDB     uint8 = 0x20
	FlagDatabase  uint8 = 0x40
	FlagSetLang   uint8 = 0x80

	// OptionFlags2
	FlagLanguage      uint8 = 0x01
	FlagODBC          uint8 = 0x02
	FlagTransBoundary uint8 = 0x04
	FlagCacheConnect  uint8 = 0x08
	FlagIntSecurity   uint8 = 0x80

	// OptionFlags3
	FlagChangePassword   uint8 = 0x01
	FlagBinaryXML        uint8 = 0x02
	FlagUserInstance     uint8 = 0x04
	FlagUnknownCollation uint8 = 0x08
	FlagExtension        uint8 = 0x10

	// TypeFlags
	FlagReadOnlyIntent uint8 = 0x20
)

// Login7HeaderSize is the fixed size of the LOGIN7 header.
const Login7HeaderSize = 94

// Login7 describes the fields the client sends in the LOGIN7 message.
// SSPI is left as raw bytes: encoding SSPI blobs is
// authentication-token-format work, out of this core's scope (see
// SPEC_FULL.md §1); callers that need it build the bytes and set the field
// directly. Feature extensions (federated auth and the like) are not
// encoded: the extension block is always empty.
type Login7 struct {
	TDSVersion    uint32
	PacketSize    uint32
	ClientProgVer uint32
	ClientPID     uint32
	ConnectionID  uint32

	OptionFlags1 uint8
	OptionFlags2 uint8
	TypeFlags    uint8
	OptionFlags3 uint8

	ClientTimeZone int32
	ClientLCID     uint32

	HostName   string
	UserName   string
	Password   string
	AppName    string
	ServerName string
	CtlIntName string
	Language   string
	Database   string

	SSPI []byte
}

// Encode serializes the LOGIN7 message: a 94-byte fixed header of offsets
// and lengths, followed by the variable-length UCS-2 fields it points into.
// Field order in the variable section matches MS-TDS and the layout the
// teacher project's ParseLogin7 expects, just written instead of read.
func (l *Login7) Encode() []byte {
	type field struct {
		value  []byte
		offset *uint16
		length *uint16
	}

	var (
		hostNameOffset, hostNameLength           uint16
		userNameOffset, userNameLength           uint16
		passwordOffset, passwordLength           uint16
		appNameOffset, appNameLength             uint16
		serverNameOffset, serverNameLength       uint16
		extensionOffset, extensionLength         uint16
		ctlIntNameOffset, ctlIntNameLength       uint16
		languageOffset, languageLength           uint16
		databaseOffset, databaseLength           uint16
		sspiOffset, sspiLength                   uint16
		atchDBFileOffset, atchDBFileLength       uint16
		changePasswordOffset, changePasswordLen  uint16
	)

	hostNameBytes := stringToUCS2(l.HostName)
	userNameBytes := stringToUCS2(l.UserName)
	passwordBytes := manglePassword(stringToUCS2(l.Password))
	appNameBytes := stringToUCS2(l.AppName)
	serverNameBytes := stringToUCS2(l.ServerName)
	ctlIntNameBytes := stringToUCS2(l.CtlIntName)
	languageBytes := stringToUCS2(l.Language)
	databaseBytes := stringToUCS2(l.Database)
	sspiBytes := l.SSPI

	fields := []field{
		{hostNameBytes, &hostNameOffset, &hostNameLength},
		{userNameBytes, &userNameOffset, &userNameLength},
		{passwordBytes, &passwordOffset, &passwordLength},
		{appNameBytes, &appNameOffset, &appNameLength},
		{serverNameBytes, &serverNameOffset, &serverNameLength},
		{nil, &extensionOffset, &extensionLength}, // no feature extensions
		{ctlIntNameBytes, &ctlIntNameOffset, &ctlIntNameLength},
		{languageBytes, &languageOffset, &languageLength},
		{databaseBytes, &databaseOffset, &databaseLength},
		{sspiBytes, &sspiOffset, &sspiLength},
		{nil, &atchDBFileOffset, &atchDBFileLength},
		{nil, &changePasswordOffset, &changePasswordLen},
	}

	offset := uint16(Login7HeaderSize)
	for _, f := range fields {
		*f.offset = offset
		if f.value == nil {
			*f.length = 0
			continue
		}
		charLen := len(f.value) / 2
		*f.length = uint16(charLen)
		offset += uint16(len(f.value))
	}

	total := int(offset)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], l.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], l.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], l.ClientProgVer)
	binary.LittleEndian.PutUint32(buf[16:20], l.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], l.ConnectionID)
	buf[24] = l.OptionFlags1
	buf[25] = l.OptionFlags2
	buf[26] = l.TypeFlags
	buf[27] = l.OptionFlags3
	binary.LittleEndian.PutUint32(buf[28:32], uint32(l.ClientTimeZone))
	binary.LittleEndian.PutUint32(buf[32:36], l.ClientLCID)

	binary.LittleEndian.PutUint16(buf[36:38], hostNameOffset)
	binary.LittleEndian.PutUint16(buf[38:40], hostNameLength)
	binary.LittleEndian.PutUint16(buf[40:42], userNameOffset)
	binary.LittleEndian.PutUint16(buf[42:44], userNameLength)
	binary.LittleEndian.PutUint16(buf[44:46], passwordOffset)
	binary.LittleEndian.PutUint16(buf[46:48], passwordLength)
	binary.LittleEndian.PutUint16(buf[48:50], appNameOffset)
	binary.LittleEndian.PutUint16(buf[50:52], appNameLength)
	binary.LittleEndian.PutUint16(buf[52:54], serverNameOffset)
	binary.LittleEndian.PutUint16(buf[54:56], serverNameLength)
	binary.LittleEndian.PutUint16(buf[56:58], extensionOffset)
	binary.LittleEndian.PutUint16(buf[58:60], extensionLength)
	binary.LittleEndian.PutUint16(buf[60:62], ctlIntNameOffset)
	binary.LittleEndian.PutUint16(buf[62:64], ctlIntNameLength)
	binary.LittleEndian.PutUint16(buf[64:66], languageOffset)
	binary.LittleEndian.PutUint16(buf[66:68], languageLength)
	binary.LittleEndian.PutUint16(buf[68:70], databaseOffset)
	binary.LittleEndian.PutUint16(buf[70:72], databaseLength)
	// ClientID (72:78) left zeroed; MAC address reporting is not required.
	binary.LittleEndian.PutUint16(buf[78:80], sspiOffset)
	binary.LittleEndian.PutUint16(buf[80:82], sspiLength)
	binary.LittleEndian.PutUint16(buf[82:84], atchDBFileOffset)
	binary.LittleEndian.PutUint16(buf[84:86], atchDBFileLength)
	binary.LittleEndian.PutUint16(buf[86:88], changePasswordOffset)
	binary.LittleEndian.PutUint16(buf[88:90], changePasswordLen)
	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPILongLength unused

	pos := Login7HeaderSize
	for _, f := range fields {
		copy(buf[pos:], f.value)
		pos += len(f.value)
	}

	return buf
}

// manglePassword applies the (non-cryptographic) LOGIN7 password obfuscation:
// bit-swap each byte's nibbles, then XOR with 0xA5. Symmetric with the
// teacher project's readMangledPassword, run in the encode direction.
func manglePassword(ucs2 []byte) []byte {
	out := make([]byte, len(ucs2))
	for i, b := range ucs2 {
		swapped := (b << 4) | (b >> 4)
		out[i] = swapped ^ 0xA5
	}
	return out
}

// stringToUCS2 converts a Go string to UCS-2 (UTF-16LE) bytes.
func stringToUCS2(s string) []byte {
	if s == "" {
		return nil
	}
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}
