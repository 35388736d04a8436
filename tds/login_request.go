package tds

import (
	"github.com/tdscore/tdsclient/pkg/tds"
	"github.com/tdscore/tdsclient/pkg/version"
	"go.uber.org/zap"
)

// Authenticator supplies the username/password pair placed in LOGIN7.
// Implemented as an interface rather than a plain struct field so a future
// SSPI/Azure-AD token scheme can be substituted without changing
// Login7Request's shape; this core only ships the plain-credential case.
type Authenticator interface {
	Credentials() (username, password string)
}

// StaticCredentials is the plain-credential Authenticator.
type StaticCredentials struct {
	Username string
	Password string
}

// Credentials implements Authenticator.
func (s StaticCredentials) Credentials() (string, string) { return s.Username, s.Password }

// TokenSink receives the raw LOGINACK/ENVCHANGE/INFO/ERROR token bytes
// carried in the server's loginResponse, undecoded. Decoding those tokens
// is out of this core's scope (see the package doc); a caller that needs
// them supplies a sink and does its own parsing.
type TokenSink func(payload []byte)

// loginAckToken is the single byte this core itself inspects in the
// loginResponse token stream: LOGINACK (0xAD) signals success, ERROR
// (0xAA) signals failure. Everything else in the stream is opaque to this
// core and handed to TokenSink verbatim.
const (
	tokenLoginAck = 0xAD
	tokenError    = 0xAA
)

// Login7Request builds and sends the LOGIN7 message and treats the first
// loginResponse packet as terminal: LOGINACK present means success, an
// ERROR token ahead of it means failure.
type Login7Request struct {
	Auth       Authenticator
	AppName    string
	ServerName string
	Database   string
	Language   string
	HostName   string
	PacketSize uint32

	// LoginOnly mirrors the matching PreloginRequest.LoginOnly. The
	// dispatcher does not consult it: the dispatcher reads a request's
	// loginOnly() only when that request returns the SSL kickoff sentinel,
	// which Login7Request never does, so the revert after LOGIN7
	// (maybeRevertLoginOnly, via Conn.tlsLoginOnly) is governed by
	// PreloginRequest.LoginOnly alone.
	LoginOnly bool

	Sink TokenSink

	// Succeeded is set once respond reaches a terminal decision.
	Succeeded bool
}

func (r *Login7Request) start(a *allocator) ([]tds.Packet, error) {
	user, pass := "", ""
	if r.Auth != nil {
		user, pass = r.Auth.Credentials()
	}

	packetSize := r.PacketSize
	if packetSize == 0 {
		packetSize = tds.DefaultPacketSize
	}

	l := &tds.Login7{
		TDSVersion:     tds.VerTDS74,
		PacketSize:     packetSize,
		ClientProgVer:  version.ClientProgVer(),
		ClientPID:      0,
		OptionFlags1:   tds.FlagUseDB | tds.FlagSetLang,
		OptionFlags2:   0,
		ClientTimeZone: 0,
		ClientLCID:     0x00000409, // en-US
		HostName:       r.HostName,
		UserName:       user,
		Password:       pass,
		AppName:        r.AppName,
		ServerName:     r.ServerName,
		Language:       r.Language,
		Database:       r.Database,
	}

	return []tds.Packet{{
		Type:    tds.PacketTDS7Login,
		Payload: l.Encode(),
	}}, nil
}

func (r *Login7Request) respond(p tds.Packet, a *allocator) ([]tds.Packet, error) {
	if r.Sink != nil {
		r.Sink(p.Payload)
	}

	for _, b := range p.Payload {
		switch b {
		case tokenLoginAck:
			r.Succeeded = true
		case tokenError:
			// An ERROR token fails the login, whatever follows it.
			r.Succeeded = false
			return nil, &tds.ProtocolError{Detail: "login failed: server returned an error token"}
		}
	}

	if !p.Status.EndOfMessage() {
		// More continuation packets belong to the same logical message;
		// keep waiting for the end signal.
		return []tds.Packet{}, nil
	}

	if !r.Succeeded {
		return nil, &tds.ProtocolError{Detail: "login failed: server returned an error token"}
	}
	return nil, nil
}

func (r *Login7Request) loginOnly() bool { return r.LoginOnly }

func (r *Login7Request) log(logger *zap.SugaredLogger) {
	logger.Debugw("login7 request", "server", r.ServerName, "database", r.Database, "app", r.AppName)
}
