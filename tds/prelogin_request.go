package tds

import (
	"github.com/tdscore/tdsclient/pkg/tds"
	"github.com/tdscore/tdsclient/pkg/version"
	"go.uber.org/zap"
)

// PreloginRequest negotiates the PRELOGIN handshake: it sends the client's
// option block and, on the server's response, decides whether encryption
// must be negotiated before LOGIN7 can be sent.
//
// When Encryption is EncryptStrict the request skips encryption
// negotiation in PRELOGIN entirely, per TDS 8.0: the transport is already
// a TLS connection before any TDS byte is exchanged, so there is nothing
// left for this request to kick off.
type PreloginRequest struct {
	Version    tds.ClientVersion
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8

	// LoginOnly requests the "login-only encryption" variant: negotiate
	// and complete a full TLS handshake, but revert to plaintext framing
	// immediately after LOGIN7 is sent (see Conn.maybeRevertLoginOnly).
	LoginOnly bool

	// Response is populated once the server's PRELOGIN reply has been
	// parsed, so a caller can inspect what the server actually negotiated.
	Response *tds.PreloginResponse
}

// NewPreloginRequest builds a PreloginRequest reporting this module's own
// version as the client build.
func NewPreloginRequest(encryption uint8) *PreloginRequest {
	v := version.ClientProgVer()
	return &PreloginRequest{
		Version: tds.ClientVersion{
			Major: uint8(v >> 24),
			Minor: uint8(v >> 16),
			Build: uint16(v),
		},
		Encryption: encryption,
	}
}

func (r *PreloginRequest) start(a *allocator) ([]tds.Packet, error) {
	p := &tds.Prelogin{
		Version:    r.Version,
		Encryption: r.Encryption,
		Instance:   r.Instance,
		ThreadID:   r.ThreadID,
		MARS:       r.MARS,
	}
	return []tds.Packet{{
		Type:    tds.PacketPrelogin,
		Payload: p.Encode(),
	}}, nil
}

func (r *PreloginRequest) respond(p tds.Packet, a *allocator) ([]tds.Packet, error) {
	resp, err := tds.ParsePreloginResponse(p.Payload)
	if err != nil {
		return nil, err
	}
	r.Response = resp

	if r.Encryption == tds.EncryptStrict {
		// Already encrypted at the transport; nothing to kick off.
		return nil, nil
	}

	needsTLS := resp.Encryption == tds.EncryptOn || resp.Encryption == tds.EncryptReq ||
		r.Encryption == tds.EncryptOn || r.Encryption == tds.EncryptReq

	if !needsTLS {
		return nil, nil
	}

	return []tds.Packet{{Type: tds.PacketSSLKickoff}}, nil
}

// loginOnly lets the dispatcher recognize a login-only-encryption request
// without depending on the concrete PreloginRequest type (see Conn.dispatchInbound).
func (r *PreloginRequest) loginOnly() bool { return r.LoginOnly }

func (r *PreloginRequest) log(logger *zap.SugaredLogger) {
	logger.Debugw("prelogin request", "encryption", r.Encryption, "instance", r.Instance)
}
