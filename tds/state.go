package tds

import "github.com/tdscore/tdsclient/pkg/tds"

// ConnState enumerates the client connection lifecycle. The zero value is
// start. States form a total order; the dispatcher only ever moves forward.
type ConnState int

const (
	StateStart ConnState = iota
	StateSentInitialPrelogin
	StateReceivedPreloginResponse
	StateSSLHandshakeStarted
	StateSSLHandshakeComplete
	StateSentLogin
	StateLoggedIn
)

func (s ConnState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateSentInitialPrelogin:
		return "sentInitialTDSPreLogin"
	case StateReceivedPreloginResponse:
		return "receivedTDSPreLoginResponse"
	case StateSSLHandshakeStarted:
		return "sslHandshakeStarted"
	case StateSSLHandshakeComplete:
		return "sslHandshakeComplete"
	case StateSentLogin:
		return "sentTDSLogin"
	case StateLoggedIn:
		return "loggedIn"
	default:
		return "unknown"
	}
}

// next computes the state transition for an outbound or inbound packet of
// the given type, per the transition table. Packet types not named in the
// table leave state unchanged; the machine is advisory only (see tds.Conn).
func (s ConnState) next(outbound bool, pktType tds.PacketType) ConnState {
	switch {
	case outbound && pktType == tds.PacketPrelogin && s == StateStart:
		return StateSentInitialPrelogin
	case !outbound && pktType == tds.PacketTabularResult && s == StateSentInitialPrelogin:
		return StateReceivedPreloginResponse
	case outbound && pktType == tds.PacketTDS7Login && s >= StateReceivedPreloginResponse:
		return StateSentLogin
	case !outbound && pktType == tds.PacketTabularResult && s >= StateSentLogin:
		// A loginResponse is itself carried as a tabularResult packet; the
		// preloginResponse case above only fires from
		// StateSentInitialPrelogin, so this clause only matches once the
		// login has actually been sent.
		return StateLoggedIn
	default:
		return s
	}
}

// canUpgradeTLS reports whether the TLS handshake may be kicked off from the
// current state. Only receivedTDSPreLoginResponse permits it.
func (s ConnState) canUpgradeTLS() bool {
	return s == StateReceivedPreloginResponse
}
