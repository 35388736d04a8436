package tds

import (
	"testing"

	"github.com/tdscore/tdsclient/pkg/tds"
)

func TestStateTransitionsHappyPath(t *testing.T) {
	s := StateStart

	s = s.next(true, tds.PacketPrelogin)
	if s != StateSentInitialPrelogin {
		t.Fatalf("after outbound prelogin: %v, want %v", s, StateSentInitialPrelogin)
	}

	s = s.next(false, tds.PacketTabularResult)
	if s != StateReceivedPreloginResponse {
		t.Fatalf("after inbound preloginResponse: %v, want %v", s, StateReceivedPreloginResponse)
	}
	if !s.canUpgradeTLS() {
		t.Error("expected canUpgradeTLS() true at receivedTDSPreLoginResponse")
	}

	s = s.next(true, tds.PacketTDS7Login)
	if s != StateSentLogin {
		t.Fatalf("after outbound tds7Login: %v, want %v", s, StateSentLogin)
	}

	s = s.next(false, tds.PacketTabularResult)
	if s != StateLoggedIn {
		t.Fatalf("after inbound loginResponse: %v, want %v", s, StateLoggedIn)
	}
}

func TestStateUnrecognizedTransitionLeavesStateUnchanged(t *testing.T) {
	s := StateStart
	got := s.next(true, tds.PacketSQLBatch)
	if got != StateStart {
		t.Errorf("unrecognized transition changed state: %v, want %v", got, StateStart)
	}
}

func TestCanUpgradeTLSOnlyAtReceivedPreloginResponse(t *testing.T) {
	for _, s := range []ConnState{StateStart, StateSentInitialPrelogin, StateSSLHandshakeStarted, StateSSLHandshakeComplete, StateSentLogin, StateLoggedIn} {
		if s.canUpgradeTLS() {
			t.Errorf("state %v should not permit TLS upgrade", s)
		}
	}
	if !StateReceivedPreloginResponse.canUpgradeTLS() {
		t.Error("receivedTDSPreLoginResponse should permit TLS upgrade")
	}
}
