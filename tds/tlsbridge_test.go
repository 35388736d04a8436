package tds

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/tdscore/tdsclient/pkg/tds"
	"github.com/tdscore/tdsclient/pkg/tlsutil"
)

// serverBridge is the fake TLS server's counterpart to the client's
// bridgeConn: during the handshake it decodes PRELOGIN-framed packets
// straight off conn and hands their payload to the TLS engine, and frames
// outbound handshake bytes as PRELOGIN packets; once markPassthrough is
// called it shuttles bytes straight to/from conn. Unlike bridgeConn it does
// all of its own I/O synchronously (no io.Pipe, no separate goroutine
// coordination), since a fake test server has none of the dispatcher's
// single-threaded-executor constraints the client side does.
type serverBridge struct {
	conn        net.Conn
	dec         *tds.Decoder
	pending     []byte
	passthrough bool
	seq         uint8
}

func newServerBridge(conn net.Conn) *serverBridge {
	return &serverBridge{conn: conn, dec: tds.NewDecoder(0)}
}

func (b *serverBridge) markPassthrough() { b.passthrough = true }

func (b *serverBridge) Read(p []byte) (int, error) {
	if b.passthrough {
		return b.conn.Read(p)
	}
	for len(b.pending) == 0 {
		buf := make([]byte, 4096)
		n, err := b.conn.Read(buf)
		if err != nil {
			return 0, err
		}
		pkts, err := b.dec.Feed(buf[:n])
		if err != nil {
			return 0, err
		}
		for _, pkt := range pkts {
			if pkt.Type != tds.PacketPrelogin {
				return 0, fmt.Errorf("unexpected packet type %v during handshake", pkt.Type)
			}
			b.pending = append(b.pending, pkt.Payload...)
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *serverBridge) Write(p []byte) (int, error) {
	if b.passthrough {
		return b.conn.Write(p)
	}
	b.seq++
	if b.seq == 0 {
		b.seq = 1
	}
	pkt := tds.Packet{Type: tds.PacketPrelogin, Status: tds.StatusEOM, PacketID: b.seq, Payload: p}
	if _, err := b.conn.Write(pkt.Encode()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *serverBridge) Close() error                       { return nil }
func (b *serverBridge) LocalAddr() net.Addr                { return b.conn.LocalAddr() }
func (b *serverBridge) RemoteAddr() net.Addr               { return b.conn.RemoteAddr() }
func (b *serverBridge) SetDeadline(t time.Time) error      { return nil }
func (b *serverBridge) SetReadDeadline(t time.Time) error  { return nil }
func (b *serverBridge) SetWriteDeadline(t time.Time) error { return nil }

// fakeServerTLS drives the server side of a full (non-login-only) TLS
// negotiation: PRELOGIN requesting encryption, an in-band TLS handshake
// framed as PRELOGIN packets, then LOGIN7 and its ack carried as ordinary
// TDS packets inside TLS application data.
func fakeServerTLS(t *testing.T, conn net.Conn, tlsConfig *tls.Config) {
	t.Helper()

	dec := tds.NewDecoder(0)
	readPacket := func() tds.Packet {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				t.Logf("fakeServerTLS read: %v", err)
				return tds.Packet{}
			}
			pkts, err := dec.Feed(buf[:n])
			if err != nil {
				t.Logf("fakeServerTLS decode: %v", err)
				return tds.Packet{}
			}
			if len(pkts) > 0 {
				return pkts[0]
			}
		}
	}

	p := readPacket()
	if p.Type != tds.PacketPrelogin {
		t.Errorf("fakeServerTLS: first packet type = %v, want PacketPrelogin", p.Type)
		return
	}

	resp := (&tds.Prelogin{Version: tds.ClientVersion{Major: 15}, Encryption: tds.EncryptOn}).Encode()
	conn.Write(tds.Packet{Type: tds.PacketTabularResult, Status: tds.StatusEOM, Payload: resp}.Encode())

	bridge := newServerBridge(conn)
	tlsConn := tls.Server(bridge, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		t.Errorf("fakeServerTLS: handshake: %v", err)
		return
	}
	bridge.markPassthrough()

	tlsDec := tds.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := tlsConn.Read(buf)
		if err != nil {
			t.Errorf("fakeServerTLS: read login7: %v", err)
			return
		}
		pkts, err := tlsDec.Feed(buf[:n])
		if err != nil {
			t.Errorf("fakeServerTLS: decode login7: %v", err)
			return
		}
		if len(pkts) > 0 {
			if pkts[0].Type != tds.PacketTDS7Login {
				t.Errorf("fakeServerTLS: got packet type %v, want PacketTDS7Login", pkts[0].Type)
			}
			break
		}
	}

	ack := tds.Packet{Type: tds.PacketTabularResult, Status: tds.StatusEOM, Payload: []byte{tokenLoginAck}}.Encode()
	tlsConn.Write(ack)
}

func TestConnFullEncryptionHandshakeAndLogin(t *testing.T) {
	serverTLSConfig, err := tlsutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go fakeServerTLS(t, serverSide, serverTLSConfig)

	c := NewConn(clientSide, WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	preloginReq := NewPreloginRequest(tds.EncryptOn)
	rc, err := c.Submit(ctx, preloginReq)
	if err != nil {
		t.Fatalf("Submit(prelogin): %v", err)
	}
	if err := rc.Wait(); err != nil {
		t.Fatalf("prelogin failed: %v", err)
	}
	if c.State() != StateSSLHandshakeComplete {
		t.Fatalf("state after prelogin = %v, want %v", c.State(), StateSSLHandshakeComplete)
	}

	loginReq := &Login7Request{
		Auth:       StaticCredentials{Username: "sa", Password: "secret"},
		AppName:    "tdsclient-test",
		ServerName: "localhost",
		Database:   "master",
	}
	rc, err = c.Submit(ctx, loginReq)
	if err != nil {
		t.Fatalf("Submit(login): %v", err)
	}
	if err := rc.Wait(); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !loginReq.Succeeded {
		t.Error("expected Login7Request.Succeeded to be true")
	}
	if c.State() != StateLoggedIn {
		t.Errorf("final state = %v, want %v", c.State(), StateLoggedIn)
	}
}

// TestConnTLSRequestedWithoutConfigFails covers the case where the server's
// PRELOGIN response asks for encryption but the Conn was never given a
// tls.Config: the active request must fail with a protocol error and the
// connection must close, rather than starting a handshake against a nil
// configuration.
func TestConnTLSRequestedWithoutConfigFails(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	go func() {
		dec := tds.NewDecoder(0)
		buf := make([]byte, 4096)
		for {
			n, err := serverSide.Read(buf)
			if err != nil {
				return
			}
			pkts, err := dec.Feed(buf[:n])
			if err != nil {
				return
			}
			if len(pkts) > 0 {
				break
			}
		}
		resp := (&tds.Prelogin{Version: tds.ClientVersion{Major: 15}, Encryption: tds.EncryptOn}).Encode()
		serverSide.Write(tds.Packet{Type: tds.PacketTabularResult, Status: tds.StatusEOM, Payload: resp}.Encode())
	}()

	c := NewConn(clientSide)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rc, err := c.Submit(ctx, NewPreloginRequest(tds.EncryptOn))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	err = rc.Wait()
	if err == nil {
		t.Fatal("expected an error when encryption is requested but no TLS config was provided")
	}

	var protoErr *tds.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error = %v (%T), want *tds.ProtocolError", err, err)
	}
	const wantMsg = "Encryption was requested but a TLS Configuration was not provided."
	if protoErr.Detail != wantMsg {
		t.Errorf("Detail = %q, want %q", protoErr.Detail, wantMsg)
	}

	if c.State() == StateLoggedIn {
		t.Error("connection should not have reached loggedIn")
	}
}
