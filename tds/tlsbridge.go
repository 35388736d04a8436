package tds

import (
	"crypto/tls"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/tdscore/tdsclient/pkg/tds"
)

// bridgeConn is the net.Conn the TLS engine is handed for its entire life.
// It inverts the direction of the teacher project's tlsHandshakeConn: where
// the server unwraps a client's PRELOGIN-wrapped ClientHello, this wraps the
// client's outbound handshake records as PRELOGIN packets and unwraps the
// server's PRELOGIN-typed responses back into a plain byte stream for
// tls.Client to read. Inbound handshake bytes arrive via an io.Pipe the
// dispatcher feeds as it receives prelogin-typed packets; this is what lets
// "no inbound packets delivered during reconfiguration" hold even though the
// TLS engine runs its own goroutine for Handshake.
//
// bridgeConn stays installed as tlsConn's underlying net.Conn for the whole
// life of the encrypted pipeline, not just the handshake: crypto/tls has no
// way to swap the conn a *tls.Conn was constructed with, so instead the
// bridge itself switches modes. During the handshake it frames the TLS
// engine's bytes as PRELOGIN packets (the wire only accepts TDS packet
// framing before LOGIN7 completes); once markPassthrough is called it
// stops framing entirely and shuttles bytes straight to/from the transport,
// matching the post-handshake wire reality where TLS records ride directly
// on the socket.
type bridgeConn struct {
	c       *Conn
	inboundR *io.PipeReader
	inboundW *io.PipeWriter

	passthrough atomic.Bool
}

func newBridgeConn(c *Conn) *bridgeConn {
	r, w := io.Pipe()
	return &bridgeConn{c: c, inboundR: r, inboundW: w}
}

// markPassthrough switches the bridge out of handshake framing. Called once,
// from the dispatcher goroutine, immediately after Handshake() returns and
// before c.reader/c.writer are repointed at tlsConn.
func (b *bridgeConn) markPassthrough() {
	b.passthrough.Store(true)
	b.inboundW.Close()
}

// feed delivers a prelogin-typed inbound packet's payload to the TLS engine.
// Called only from the dispatcher goroutine while state is
// sslHandshakeStarted.
func (b *bridgeConn) feed(payload []byte) error {
	_, err := b.inboundW.Write(payload)
	return err
}

func (b *bridgeConn) Read(p []byte) (int, error) {
	if b.passthrough.Load() {
		return b.c.transport.Read(p)
	}
	return b.inboundR.Read(p)
}

// Write wraps p as the payload of one PRELOGIN packet with endOfMessage set
// and writes it straight to the transport, bypassing the normal
// Request-driven write path since the handshake is not itself a Request.
// Once passthrough is set, encrypted application data goes straight to the
// transport unframed.
func (b *bridgeConn) Write(p []byte) (int, error) {
	if b.passthrough.Load() {
		if err := b.c.writeRawTo(b.c.transport, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	pkt := tds.Packet{
		Type:     tds.PacketPrelogin,
		Status:   tds.StatusEOM,
		SPID:     b.c.spid,
		PacketID: b.c.nextPacketID(),
		Payload:  p,
	}
	buf := b.c.alloc.Get(tds.HeaderSize + len(p))
	encoded := pkt.EncodeInto(buf)
	err := b.c.writeRawTo(b.c.transport, encoded)
	b.c.alloc.Put(encoded)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *bridgeConn) Close() error                       { b.inboundW.Close(); return nil }
func (b *bridgeConn) LocalAddr() net.Addr                { return b.c.transport.LocalAddr() }
func (b *bridgeConn) RemoteAddr() net.Addr               { return b.c.transport.RemoteAddr() }
func (b *bridgeConn) SetDeadline(t time.Time) error      { return nil }
func (b *bridgeConn) SetReadDeadline(t time.Time) error  { return nil }
func (b *bridgeConn) SetWriteDeadline(t time.Time) error { return nil }

// startTLSUpgrade kicks off the handshake: it builds the bridgeConn, wraps
// it in a *tls.Conn client engine, and runs Handshake on a dedicated
// goroutine. It returns immediately; completion (success or failure) is
// reported on the returned channel and consumed by the dispatcher loop.
func (c *Conn) startTLSUpgrade(cfg *tls.Config, loginOnly bool) <-chan error {
	done := make(chan error, 1)
	bridge := newBridgeConn(c)
	tlsConn := tls.Client(bridge, cfg)

	c.tlsBridge = bridge
	c.tlsHandshaking = tlsConn
	c.tlsLoginOnly = loginOnly

	go func() {
		done <- tlsConn.Handshake()
	}()
	return done
}

// completeTLSUpgrade performs the atomic pipeline reconfiguration described
// in the TLS bridge design: remove the coordinator and the old plaintext
// codec, install the negotiated *tls.Conn as the new transport for both
// reads and writes, and move state forward. Called only from the dispatcher
// goroutine, with the reader goroutine paused (see Conn.run).
func (c *Conn) completeTLSUpgrade() {
	c.tlsBridge.markPassthrough()
	c.tlsConn = c.tlsHandshaking
	c.setPipeline(c.tlsConn, c.tlsConn, tds.NewDecoder(c.packetSize))
	c.tlsBridge = nil
	c.tlsHandshaking = nil
	c.state = StateSSLHandshakeComplete
}

// revertToPlaintext undoes the TLS installation for login-only encryption:
// once the encrypted LOGIN7 packet has been written, all further traffic
// reverts to plaintext framing directly over the transport. This is a
// second atomic reconfiguration, mirroring completeTLSUpgrade in reverse.
func (c *Conn) revertToPlaintext() {
	c.tlsConn = nil
	c.setPipeline(c.transport, c.transport, tds.NewDecoder(c.packetSize))
}
