package tds

import "fmt"

// Connection/protocol error codes, carried over from the teacher project's
// wider 2xxx error-code band (aul's pkg/errors) so that the handful of
// stable error kinds this core needs stay numerically comparable with that
// taxonomy even though this module only implements the client side.
const (
	CodeConnectionClosed  = 2002
	CodeConnectionTimeout = 2003
	CodeProtocolError     = 2004
	CodeTLSError          = 2007
	CodeTransportError    = 2009
)

// ProtocolError reports a malformed frame, an illegal state transition, or
// encryption requested without a TLS configuration.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Detail) }
func (e *ProtocolError) Code() int     { return CodeProtocolError }

// ConnectionClosedError reports that the connection was closed while one or
// more requests were queued or in flight.
type ConnectionClosedError struct{}

func (e *ConnectionClosedError) Error() string { return "connection closed" }
func (e *ConnectionClosedError) Code() int     { return CodeConnectionClosed }

// TLSError reports that the TLS engine rejected the handshake or a record.
type TLSError struct {
	Cause error
}

func (e *TLSError) Error() string { return fmt.Sprintf("tls failure: %v", e.Cause) }
func (e *TLSError) Code() int     { return CodeTLSError }
func (e *TLSError) Unwrap() error { return e.Cause }

// TransportError reports a failure of the underlying byte stream.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Cause) }
func (e *TransportError) Code() int     { return CodeTransportError }
func (e *TransportError) Unwrap() error { return e.Cause }

// IsFatal reports whether err should close the connection outright, per the
// policy in the core's error handling design: protocol violations, TLS
// failures, and transport errors are always fatal; connectionClosed is
// terminal by definition.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *ProtocolError, *TLSError, *TransportError, *ConnectionClosedError:
		return true
	default:
		return false
	}
}
