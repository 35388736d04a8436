// Package log provides the categorized structured logger used across the
// client core.
//
// The categories mirror the aul project's own logging package (each
// concern independently silenceable/leveled) but are backed by
// go.uber.org/zap instead of a hand-rolled io.Writer formatter, since the
// example pack demonstrates zap as the structured-logging dependency of
// choice for protocol/server code of this kind.
package log

import (
	"go.uber.org/zap"
)

// Category names a logging concern. Each gets its own named zap logger so
// callers can raise or lower verbosity per concern without touching the
// others (e.g. tracing every packet without also tracing TLS records).
type Category string

const (
	CategoryConnection Category = "connection" // dial, close, pipeline lifecycle
	CategoryProtocol   Category = "protocol"   // packet framing, state transitions
	CategoryTLS        Category = "tls"        // handshake bridge and reconfiguration
	CategoryDispatch   Category = "dispatch"   // request queue, submit/respond
)

// Logger fans a base zap.Logger out into the categories above.
type Logger struct {
	base       *zap.Logger
	categories map[Category]*zap.SugaredLogger
}

// New wraps an existing *zap.Logger. A nil base is treated as zap.NewNop().
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	l := &Logger{
		base:       base,
		categories: make(map[Category]*zap.SugaredLogger, 4),
	}
	for _, c := range []Category{CategoryConnection, CategoryProtocol, CategoryTLS, CategoryDispatch} {
		l.categories[c] = base.Named(string(c)).Sugar()
	}
	return l
}

// NewDevelopment returns a Logger backed by zap's development configuration
// (human-readable, debug level, stack traces on warn+).
func NewDevelopment() (*Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// NewProduction returns a Logger backed by zap's production configuration
// (JSON, info level, sampling).
func NewProduction() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// Nop returns a Logger that discards everything, the default for a Conn
// that isn't given one explicitly.
func Nop() *Logger {
	return New(zap.NewNop())
}

// Category returns the sugared logger for the given category. For an
// unrecognized category it derives a fresh logger named after it from the
// base logger; that logger is not cached (new categories should be added to
// the const block above, not invented ad hoc).
func (l *Logger) Category(c Category) *zap.SugaredLogger {
	if s, ok := l.categories[c]; ok {
		return s
	}
	return l.base.Named(string(c)).Sugar()
}

// Connection returns the connection-lifecycle category logger.
func (l *Logger) Connection() *zap.SugaredLogger { return l.categories[CategoryConnection] }

// Protocol returns the packet/state-machine category logger.
func (l *Logger) Protocol() *zap.SugaredLogger { return l.categories[CategoryProtocol] }

// TLS returns the TLS-bridge category logger.
func (l *Logger) TLS() *zap.SugaredLogger { return l.categories[CategoryTLS] }

// Dispatch returns the request-dispatcher category logger.
func (l *Logger) Dispatch() *zap.SugaredLogger { return l.categories[CategoryDispatch] }

// Sync flushes any buffered log entries. Callers should defer this after
// constructing a non-Nop Logger.
func (l *Logger) Sync() error {
	return l.base.Sync()
}
