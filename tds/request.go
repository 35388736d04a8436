package tds

import (
	"github.com/tdscore/tdsclient/pkg/tds"
	"go.uber.org/zap"
)

// Request describes one logical exchange with the server: a sequence of
// outbound packets followed by a sequence of inbound packets, ending when
// respond signals completion. Implementations are driven exclusively by the
// dispatcher goroutine; start and respond must not block on anything other
// than the allocator.
type Request interface {
	// start produces the initial outbound packet(s) for this request.
	start(a *allocator) ([]tds.Packet, error)

	// respond consumes one inbound packet and optionally produces reply
	// packets. A nil, nil return is the "end" signal: the request is
	// complete. Returning a packet sequence whose first packet has
	// Type == tds.PacketSSLKickoff asks the dispatcher to perform the TLS
	// upgrade instead of writing anything.
	respond(p tds.Packet, a *allocator) ([]tds.Packet, error)

	// log emits descriptive, request-specific log lines. Purely diagnostic.
	log(logger *zap.SugaredLogger)
}

// RequestContext is the dispatcher's bookkeeping wrapper around a submitted
// Request: the delegate itself, plus a one-shot completion channel and the
// error (if any) that completion carries. done is closed exactly once, by
// the dispatcher goroutine, after which err is safe to read without
// further synchronization.
type RequestContext struct {
	req  Request
	done chan struct{}
	err  error
}

func newRequestContext(req Request) *RequestContext {
	return &RequestContext{req: req, done: make(chan struct{})}
}

// Wait blocks until the request completes and returns its terminal error
// (nil on success).
func (rc *RequestContext) Wait() error {
	<-rc.done
	return rc.err
}

// Done returns a channel closed when the request completes, for callers
// that want to select on it alongside a context.Context.
func (rc *RequestContext) Done() <-chan struct{} {
	return rc.done
}

func (rc *RequestContext) complete(err error) {
	rc.err = err
	close(rc.done)
}
