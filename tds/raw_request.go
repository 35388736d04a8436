package tds

import (
	"github.com/tdscore/tdsclient/pkg/tds"
	"go.uber.org/zap"
)

// RawRequest is a pass-through Request for already-framed application
// traffic (SQL batches, RPC calls) once an upper layer exists to build
// such payloads; this core only needs to frame and dispatch it, not
// interpret it. It sends Payload as a single logical message of the given
// type and treats the first fully-received reply message (i.e. the first
// inbound packet with endOfMessage set) as terminal, handing every inbound
// packet's payload to Sink along the way.
type RawRequest struct {
	Type    tds.PacketType
	Payload []byte
	Sink    func(payload []byte)
}

func (r *RawRequest) start(a *allocator) ([]tds.Packet, error) {
	return []tds.Packet{{Type: r.Type, Payload: r.Payload}}, nil
}

func (r *RawRequest) respond(p tds.Packet, a *allocator) ([]tds.Packet, error) {
	if r.Sink != nil {
		r.Sink(p.Payload)
	}
	if !p.Status.EndOfMessage() {
		return []tds.Packet{}, nil
	}
	return nil, nil
}

func (r *RawRequest) log(logger *zap.SugaredLogger) {
	logger.Debugw("raw request", "type", r.Type.String(), "bytes", len(r.Payload))
}
