package tds

import (
	"github.com/tdscore/tdsclient/pkg/tds"
	"go.uber.org/zap"
)

// AttentionRequest submits an out-of-band cancellation signal. Per the
// dispatcher design, this core provides no special-cased preemption: an
// AttentionRequest queued behind another request simply waits its turn
// like any other submission, and only reaches the wire once it becomes
// head-of-queue.
type AttentionRequest struct{}

func (r *AttentionRequest) start(a *allocator) ([]tds.Packet, error) {
	return []tds.Packet{{Type: tds.PacketAttention, Status: tds.StatusEOM}}, nil
}

func (r *AttentionRequest) respond(p tds.Packet, a *allocator) ([]tds.Packet, error) {
	if !p.Status.EndOfMessage() {
		return []tds.Packet{}, nil
	}
	return nil, nil
}

func (r *AttentionRequest) log(logger *zap.SugaredLogger) {
	logger.Debug("attention request")
}
