package call

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds remote ICE candidates that arrive before the remote
// description is set. Not safe for concurrent use; the controller event loop
// is its only caller.
type candidateBuffer struct {
	apply   func(webrtc.ICECandidateInit) error
	pending []webrtc.ICECandidateInit
	ready   bool

	logger *slog.Logger
}

func newCandidateBuffer(apply func(webrtc.ICECandidateInit) error, logger *slog.Logger) *candidateBuffer {
	return &candidateBuffer{apply: apply, logger: logger}
}

// Push applies the candidate immediately once the remote description is set,
// and queues it otherwise. A candidate that fails to apply is logged and
// dropped; one bad candidate must not kill the call.
func (b *candidateBuffer) Push(c webrtc.ICECandidateInit) {
	if !b.ready {
		b.pending = append(b.pending, c)
		return
	}
	if err := b.apply(c); err != nil {
		b.logger.Warn("failed to apply ICE candidate", "error", err)
	}
}

// MarkRemoteSet flushes the queue in arrival order and switches the buffer to
// pass-through mode.
func (b *candidateBuffer) MarkRemoteSet() {
	b.ready = true
	for _, c := range b.pending {
		if err := b.apply(c); err != nil {
			b.logger.Warn("failed to apply buffered ICE candidate", "error", err)
		}
	}
	b.pending = nil
}

// Reset returns the buffer to queueing mode, for renegotiation after an ICE
// restart.
func (b *candidateBuffer) Reset() {
	b.ready = false
	b.pending = nil
}

func (b *candidateBuffer) Len() int { return len(b.pending) }
