package call

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/voicedesk/voicedesk/internal/metrics"
)

// candidateBuffer gates remote ICE candidates on the remote description.
// Candidates arriving before the description is applied are queued in arrival
// order; once FlushAfterRemoteDescription runs they are applied exactly once
// and later candidates forward immediately. A candidate the peer connection
// refuses is logged and skipped so one bad candidate never blocks the rest.
type candidateBuffer struct {
	mu sync.Mutex

	apply func(webrtc.ICECandidateInit) error
	log   *slog.Logger
	met   *metrics.Metrics

	remoteDescSet bool
	queue         []webrtc.ICECandidateInit
}

func newCandidateBuffer(apply func(webrtc.ICECandidateInit) error, log *slog.Logger, met *metrics.Metrics) *candidateBuffer {
	return &candidateBuffer{apply: apply, log: log, met: met}
}

// Offer queues the candidate or, when the remote description for the current
// cycle has been applied, forwards it immediately.
func (b *candidateBuffer) Offer(c webrtc.ICECandidateInit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.remoteDescSet {
		b.queue = append(b.queue, c)
		b.met.CandidatesBuffered.Inc()
		return
	}
	b.applyLocked(c)
}

// FlushAfterRemoteDescription marks the current cycle's remote description as
// applied and drains the queue in arrival order.
func (b *candidateBuffer) FlushAfterRemoteDescription() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remoteDescSet = true
	for _, c := range b.queue {
		b.applyLocked(c)
	}
	b.queue = nil
}

// Reset clears the buffer and re-arms the gate for a new negotiation cycle.
func (b *candidateBuffer) Reset() {
	b.mu.Lock()
	b.remoteDescSet = false
	b.queue = nil
	b.mu.Unlock()
}

func (b *candidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *candidateBuffer) applyLocked(c webrtc.ICECandidateInit) {
	if err := b.apply(c); err != nil {
		b.log.Warn("skipping candidate that failed to apply", "err", err)
		b.met.CandidatesDropped.Inc()
		return
	}
	b.met.CandidatesFlushed.Inc()
}
