package call

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/voicedesk/voicedesk/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidateBuffer_BuffersUntilRemoteDescription(t *testing.T) {
	var applied []string
	b := newCandidateBuffer(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}, testLogger(), metrics.New(nil))

	b.Offer(candidate("a"))
	b.Offer(candidate("b"))
	if len(applied) != 0 {
		t.Fatalf("expected no candidates applied before remote description, got %d", len(applied))
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 buffered candidates, got %d", b.Len())
	}

	b.FlushAfterRemoteDescription()
	if len(applied) != 2 || applied[0] != "a" || applied[1] != "b" {
		t.Fatalf("expected flush in arrival order [a b], got %v", applied)
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after flush, got %d", b.Len())
	}
}

func TestCandidateBuffer_ForwardsImmediatelyOnceGateOpen(t *testing.T) {
	var applied []string
	b := newCandidateBuffer(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}, testLogger(), metrics.New(nil))

	b.FlushAfterRemoteDescription()
	b.Offer(candidate("late"))
	if len(applied) != 1 || applied[0] != "late" {
		t.Fatalf("expected immediate forward after gate opened, got %v", applied)
	}
}

func TestCandidateBuffer_ResetRearmsGate(t *testing.T) {
	var applied []string
	b := newCandidateBuffer(func(c webrtc.ICECandidateInit) error {
		applied = append(applied, c.Candidate)
		return nil
	}, testLogger(), metrics.New(nil))

	b.FlushAfterRemoteDescription()
	b.Reset()

	b.Offer(candidate("next-cycle"))
	if len(applied) != 0 {
		t.Fatalf("expected buffering after reset, got %v", applied)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 buffered candidate after reset, got %d", b.Len())
	}
}

func TestCandidateBuffer_ResetDropsBuffered(t *testing.T) {
	b := newCandidateBuffer(func(webrtc.ICECandidateInit) error {
		t.Fatalf("no candidate should be applied")
		return nil
	}, testLogger(), metrics.New(nil))

	b.Offer(candidate("stale"))
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("expected reset to drop buffered candidates, got %d", b.Len())
	}
	b.FlushAfterRemoteDescription()
}

func TestCandidateBuffer_SkipsFailedCandidate(t *testing.T) {
	var applied []string
	b := newCandidateBuffer(func(c webrtc.ICECandidateInit) error {
		if c.Candidate == "bad" {
			return errors.New("unparseable candidate")
		}
		applied = append(applied, c.Candidate)
		return nil
	}, testLogger(), metrics.New(nil))

	b.Offer(candidate("a"))
	b.Offer(candidate("bad"))
	b.Offer(candidate("b"))
	b.FlushAfterRemoteDescription()

	if len(applied) != 2 || applied[0] != "a" || applied[1] != "b" {
		t.Fatalf("expected failed candidate skipped, rest applied in order, got %v", applied)
	}
}
