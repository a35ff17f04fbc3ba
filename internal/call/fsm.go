package call

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// Negotiation states. One explicit machine replaces the scattered
// "is negotiating" / "is initialized" flags such code tends to grow.
const (
	StateIdle           = "idle"
	StateAcquiringMedia = "acquiring_media"
	StateCreatingOffer  = "creating_offer"
	StateAwaitingAnswer = "awaiting_answer"
	StateApplyingAnswer = "applying_answer"
	StateStable         = "stable"
	StateRenegotiating  = "renegotiating"
	StateClosed         = "closed"
)

const (
	eventStart         = "start"
	eventSettle        = "settle"
	eventNegotiate     = "negotiate"
	eventOfferSent     = "offer_sent"
	eventAnswerApplied = "answer_applied"
	eventRemoteOffer   = "remote_offer"
	eventAnswerSent    = "answer_sent"
	eventRenegotiate   = "renegotiate"
	eventCycleFailed   = "cycle_failed"
	eventStop          = "stop"
)

func newNegotiationFSM(log *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateAcquiringMedia},
			// Callee settles once media is ready and waits for the remote
			// offer; a caller that defers its offer behind the ready
			// handshake settles the same way.
			{Name: eventSettle, Src: []string{StateAcquiringMedia}, Dst: StateStable},
			{Name: eventNegotiate, Src: []string{StateAcquiringMedia, StateStable, StateRenegotiating}, Dst: StateCreatingOffer},
			{Name: eventOfferSent, Src: []string{StateCreatingOffer}, Dst: StateAwaitingAnswer},
			{Name: eventAnswerApplied, Src: []string{StateAwaitingAnswer}, Dst: StateStable},
			{Name: eventRemoteOffer, Src: []string{StateStable}, Dst: StateApplyingAnswer},
			{Name: eventAnswerSent, Src: []string{StateApplyingAnswer}, Dst: StateStable},
			{Name: eventRenegotiate, Src: []string{StateStable}, Dst: StateRenegotiating},
			// A failed offer or answer step abandons the cycle; the session
			// returns to stable so the next trigger can start a fresh one.
			{Name: eventCycleFailed, Src: []string{
				StateCreatingOffer, StateAwaitingAnswer, StateApplyingAnswer,
			}, Dst: StateStable},
			{Name: eventStop, Src: []string{
				StateIdle, StateAcquiringMedia, StateCreatingOffer, StateAwaitingAnswer,
				StateApplyingAnswer, StateStable, StateRenegotiating,
			}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				log.Debug("negotiation transition", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}
