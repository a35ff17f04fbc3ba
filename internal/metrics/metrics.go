// Package metrics registers the prometheus collectors shared by the call
// engine and the room relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicedesk"

type Metrics struct {
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	OffersSent      prometheus.Counter
	AnswersSent     prometheus.Counter
	Renegotiations  prometheus.Counter

	CandidatesBuffered prometheus.Counter
	CandidatesFlushed  prometheus.Counter
	CandidatesDropped  prometheus.Counter
	ProtocolErrors     prometheus.Counter

	RoomMembers      prometheus.Gauge
	SignalsForwarded prometheus.Counter
	ChatBroadcast    prometheus.Counter
	JoinsRejected    prometheus.Counter
	RateLimitDrops   prometheus.Counter
}

// New registers all collectors against reg. Tests pass a fresh registry;
// binaries pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "sessions_started_total",
			Help: "Call sessions that entered media acquisition.",
		}),
		SessionsStopped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "sessions_stopped_total",
			Help: "Call sessions torn down.",
		}),
		OffersSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "offers_sent_total",
			Help: "SDP offers emitted, initial and renegotiated.",
		}),
		AnswersSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "answers_sent_total",
			Help: "SDP answers emitted.",
		}),
		Renegotiations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "renegotiations_total",
			Help: "Renegotiation cycles started.",
		}),
		CandidatesBuffered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "candidates_buffered_total",
			Help: "Remote candidates queued before the remote description.",
		}),
		CandidatesFlushed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "candidates_flushed_total",
			Help: "Buffered candidates applied to the peer connection.",
		}),
		CandidatesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "candidates_dropped_total",
			Help: "Candidates skipped because they failed to apply.",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "call", Name: "protocol_errors_total",
			Help: "Signaling messages discarded as invalid for the current state.",
		}),
		RoomMembers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "room_members",
			Help: "Participants currently joined to the room.",
		}),
		SignalsForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "signals_forwarded_total",
			Help: "Negotiation messages forwarded between members.",
		}),
		ChatBroadcast: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "chat_broadcast_total",
			Help: "Chat messages rebroadcast to the room.",
		}),
		JoinsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "joins_rejected_total",
			Help: "Join attempts refused (room full or role taken).",
		}),
		RateLimitDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "rate_limit_drops_total",
			Help: "Connections closed for exceeding the signaling rate limit.",
		}),
	}
}
