// Package call implements the peer-connection negotiation engine for one
// two-party audio call.
//
// A Session owns exactly one peer connection, the local capture stream, the
// remote candidate buffer, and the negotiation state machine. Signaling
// messages race against local operations and against each other; the session
// funnels everything through a single dispatch goroutine so that no two
// messages for the same session are ever processed concurrently, and gates
// remote candidates on remote-description application.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pion/rtp"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/voicedesk/voicedesk/internal/audio"
	"github.com/voicedesk/voicedesk/internal/media"
	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/signal"
)

// Role decides which side originates offers. Exactly one member of a room is
// the caller (conventionally the agent); the role never changes for the life
// of the session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

const signalQueueDepth = 256

// Signaler is the subset of the signaling channel the engine needs. The
// session claims the negotiation message types at Start and releases them at
// Stop so handlers never leak across sessions.
type Signaler interface {
	Send(msgType string, payload any) error
	On(msgType string, h signal.Handler)
	Off(msgType string)
}

// Config carries session construction parameters.
type Config struct {
	Role Role

	// ICEServers must hold at least one STUN or TURN server in production;
	// tests may leave it empty for host-candidate-only negotiation.
	ICEServers []webrtc.ICEServer

	// Net overrides the ICE network stack (virtual networks in tests).
	Net transport.Net

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// AwaitPeerReady defers a caller's initial offer until the peer announced
	// readiness, so the offer cannot arrive before the callee subscribed.
	AwaitPeerReady bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session is the aggregate for one call.
type Session struct {
	role     Role
	cfg      Config
	sig      Signaler
	acquirer media.Acquirer
	pipeline *audio.Pipeline
	sink     audio.Sink
	log      *slog.Logger
	met      *metrics.Metrics

	inbound *signalQueue

	mu          sync.Mutex
	machine     *fsm.FSM
	pc          *webrtc.PeerConnection
	localStream *media.Stream
	remoteTrack *webrtc.TrackRemote
	pending     *candidateBuffer

	negotiating       bool // single-flight negotiation lock
	renegotiateQueued bool
	firstOfferDone    bool
	peerReady         bool
	offerDeferred     bool
	started           bool
	closed            bool

	ctx    context.Context
	cancel context.CancelFunc

	onConnState func(webrtc.PeerConnectionState)
}

// NewSession builds a session. sink may be nil, in which case remote audio is
// discarded.
func NewSession(sig Signaler, acquirer media.Acquirer, pipeline *audio.Pipeline, sink audio.Sink, cfg Config) *Session {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("role", string(cfg.Role))
	met := cfg.Metrics
	if met == nil {
		met = metrics.New(nil)
	}
	if sink == nil {
		sink = audio.DiscardSink{}
	}
	if pipeline == nil {
		pipeline = audio.NewPipeline(audio.Config{SampleRate: media.DefaultSampleRate}, log)
	}

	s := &Session{
		role:     cfg.Role,
		cfg:      cfg,
		sig:      sig,
		acquirer: acquirer,
		pipeline: pipeline,
		sink:     sink,
		log:      log,
		met:      met,
		inbound:  newSignalQueue(signalQueueDepth),
		machine:  newNegotiationFSM(log),
	}
	s.pending = newCandidateBuffer(s.addRemoteCandidate, log, met)
	return s
}

// State reports the current negotiation state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// RemoteTrack returns the inbound audio track once negotiation produced one,
// for read-only attachment to an output sink.
func (s *Session) RemoteTrack() *webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTrack
}

// SetOutputVolume adjusts remote playback gain, 0.0 to 1.0.
func (s *Session) SetOutputVolume(level float64) error {
	return s.pipeline.SetOutputVolume(level)
}

// OnConnectionState registers the connectivity observer. Recovery policy
// (renegotiate, tear down, give up) belongs to the caller of the engine, not
// the engine itself. Must be called before Start.
func (s *Session) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	s.mu.Lock()
	s.onConnState = fn
	s.mu.Unlock()
}

// Start acquires local media, builds the peer connection, and, for the
// caller, begins the offer cycle. It fails with ErrAlreadyStarted when the
// session left Idle, and with a *media.Error when capture is unavailable
// after the constraint-relaxation retry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.machine.Is(StateIdle) {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := s.machine.Event(ctx, eventStart); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("call: start: %w", err)
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	sctx := s.ctx
	s.mu.Unlock()

	s.met.SessionsStarted.Inc()

	stream, err := s.acquirer.Acquire(ctx, media.Primary())
	if err != nil {
		s.Stop()
		return err
	}

	s.mu.Lock()
	if s.closed {
		// Stopped while the permission prompt was up; discard the result.
		s.mu.Unlock()
		s.acquirer.Release()
		return nil
	}

	pc, err := newPeerConnection(peerConfig{
		iceServers:          s.cfg.ICEServers,
		net:                 s.cfg.Net,
		disconnectedTimeout: s.cfg.ICEDisconnectedTimeout,
		failedTimeout:       s.cfg.ICEFailedTimeout,
		keepaliveInterval:   s.cfg.ICEKeepaliveInterval,
		logger:              s.log,
	})
	if err != nil {
		s.mu.Unlock()
		s.Stop()
		return fmt.Errorf("call: %w", err)
	}
	s.pc = pc
	s.localStream = stream
	s.mu.Unlock()

	if err := s.attachLocal(sctx, pc, stream); err != nil {
		s.Stop()
		return err
	}
	s.registerPeerCallbacks(pc)
	s.subscribe()
	go s.dispatchLoop()

	// Settle before announcing readiness: a fast peer may respond to ready
	// with an offer immediately, and the machine must already accept it.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var settleErr error
	switch {
	case s.role == RoleCaller && s.cfg.AwaitPeerReady && !s.peerReady:
		s.offerDeferred = true
		settleErr = s.machine.Event(sctx, eventSettle)
	case s.role == RoleCaller:
		s.enqueueLocked(inboundSignal{msgType: signal.TypeRenegotiate})
	default:
		settleErr = s.machine.Event(sctx, eventSettle)
	}
	s.mu.Unlock()
	if settleErr != nil {
		return settleErr
	}

	// Announce readiness regardless of role; the callee's ready is what a
	// waiting caller keys on.
	if err := s.sig.Send(signal.TypeReady, nil); err != nil {
		s.log.Warn("ready send failed", "err", err)
	}
	return nil
}

// Stop tears the session down: cancels in-flight work, releases media,
// closes the peer connection, clears the candidate buffer and negotiation
// lock, and deregisters signaling handlers. Idempotent; a second Stop is a
// no-op and never re-acquires media.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasStarted := s.started
	if s.cancel != nil {
		s.cancel()
	}
	if !s.machine.Is(StateClosed) {
		if err := s.machine.Event(context.Background(), eventStop); err != nil {
			s.log.Warn("close transition failed", "err", err)
		}
	}
	pc := s.pc
	s.pc = nil
	stream := s.localStream
	s.localStream = nil
	s.remoteTrack = nil
	s.negotiating = false
	s.renegotiateQueued = false
	s.mu.Unlock()

	s.pending.Reset()
	s.unsubscribe()
	s.inbound.Close()
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.log.Warn("peer connection close failed", "err", err)
		}
	}
	if stream != nil {
		stream.Close()
	}
	s.acquirer.Release()

	if wasStarted {
		s.met.SessionsStopped.Inc()
		s.log.Info("session stopped")
	}
}

// HandleSignal is the single entry point for inbound signaling messages.
// Messages are queued and processed serially in arrival order; unknown types
// are ignored with a warning.
func (s *Session) HandleSignal(msgType string, payload json.RawMessage) {
	if !s.inbound.Enqueue(inboundSignal{msgType: msgType, payload: payload}) {
		s.log.Warn("signal dropped, queue closed or full", "type", msgType)
	}
}

// Renegotiate asks the session to run a fresh offer cycle. Only the caller
// honors it; a callee waits for the caller's next offer. If a cycle is in
// flight the request is deferred until the cycle resolves, never interleaved.
func (s *Session) Renegotiate() {
	s.HandleSignal(signal.TypeRenegotiate, nil)
}

func (s *Session) enqueueLocked(sig inboundSignal) {
	if !s.inbound.Enqueue(sig) {
		s.log.Warn("signal dropped, queue closed or full", "type", sig.msgType)
	}
}

var sessionSignalTypes = []string{
	signal.TypeOffer,
	signal.TypeAnswer,
	signal.TypeICECandidate,
	signal.TypeReady,
	signal.TypeRenegotiate,
}

func (s *Session) subscribe() {
	for _, t := range sessionSignalTypes {
		msgType := t
		s.sig.On(msgType, func(payload json.RawMessage) {
			s.HandleSignal(msgType, payload)
		})
	}
}

func (s *Session) unsubscribe() {
	for _, t := range sessionSignalTypes {
		s.sig.Off(t)
	}
}

func (s *Session) dispatchLoop() {
	for {
		sig, ok := s.inbound.Dequeue()
		if !ok {
			return
		}
		s.dispatch(sig)
	}
}

func (s *Session) dispatch(in inboundSignal) {
	switch in.msgType {
	case signal.TypeOffer:
		s.handleOffer(in.payload)
	case signal.TypeAnswer:
		s.handleAnswer(in.payload)
	case signal.TypeICECandidate:
		s.handleCandidate(in.payload)
	case signal.TypeReady:
		s.handleReady()
	case signal.TypeRenegotiate:
		s.handleRenegotiate()
	default:
		s.log.Warn("ignoring unknown signaling message", "type", in.msgType)
	}
}

func (s *Session) protocolError(msgType, state, reason string) {
	err := &ProtocolError{MsgType: msgType, State: state, Reason: reason}
	s.log.Warn("discarding signaling message", "type", msgType, "state", state, "reason", reason, "err", err)
	s.met.ProtocolErrors.Inc()
}

func (s *Session) handleReady() {
	s.mu.Lock()
	s.peerReady = true
	deferred := s.offerDeferred
	s.offerDeferred = false
	s.mu.Unlock()

	if deferred {
		s.startOfferCycle()
	}
}

func (s *Session) handleRenegotiate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.role != RoleCaller {
		s.mu.Unlock()
		// Only the caller originates offers; the callee waits for the next
		// offer to arrive.
		s.log.Debug("renegotiation requested, waiting for remote offer")
		return
	}
	if s.negotiating {
		s.renegotiateQueued = true
		s.mu.Unlock()
		s.log.Debug("negotiation in flight, deferring renegotiation")
		return
	}
	if s.machine.Is(StateAcquiringMedia) || s.machine.Is(StateStable) || s.machine.Is(StateRenegotiating) {
		s.mu.Unlock()
		s.startOfferCycle()
		return
	}
	state := s.machine.Current()
	s.mu.Unlock()
	s.log.Debug("ignoring renegotiation trigger", "state", state)
}

// startOfferCycle runs one caller offer cycle: take the negotiation lock,
// re-arm the candidate gate, create and apply the local offer, and emit
// exactly one offer message.
func (s *Session) startOfferCycle() {
	s.mu.Lock()
	if s.closed || s.pc == nil {
		s.mu.Unlock()
		return
	}
	if s.negotiating {
		s.renegotiateQueued = true
		s.mu.Unlock()
		return
	}
	s.negotiating = true
	renegotiated := s.firstOfferDone
	if s.machine.Is(StateStable) {
		if err := s.machine.Event(s.ctx, eventRenegotiate); err != nil {
			s.releaseLockLocked()
			s.mu.Unlock()
			return
		}
	}
	if err := s.machine.Event(s.ctx, eventNegotiate); err != nil {
		s.releaseLockLocked()
		s.mu.Unlock()
		s.log.Warn("cannot enter offer state", "err", err)
		return
	}
	// New outbound cycle: stale candidates from the previous cycle must not
	// be applied against the new description.
	s.pending.Reset()
	pc := s.pc
	ctx := s.ctx
	s.mu.Unlock()

	if renegotiated {
		s.met.Renegotiations.Inc()
	}

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		s.log.Error("offer creation failed", "err", err)
		s.failCycle()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err := s.machine.Event(ctx, eventOfferSent); err != nil {
		s.releaseLockLocked()
		s.mu.Unlock()
		return
	}
	s.firstOfferDone = true
	s.mu.Unlock()

	if err := s.sig.Send(signal.TypeOffer, signal.DescriptionFromPion(offer)); err != nil {
		// Fire-and-forget: the relay owns retry. The cycle stays open and a
		// stop or renegotiation supersedes it.
		s.log.Warn("offer send failed", "err", err)
	}
	s.met.OffersSent.Inc()
	s.log.Info("offer sent")
}

func (s *Session) handleOffer(payload json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	state := s.machine.Current()
	if s.role == RoleCaller {
		s.mu.Unlock()
		// Role bookkeeping says the other side never offers; accepting this
		// would invite glare.
		s.protocolError(signal.TypeOffer, state, "offer from the answering side")
		return
	}
	if !s.machine.Is(StateStable) {
		s.mu.Unlock()
		s.protocolError(signal.TypeOffer, state, "not awaiting an offer")
		return
	}

	var desc signal.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		s.mu.Unlock()
		s.protocolError(signal.TypeOffer, state, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	if desc.Type != "offer" {
		s.mu.Unlock()
		s.protocolError(signal.TypeOffer, state, fmt.Sprintf("payload type %q", desc.Type))
		return
	}
	if err := signal.ValidateAudioDescription(desc); err != nil {
		s.mu.Unlock()
		s.protocolError(signal.TypeOffer, state, err.Error())
		return
	}

	s.negotiating = true
	if err := s.machine.Event(s.ctx, eventRemoteOffer); err != nil {
		s.releaseLockLocked()
		s.mu.Unlock()
		return
	}
	pc := s.pc
	ctx := s.ctx
	s.mu.Unlock()

	pionDesc, err := desc.ToPion()
	if err == nil {
		err = pc.SetRemoteDescription(pionDesc)
	}
	if err != nil {
		s.log.Error("applying remote offer failed", "err", err)
		s.met.ProtocolErrors.Inc()
		s.failCycle()
		return
	}

	// Candidates that raced ahead of the offer become applicable now, in
	// their original arrival order.
	s.pending.FlushAfterRemoteDescription()

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		s.log.Error("answer creation failed", "err", err)
		s.failCycle()
		return
	}

	if err := s.sig.Send(signal.TypeAnswer, signal.DescriptionFromPion(answer)); err != nil {
		s.log.Warn("answer send failed", "err", err)
	}
	s.met.AnswersSent.Inc()
	s.log.Info("answer sent")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err := s.machine.Event(ctx, eventAnswerSent); err != nil {
		s.log.Warn("settle after answer failed", "err", err)
	}
	s.releaseLockLocked()
	s.mu.Unlock()
}

func (s *Session) handleAnswer(payload json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	state := s.machine.Current()
	if !s.machine.Is(StateAwaitingAnswer) {
		s.mu.Unlock()
		// Stale: a reset or completed cycle already moved on. Applying it
		// would clobber the live connection.
		s.protocolError(signal.TypeAnswer, state, "no offer awaiting an answer")
		return
	}

	var desc signal.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		s.mu.Unlock()
		s.protocolError(signal.TypeAnswer, state, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	if desc.Type != "answer" {
		s.mu.Unlock()
		s.protocolError(signal.TypeAnswer, state, fmt.Sprintf("payload type %q", desc.Type))
		return
	}
	if err := signal.ValidateAudioDescription(desc); err != nil {
		s.mu.Unlock()
		s.protocolError(signal.TypeAnswer, state, err.Error())
		return
	}
	pc := s.pc
	ctx := s.ctx
	s.mu.Unlock()

	pionDesc, err := desc.ToPion()
	if err == nil {
		err = pc.SetRemoteDescription(pionDesc)
	}
	if err != nil {
		s.log.Error("applying remote answer failed", "err", err)
		s.met.ProtocolErrors.Inc()
		s.failCycle()
		return
	}

	s.pending.FlushAfterRemoteDescription()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err := s.machine.Event(ctx, eventAnswerApplied); err != nil {
		s.log.Warn("settle after answer failed", "err", err)
	}
	s.releaseLockLocked()
	queued := s.renegotiateQueued
	s.renegotiateQueued = false
	s.mu.Unlock()

	s.log.Info("answer applied, negotiation stable")
	if queued {
		s.startOfferCycle()
	}
}

func (s *Session) handleCandidate(payload json.RawMessage) {
	s.mu.Lock()
	closed := s.closed
	state := s.machine.Current()
	s.mu.Unlock()
	if closed {
		return
	}

	var c signal.Candidate
	if err := json.Unmarshal(payload, &c); err != nil {
		s.protocolError(signal.TypeICECandidate, state, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	s.pending.Offer(c.ToPion())
}

// failCycle abandons a failed offer/answer step: the machine returns to
// stable, the negotiation lock is released, and a queued renegotiation tries
// again.
func (s *Session) failCycle() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err := s.machine.Event(context.Background(), eventCycleFailed); err != nil {
		s.log.Warn("cycle recovery transition failed", "err", err)
	}
	s.releaseLockLocked()
	queued := s.renegotiateQueued
	s.renegotiateQueued = false
	s.mu.Unlock()
	if queued {
		s.startOfferCycle()
	}
}

func (s *Session) releaseLockLocked() {
	s.negotiating = false
}

func (s *Session) addRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return errors.New("no peer connection")
	}
	return pc.AddICECandidate(c)
}

func (s *Session) attachLocal(ctx context.Context, pc *webrtc.PeerConnection, stream *media.Stream) error {
	if track := stream.Track(); track != nil {
		if _, err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("call: attach capture track: %w", err)
		}
		return nil
	}

	src := stream.PCM()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: 8000,
		Channels:  1,
	}, "audio", "voicedesk")
	if err != nil {
		return fmt.Errorf("call: create local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("call: attach local track: %w", err)
	}
	go s.pumpCapture(ctx, src, track)
	return nil
}

// pumpCapture feeds pipeline-processed, mu-law-encoded frames from the raw
// PCM source into the outbound track until the session stops.
func (s *Session) pumpCapture(ctx context.Context, src media.PCMSource, track *webrtc.TrackLocalStaticSample) {
	frameDuration := media.FrameDurationMs * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := src.ReadFrame()
		if err != nil {
			return
		}
		frame = s.pipeline.ProcessCapture(frame)
		sample := pionmedia.Sample{
			Data:     audio.EncodeUlaw(frame),
			Duration: frameDuration,
		}
		if err := track.WriteSample(sample); err != nil {
			select {
			case <-ctx.Done():
			default:
				s.log.Warn("capture write failed", "err", err)
			}
			return
		}
	}
}

func (s *Session) registerPeerCallbacks(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			s.log.Debug("local candidate gathering complete")
			return
		}
		payload := signal.CandidateFromPion(c.ToJSON())
		if err := s.sig.Send(signal.TypeICECandidate, payload); err != nil {
			s.log.Warn("candidate send failed", "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.mu.Lock()
		s.remoteTrack = track
		ctx := s.ctx
		s.mu.Unlock()

		codec := track.Codec()
		s.log.Info("remote track", "codec", codec.MimeType)
		go s.pumpRemote(ctx, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("peer connection state", "state", state.String())
		s.mu.Lock()
		fn := s.onConnState
		s.mu.Unlock()
		if fn != nil {
			switch state {
			case webrtc.PeerConnectionStateDisconnected,
				webrtc.PeerConnectionStateFailed,
				webrtc.PeerConnectionStateConnected:
				fn(state)
			}
		}
	})
}

// pumpRemote drains inbound RTP. PCMU payloads are decoded and run through
// the playback pipeline into the sink; other codecs are drained pass-through
// since the engine carries no decoder for them.
func (s *Session) pumpRemote(ctx context.Context, track *webrtc.TrackRemote) {
	pcmu := track.Codec().MimeType == webrtc.MimeTypePCMU
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var pkt *rtp.Packet
		var err error
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return
		}
		if !pcmu || len(pkt.Payload) == 0 {
			continue
		}
		frame := s.pipeline.ProcessPlayback(audio.DecodeUlaw(pkt.Payload))
		if err := s.sink.WriteFrame(frame); err != nil {
			s.log.Warn("remote sink write failed", "err", err)
			return
		}
	}
}
