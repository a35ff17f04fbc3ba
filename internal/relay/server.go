// Package relay implements the room relay: a websocket broker that pairs one
// agent with one customer and forwards signaling and chat between them. It
// keeps no negotiation state; the call endpoints own offer/answer semantics.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/signal"
)

const (
	defaultJoinTimeout       = 10 * time.Second
	defaultMessagesPerSecond = 50
	maxMessageBytes          = 64 * 1024
	defaultRoomName          = "default"
)

// Config carries relay behavior knobs; zero values get serviceable defaults.
type Config struct {
	// AllowedOrigins is the browser origin allowlist for /ws and /ice.
	// Empty means same-host only.
	AllowedOrigins []string

	// ICEServers is returned by /ice, with TURN entries stamped with
	// ephemeral credentials when TURNSecret is set.
	ICEServers []webrtc.ICEServer

	TURNSecret         string
	TURNCredentialTTL  time.Duration
	TURNUsernamePrefix string

	// JoinTimeout bounds how long a connection may sit without sending join.
	JoinTimeout time.Duration

	// MessagesPerSecond is the per-connection signaling rate limit.
	MessagesPerSecond int
}

type Server struct {
	cfg Config
	log *slog.Logger
	met *metrics.Metrics
	reg *prometheus.Registry

	clock    Clock
	turnCred *turnCredentialGenerator
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

func NewServer(cfg Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}

	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:   cfg,
		log:   log,
		met:   metrics.New(reg),
		reg:   reg,
		clock: RealClock{},
		rooms: map[string]*room{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, cfg.AllowedOrigins)
		},
	}

	if cfg.TURNSecret != "" {
		prefix := cfg.TURNUsernamePrefix
		if prefix == "" {
			prefix = "voicedesk"
		}
		ttl := cfg.TURNCredentialTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		gen, err := newTURNCredentialGenerator(cfg.TURNSecret, ttl, prefix)
		if err != nil {
			return nil, err
		}
		s.turnCred = gen
	}
	return s, nil
}

// Router builds the HTTP surface: websocket upgrade, health, ICE server
// discovery, and prometheus metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/ice", s.handleICE)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if !originAllowed(r, s.cfg.AllowedOrigins) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turnCred != nil {
		creds, err := s.turnCred.generateRandom()
		if err != nil {
			s.log.Error("turn credential generation failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		servers = withTURNCredentials(servers, creds)
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		roomName = defaultRoomName
	}

	m, rm, ok := s.awaitJoin(conn, roomName)
	if !ok {
		return
	}
	log := s.log.With("room", rm.name, "role", m.role)
	log.Info("member joined", "name", m.name)
	s.met.RoomMembers.Inc()
	s.broadcastRoomStatus(rm)

	defer func() {
		rm.leave(m)
		s.met.RoomMembers.Dec()
		s.dropRoomIfEmpty(rm)
		s.broadcastRoomStatus(rm)
		log.Info("member left")
	}()

	bucket := newTokenBucket(s.clock, int64(s.cfg.MessagesPerSecond), int64(s.cfg.MessagesPerSecond))
	for {
		var env signal.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if !bucket.Allow() {
			s.met.RateLimitDrops.Inc()
			log.Warn("rate limit exceeded, closing connection")
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		s.route(rm, m, env, log)
	}
}

// awaitJoin enforces the handshake: the first frame must be a valid join
// within the configured timeout, and the room must have a slot for the role.
func (s *Server) awaitJoin(conn *websocket.Conn, roomName string) (*member, *room, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.JoinTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var env signal.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, "join timeout")
		return nil, nil, false
	}
	if env.Type != signal.TypeJoin {
		s.rejectJoin(conn, "expected join")
		return nil, nil, false
	}
	var join signal.Join
	if err := json.Unmarshal(env.Payload, &join); err != nil {
		s.rejectJoin(conn, "malformed join")
		return nil, nil, false
	}
	if join.Role != signal.RoleAgent && join.Role != signal.RoleCustomer {
		s.rejectJoin(conn, "unknown role")
		return nil, nil, false
	}

	m := &member{role: join.Role, name: join.Name, conn: conn}
	rm := s.roomFor(roomName)
	if err := rm.join(m); err != nil {
		s.dropRoomIfEmpty(rm)
		s.rejectJoin(conn, err.Error())
		return nil, nil, false
	}
	return m, rm, true
}

func (s *Server) rejectJoin(conn *websocket.Conn, reason string) {
	s.met.JoinsRejected.Inc()
	env, err := signal.NewEnvelope(signal.TypeJoinRejected, signal.JoinRejected{Reason: reason})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(memberWriteWait))
		_ = conn.WriteJSON(env)
	}
	writeClose(conn, websocket.ClosePolicyViolation, reason)
}

// route dispatches one inbound envelope. Negotiation messages go to the other
// member only; chat and call teardown go to both.
func (s *Server) route(rm *room, from *member, env signal.Envelope, log *slog.Logger) {
	switch env.Type {
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeICECandidate,
		signal.TypeReady, signal.TypeRenegotiate:
		peer := rm.other(from)
		if peer == nil {
			log.Debug("no peer to forward to", "type", env.Type)
			return
		}
		if err := peer.send(env); err != nil {
			log.Warn("forward failed", "type", env.Type, "err", err)
			return
		}
		s.met.SignalsForwarded.Inc()

	case signal.TypeSendMessage:
		var chat signal.ChatMessage
		if err := json.Unmarshal(env.Payload, &chat); err != nil {
			log.Warn("malformed chat message", "err", err)
			return
		}
		chat.ID = uuid.NewString()
		chat.Sender = from.name
		chat.Role = from.role
		if chat.Time == "" {
			chat.Time = s.clock.Now().UTC().Format(time.RFC3339)
		}
		out, err := signal.NewEnvelope(signal.TypeChatMessage, chat)
		if err != nil {
			log.Warn("chat envelope failed", "err", err)
			return
		}
		s.broadcast(rm, out, log)
		s.met.ChatBroadcast.Inc()

	case signal.TypeEndCall:
		out, _ := signal.NewEnvelope(signal.TypeCallEnded, nil)
		s.broadcast(rm, out, log)
		log.Info("call ended", "by", from.role)

	case signal.TypeJoin:
		log.Warn("duplicate join ignored")

	default:
		log.Warn("ignoring unknown message", "type", env.Type)
	}
}

func (s *Server) broadcast(rm *room, env signal.Envelope, log *slog.Logger) {
	for _, m := range rm.snapshot() {
		if err := m.send(env); err != nil {
			log.Warn("broadcast failed", "role", m.role, "err", err)
		}
	}
}

func (s *Server) broadcastRoomStatus(rm *room) {
	env, err := signal.NewEnvelope(signal.TypeRoomStatus, signal.RoomStatus{Connected: rm.connected()})
	if err != nil {
		return
	}
	s.broadcast(rm, env, s.log.With("room", rm.name))
}

func (s *Server) roomFor(name string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.rooms[name]
	if !ok {
		rm = newRoom(name)
		s.rooms[name] = rm
	}
	return rm
}

func (s *Server) dropRoomIfEmpty(rm *room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm.size() == 0 && s.rooms[rm.name] == rm {
		delete(s.rooms, rm.name)
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
