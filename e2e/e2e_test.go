// Package e2e drives a full call through real components: two endpoints
// dialing the relay over websockets, negotiating through it, and exchanging
// media over a virtual network.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"

	"github.com/voicedesk/voicedesk/internal/call"
	"github.com/voicedesk/voicedesk/internal/media"
	"github.com/voicedesk/voicedesk/internal/relay"
	"github.com/voicedesk/voicedesk/internal/signal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

type endpoint struct {
	client  *signal.Client
	session *call.Session
	chats   chan signal.ChatMessage
	ended   chan struct{}
}

// dialEndpoint joins the room and starts a call session the way the endpoint
// binary does, with a tone source standing in for the microphone.
func dialEndpoint(t *testing.T, wsURL, role string, net *vnet.Net, toneHz float64) *endpoint {
	t.Helper()
	ctx := context.Background()

	client, err := signal.Dial(ctx, wsURL+"?room=e2e", testLogger())
	if err != nil {
		t.Fatalf("dial relay as %s: %v", role, err)
	}
	t.Cleanup(func() { _ = client.Close() })

	callRole := call.RoleCallee
	if role == signal.RoleAgent {
		callRole = call.RoleCaller
	}
	session := call.NewSession(client, media.NewToneAcquirer(toneHz), nil, nil, call.Config{
		Role:   callRole,
		Net:    net,
		Logger: testLogger(),
	})
	t.Cleanup(session.Stop)

	ep := &endpoint{
		client:  client,
		session: session,
		chats:   make(chan signal.ChatMessage, 4),
		ended:   make(chan struct{}),
	}
	client.On(signal.TypeChatMessage, func(payload json.RawMessage) {
		var msg signal.ChatMessage
		if json.Unmarshal(payload, &msg) == nil {
			ep.chats <- msg
		}
	})
	client.On(signal.TypeCallEnded, func(json.RawMessage) { close(ep.ended) })
	client.On(signal.TypeJoinRejected, func(payload json.RawMessage) {
		t.Errorf("join rejected for %s: %s", role, payload)
	})

	if err := client.Send(signal.TypeJoin, signal.Join{Role: role, Name: role}); err != nil {
		t.Fatalf("join as %s: %v", role, err)
	}
	if err := session.Start(ctx); err != nil {
		t.Fatalf("start %s session: %v", role, err)
	}
	return ep
}

func TestFullCallThroughRelay(t *testing.T) {
	srv, err := relay.NewServer(relay.Config{}, testLogger())
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	netA, netB := newVNetPair(t)

	// The customer joins first so its handlers are live before the agent's
	// offer arrives.
	customer := dialEndpoint(t, wsURL, signal.RoleCustomer, netB, 440)
	agent := dialEndpoint(t, wsURL, signal.RoleAgent, netA, 220)

	waitFor(t, 15*time.Second, func() bool {
		return agent.session.State() == call.StateStable &&
			customer.session.State() == call.StateStable
	}, "both sessions stable")
	waitFor(t, 15*time.Second, func() bool {
		return agent.session.RemoteTrack() != nil && customer.session.RemoteTrack() != nil
	}, "remote tracks on both sides")

	// Chat rides the same relay connection and gets stamped on the way.
	if err := agent.client.Send(signal.TypeSendMessage, signal.ChatMessage{Text: "hello"}); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	select {
	case msg := <-customer.chats:
		if msg.Text != "hello" {
			t.Fatalf("chat text=%q, want hello", msg.Text)
		}
		if msg.Sender != signal.RoleAgent || msg.Role != signal.RoleAgent {
			t.Fatalf("chat=%+v, want sender/role agent", msg)
		}
		if msg.ID == "" || msg.Time == "" {
			t.Fatalf("chat=%+v, want stamped id and time", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chat broadcast")
	}

	// Renegotiation goes through the relay too.
	agent.session.Renegotiate()
	waitFor(t, 15*time.Second, func() bool {
		return agent.session.State() == call.StateStable
	}, "renegotiation to settle")

	if err := agent.client.Send(signal.TypeEndCall, nil); err != nil {
		t.Fatalf("send end-call: %v", err)
	}
	select {
	case <-customer.ended:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for call-ended")
	}
	customer.session.Stop()
	agent.session.Stop()

	if got := customer.session.State(); got != call.StateClosed {
		t.Fatalf("customer state=%q, want closed", got)
	}
}

func TestRelayRejectsThirdParticipant(t *testing.T) {
	srv, err := relay.NewServer(relay.Config{}, testLogger())
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	ctx := context.Background()
	for _, role := range []string{signal.RoleCustomer, signal.RoleAgent} {
		c, err := signal.Dial(ctx, wsURL+"?room=full", testLogger())
		if err != nil {
			t.Fatalf("dial as %s: %v", role, err)
		}
		t.Cleanup(func() { _ = c.Close() })
		if err := c.Send(signal.TypeJoin, signal.Join{Role: role}); err != nil {
			t.Fatalf("join as %s: %v", role, err)
		}
	}

	late, err := signal.Dial(ctx, wsURL+"?room=full", testLogger())
	if err != nil {
		t.Fatalf("dial late: %v", err)
	}
	t.Cleanup(func() { _ = late.Close() })

	rejected := make(chan signal.JoinRejected, 1)
	late.On(signal.TypeJoinRejected, func(payload json.RawMessage) {
		var rej signal.JoinRejected
		_ = json.Unmarshal(payload, &rej)
		rejected <- rej
	})
	if err := late.Send(signal.TypeJoin, signal.Join{Role: signal.RoleAgent}); err != nil {
		t.Fatalf("late join: %v", err)
	}

	select {
	case rej := <-rejected:
		if rej.Reason == "" {
			t.Fatal("expected a rejection reason")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for join-rejected")
	}
}
