package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voicedesk/voicedesk/internal/audio"
	"github.com/voicedesk/voicedesk/internal/call"
	"github.com/voicedesk/voicedesk/internal/config"
	"github.com/voicedesk/voicedesk/internal/media"
	"github.com/voicedesk/voicedesk/internal/metrics"
	"github.com/voicedesk/voicedesk/internal/signal"
)

func main() {
	cfg, err := config.LoadEndpoint(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("call endpoint exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Endpoint, logger *slog.Logger) error {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting voicedesk",
		"signal_url", cfg.SignalURL,
		"room", cfg.Room,
		"role", cfg.Role,
		"mode", cfg.Mode,
		"ice_servers", len(cfg.ICEServers),
	)

	wsURL, err := roomURL(cfg.SignalURL, cfg.Room)
	if err != nil {
		return err
	}
	client, err := signal.Dial(ctx, wsURL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var acquirer media.Acquirer
	if cfg.ToneHz > 0 {
		acquirer = media.NewToneAcquirer(cfg.ToneHz)
	} else {
		acquirer = media.NewDeviceAcquirer()
	}

	pipeline := audio.NewPipeline(audio.Config{
		SampleRate:    media.DefaultSampleRate,
		HighPassHz:    int(cfg.HighPassHz),
		CaptureGain:   cfg.CaptureGain,
		OutputVolume:  cfg.OutputVolume,
		DisableStages: cfg.DisableAudioStages,
	}, logger)

	var sink audio.Sink = audio.DiscardSink{}
	if cfg.PlaybackFile != "" {
		f, err := os.Create(cfg.PlaybackFile)
		if err != nil {
			return fmt.Errorf("open playback file: %w", err)
		}
		defer f.Close()
		sink = audio.WriterSink{W: f}
	}

	role := call.RoleCallee
	if cfg.Role == signal.RoleAgent {
		role = call.RoleCaller
	}

	session := call.NewSession(client, acquirer, pipeline, sink, call.Config{
		Role:                   role,
		ICEServers:             cfg.ICEServers,
		ICEDisconnectedTimeout: cfg.ICEDisconnectedTimeout,
		ICEFailedTimeout:       cfg.ICEFailedTimeout,
		ICEKeepaliveInterval:   cfg.ICEKeepaliveInterval,
		AwaitPeerReady:         role == call.RoleCaller,
		Logger:                 logger,
		Metrics:                metrics.New(prometheus.DefaultRegisterer),
	})
	defer session.Stop()

	session.OnConnectionState(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			logger.Info("call connected")
		case webrtc.PeerConnectionStateDisconnected:
			logger.Warn("call disconnected, waiting for recovery")
		case webrtc.PeerConnectionStateFailed:
			logger.Error("call transport failed")
		}
	})

	callEnded := make(chan struct{})
	rejected := make(chan string, 1)

	// Handlers must be attached before join so the first room-status and any
	// rejection are not dropped by the read loop.
	client.On(signal.TypeJoinRejected, func(payload json.RawMessage) {
		var rej signal.JoinRejected
		_ = json.Unmarshal(payload, &rej)
		select {
		case rejected <- rej.Reason:
		default:
		}
	})
	client.On(signal.TypeRoomStatus, func(payload json.RawMessage) {
		var st signal.RoomStatus
		if err := json.Unmarshal(payload, &st); err != nil {
			logger.Warn("malformed room-status", "err", err)
			return
		}
		if st.Connected {
			logger.Info("peer joined the room")
			// The peer's own ready may have raced our join; room presence is
			// an equivalent go signal for the deferred first offer.
			session.HandleSignal(signal.TypeReady, nil)
		} else {
			logger.Info("waiting for peer to join")
		}
	})
	client.On(signal.TypeChatMessage, func(payload json.RawMessage) {
		var msg signal.ChatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn("malformed chat-message", "err", err)
			return
		}
		fmt.Printf("[%s] %s (%s): %s\n", msg.Time, msg.Sender, msg.Role, msg.Text)
	})
	client.On(signal.TypeCallEnded, func(json.RawMessage) {
		logger.Info("peer ended the call")
		close(callEnded)
	})

	if err := client.Send(signal.TypeJoin, signal.Join{Role: cfg.Role, Name: cfg.Name}); err != nil {
		return err
	}

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start call: %w", err)
	}

	go readChatInput(client, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, ending call")
		if err := client.Send(signal.TypeEndCall, nil); err != nil {
			logger.Warn("failed to send end-call", "err", err)
		}
	case reason := <-rejected:
		return fmt.Errorf("join rejected: %s", reason)
	case <-callEnded:
	case <-client.Done():
		return errors.New("signaling connection lost")
	}

	session.Stop()
	return nil
}

// readChatInput forwards stdin lines as chat messages until EOF.
func readChatInput(client *signal.Client, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if err := client.Send(signal.TypeSendMessage, signal.ChatMessage{Text: text}); err != nil {
			logger.Warn("failed to send chat message", "err", err)
			return
		}
	}
}

func roomURL(raw, room string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse signal url: %w", err)
	}
	q := u.Query()
	q.Set("room", room)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
