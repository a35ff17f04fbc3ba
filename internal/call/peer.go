package call

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// Default ICE timeouts. The pion default disconnectedTimeout of 5s is too
// aggressive for relay/NAT paths with short outages; give ICE time to recover
// before declaring the call dead.
const (
	defaultDisconnectedTimeout = 30 * time.Second
	defaultFailedTimeout       = 120 * time.Second
	defaultKeepaliveInterval   = 2 * time.Second
)

type peerConfig struct {
	iceServers []webrtc.ICEServer

	// net overrides the network stack (virtual networks in tests).
	net transport.Net

	disconnectedTimeout time.Duration
	failedTimeout       time.Duration
	keepaliveInterval   time.Duration

	logger *slog.Logger
}

// newPeerConnection builds a peer connection with the audio codecs this
// engine speaks: Opus for hardware capture, PCMU for the raw PCM path.
func newPeerConnection(cfg peerConfig) (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	opusCodec := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	pcmuCodec := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		PayloadType: 0,
	}
	if err := m.RegisterCodec(pcmuCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register pcmu: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	ir.Add(responder)

	se := webrtc.SettingEngine{}
	if cfg.logger != nil {
		se.LoggerFactory = newPionLoggerFactory(cfg.logger)
	}
	if cfg.net != nil {
		se.SetNet(cfg.net)
	}
	disconnected := cfg.disconnectedTimeout
	if disconnected <= 0 {
		disconnected = defaultDisconnectedTimeout
	}
	failed := cfg.failedTimeout
	if failed <= 0 {
		failed = defaultFailedTimeout
	}
	keepalive := cfg.keepaliveInterval
	if keepalive <= 0 {
		keepalive = defaultKeepaliveInterval
	}
	se.SetICETimeouts(disconnected, failed, keepalive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}
