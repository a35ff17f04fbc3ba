package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/voicedesk/voicedesk/internal/signal"
)

const (
	envSignalURL    = "VOICEDESK_SIGNAL_URL"
	envRoom         = "VOICEDESK_ROOM"
	envRole         = "VOICEDESK_ROLE"
	envName         = "VOICEDESK_NAME"
	envOutputVolume = "VOICEDESK_OUTPUT_VOLUME"
	envDisableAudio = "VOICEDESK_DISABLE_AUDIO_STAGES"
	envHighPassHz   = "VOICEDESK_HIGHPASS_HZ"
	envCaptureGain  = "VOICEDESK_CAPTURE_GAIN"
	envToneHz       = "VOICEDESK_TONE_HZ"
	envPlaybackFile = "VOICEDESK_PLAYBACK_FILE"

	envICEDisconnectedTimeout = "VOICEDESK_ICE_DISCONNECTED_TIMEOUT"
	envICEFailedTimeout       = "VOICEDESK_ICE_FAILED_TIMEOUT"
	envICEKeepaliveInterval   = "VOICEDESK_ICE_KEEPALIVE_INTERVAL"
)

const (
	DefaultRoom         = "default"
	DefaultOutputVolume = 1.0
	DefaultHighPassHz   = 120.0
	DefaultCaptureGain  = 1.0
)

// Endpoint is the configuration for the call endpoint binary.
type Endpoint struct {
	SignalURL string
	Room      string
	Role      string
	Name      string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	OutputVolume       float64
	HighPassHz         float64
	CaptureGain        float64
	DisableAudioStages bool
	// ToneHz switches capture to a generated tone, for tests and machines
	// without a microphone. 0 uses the real device.
	ToneHz float64
	// PlaybackFile streams remote audio to a raw PCM file. Empty discards.
	PlaybackFile string

	ICEServers             []webrtc.ICEServer
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

// LoadEndpoint reads the endpoint configuration from the environment and args.
func LoadEndpoint(args []string) (Endpoint, error) {
	loadDotEnv()
	return loadEndpoint(os.LookupEnv, args)
}

func loadEndpoint(lookup func(string) (string, bool), args []string) (Endpoint, error) {
	envModeVal, _ := lookup(envMode)
	modeDefault := string(ModeDev)
	if envModeVal != "" {
		modeDefault = envModeVal
	}

	signalURL := envOrDefault(lookup, envSignalURL, "")
	room := envOrDefault(lookup, envRoom, DefaultRoom)
	role := envOrDefault(lookup, envRole, "")
	name := envOrDefault(lookup, envName, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	playbackFile := envOrDefault(lookup, envPlaybackFile, "")

	outputVolume, err := envFloatOrDefault(lookup, envOutputVolume, DefaultOutputVolume)
	if err != nil {
		return Endpoint{}, err
	}
	highPassHz, err := envFloatOrDefault(lookup, envHighPassHz, DefaultHighPassHz)
	if err != nil {
		return Endpoint{}, err
	}
	captureGain, err := envFloatOrDefault(lookup, envCaptureGain, DefaultCaptureGain)
	if err != nil {
		return Endpoint{}, err
	}
	toneHz, err := envFloatOrDefault(lookup, envToneHz, 0)
	if err != nil {
		return Endpoint{}, err
	}
	disableAudioStages, err := envBoolOrDefault(lookup, envDisableAudio, false)
	if err != nil {
		return Endpoint{}, err
	}

	iceDisconnected, err := envDurationOrDefault(lookup, envICEDisconnectedTimeout, 0)
	if err != nil {
		return Endpoint{}, err
	}
	iceFailed, err := envDurationOrDefault(lookup, envICEFailedTimeout, 0)
	if err != nil {
		return Endpoint{}, err
	}
	iceKeepalive, err := envDurationOrDefault(lookup, envICEKeepaliveInterval, 0)
	if err != nil {
		return Endpoint{}, err
	}

	// Empty means "derive from mode" once the final mode is known after
	// flag parsing; the flag may override the env mode.
	logFormatDefault, _ := lookup(envLogFormat)
	logLevelDefault, _ := lookup(envLogLevel)

	fs := flag.NewFlagSet("voicedesk", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)
	fs.StringVar(&signalURL, "signal-url", signalURL, "Relay websocket URL, ws:// or wss:// (env "+envSignalURL+")")
	fs.StringVar(&room, "room", room, "Room to join (env "+envRoom+")")
	fs.StringVar(&role, "role", role, "Call role: agent or customer (env "+envRole+")")
	fs.StringVar(&name, "name", name, "Display name shown in chat (env "+envName+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.Float64Var(&outputVolume, "output-volume", outputVolume, "Remote playback volume 0.0-1.0 (env "+envOutputVolume+")")
	fs.Float64Var(&highPassHz, "highpass-hz", highPassHz, "Capture high-pass cutoff in Hz, 0 disables (env "+envHighPassHz+")")
	fs.Float64Var(&captureGain, "capture-gain", captureGain, "Capture gain multiplier (env "+envCaptureGain+")")
	fs.Float64Var(&toneHz, "tone-hz", toneHz, "Send a generated tone instead of microphone capture (env "+envToneHz+")")
	fs.StringVar(&playbackFile, "playback-file", playbackFile, "Write remote audio as raw 16-bit PCM to this file (env "+envPlaybackFile+")")
	fs.BoolVar(&disableAudioStages, "disable-audio-stages", disableAudioStages, "Bypass capture processing stages (env "+envDisableAudio+")")
	fs.DurationVar(&iceDisconnected, "ice-disconnected-timeout", iceDisconnected, "ICE disconnected timeout, 0 = library default (env "+envICEDisconnectedTimeout+")")
	fs.DurationVar(&iceFailed, "ice-failed-timeout", iceFailed, "ICE failed timeout, 0 = library default (env "+envICEFailedTimeout+")")
	fs.DurationVar(&iceKeepalive, "ice-keepalive-interval", iceKeepalive, "ICE keepalive interval, 0 = library default (env "+envICEKeepaliveInterval+")")

	if err := fs.Parse(args); err != nil {
		return Endpoint{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Endpoint{}, err
	}
	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if logLevelStr == "" {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Endpoint{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Endpoint{}, err
	}

	if strings.TrimSpace(signalURL) == "" {
		return Endpoint{}, fmt.Errorf("%s/--signal-url must be set", envSignalURL)
	}
	u, err := url.Parse(strings.TrimSpace(signalURL))
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid %s/--signal-url %q (expected ws:// or wss://)", envSignalURL, signalURL)
	}
	if strings.TrimSpace(room) == "" {
		return Endpoint{}, fmt.Errorf("%s/--room must not be empty", envRoom)
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role != signal.RoleAgent && role != signal.RoleCustomer {
		return Endpoint{}, fmt.Errorf("%s/--role must be %s or %s", envRole, signal.RoleAgent, signal.RoleCustomer)
	}
	if outputVolume < 0 || outputVolume > 1 {
		return Endpoint{}, fmt.Errorf("%s/--output-volume must be within 0.0-1.0", envOutputVolume)
	}
	if highPassHz < 0 {
		return Endpoint{}, fmt.Errorf("%s/--highpass-hz must be >= 0", envHighPassHz)
	}
	if toneHz < 0 {
		return Endpoint{}, fmt.Errorf("%s/--tone-hz must be >= 0", envToneHz)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, false)
	if err != nil {
		return Endpoint{}, err
	}
	if len(iceServers) == 0 {
		return Endpoint{}, fmt.Errorf("at least one ICE server is required (%s or %s)", envICEServersJSON, envStunURLs)
	}

	return Endpoint{
		SignalURL:              strings.TrimSpace(signalURL),
		Room:                   strings.TrimSpace(room),
		Role:                   role,
		Name:                   strings.TrimSpace(name),
		Mode:                   mode,
		LogFormat:              logFormat,
		LogLevel:               logLevel,
		OutputVolume:           outputVolume,
		HighPassHz:             highPassHz,
		CaptureGain:            captureGain,
		DisableAudioStages:     disableAudioStages,
		ToneHz:                 toneHz,
		PlaybackFile:           strings.TrimSpace(playbackFile),
		ICEServers:             iceServers,
		ICEDisconnectedTimeout: iceDisconnected,
		ICEFailedTimeout:       iceFailed,
		ICEKeepaliveInterval:   iceKeepalive,
	}, nil
}
