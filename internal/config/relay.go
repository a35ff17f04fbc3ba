package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envRelayListenAddr      = "VOICEDESK_RELAY_LISTEN_ADDR"
	envAllowedOrigins       = "VOICEDESK_ALLOWED_ORIGINS"
	envRelayShutdownTimeout = "VOICEDESK_RELAY_SHUTDOWN_TIMEOUT"
	envRelayJoinTimeout     = "VOICEDESK_RELAY_JOIN_TIMEOUT"
	envRelayMessagesPerSec  = "VOICEDESK_RELAY_MESSAGES_PER_SECOND"
	envTURNRESTSecret       = "VOICEDESK_TURN_REST_SECRET"
	envTURNRESTTTL          = "VOICEDESK_TURN_REST_TTL"
	envTURNRESTPrefix       = "VOICEDESK_TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultRelayListenAddr      = ":8080"
	DefaultRelayShutdownTimeout = 10 * time.Second
)

// Relay is the configuration for the room relay binary.
type Relay struct {
	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	JoinTimeout     time.Duration
	MessagesPerSec  int

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ICEServers         []webrtc.ICEServer
	TURNSecret         string
	TURNCredentialTTL  time.Duration
	TURNUsernamePrefix string
}

// LoadRelay reads the relay configuration from the environment and args.
func LoadRelay(args []string) (Relay, error) {
	loadDotEnv()
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (Relay, error) {
	envModeVal, _ := lookup(envMode)
	modeDefault := string(ModeDev)
	if envModeVal != "" {
		modeDefault = envModeVal
	}

	listenAddr := envOrDefault(lookup, envRelayListenAddr, DefaultRelayListenAddr)
	allowedOrigins := envOrDefault(lookup, envAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnSecret := envOrDefault(lookup, envTURNRESTSecret, "")
	turnPrefix := envOrDefault(lookup, envTURNRESTPrefix, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envRelayShutdownTimeout, DefaultRelayShutdownTimeout)
	if err != nil {
		return Relay{}, err
	}
	joinTimeout, err := envDurationOrDefault(lookup, envRelayJoinTimeout, 0)
	if err != nil {
		return Relay{}, err
	}
	messagesPerSec, err := envIntOrDefault(lookup, envRelayMessagesPerSec, 0)
	if err != nil {
		return Relay{}, err
	}
	turnTTL, err := envDurationOrDefault(lookup, envTURNRESTTTL, 0)
	if err != nil {
		return Relay{}, err
	}

	// Empty means "derive from mode" once the final mode is known after
	// flag parsing; the flag may override the env mode.
	logFormatDefault, _ := lookup(envLogFormat)
	logLevelDefault, _ := lookup(envLogLevel)

	fs := flag.NewFlagSet("voicedesk-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envRelayListenAddr+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated allowed websocket origins, empty = same host only (env "+envAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config to hand clients (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "Static TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "Static TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnSecret, "turn-rest-secret", turnSecret, "TURN REST shared secret for ephemeral credentials (env "+envTURNRESTSecret+")")
	fs.StringVar(&turnPrefix, "turn-rest-username-prefix", turnPrefix, "TURN REST username prefix (env "+envTURNRESTPrefix+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envRelayShutdownTimeout+")")
	fs.DurationVar(&joinTimeout, "join-timeout", joinTimeout, "Deadline for the first join frame, 0 = default (env "+envRelayJoinTimeout+")")
	fs.IntVar(&messagesPerSec, "messages-per-second", messagesPerSec, "Per-connection signal rate limit, 0 = default (env "+envRelayMessagesPerSec+")")
	fs.DurationVar(&turnTTL, "turn-rest-ttl", turnTTL, "TURN REST credential lifetime, 0 = default (env "+envTURNRESTTTL+")")

	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Relay{}, err
	}
	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if logLevelStr == "" {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Relay{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Relay{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Relay{}, fmt.Errorf("%s/--listen-addr must not be empty", envRelayListenAddr)
	}
	if shutdownTimeout <= 0 {
		return Relay{}, fmt.Errorf("%s/--shutdown-timeout must be positive", envRelayShutdownTimeout)
	}
	if joinTimeout < 0 {
		return Relay{}, fmt.Errorf("%s/--join-timeout must be >= 0", envRelayJoinTimeout)
	}
	if messagesPerSec < 0 {
		return Relay{}, fmt.Errorf("%s/--messages-per-second must be >= 0", envRelayMessagesPerSec)
	}
	turnSecret = strings.TrimSpace(turnSecret)
	if turnTTL < 0 {
		return Relay{}, fmt.Errorf("%s/--turn-rest-ttl must be >= 0", envTURNRESTTTL)
	}
	if turnSecret == "" && (turnTTL > 0 || strings.TrimSpace(turnPrefix) != "") {
		return Relay{}, fmt.Errorf("%s must be set when TURN REST options are configured", envTURNRESTSecret)
	}

	// With TURN REST enabled the listed TURN servers may omit static
	// credentials; the relay stamps ephemeral ones per /ice request.
	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnSecret != "")
	if err != nil {
		return Relay{}, err
	}

	return Relay{
		ListenAddr:         strings.TrimSpace(listenAddr),
		AllowedOrigins:     splitCommaSeparated(allowedOrigins),
		ShutdownTimeout:    shutdownTimeout,
		JoinTimeout:        joinTimeout,
		MessagesPerSec:     messagesPerSec,
		Mode:               mode,
		LogFormat:          logFormat,
		LogLevel:           logLevel,
		ICEServers:         iceServers,
		TURNSecret:         turnSecret,
		TURNCredentialTTL:  turnTTL,
		TURNUsernamePrefix: strings.TrimSpace(turnPrefix),
	}, nil
}
