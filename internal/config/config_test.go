package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func endpointEnv(extra map[string]string) map[string]string {
	m := map[string]string{
		envSignalURL: "ws://127.0.0.1:8080/ws",
		envRole:      "agent",
		envStunURLs:  "stun:stun.example.com:3478",
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func TestEndpointDefaultsDev(t *testing.T) {
	cfg, err := loadEndpoint(lookupMap(endpointEnv(nil)), nil)
	if err != nil {
		t.Fatalf("loadEndpoint: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.Room != DefaultRoom {
		t.Fatalf("room=%q, want %q", cfg.Room, DefaultRoom)
	}
	if cfg.OutputVolume != DefaultOutputVolume {
		t.Fatalf("outputVolume=%v, want %v", cfg.OutputVolume, DefaultOutputVolume)
	}
	if cfg.HighPassHz != DefaultHighPassHz {
		t.Fatalf("highPassHz=%v, want %v", cfg.HighPassHz, DefaultHighPassHz)
	}
	if cfg.ICEDisconnectedTimeout != 0 {
		t.Fatalf("ICEDisconnectedTimeout=%v, want 0", cfg.ICEDisconnectedTimeout)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("len(ICEServers)=%d, want 1", len(cfg.ICEServers))
	}
}

func TestEndpointProdDefaultsJSONLogs(t *testing.T) {
	cfg, err := loadEndpoint(lookupMap(endpointEnv(nil)), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("loadEndpoint: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestEndpointExplicitLogFormatBeatsModeDefault(t *testing.T) {
	cfg, err := loadEndpoint(lookupMap(endpointEnv(nil)), []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("loadEndpoint: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestEndpointFlagOverridesEnv(t *testing.T) {
	env := endpointEnv(map[string]string{envRoom: "support-7"})
	cfg, err := loadEndpoint(lookupMap(env), []string{"--room", "support-9"})
	if err != nil {
		t.Fatalf("loadEndpoint: %v", err)
	}
	if cfg.Room != "support-9" {
		t.Fatalf("room=%q, want %q", cfg.Room, "support-9")
	}
}

func TestEndpointRequiresSignalURL(t *testing.T) {
	env := endpointEnv(nil)
	delete(env, envSignalURL)
	_, err := loadEndpoint(lookupMap(env), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envSignalURL) {
		t.Fatalf("err=%v, expected mention of %s", err, envSignalURL)
	}
}

func TestEndpointRejectsHTTPSignalURL(t *testing.T) {
	env := endpointEnv(map[string]string{envSignalURL: "http://example.com/ws"})
	if _, err := loadEndpoint(lookupMap(env), nil); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestEndpointValidatesRole(t *testing.T) {
	env := endpointEnv(map[string]string{envRole: "operator"})
	_, err := loadEndpoint(lookupMap(env), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "agent") {
		t.Fatalf("err=%v, expected role hint", err)
	}
}

func TestEndpointRoleIsCaseInsensitive(t *testing.T) {
	env := endpointEnv(map[string]string{envRole: "Customer"})
	cfg, err := loadEndpoint(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("loadEndpoint: %v", err)
	}
	if cfg.Role != "customer" {
		t.Fatalf("role=%q, want customer", cfg.Role)
	}
}

func TestEndpointValidatesOutputVolume(t *testing.T) {
	for _, v := range []string{"-0.1", "1.5", "loud"} {
		env := endpointEnv(map[string]string{envOutputVolume: v})
		if _, err := loadEndpoint(lookupMap(env), nil); err == nil {
			t.Fatalf("expected error for volume %q, got nil", v)
		}
	}
}

func TestEndpointRequiresICEServer(t *testing.T) {
	env := endpointEnv(nil)
	delete(env, envStunURLs)
	_, err := loadEndpoint(lookupMap(env), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestEndpointICETimeouts(t *testing.T) {
	env := endpointEnv(map[string]string{
		envICEDisconnectedTimeout: "6s",
		envICEFailedTimeout:       "30s",
		envICEKeepaliveInterval:   "2s",
	})
	cfg, err := loadEndpoint(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("loadEndpoint: %v", err)
	}
	if cfg.ICEDisconnectedTimeout != 6*time.Second {
		t.Fatalf("ICEDisconnectedTimeout=%v, want 6s", cfg.ICEDisconnectedTimeout)
	}
	if cfg.ICEFailedTimeout != 30*time.Second {
		t.Fatalf("ICEFailedTimeout=%v, want 30s", cfg.ICEFailedTimeout)
	}
	if cfg.ICEKeepaliveInterval != 2*time.Second {
		t.Fatalf("ICEKeepaliveInterval=%v, want 2s", cfg.ICEKeepaliveInterval)
	}
}

func TestRelayDefaults(t *testing.T) {
	cfg, err := loadRelay(func(string) (string, bool) { return "", false }, nil)
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.ListenAddr != DefaultRelayListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultRelayListenAddr)
	}
	if cfg.ShutdownTimeout != DefaultRelayShutdownTimeout {
		t.Fatalf("shutdownTimeout=%v, want %v", cfg.ShutdownTimeout, DefaultRelayShutdownTimeout)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("allowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
	if cfg.TURNSecret != "" {
		t.Fatalf("turnSecret=%q, want empty", cfg.TURNSecret)
	}
}

func TestRelayProdModeFlagSwitchesLogDefaults(t *testing.T) {
	cfg, err := loadRelay(func(string) (string, bool) { return "", false }, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestRelayAllowedOriginsSplit(t *testing.T) {
	cfg, err := loadRelay(lookupMap(map[string]string{
		envAllowedOrigins: "https://desk.example.com, http://localhost:5173",
	}), nil)
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("allowedOrigins=%v, want 2 entries", cfg.AllowedOrigins)
	}
	if cfg.AllowedOrigins[0] != "https://desk.example.com" {
		t.Fatalf("allowedOrigins[0]=%q", cfg.AllowedOrigins[0])
	}
}

func TestRelayTURNRESTAllowsCredentiallessTURN(t *testing.T) {
	env := map[string]string{
		envTurnURLs:       "turn:turn.example.com:3478",
		envTURNRESTSecret: "north",
	}
	cfg, err := loadRelay(lookupMap(env), nil)
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("len(ICEServers)=%d, want 1", len(cfg.ICEServers))
	}

	delete(env, envTURNRESTSecret)
	if _, err := loadRelay(lookupMap(env), nil); err == nil {
		t.Fatalf("expected error for TURN without credentials or REST secret, got nil")
	}
}

func TestRelayTURNRESTOptionsNeedSecret(t *testing.T) {
	_, err := loadRelay(lookupMap(map[string]string{
		envTURNRESTTTL: "30m",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envTURNRESTSecret) {
		t.Fatalf("err=%v, expected mention of %s", err, envTURNRESTSecret)
	}
}

func TestRelayRejectsNegativeRate(t *testing.T) {
	_, err := loadRelay(lookupMap(map[string]string{
		envRelayMessagesPerSec: "-1",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	if _, err := NewLogger(LogFormatText, slog.LevelInfo); err != nil {
		t.Fatalf("NewLogger text: %v", err)
	}
	if _, err := NewLogger(LogFormatJSON, slog.LevelDebug); err != nil {
		t.Fatalf("NewLogger json: %v", err)
	}
	if _, err := NewLogger(LogFormat("yaml"), slog.LevelInfo); err == nil {
		t.Fatalf("expected error for unknown format, got nil")
	}
}
