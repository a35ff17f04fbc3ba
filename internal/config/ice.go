package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "VOICEDESK_ICE_SERVERS_JSON"

	envStunURLs       = "VOICEDESK_STUN_URLS"
	envTurnURLs       = "VOICEDESK_TURN_URLS"
	envTurnUsername   = "VOICEDESK_TURN_USERNAME"
	envTurnCredential = "VOICEDESK_TURN_CREDENTIAL"
)

var errNoICEURLs = errors.New("missing urls")

// parseICEServersFromValues resolves the ICE server list. The JSON form wins
// when both are present; otherwise each convenience list becomes one server
// entry. allowTURNWithoutCreds is for the relay, which stamps ephemeral REST
// credentials onto TURN entries per /ice request.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stun := splitCommaSeparated(stunURLs); len(stun) > 0 {
		entry, err := newICEServer(stun, "", "", allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, entry)
	}
	if turn := splitCommaSeparated(turnURLs); len(turn) > 0 {
		user := strings.TrimSpace(turnUsername)
		cred := strings.TrimSpace(turnCredential)
		if !allowTURNWithoutCreds && (user == "" || cred == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		entry, err := newICEServer(turn, user, cred, allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, entry)
	}
	return servers, nil
}

// ParseICEServersJSON parses a JSON ICE server list shaped like the browser
// RTCConfiguration.iceServers entries; urls may be a string or an array.
func ParseICEServersJSON(raw string, allowTURNWithoutCreds bool) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username"`
		Credential string  `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server, err := newICEServer(e.URLs, strings.TrimSpace(e.Username), strings.TrimSpace(e.Credential), allowTURNWithoutCreds)
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// newICEServer builds one validated entry. TURN URLs demand credentials
// unless the caller stamps them later.
func newICEServer(rawURLs []string, username, credential string, allowTURNWithoutCreds bool) (webrtc.ICEServer, error) {
	urls := make([]string, 0, len(rawURLs))
	hasTURN := false
	for _, raw := range rawURLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		scheme, _, found := strings.Cut(u, ":")
		if !found {
			return webrtc.ICEServer{}, fmt.Errorf("unsupported url scheme: %q", u)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			hasTURN = true
		default:
			return webrtc.ICEServer{}, fmt.Errorf("unsupported url scheme: %q", u)
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return webrtc.ICEServer{}, errNoICEURLs
	}

	if hasTURN && !allowTURNWithoutCreds {
		if username == "" {
			return webrtc.ICEServer{}, errors.New("turn urls require username")
		}
		if credential == "" {
			return webrtc.ICEServer{}, errors.New("turn urls require credential")
		}
	}

	server := webrtc.ICEServer{URLs: urls, Username: username}
	if credential != "" {
		server.Credential = credential
	}
	return server, nil
}

// urlList accepts a single string or an array of strings.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}
