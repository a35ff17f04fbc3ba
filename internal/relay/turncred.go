package relay

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// TURN REST ephemeral credentials, coturn compatible:
//
//	username   = <unix_expiry>:<prefix>:<session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// See https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest.
type turnCredentialGenerator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

type turnCredentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

func newTURNCredentialGenerator(secret string, ttl time.Duration, prefix string) (*turnCredentialGenerator, error) {
	if secret == "" {
		return nil, errors.New("turn shared secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("turn credential ttl must be positive")
	}
	if prefix == "" || strings.Contains(prefix, ":") {
		return nil, fmt.Errorf("invalid turn username prefix %q", prefix)
	}
	return &turnCredentialGenerator{
		secret: []byte(secret),
		ttl:    ttl,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

func (g *turnCredentialGenerator) generate(sessionID string) (turnCredentials, error) {
	if sessionID == "" || strings.Contains(sessionID, ":") {
		return turnCredentials{}, fmt.Errorf("invalid turn session id %q", sessionID)
	}
	expiry := g.now().UTC().Add(g.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, sessionID)

	mac := hmac.New(sha1.New, g.secret)
	mac.Write([]byte(username))
	return turnCredentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

func (g *turnCredentialGenerator) generateRandom() (turnCredentials, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return turnCredentials{}, err
	}
	return g.generate(hex.EncodeToString(b[:]))
}

// withTURNCredentials stamps ephemeral credentials onto every server entry
// that carries a turn: or turns: URL. STUN-only entries pass through as-is.
func withTURNCredentials(servers []webrtc.ICEServer, creds turnCredentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if hasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
