package relay

import (
	"net/http"
	"net/url"
	"strings"
)

// originAllowed implements the browser origin policy for /ws and /ice.
// Requests without an Origin header (non-browser clients, same-origin
// navigations) always pass. With an allowlist configured, the normalized
// origin must match one of its entries; an empty allowlist admits only
// same-host origins.
func originAllowed(r *http.Request, allowed []string) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	origin, host, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	if len(allowed) == 0 {
		return strings.EqualFold(host, r.Host)
	}
	for _, a := range allowed {
		if norm, _, ok := normalizeOrigin(a); ok && norm == origin {
			return true
		}
	}
	return false
}

// normalizeOrigin lowercases the scheme and host and strips default ports so
// equivalent spellings compare equal.
func normalizeOrigin(raw string) (origin, host string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host = strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host, host, true
}
