package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/chatpresence/internal/logger"
)

// originPolicy is the browser origin allow-list shared by the socket
// upgrader and the API's CORS middleware.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

// newOriginPolicy builds a policy from configured origins. "*" allows every
// origin; entries that are not scheme://host are logged and skipped. The
// canonical form of each accepted entry is returned alongside.
func newOriginPolicy(origins []string) (originPolicy, []string) {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	var kept []string
	for _, raw := range origins {
		entry := strings.TrimSpace(raw)
		switch {
		case entry == "":
		case entry == "*":
			p.allowAll = true
		default:
			origin, ok := canonicalOrigin(entry)
			if !ok {
				logger.Warnf("Ignoring invalid origin in configuration: %q", raw)
				continue
			}
			if _, dup := p.allowed[origin]; !dup {
				p.allowed[origin] = struct{}{}
				kept = append(kept, origin)
			}
		}
	}
	return p, kept
}

// allows reports whether a non-empty Origin header value is on the list.
func (p originPolicy) allows(origin string) bool {
	if p.allowAll {
		return true
	}
	c, ok := canonicalOrigin(origin)
	if !ok {
		return false
	}
	_, found := p.allowed[c]
	return found
}

// canonicalOrigin lower-cases scheme and host and drops any path.
func canonicalOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// OriginAllowed reports whether an Origin header value may talk to the
// server. An empty origin comes from a non-browser client and is accepted.
func OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	configMu.RLock()
	defer configMu.RUnlock()
	return activeOrigins.allows(origin)
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if OriginAllowed(origin) {
		return true
	}
	logger.Warnf("Blocked WebSocket connection from disallowed origin: %q", origin)
	return false
}
