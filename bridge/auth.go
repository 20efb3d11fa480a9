package bridge

import (
	"crypto/subtle"
	"net/http"
)

// AuthManager validates API keys against a flat allow-list. This is
// the whole authorization model; there are no scopes or identities
// behind a key.
type AuthManager struct {
	keys []string
}

// NewAuthManager creates an AuthManager over the configured keys.
func NewAuthManager(keys []string) *AuthManager {
	return &AuthManager{keys: keys}
}

// ValidateKey reports whether the presented key is on the allow-list.
func (am *AuthManager) ValidateKey(key string) bool {
	if key == "" {
		return false
	}
	for _, valid := range am.keys {
		if subtle.ConstantTimeCompare([]byte(valid), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

// makeOriginChecker builds the upgrade-time origin filter. A missing
// Origin header is always rejected; a "*" entry permits any present
// origin; otherwise the origin must match an entry exactly.
func makeOriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}
