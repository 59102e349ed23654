package httpapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator checks operator tokens against a plain API token, a bcrypt
// hash of one, or both. With neither configured every request is allowed.
type Authenticator struct {
	token []byte
	hash  []byte

	mu       sync.Mutex
	verified map[[sha256.Size]byte]struct{}
}

func NewAuthenticator(token, hash string) *Authenticator {
	a := &Authenticator{verified: make(map[[sha256.Size]byte]struct{})}
	if token = strings.TrimSpace(token); token != "" {
		a.token = []byte(token)
	}
	if hash = strings.TrimSpace(hash); hash != "" {
		a.hash = []byte(hash)
	}
	return a
}

func (a *Authenticator) Enabled() bool {
	return a != nil && (a.token != nil || a.hash != nil)
}

func (a *Authenticator) Valid(token string) bool {
	if !a.Enabled() {
		return true
	}
	if token == "" {
		return false
	}
	if a.token != nil && subtle.ConstantTimeCompare(a.token, []byte(token)) == 1 {
		return true
	}
	if a.hash == nil {
		return false
	}
	// bcrypt is slow on purpose; remember tokens that already matched.
	key := sha256.Sum256([]byte(token))
	a.mu.Lock()
	_, ok := a.verified[key]
	a.mu.Unlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified[key] = struct{}{}
	a.mu.Unlock()
	return true
}

func AuthMiddleware(auth *Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.Enabled() || isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}
		if !auth.Valid(token) {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// isPublicEndpoint lists paths served without a token. The realtime channel
// authorizes its own connections.
func isPublicEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
		return true
	case strings.HasPrefix(r.URL.Path, "/realtime/"):
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
