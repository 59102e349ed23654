package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type RateLimitConfig struct {
	IPPerMinute int
	IPBurst     int
	// CommandPerMinute and CommandBurst bound state-changing ticket commands
	// per agent and session commands per session.
	CommandPerMinute int
	CommandBurst     int
}

type RateLimiter struct {
	ipLimiter      *tokenLimiter
	commandLimiter *tokenLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:      newTokenLimiter(cfg.IPPerMinute, cfg.IPBurst),
		commandLimiter: newTokenLimiter(cfg.CommandPerMinute, cfg.CommandBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if key := commandKey(r, ip); key != "" && !l.commandLimiter.allow(key) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many commands")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// commandKey names the bucket a state-changing request draws from. Ticket
// commands are charged to the acting agent, falling back to the client
// address when no agent is named. Session commands are charged to the
// session. Reads are not charged.
func commandKey(r *http.Request, ip string) string {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return ""
	}
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/tickets/"):
		if agentID := agentFromRequest(r, peekAgentID(r)); agentID != "" {
			return "agent:" + agentID
		}
		return "ip:" + ip
	case strings.HasPrefix(r.URL.Path, "/api/sessions/"):
		if parts := pathParts(r.URL.Path, "/api/sessions/"); len(parts) > 0 {
			return "session:" + parts[0]
		}
	}
	return ""
}

// peekAgentID reads agent_id from a JSON body and puts the body back for the
// handler.
func peekAgentID(r *http.Request) string {
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if json.Unmarshal(data, &body) != nil {
		return ""
	}
	return body.AgentID
}

type tokenLimiter struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	bucket map[string]*bucket
	now    func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newTokenLimiter(perMinute, burst int) *tokenLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	if burst <= 0 {
		burst = 30
	}
	return &tokenLimiter{
		rate:   float64(perMinute) / 60.0,
		burst:  float64(burst),
		bucket: make(map[string]*bucket),
		now:    time.Now,
	}
}

func (l *tokenLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.bucket[key]
	if !ok {
		l.bucket[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
