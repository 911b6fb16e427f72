package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/ratelimit"
)

// RateLimit throttles callers per client IP and, once authenticated, per
// operator. Redis failures fail open.
type RateLimit struct {
	limiter *ratelimit.Limiter
	cfg     ratelimit.Config
	log     *zap.Logger
}

func NewRateLimit(l *ratelimit.Limiter, cfg ratelimit.Config, log *zap.Logger) *RateLimit {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimit{limiter: l, cfg: cfg, log: log}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PerIP applies the IP limit.
func (m *RateLimit) PerIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.IP.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		key := fmt.Sprintf("rl:ip:%s", m.limiter.HashIP(clientIP(r)))
		if m.allow(w, r, key, ratelimit.ScopeIP, m.cfg.IP) {
			next.ServeHTTP(w, r)
		}
	})
}

// PerUser applies the operator limit. It must run after JWTAuth.
func (m *RateLimit) PerUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := GetAuthContext(r.Context())
		if !ok || !m.cfg.User.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		key := fmt.Sprintf("rl:user:%s", ac.UserID)
		if m.allow(w, r, key, ratelimit.ScopeUser, m.cfg.User) {
			next.ServeHTTP(w, r)
		}
	})
}

func (m *RateLimit) allow(w http.ResponseWriter, r *http.Request, key string, scope ratelimit.Scope, cfg ratelimit.LimitConfig) bool {
	decision, err := m.limiter.CheckRateLimit(r.Context(), key, scope, cfg)
	if err != nil {
		m.log.Warn("rate limit check failed, allowing request",
			zap.String("scope", string(scope)),
			zap.Error(err),
		)
		return true
	}
	writeRateLimitHeaders(w, decision)
	if !decision.Allowed {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	return true
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
