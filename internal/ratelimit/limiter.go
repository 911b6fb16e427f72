package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

// LimitConfig with Rate 0 disables the limit.
type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

func (c LimitConfig) Enabled() bool {
	return c.Rate > 0 && c.Window > 0
}

type Config struct {
	Salt string      `yaml:"salt"`
	IP   LimitConfig `yaml:"ip"`
	User LimitConfig `yaml:"user"`
}

// Fixed window counter. Returns the count and the window's remaining ms.
var windowScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {current, redis.call("PTTL", KEYS[1])}
`)

type Limiter struct {
	client *redis.Client
	salt   string
	now    func() time.Time
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "default-salt-change-me"
	}
	return &Limiter{client: client, salt: salt, now: time.Now}
}

// HashIP keeps raw client addresses out of Redis.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

func (l *Limiter) CheckRateLimit(ctx context.Context, key string, scope Scope, config LimitConfig) (*Decision, error) {
	res, err := windowScript.Run(ctx, l.client, []string{key}, config.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return nil, ErrRedisUnavailable
	}
	count, pttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if pttl < 0 {
		pttl = config.Window
	}

	remaining := config.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	retry := int((pttl + time.Second - 1) / time.Second)

	return &Decision{
		Scope:      scope,
		Limit:      config.Rate,
		Remaining:  remaining,
		Reset:      l.now().Add(pttl),
		RetryAfter: retry,
		Allowed:    count <= config.Rate,
	}, nil
}
