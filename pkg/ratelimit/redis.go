package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// One round trip per request: bump the counter, arm the expiry when the
// window opens, and read the remaining ttl. Running it as a script keeps the
// first request in a window from racing another replica into an unexpiring
// key.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

var errScriptReply = errors.New("unexpected rate limit script reply")

// RedisLimiter fails open: Redis errors fall through to the in-memory
// limiter rather than refusing certificate reads.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "sigil:rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degrade(key, limit)
	}
	count, ttl, err := l.bump(key)
	if err != nil {
		return l.degrade(key, limit)
	}
	return decide(count, limit, time.Now().UTC().Add(ttl))
}

// bump runs the window script and normalizes its {count, ttl} reply.
func (l *RedisLimiter) bump(key string) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, errScriptReply
	}
	count, _ := vals[0].(int64)
	ttlMS, _ := vals[1].(int64)
	if ttlMS < 0 {
		// PTTL reports -1 for keys without expiry and -2 for missing keys.
		ttlMS = l.Window.Milliseconds()
	}
	return int(count), time.Duration(ttlMS) * time.Millisecond, nil
}

func (l *RedisLimiter) degrade(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return decide(0, limit, time.Now().UTC().Add(l.Window))
}
