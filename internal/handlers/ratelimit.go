package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/quillblog/apiserver/internal/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const rateLimitTimeout = 250 * time.Millisecond

// noExpiry is what TTL reports for a key without an expiry.
const noExpiry = time.Duration(-1)

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) RateDecision
}

type RateDecision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

// RedisRateLimiter keeps one counter per key and window in redis. Redis
// errors let the request through.
type RedisRateLimiter struct {
	client redis.Cmdable
	log    zerolog.Logger
	prefix string
}

func NewRedisRateLimiter(client redis.Cmdable, logger zerolog.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		log:    logger.With().Str("component", "ratelimit").Logger(),
		prefix: "quill:ratelimit:",
	}
}

func (rl *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) RateDecision {
	if limit <= 0 {
		return RateDecision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, rateLimitTimeout)
	defer cancel()

	redisKey := rl.prefix + key
	counter, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		rl.log.Error().Err(err).Str("op", "incr").Msg("redis rate limiter error")
		return RateDecision{Allowed: true}
	}
	ttl, err := rl.client.TTL(ctx, redisKey).Result()
	if err == nil && ttl == noExpiry {
		// New key, or an earlier Expire was lost.
		if err := rl.client.Expire(ctx, redisKey, window).Err(); err != nil {
			rl.log.Error().Err(err).Str("op", "expire").Msg("redis rate limiter error")
		}
	}
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return RateDecision{
		Allowed:   int(counter) <= limit,
		Count:     int(counter),
		WindowEnd: time.Now().Add(ttl),
	}
}

// RateLimit rejects requests from one client IP beyond limit per window with
// 429. A nil limiter disables it.
func RateLimit(limiter RateLimiter, route string, limit int, window time.Duration, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			decision := limiter.Allow(r.Context(), route+":"+clientIP(r), limit, window)
			applyRateHeaders(w, limit, decision)
			if !decision.Allowed {
				m.RateLimitHit(route)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision RateDecision) {
	if decision.WindowEnd.IsZero() {
		return
	}
	remaining := limit - decision.Count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.WindowEnd.Unix(), 10))
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return host
}
