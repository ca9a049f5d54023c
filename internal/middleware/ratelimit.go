package middleware

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptLimiter caps requests per client address in a fixed window, backed
// by Redis so the count survives restarts. It guards register/login.
type AttemptLimiter struct {
	client    *redis.Client
	keyPrefix string
	limit     int
	window    time.Duration
}

func NewAttemptLimiter(client *redis.Client, keyPrefix string, limit int, window time.Duration) *AttemptLimiter {
	return &AttemptLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		limit:     limit,
		window:    window,
	}
}

// AttemptResult is the outcome of one Allow call.
type AttemptResult struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// attemptScript bumps a fixed-window counter and starts the window on the
// first hit. Returns {count, ttl_ms}.
var attemptScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return {count, ttl}
`)

// Allow counts one attempt for key.
func (l *AttemptLimiter) Allow(ctx context.Context, key string) (*AttemptResult, error) {
	redisKey := l.keyPrefix + key

	result, err := attemptScript.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis attempt counter: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected Redis response length: %d", len(result))
	}

	count := int(result[0])
	resetIn := time.Duration(result[1]) * time.Millisecond
	if resetIn < 0 {
		resetIn = l.window
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &AttemptResult{
		Allowed:   count <= l.limit,
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}

// Handle rejects with 429 once a client address runs out of attempts. If
// Redis is unreachable the request is let through.
func (l *AttemptLimiter) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := l.Allow(r.Context(), clientAddr(r))
		if err != nil {
			log.Printf("⚠️ attempt limiter unavailable: %v", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.ResetIn.Seconds()))))
			http.Error(w, "Too many attempts. Try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr strips the port; chi's RealIP middleware has already applied
// X-Forwarded-For when the server runs behind a proxy.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
