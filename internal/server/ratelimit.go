package server

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements per-client token bucket rate limiting
type RateLimiter struct {
	enabled           bool
	requestsPerMinute int
	buckets           map[string]*tokenBucket
	mu                sync.Mutex
	cleanupInterval   time.Duration
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(enabled bool, requestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		enabled:           enabled,
		requestsPerMinute: requestsPerMinute,
		buckets:           make(map[string]*tokenBucket),
		cleanupInterval:   5 * time.Minute,
	}
	if enabled {
		go rl.cleanup()
	}
	return rl
}

// Middleware returns an HTTP middleware for rate limiting
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.enabled {
			next.ServeHTTP(w, req)
			return
		}

		if !r.allowRequest(clientKey(req)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Rate limit exceeded"}`))
			return
		}

		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allowRequest(key string) bool {
	if r.requestsPerMinute <= 0 {
		return true
	}

	r.mu.Lock()
	bucket, exists := r.buckets[key]
	if !exists {
		bucket = &tokenBucket{
			tokens:     float64(r.requestsPerMinute),
			maxTokens:  float64(r.requestsPerMinute),
			refillRate: float64(r.requestsPerMinute) / 60.0,
			lastRefill: time.Now(),
		}
		r.buckets[key] = bucket
	}
	r.mu.Unlock()

	return bucket.consume(1)
}

func (b *tokenBucket) consume(count float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	b.lastRefill = now
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}

	if b.tokens >= count {
		b.tokens -= count
		return true
	}
	return false
}

// cleanup periodically removes idle buckets
func (r *RateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		now := time.Now()
		for key, bucket := range r.buckets {
			bucket.mu.Lock()
			idle := now.Sub(bucket.lastRefill) > r.cleanupInterval
			bucket.mu.Unlock()
			if idle {
				delete(r.buckets, key)
			}
		}
		r.mu.Unlock()
	}
}

func clientKey(req *http.Request) string {
	if ip := req.RemoteAddr; ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}
