package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// rateLimiter is a token bucket per client key with a bounded key set.
type rateLimiter struct {
	mu sync.Mutex

	perSecond float64
	burst     float64
	maxKeys   int
	buckets   map[string]bucket
}

func newRateLimiter(perSecond float64, burst int, maxKeys int) *rateLimiter {
	return &rateLimiter{
		perSecond: perSecond,
		burst:     float64(burst),
		maxKeys:   maxKeys,
		buckets:   make(map[string]bucket),
	}
}

func (l *rateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictStalest()
		}
		l.buckets[key] = bucket{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	if elapsed := now.Sub(b.lastAt).Seconds(); elapsed > 0 {
		b.tokens = min(l.burst, b.tokens+elapsed*l.perSecond)
	}
	b.lastAt, b.lastSeen = now, now
	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	l.buckets[key] = b
	return allowed
}

func (l *rateLimiter) evictStalest() {
	var (
		stalest string
		at      time.Time
	)
	for k, b := range l.buckets {
		if stalest == "" || b.lastSeen.Before(at) {
			stalest, at = k, b.lastSeen
		}
	}
	delete(l.buckets, stalest)
}

// clientKey identifies the remote peer. X-Forwarded-For is honored only
// when the server sits behind a trusted proxy.
func clientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
