// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.
// Package ratelimit provides per-client token bucket rate limiting for
// the custodian HTTP API. Buckets are keyed by client address and by
// path prefix, so the store and release endpoints can carry their own
// budgets.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PathLimit overrides the default budget for requests whose path starts
// with Prefix. The longest matching prefix wins.
type PathLimit struct {
	Prefix            string `yaml:"prefix"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool

	// RequestsPerMinute sets the sustained default rate.
	RequestsPerMinute int

	// Burst allows short bursts above the sustained rate.
	// If not set, defaults to RequestsPerMinute.
	Burst int

	PathLimits []PathLimit

	// ExemptPaths are never limited.
	ExemptPaths []string

	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Only enable behind a proxy that sets them.
	TrustProxyHeaders bool

	// CleanupInterval controls how often to remove idle clients.
	// Defaults to 5 minutes.
	CleanupInterval time.Duration

	// MaxIdle is how long a client can be idle before cleanup.
	// Defaults to 10 minutes.
	MaxIdle time.Duration

	// MaxClients bounds tracked buckets; the idlest are evicted beyond
	// it. Defaults to 10000.
	MaxClients int
}

type budget struct {
	limit rate.Limit
	burst int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter tracks one token bucket per (client, path prefix).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	enabled    bool
	def        budget
	paths      []PathLimit
	budgets    map[string]budget
	exempt     map[string]struct{}
	trustProxy bool
	maxIdle    time.Duration
	maxClients int

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a rate limiter. A nil config yields a disabled limiter.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{Enabled: false}
	}

	l := &Limiter{
		buckets:         make(map[string]*bucket),
		enabled:         config.Enabled,
		def:             newBudget(config.RequestsPerMinute, config.Burst),
		budgets:         make(map[string]budget),
		exempt:          make(map[string]struct{}),
		trustProxy:      config.TrustProxyHeaders,
		maxIdle:         orDuration(config.MaxIdle, 10*time.Minute),
		maxClients:      config.MaxClients,
		cleanupInterval: orDuration(config.CleanupInterval, 5*time.Minute),
		stopCleanup:     make(chan struct{}),
	}
	if l.maxClients <= 0 {
		l.maxClients = 10000
	}
	for _, p := range config.PathLimits {
		l.paths = append(l.paths, p)
		l.budgets[p.Prefix] = newBudget(p.RequestsPerMinute, p.Burst)
	}
	for _, p := range config.ExemptPaths {
		l.exempt[p] = struct{}{}
	}

	if l.enabled {
		go l.cleanupWorker()
	}
	return l
}

func newBudget(perMinute, burst int) budget {
	if burst <= 0 {
		burst = perMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return budget{limit: rate.Limit(float64(perMinute) / 60.0), burst: burst}
}

func orDuration(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// prefixFor returns the longest configured prefix matching path, or "".
func (l *Limiter) prefixFor(path string) string {
	best := ""
	for _, p := range l.paths {
		if strings.HasPrefix(path, p.Prefix) && len(p.Prefix) > len(best) {
			best = p.Prefix
		}
	}
	return best
}

func (l *Limiter) bucketFor(clientID, path string) *rate.Limiter {
	prefix := l.prefixFor(path)
	key := clientID + "|" + prefix

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxClients {
			l.evictLocked()
		}
		bg, found := l.budgets[prefix]
		if !found {
			bg = l.def
		}
		b = &bucket{limiter: rate.NewLimiter(bg.limit, bg.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

// Allow reports whether clientID may make a request to path now.
func (l *Limiter) Allow(clientID, path string) bool {
	if !l.enabled {
		return true
	}
	if _, ok := l.exempt[path]; ok {
		return true
	}
	return l.bucketFor(clientID, path).Allow()
}

// Wait blocks until clientID may make a request to path or ctx is done.
func (l *Limiter) Wait(ctx context.Context, clientID, path string) error {
	if !l.enabled {
		return nil
	}
	return l.bucketFor(clientID, path).Wait(ctx)
}

func (l *Limiter) cleanupWorker() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.maxIdle {
			delete(l.buckets, key)
		}
	}
}

// evictLocked drops the least recently seen bucket.
func (l *Limiter) evictLocked() {
	var oldestKey string
	var oldest time.Time
	for key, b := range l.buckets {
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = key, b.lastSeen
		}
	}
	delete(l.buckets, oldestKey)
}

// Stop stops the cleanup worker. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// IsEnabled reports whether limiting is active.
func (l *Limiter) IsEnabled() bool {
	return l.enabled
}

// Stats returns limiter statistics.
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"enabled":        l.enabled,
		"active_clients": len(l.buckets),
		"rate_per_min":   float64(l.def.limit) * 60,
		"burst":          l.def.burst,
		"path_limits":    len(l.paths),
	}
}

// Middleware rejects limited requests with a plain 429.
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return MiddlewareWithHandler(limiter, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	}))
}

// MiddlewareWithHandler serves denied with a Retry-After header for
// limited requests.
func MiddlewareWithHandler(limiter *Limiter, denied http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(limiter.ClientIP(r), r.URL.Path) {
				w.Header().Set("Retry-After", "1")
				denied.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client address used as the bucket key.
func (l *Limiter) ClientIP(r *http.Request) string {
	if l.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
