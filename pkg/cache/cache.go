// Package cache provides the process-scoped, TTL'd memoising cache in front
// of forge API reads. Correctness across iterations rests on TTL expiry plus
// webhook-driven prefix eviction; the cache is never shared between processes.
package cache

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"keepalive/pkg/logx"
	"keepalive/pkg/metrics"
)

// Namespace is the key prefix for all forge API entries.
const Namespace = "github-api:"

// DefaultTTL applies when no TTL is configured. Short, because stale PR data
// costs a wasted agent run while a refetch costs one API request.
const DefaultTTL = 30 * time.Second

// Stats are the cache effectiveness counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Sets          int64 `json:"sets"`
	Expired       int64 `json:"expired"`
	Invalidations int64 `json:"invalidations"`
	Size          int   `json:"size"`
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Options configures a Cache.
type Options struct {
	// Namespace prefixes every key. Empty uses the package default.
	Namespace string

	// DefaultTTL applies when GetOrSet receives a zero TTL.
	DefaultTTL time.Duration

	// Disabled turns every read into a fetch. Set via
	// GITHUB_API_CACHE_BACKEND=disabled.
	Disabled bool

	// Recorder receives hit/miss counts. Nil means metrics.Nop().
	Recorder metrics.Recorder
}

// Cache is an in-memory TTL cache. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	stats    Stats
	ns       string
	ttl      time.Duration
	disabled bool
	recorder metrics.Recorder
	logger   *logx.Logger
}

// New creates a cache with the given options.
func New(opts Options) *Cache {
	if opts.Namespace == "" {
		opts.Namespace = Namespace
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop()
	}
	return &Cache{
		entries:  make(map[string]entry),
		ns:       opts.Namespace,
		ttl:      opts.DefaultTTL,
		disabled: opts.Disabled,
		recorder: opts.Recorder,
		logger:   logx.NewLogger("cache"),
	}
}

// NewFromEnv builds a cache honoring GITHUB_API_CACHE_BACKEND and
// GITHUB_API_CACHE_TTL_MS / GITHUB_API_CACHE_TTL_SECONDS.
func NewFromEnv(recorder metrics.Recorder) *Cache {
	opts := Options{Recorder: recorder}
	if backend := os.Getenv("GITHUB_API_CACHE_BACKEND"); backend == "disabled" || backend == "none" {
		opts.Disabled = true
	}
	if ms, err := strconv.Atoi(os.Getenv("GITHUB_API_CACHE_TTL_MS")); err == nil && ms > 0 {
		opts.DefaultTTL = time.Duration(ms) * time.Millisecond
	} else if secs, err := strconv.Atoi(os.Getenv("GITHUB_API_CACHE_TTL_SECONDS")); err == nil && secs > 0 {
		opts.DefaultTTL = time.Duration(secs) * time.Second
	}
	return New(opts)
}

// DefaultTTLValue returns the TTL applied to zero-TTL GetOrSet calls.
func (c *Cache) DefaultTTLValue() time.Duration {
	return c.ttl
}

// Get returns the live value for key. Expired entries are evicted on read.
func (c *Cache) Get(key string) (any, bool) {
	if c.disabled {
		c.mu.Lock()
		c.stats.Misses++
		c.mu.Unlock()
		c.recorder.IncCacheMiss(resourceOf(key))
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[c.ns+key]
	if !ok {
		c.stats.Misses++
		c.recorder.IncCacheMiss(resourceOf(key))
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, c.ns+key)
		c.stats.Expired++
		c.stats.Misses++
		c.recorder.IncCacheMiss(resourceOf(key))
		return nil, false
	}
	c.stats.Hits++
	c.recorder.IncCacheHit(resourceOf(key))
	return e.value, true
}

// Set stores value under key. A zero ttl uses the default.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if c.disabled {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.ns+key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.stats.Sets++
}

// GetOrSet returns the cached value for key or runs fetcher and caches its
// result. A cached value of the wrong type counts as a miss and is refetched.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetcher func(context.Context) (T, error)) (T, error) {
	if raw, ok := c.Get(key); ok {
		if typed, ok := raw.(T); ok {
			return typed, nil
		}
		c.Invalidate(key)
	}

	value, err := fetcher(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, value, ttl)
	return value, nil
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[c.ns+key]; ok {
		delete(c.entries, c.ns+key)
		c.stats.Invalidations++
	}
}

// InvalidatePrefix evicts every key under prefix and returns how many went.
func (c *Cache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := c.ns + prefix
	evicted := 0
	for k := range c.entries {
		if strings.HasPrefix(k, full) {
			delete(c.entries, k)
			evicted++
		}
	}
	c.stats.Invalidations += int64(evicted)
	return evicted
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Invalidations += int64(len(c.entries))
	c.entries = make(map[string]entry)
}

// Stats returns a copy of the counters with the current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

// resourceOf extracts the resource segment from a PR-scoped key for metrics:
// "pr:o/r#7:comments:recent" yields "comments".
func resourceOf(key string) string {
	idx := strings.Index(key, "#")
	if idx < 0 {
		return "other"
	}
	rest := key[idx+1:]
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return "pr"
	}
	return parts[1]
}
