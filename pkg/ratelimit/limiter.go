// Package ratelimit is a per-key token-bucket limiter pool, configured as
// {max_requests, window_seconds} and translated to an RPS/burst pair. Idle
// buckets are evicted periodically so a high-cardinality key space (one
// bucket per client ID) doesn't grow unbounded.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config mirrors the ingress gate's rate_limit admission config block.
type Config struct {
	MaxRequests int
	WindowSecs  int
	// IdleEvictAfter drops a key's bucket once it has gone unused this
	// long, bounding memory for a churny client population. Zero disables
	// eviction.
	IdleEvictAfter time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Pool hands out a rate.Limiter per key (typically a client ID or IP),
// configured uniformly from cfg.
type Pool struct {
	mu  sync.Mutex
	cfg Config
	m   map[string]*entry
}

// NewPool builds a limiter pool. MaxRequests/WindowSecs below 1 fall back
// to 100 requests per 60-second window, the admission default.
func NewPool(cfg Config) *Pool {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 100
	}
	if cfg.WindowSecs <= 0 {
		cfg.WindowSecs = 60
	}
	return &Pool{cfg: cfg, m: make(map[string]*entry)}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = time.Now()
		return e.limiter
	}
	perSecond := float64(p.cfg.MaxRequests) / float64(p.cfg.WindowSecs)
	l := rate.NewLimiter(rate.Limit(perSecond), p.cfg.MaxRequests)
	p.m[key] = &entry{limiter: l, lastSeen: time.Now()}
	return l
}

// Allow reports whether a request for key may proceed right now, consuming
// a token from its bucket if so.
func (p *Pool) Allow(key string) bool {
	return p.get(key).Allow()
}

// RetryAfter estimates the seconds a caller should wait before its next
// request would be allowed, for the Retry-After header on a 429 response.
func (p *Pool) RetryAfter(key string) int {
	l := p.get(key)
	r := l.Reserve()
	defer r.Cancel()
	if !r.OK() {
		return p.cfg.WindowSecs
	}
	delay := r.Delay()
	if delay <= 0 {
		return 0
	}
	secs := int(delay / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// EvictIdle removes buckets unused for longer than cfg.IdleEvictAfter. The
// ingress binary calls this on a timer; a no-op when IdleEvictAfter is
// zero.
func (p *Pool) EvictIdle() int {
	if p.cfg.IdleEvictAfter <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.IdleEvictAfter)
	n := 0
	for key, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, key)
			n++
		}
	}
	return n
}

// Size reports how many distinct keys currently hold a bucket.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
