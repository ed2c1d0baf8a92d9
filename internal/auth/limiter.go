package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-key token bucket pool. Idle buckets are evicted.
type Limiter struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int

	ttl           time.Duration
	cleanupPeriod time.Duration
	startCleanup  sync.Once
	stopOnce      sync.Once
	stopCh        chan struct{}
}

func NewLimiter(rps float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		m:             make(map[string]*limiterEntry),
		rps:           rps,
		burst:         burst,
		ttl:           10 * time.Minute,
		cleanupPeriod: time.Minute,
		stopCh:        make(chan struct{}),
	}
}

func (p *Limiter) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() { go p.cleanupLoop() })

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = time.Now()
		return e.l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: time.Now()}
	return l
}

// Allow reports whether one more event for key fits the budget.
// A non-positive rate disables limiting.
func (p *Limiter) Allow(key string) bool {
	if p.rps <= 0 {
		return true
	}
	return p.get(key).Allow()
}

// Shutdown stops the eviction loop.
func (p *Limiter) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Limiter) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *Limiter) evict(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *Limiter) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evict(time.Now().Add(-p.ttl))
		case <-p.stopCh:
			return
		}
	}
}
