package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"dm-service/internal/observability"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool holds one token bucket per caller.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{m: make(map[string]*limiterEntry), rps: rps, burst: burst}
}

func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = time.Now()
	p.mu.Unlock()
	return e.limiter.Allow()
}

// Prune forgets callers idle for longer than idle.
func (p *limiterPool) Prune(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-idle)
	removed := 0
	for key, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, key)
			removed++
		}
	}
	return removed
}

// Throttle is a coarse per-caller request limit applied to every API call,
// separate from the per-pair message limit. Callers are keyed by user id when
// authenticated, otherwise by IP.
type Throttle struct {
	pool *limiterPool
}

func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{pool: newLimiterPool(rps, burst)}
}

func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("userID")
		if key == "" {
			key = "ip:" + observability.IPFromRequest(c.Request)
		}
		if !t.pool.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func (t *Throttle) Prune(idle time.Duration) int {
	return t.pool.Prune(idle)
}
