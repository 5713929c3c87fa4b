package mcptools

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per caller so a chatty agent
// cannot starve its session peers.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newLimiterPool(perSecond float64, burst int) *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// allow reports whether the caller identified by key may make a call now.
func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
