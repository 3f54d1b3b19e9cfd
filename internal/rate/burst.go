package rate

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	xrate "golang.org/x/time/rate"
)

// IPBurst is a per-process token bucket per client IP. It sheds floods before
// they reach the shared cache; the fixed-window Limiter is the shared limit.
type IPBurst struct {
	limit   xrate.Limit
	burst   int
	mu      sync.Mutex
	buckets *expirable.LRU[string, *xrate.Limiter]
}

// NewIPBurst allows rps requests per second with the given burst per IP.
// Idle buckets are forgotten after idle.
func NewIPBurst(rps float64, burst, maxIPs int, idle time.Duration) *IPBurst {
	if maxIPs <= 0 {
		maxIPs = 10000
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &IPBurst{
		limit:   xrate.Limit(rps),
		burst:   burst,
		buckets: expirable.NewLRU[string, *xrate.Limiter](maxIPs, nil, idle),
	}
}

// Allow consumes one token for ip.
func (b *IPBurst) Allow(ip string) bool {
	return b.bucket(ip).Allow()
}

func (b *IPBurst) bucket(ip string) *xrate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.buckets.Get(ip)
	if !ok {
		lim = xrate.NewLimiter(b.limit, b.burst)
		b.buckets.Add(ip, lim)
	}
	return lim
}
