package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	calls   int
	now     func() time.Time
}

// newIPLimiter allows perMin requests per minute per address with the given
// burst. perMin <= 0 disables limiting.
func newIPLimiter(perMin, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &ipLimiter{
		entries: make(map[string]*limiterEntry),
		burst:   burst,
		now:     time.Now,
	}
	if perMin > 0 {
		l.limit = rate.Limit(float64(perMin) / 60.0)
	}
	return l
}

func (l *ipLimiter) Allow(ip string) bool {
	if l == nil || l.limit <= 0 || ip == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.calls++
	if l.calls%1024 == 0 {
		l.prune(now)
	}
	e, ok := l.entries[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *ipLimiter) prune(now time.Time) {
	for ip, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.entries, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
