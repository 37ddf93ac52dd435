package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterIdle is how long a client's bucket survives without traffic.
	limiterIdle = 10 * time.Minute
	// maxLimiters triggers eviction of idle buckets.
	maxLimiters = 4096
)

// RateLimit applies a per-client token bucket of rps requests per second
// with the given burst. Clients are keyed by the connection's remote IP;
// X-Forwarded-For is not trusted. Paths in exempt bypass the limiter.
func RateLimit(rps float64, burst int, exempt []string) Middleware {
	pool := newLimiterPool(rate.Limit(rps), burst, time.Now)
	skip := newPathSet(exempt)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip.has(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			if wait, ok := pool.take(remoteIP(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				RateLimited(w, "rate limit exceeded", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool holds one token bucket per client key.
type limiterPool struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	now     func() time.Time
	buckets map[string]*bucket
}

func newLimiterPool(limit rate.Limit, burst int, now func() time.Time) *limiterPool {
	return &limiterPool{
		limit:   limit,
		burst:   burst,
		now:     now,
		buckets: make(map[string]*bucket),
	}
}

// take consumes a token for key. When none is available it reports how long
// until one will be, at least one second.
func (p *limiterPool) take(key string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	b, ok := p.buckets[key]
	if !ok {
		if len(p.buckets) >= maxLimiters {
			p.evict(now)
		}
		b = &bucket{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return 0, true
	}
	wait := time.Second
	if p.limit > 0 {
		if d := time.Duration(float64(time.Second) / float64(p.limit)); d > wait {
			wait = d
		}
	}
	return wait, false
}

// evict drops buckets idle for longer than limiterIdle. p.mu must be held.
func (p *limiterPool) evict(now time.Time) {
	for k, b := range p.buckets {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(p.buckets, k)
		}
	}
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}

// remoteIP is the host part of r.RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
