package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/darkden-lab/notifier/internal/auth"
	"github.com/darkden-lab/notifier/internal/httputil"
)

const (
	limiterIdleTTL      = 3 * time.Minute
	limiterSweepPeriod  = time.Minute
	rateLimitedResponse = "rate limit exceeded"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore hands out one token bucket per caller key and forgets keys
// idle for longer than limiterIdleTTL.
type limiterStore struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

func newLimiterStore(rps float64, burst int) *limiterStore {
	return &limiterStore{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
		swept:   time.Now(),
	}
}

// reserve takes a token for key. ok is false when the caller must wait, in
// which case retryAfter is how long.
func (s *limiterStore) reserve(key string, now time.Time) (ok bool, retryAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.swept) >= limiterSweepPeriod {
		for k, b := range s.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(s.buckets, k)
			}
		}
		s.swept = now
	}

	b, found := s.buckets[key]
	if !found {
		b = &bucket{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// clientIP extracts the client IP address from the request, checking
// X-Forwarded-For first, then falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// callerKey identifies the caller: the token subject once AuthMiddleware ran,
// the client IP otherwise.
func callerKey(r *http.Request) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.UserID != "" {
		return "user:" + claims.UserID
	}
	return "ip:" + clientIP(r)
}

// RateLimitMiddleware enforces a token bucket of rps requests per second with
// the given burst per caller. Placed after AuthMiddleware it limits per user;
// before it, per client IP. A non-positive rps disables limiting.
func RateLimitMiddleware(rps float64, burst int) mux.MiddlewareFunc {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	store := newLimiterStore(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := store.reserve(callerKey(r), time.Now())
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				httputil.WriteError(w, http.StatusTooManyRequests, rateLimitedResponse)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
