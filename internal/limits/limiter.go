package limits

import (
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/promptlab/promptlab/internal/trace"
)

// Policy is a token bucket: StartsPerMinute refill rate and Burst capacity.
// A Burst of zero uses StartsPerMinute.
type Policy struct {
	StartsPerMinute int
	Burst           int
}

func (p Policy) enabled() bool {
	return p.StartsPerMinute > 0
}

func (p Policy) newLimiter() *rate.Limiter {
	burst := p.Burst
	if burst <= 0 {
		burst = p.StartsPerMinute
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.StartsPerMinute)), burst)
}

type Config struct {
	PerUser    Policy
	Playground Policy
	// IdleTTL is how long an untouched user bucket is kept. Zero uses the default.
	IdleTTL time.Duration
}

// Decision describes a rejected trace start.
type Decision struct {
	Code              string
	Message           string
	RetryAfterSeconds int
}

const (
	CodeUserRateLimitExceeded       = "USER_RATE_LIMIT_EXCEEDED"
	CodePlaygroundRateLimitExceeded = "PLAYGROUND_RATE_LIMIT_EXCEEDED"
)

const (
	rateStateSweepInterval = 2 * time.Minute
	defaultIdleTTL         = 10 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// StartLimiter throttles trace starts per user, with a separate budget for
// playground runs.
type StartLimiter struct {
	cfg   Config
	nowFn func() time.Time

	mu         sync.Mutex
	users      map[string]*bucket
	playground map[string]*bucket
	lastSweep  time.Time
}

func NewStartLimiter(cfg Config) *StartLimiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &StartLimiter{
		cfg:        cfg,
		nowFn:      func() time.Time { return time.Now().UTC() },
		users:      map[string]*bucket{},
		playground: map[string]*bucket{},
	}
}

func (l *StartLimiter) Enabled() bool {
	if l == nil {
		return false
	}
	return l.cfg.PerUser.enabled() || l.cfg.Playground.enabled()
}

// Check takes one token for userID and returns a Decision when the start
// must be rejected. A rejected check consumes nothing.
func (l *StartLimiter) Check(userID string, source trace.Source) *Decision {
	if !l.Enabled() {
		return nil
	}
	key := strings.TrimSpace(userID)
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweep(now)

	var taken []*rate.Reservation
	release := func() {
		for _, reservation := range taken {
			reservation.CancelAt(now)
		}
	}

	if l.cfg.PerUser.enabled() {
		reservation := l.bucketFor(l.users, l.cfg.PerUser, key, now).ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); !reservation.OK() || delay > 0 {
			reservation.CancelAt(now)
			return &Decision{
				Code:              CodeUserRateLimitExceeded,
				Message:           "trace start rate limit exceeded for user",
				RetryAfterSeconds: retryAfterSeconds(delay),
			}
		}
		taken = append(taken, reservation)
	}

	if source == trace.SourcePlayground && l.cfg.Playground.enabled() {
		reservation := l.bucketFor(l.playground, l.cfg.Playground, key, now).ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); !reservation.OK() || delay > 0 {
			reservation.CancelAt(now)
			release()
			return &Decision{
				Code:              CodePlaygroundRateLimitExceeded,
				Message:           "playground run rate limit exceeded for user",
				RetryAfterSeconds: retryAfterSeconds(delay),
			}
		}
	}
	return nil
}

// TrackedUsers reports how many per-user buckets are held in memory.
func (l *StartLimiter) TrackedUsers() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users) + len(l.playground)
}

func (l *StartLimiter) bucketFor(buckets map[string]*bucket, policy Policy, key string, now time.Time) *rate.Limiter {
	b, ok := buckets[key]
	if !ok {
		b = &bucket{limiter: policy.newLimiter()}
		buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (l *StartLimiter) maybeSweep(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < rateStateSweepInterval {
		return
	}
	cutoff := now.Add(-l.cfg.IdleTTL)
	for _, buckets := range []map[string]*bucket{l.users, l.playground} {
		for key, b := range buckets {
			if b.lastSeen.Before(cutoff) {
				delete(buckets, key)
			}
		}
	}
	l.lastSweep = now
}

func retryAfterSeconds(delay time.Duration) int {
	wait := delay.Seconds()
	if wait <= 1 {
		return 1
	}
	return int(math.Ceil(wait))
}
