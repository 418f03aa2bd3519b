package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBurstPerMinute = 10
	defaultMinInterval    = 500 * time.Millisecond
	floorMinInterval      = 100 * time.Millisecond
)

// Throttle gates event emission with a token bucket (capacity refilled over
// one minute) plus a minimum inter-emit interval. An emit costs one token
// and is denied when the bucket is empty or the interval has not elapsed.
type Throttle struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	minInterval time.Duration
	lastEmit    time.Time
}

// NewThrottle builds a throttle tuned to the given policy.
func NewThrottle(p Policy) *Throttle {
	burst, interval := tuning(p)
	return &Throttle{
		limiter:     rate.NewLimiter(rate.Limit(float64(burst)/60.0), burst),
		minInterval: interval,
	}
}

func tuning(p Policy) (int, time.Duration) {
	burst := defaultBurstPerMinute
	if p.TitleBurstPerMinute > 0 {
		burst = int(p.TitleBurstPerMinute)
	}
	interval := defaultMinInterval
	if p.TitleSampleHz > 0 {
		interval = time.Second / time.Duration(p.TitleSampleHz)
		if interval < floorMinInterval {
			interval = floorMinInterval
		}
	}
	return burst, interval
}

// Update retunes capacity and interval from a new policy. Outstanding
// tokens are clamped to the new capacity by the limiter.
func (t *Throttle) Update(p Policy) {
	burst, interval := tuning(p)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter.SetLimit(rate.Limit(float64(burst) / 60.0))
	t.limiter.SetBurst(burst)
	t.minInterval = interval
}

// Allow requests an emit permit now.
func (t *Throttle) Allow() bool {
	return t.AllowAt(time.Now())
}

// AllowAt is the clock-injected form of Allow, used by tests.
func (t *Throttle) AllowAt(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < t.minInterval {
		return false
	}
	if !t.limiter.AllowN(now, 1) {
		return false
	}
	t.lastEmit = now
	return true
}
