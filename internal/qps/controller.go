package qps

import (
	"sync"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// Strategy selects how a controller counts calls.
type Strategy string

const (
	// FixedWindow counts calls per wall-clock second.
	FixedWindow Strategy = "FixedWindow"
	// TokenBucket refills limit tokens per second and holds up to the bucket
	// size, allowing short bursts.
	TokenBucket Strategy = "TokenBucket"
)

// ParseStrategy returns the strategy named s, FixedWindow for anything else.
func ParseStrategy(s string) Strategy {
	if Strategy(s) == TokenBucket {
		return TokenBucket
	}
	return FixedWindow
}

// Controller limits the calls of one configuration level.
type Controller struct {
	key   string
	clock clock.PassiveClock

	mu       sync.Mutex
	strategy Strategy
	limit    *int64
	bucket   *int64

	windowSecond int64
	count        int64
	limiter      *rate.Limiter
}

func newController(key string, clk clock.PassiveClock, strategy Strategy, limit, bucket *int64) *Controller {
	c := &Controller{key: key, clock: clk}
	c.update(strategy, limit, bucket)
	return c
}

// Key returns the configuration level the controller governs.
func (c *Controller) Key() string { return c.key }

// Limit returns the configured limit. ok is false when the level is
// unlimited.
func (c *Controller) Limit() (limit int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit == nil {
		return 0, false
	}
	return *c.limit, true
}

// Strategy returns the counting strategy.
func (c *Controller) Strategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// IsLimitNewRequest counts a new call and reports whether it exceeds the
// limit. An unlimited controller never limits.
func (c *Controller) IsLimitNewRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit == nil {
		return false
	}
	now := c.clock.Now()
	if c.strategy == TokenBucket {
		return !c.limiter.AllowN(now, 1)
	}

	second := now.Unix()
	if second != c.windowSecond {
		c.windowSecond = second
		c.count = 0
	}
	if c.count >= *c.limit {
		return true
	}
	c.count++
	return false
}

// update replaces the limit in place, keeping the current window count.
func (c *Controller) update(strategy Strategy, limit, bucket *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.strategy = strategy
	c.limit = limit
	c.bucket = bucket
	c.limiter = nil
	if limit == nil || strategy != TokenBucket {
		return
	}
	burst := *limit
	if bucket != nil && *bucket > 0 {
		burst = *bucket
	}
	c.limiter = rate.NewLimiter(rate.Limit(*limit), int(burst))
}
