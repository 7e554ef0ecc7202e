// Package ratelimit coordinates an upstream API request budget across server
// replicas using Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 100
	DefaultReservedBudget = 30
	DefaultWindowSize     = time.Second
	DefaultBaseDelay      = 50 * time.Millisecond
	DefaultMaxDelay       = 5 * time.Second
	DefaultPrefix         = "budget:"
)

// Priority selects the pool a request draws from.
type Priority int

const (
	// PriorityHigh is for interactive calls such as folder listings (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for bulk downloads during batch steps (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Config holds configuration for a Budget.
type Config struct {
	// Redis is required; the budget is shared through it.
	Redis redis.Cmdable

	// Prefix namespaces the window keys. Default: "budget:".
	Prefix string

	// TotalBudget is the number of request units allowed per window.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget only PriorityHigh may use.
	ReservedBudget int

	WindowSize time.Duration

	// BaseDelay and MaxDelay bound the backoff used by Wait.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 || c.ReservedBudget < 0 {
		return errors.New("budgets cannot be negative")
	}
	total, reserved := c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if reserved == 0 {
		reserved = DefaultReservedBudget
	}
	if reserved > total {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", reserved, total)
	}
	if c.BaseDelay > 0 && c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// Usage is the consumption in the current window.
type Usage struct {
	TotalUsed      int
	ReservedUsed   int
	SharedUsed     int
	TotalBudget    int
	ReservedBudget int
	SharedBudget   int
	WindowStart    time.Time
}

// Budget is a fixed-window request budget split into a reserved pool for
// high priority calls and a shared pool for everything else.
type Budget struct {
	redis          redis.Cmdable
	prefix         string
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	baseDelay      time.Duration
	maxDelay       time.Duration
	now            func() time.Time

	mu           sync.Mutex
	currentDelay time.Duration
}

// consumeScript checks both the total and the pool counter and increments
// them together.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget or poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// NewBudget creates a budget with the given configuration.
func NewBudget(cfg *Config) (*Budget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &Budget{
		redis:          cfg.Redis,
		prefix:         cfg.Prefix,
		totalBudget:    cfg.TotalBudget,
		reservedBudget: cfg.ReservedBudget,
		windowSize:     cfg.WindowSize,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		now:            time.Now,
	}
	if b.prefix == "" {
		b.prefix = DefaultPrefix
	}
	if b.totalBudget == 0 {
		b.totalBudget = DefaultTotalBudget
	}
	if b.reservedBudget == 0 {
		b.reservedBudget = DefaultReservedBudget
	}
	if b.windowSize <= 0 {
		b.windowSize = DefaultWindowSize
	}
	if b.baseDelay <= 0 {
		b.baseDelay = DefaultBaseDelay
	}
	if b.maxDelay <= 0 {
		b.maxDelay = DefaultMaxDelay
	}
	b.sharedBudget = b.totalBudget - b.reservedBudget
	b.currentDelay = b.baseDelay
	return b, nil
}

func (b *Budget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func (b *Budget) keys(start time.Time) (total, reserved, shared string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	return b.prefix + "total:" + ts, b.prefix + "reserved:" + ts, b.prefix + "shared:" + ts
}

// TryConsume takes cost units from the pool for priority. When the budget
// is spent it returns false and the time left in the current window.
func (b *Budget) TryConsume(ctx context.Context, cost int, priority Priority) (bool, time.Duration) {
	if cost <= 0 {
		return true, 0
	}

	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)
	poolKey, poolBudget := sharedKey, b.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, b.reservedBudget
	}

	ttl := int((2 * b.windowSize).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	res, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey},
		cost, b.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil || len(res) == 0 || res[0] != 1 {
		// Redis errors deny the request
		return false, b.untilNextWindow(start)
	}
	return true, 0
}

func (b *Budget) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// Wait blocks until cost units are granted or ctx is done. Repeated denials
// back off exponentially up to MaxDelay.
func (b *Budget) Wait(ctx context.Context, cost int, priority Priority) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait := b.TryConsume(ctx, cost, priority)
		if allowed {
			b.mu.Lock()
			b.currentDelay = b.baseDelay
			b.mu.Unlock()
			return nil
		}

		b.mu.Lock()
		delay := b.currentDelay
		b.currentDelay *= 2
		if b.currentDelay > b.maxDelay {
			b.currentDelay = b.maxDelay
		}
		b.mu.Unlock()
		if wait > delay {
			delay = wait
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Usage returns the consumption in the current window.
func (b *Budget) Usage(ctx context.Context) (*Usage, error) {
	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:      intOrZero(totalCmd),
		ReservedUsed:   intOrZero(reservedCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    start,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}
