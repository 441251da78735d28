// Package ratelimit meters ledger RPC calls against a compute-unit budget
// shared by every distribution process through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/token-distributor/internal/logging"
)

// Default budget configuration values.
const (
	DefaultTotalBudget = 500             // CU per window
	DefaultWindowSize  = time.Second     // fixed window length
	DefaultKeyTTL      = 2 * time.Second // window + buffer
	DefaultKeyPrefix   = "rpc:budget:"
)

// ErrOverBudget is returned when a single call costs more than its pool
// can ever grant.
var ErrOverBudget = errors.New("call cost exceeds budget")

// Priority levels for budget allocation.
type Priority int

const (
	// PriorityHigh may draw on the whole budget, reserved share included.
	PriorityHigh Priority = iota
	// PriorityLow is limited to the shared part of the budget.
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

// consumeScript checks and increments the window counters atomically.
// KEYS: total, shared. ARGV: cu, totalBudget, sharedBudget, ttl, low(1|0).
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local sharedKey = KEYS[2]
	local cu = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local sharedBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])
	local low = tonumber(ARGV[5]) == 1

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local sharedUsed = tonumber(redis.call('GET', sharedKey) or '0')

	if totalUsed + cu > totalBudget then
		return {0, totalUsed, sharedUsed}
	end
	if low and sharedUsed + cu > sharedBudget then
		return {0, totalUsed, sharedUsed}
	end

	redis.call('INCRBY', totalKey, cu)
	redis.call('EXPIRE', totalKey, ttl)
	if low then
		redis.call('INCRBY', sharedKey, cu)
		redis.call('EXPIRE', sharedKey, ttl)
		sharedUsed = sharedUsed + cu
	end

	return {1, totalUsed + cu, sharedUsed}
`)

// BudgetConfig holds configuration for an RPCBudget
type BudgetConfig struct {
	// Redis is shared by every process drawing on the same RPC plan.
	Redis redis.Cmdable

	// KeyPrefix namespaces the counters, usually per network.
	KeyPrefix string

	// TotalBudget is the CU available per window. Default: 500.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget low priority calls may not use.
	ReservedBudget int

	// WindowSize is the fixed window duration. Default: 1s.
	WindowSize time.Duration

	// KeyTTL must be at least WindowSize. Default: 2s.
	KeyTTL time.Duration

	// Costs prices each operation. Default: NewCostRegistry(nil).
	Costs *CostRegistry
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}

	total := c.TotalBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	if c.ReservedBudget >= total {
		return fmt.Errorf("reserved budget (%d) must be below total budget (%d)", c.ReservedBudget, total)
	}
	if c.KeyTTL > 0 && c.WindowSize > 0 && c.KeyTTL < c.WindowSize {
		return fmt.Errorf("key TTL (%s) shorter than window (%s)", c.KeyTTL, c.WindowSize)
	}
	return nil
}

// UsageStats contains consumption in the current window
type UsageStats struct {
	TotalUsed      int       `json:"totalUsed"`
	SharedUsed     int       `json:"sharedUsed"`
	TotalBudget    int       `json:"totalBudget"`
	ReservedBudget int       `json:"reservedBudget"`
	SharedBudget   int       `json:"sharedBudget"`
	WindowStart    time.Time `json:"windowStart"`
}

// Utilization returns the used share of the total budget in percent
func (s *UsageStats) Utilization() float64 {
	if s.TotalBudget == 0 {
		return 100
	}
	return float64(s.TotalUsed) * 100 / float64(s.TotalBudget)
}

// RPCBudget coordinates CU consumption across processes using Redis
// fixed windows. Low priority calls are capped at the shared budget so
// the reserved share stays available to transaction submission.
type RPCBudget struct {
	redis          redis.Cmdable
	prefix         string
	totalBudget    int
	reservedBudget int
	sharedBudget   int
	windowSize     time.Duration
	keyTTL         time.Duration
	costs          *CostRegistry

	now func() time.Time
}

// NewRPCBudget creates a budget with the given configuration
func NewRPCBudget(cfg *BudgetConfig) (*RPCBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	b := &RPCBudget{
		redis:          cfg.Redis,
		prefix:         cfg.KeyPrefix,
		totalBudget:    cfg.TotalBudget,
		reservedBudget: cfg.ReservedBudget,
		windowSize:     cfg.WindowSize,
		keyTTL:         cfg.KeyTTL,
		costs:          cfg.Costs,
		now:            time.Now,
	}
	if b.prefix == "" {
		b.prefix = DefaultKeyPrefix
	}
	if b.totalBudget == 0 {
		b.totalBudget = DefaultTotalBudget
	}
	if b.windowSize == 0 {
		b.windowSize = DefaultWindowSize
	}
	if b.keyTTL == 0 {
		b.keyTTL = DefaultKeyTTL
	}
	if b.keyTTL < b.windowSize {
		b.keyTTL = 2 * b.windowSize
	}
	if b.costs == nil {
		b.costs = NewCostRegistry(nil)
	}
	b.sharedBudget = b.totalBudget - b.reservedBudget

	return b, nil
}

func (b *RPCBudget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func (b *RPCBudget) keys(window time.Time) (totalKey, sharedKey string) {
	ts := strconv.FormatInt(window.UnixMilli(), 10)
	return b.prefix + "total:" + ts, b.prefix + "shared:" + ts
}

// untilNextWindow returns the time left in window plus a small buffer
func (b *RPCBudget) untilNextWindow(window time.Time) time.Duration {
	wait := window.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// TryConsume charges cu to the budget for priority. When the window is
// exhausted it returns false and the time until the next window.
func (b *RPCBudget) TryConsume(ctx context.Context, cu int, priority Priority) (bool, time.Duration, error) {
	if cu <= 0 {
		return true, 0, nil
	}
	limit := b.totalBudget
	if priority != PriorityHigh {
		limit = b.sharedBudget
	}
	if cu > limit {
		return false, 0, fmt.Errorf("%w: %d CU against %s priority limit %d", ErrOverBudget, cu, priority, limit)
	}

	window := b.windowStart()
	totalKey, sharedKey := b.keys(window)

	ttl := int(b.keyTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	low := 0
	if priority != PriorityHigh {
		low = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{totalKey, sharedKey},
		cu, b.totalBudget, b.sharedBudget, ttl, low).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to charge rpc budget: %w", err)
	}
	if len(result) == 0 || result[0] != 1 {
		return false, b.untilNextWindow(window), nil
	}
	return true, 0, nil
}

// Acquire blocks until op fits in the budget or ctx is done.
// Redis failures are returned immediately.
func (b *RPCBudget) Acquire(ctx context.Context, op string) error {
	cost := b.costs.Cost(op)
	waited := false

	for {
		allowed, wait, err := b.TryConsume(ctx, cost.CU, cost.Priority)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if !waited {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"operation": op,
				"cu":        cost.CU,
				"priority":  cost.Priority.String(),
				"wait":      wait.String(),
			}).Debug("RPC budget exhausted, waiting for next window")
			waited = true
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Usage returns consumption in the current window
func (b *RPCBudget) Usage(ctx context.Context) (*UsageStats, error) {
	window := b.windowStart()
	totalKey, sharedKey := b.keys(window)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read rpc budget: %w", err)
	}

	return &UsageStats{
		TotalUsed:      intOrZero(totalCmd),
		SharedUsed:     intOrZero(sharedCmd),
		TotalBudget:    b.totalBudget,
		ReservedBudget: b.reservedBudget,
		SharedBudget:   b.sharedBudget,
		WindowStart:    window,
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}
