// Package quota defines the monthly import allowance and the ledger that tracks it.
package quota

import (
	"context"
	"time"

	"github.com/cloud-importer/internal/types"
)

// PeriodLayout is the Go time layout for period keys (YYYY-MM)
const PeriodLayout = "2006-01"

// DefaultFreeLimit is the monthly allowance of the free tier
const DefaultFreeLimit = 25

// PeriodKey returns the calendar period containing t, in UTC
func PeriodKey(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// Ledger reads and atomically increments per-owner, per-period usage.
// Increment must never lose an update under concurrent callers.
type Ledger interface {
	Used(ctx context.Context, ownerID, period string) (int, error)
	Increment(ctx context.Context, ownerID, period string, delta int) error
}

// Policy maps tiers to monthly limits
type Policy struct {
	FreeLimit int
	PaidLimit int
}

// DefaultPolicy returns the stock limits
func DefaultPolicy() Policy {
	return Policy{FreeLimit: DefaultFreeLimit, PaidLimit: 1000}
}

// Limit returns the monthly allowance for a tier
func (p Policy) Limit(tier types.UserTier) int {
	if tier == types.TierPaid {
		return p.PaidLimit
	}
	return p.FreeLimit
}

// Remaining returns how many more successes fit under limit; never negative
func Remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// Clock is overridable so tests can pin the period
type Clock func() time.Time

// Snapshot is a point-in-time read of an owner's allowance
type Snapshot struct {
	Period    string
	Used      int
	Limit     int
	Remaining int
}

// Checker reads the ledger against a policy
type Checker struct {
	ledger Ledger
	policy Policy
	now    Clock
}

// NewChecker creates a Checker. A nil clock means time.Now.
func NewChecker(ledger Ledger, policy Policy, now Clock) *Checker {
	if now == nil {
		now = time.Now
	}
	return &Checker{ledger: ledger, policy: policy, now: now}
}

// Period returns the current period key
func (c *Checker) Period() string {
	return PeriodKey(c.now())
}

// Snapshot reads current usage for an owner
func (c *Checker) Snapshot(ctx context.Context, ownerID string, tier types.UserTier) (Snapshot, error) {
	period := c.Period()
	used, err := c.ledger.Used(ctx, ownerID, period)
	if err != nil {
		return Snapshot{}, err
	}
	limit := c.policy.Limit(tier)
	return Snapshot{
		Period:    period,
		Used:      used,
		Limit:     limit,
		Remaining: Remaining(limit, used),
	}, nil
}
