package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloud-importer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodKey(t *testing.T) {
	ts := time.Date(2026, time.March, 31, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	assert.Equal(t, "2026-04", PeriodKey(ts), "period is computed in UTC")
	assert.Equal(t, "2026-01", PeriodKey(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRemaining(t *testing.T) {
	assert.Equal(t, 5, Remaining(25, 20))
	assert.Equal(t, 0, Remaining(25, 25))
	assert.Equal(t, 0, Remaining(25, 30))
}

func TestPolicy_Limit(t *testing.T) {
	p := Policy{FreeLimit: 25, PaidLimit: 500}
	assert.Equal(t, 25, p.Limit(types.TierFree))
	assert.Equal(t, 500, p.Limit(types.TierPaid))
	assert.Equal(t, 25, p.Limit(""))
}

func TestChecker_Snapshot(t *testing.T) {
	ledger := NewMemoryLedger()
	now := func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC) }
	checker := NewChecker(ledger, DefaultPolicy(), now)

	ledger.Set("owner-1", "2026-10", 20)
	ledger.Set("owner-1", "2026-09", 25)

	snap, err := checker.Snapshot(context.Background(), "owner-1", types.TierFree)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{Period: "2026-10", Used: 20, Limit: 25, Remaining: 5}, snap)
}

func TestMemoryLedger_ConcurrentIncrement(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ledger.Increment(ctx, "owner", "2026-10", 2)
		}()
	}
	wg.Wait()

	used, err := ledger.Used(ctx, "owner", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 100, used)

	assert.Error(t, ledger.Increment(ctx, "owner", "2026-10", -1))
}
