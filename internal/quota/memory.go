package quota

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is an in-process Ledger for single-node development and tests
type MemoryLedger struct {
	mu   sync.Mutex
	used map[string]int
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{used: make(map[string]int)}
}

func ledgerKey(ownerID, period string) string {
	return ownerID + "|" + period
}

// Used returns usage for (owner, period); unknown keys are zero
func (m *MemoryLedger) Used(_ context.Context, ownerID, period string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[ledgerKey(ownerID, period)], nil
}

// Increment adds delta to (owner, period)
func (m *MemoryLedger) Increment(_ context.Context, ownerID, period string, delta int) error {
	if delta < 0 {
		return fmt.Errorf("quota increment must be non-negative, got %d", delta)
	}
	m.mu.Lock()
	m.used[ledgerKey(ownerID, period)] += delta
	m.mu.Unlock()
	return nil
}

// Set forces a usage value
func (m *MemoryLedger) Set(ownerID, period string, used int) {
	m.mu.Lock()
	m.used[ledgerKey(ownerID, period)] = used
	m.mu.Unlock()
}
