// Package testutil provides in-memory stores with the same conditional-write
// semantics as the PostgreSQL implementations, for concurrency tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
)

// Balances is an in-memory ledger.BalanceStore
type Balances struct {
	mu        sync.Mutex
	balances  map[string]int64
	purchased map[string]int64
	events    map[string]bool

	// SwapFailures counts compare-and-swap calls that lost a race
	SwapFailures atomic.Int64
}

// NewBalances creates a store seeded with the given balances
func NewBalances(seed map[string]int64) *Balances {
	b := &Balances{
		balances:  make(map[string]int64),
		purchased: make(map[string]int64),
		events:    make(map[string]bool),
	}
	for account, balance := range seed {
		b.balances[account] = balance
	}
	return b
}

func (b *Balances) Ensure(ctx context.Context, accountID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.balances[accountID]; !ok {
		b.balances[accountID] = 0
	}
	return b.balances[accountID], nil
}

func (b *Balances) CompareAndSwap(ctx context.Context, accountID string, expected, next int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.balances[accountID]
	if !ok || current != expected || next < 0 {
		b.SwapFailures.Add(1)
		return false, nil
	}
	b.balances[accountID] = next
	return true, nil
}

func (b *Balances) Increment(ctx context.Context, accountID string, amount int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[accountID] += amount
	return b.balances[accountID], nil
}

func (b *Balances) RecordPurchase(ctx context.Context, eventID, accountID string, credits int64) (bool, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events[eventID] {
		return false, b.balances[accountID], nil
	}
	b.events[eventID] = true
	b.balances[accountID] += credits
	b.purchased[accountID] += credits
	return true, b.balances[accountID], nil
}

// Balance returns the stored balance without creating a row
func (b *Balances) Balance(accountID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[accountID]
}

// Purchased returns the lifetime purchased credits of an account
func (b *Balances) Purchased(accountID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.purchased[accountID]
}
