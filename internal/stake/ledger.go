// Package stake provides the external stake-accounting collaborator.
//
// The orchestrator only mints, burns, reads, and asks for a weighted pick;
// the internal weighting algorithm belongs to the ledger. The memory
// implementation here is deterministic given the random number, which is all
// the draw protocol requires of a real ledger.
package stake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInsufficientStake is returned when a burn exceeds the holder's stake.
var ErrInsufficientStake = errors.New("insufficient stake")

// Ledger is the stake ledger collaborator interface.
type Ledger interface {
	Mint(ctx context.Context, to string, amount int64) error
	Burn(ctx context.Context, from string, amount int64) error
	StakeOf(ctx context.Context, holder string) (int64, error)
	TotalStake(ctx context.Context) (int64, error)
	// PickWeighted selects a holder weighted by stake, deterministically for
	// a given random number. Returns the empty identity when no stake exists.
	PickWeighted(ctx context.Context, randomNumber uint64) (string, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu     sync.RWMutex
	stakes map[string]int64
	total  int64
}

// NewMemoryLedger creates an empty stake ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{stakes: make(map[string]int64)}
}

// Mint credits amount of stake to the holder.
func (l *MemoryLedger) Mint(ctx context.Context, to string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("mint amount must be positive: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.stakes[to] += amount
	l.total += amount
	return nil
}

// Burn removes amount of stake from the holder.
func (l *MemoryLedger) Burn(ctx context.Context, from string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("burn amount must be positive: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stakes[from] < amount {
		return fmt.Errorf("%w: holder %s has %d, burning %d", ErrInsufficientStake, from, l.stakes[from], amount)
	}
	l.stakes[from] -= amount
	l.total -= amount
	if l.stakes[from] == 0 {
		delete(l.stakes, from)
	}
	return nil
}

// StakeOf returns the holder's stake.
func (l *MemoryLedger) StakeOf(ctx context.Context, holder string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stakes[holder], nil
}

// TotalStake returns the sum of all stake.
func (l *MemoryLedger) TotalStake(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total, nil
}

// PickWeighted walks holders in sorted order and selects the one covering
// randomNumber mod totalStake. Deterministic for a given number and ledger
// state.
func (l *MemoryLedger) PickWeighted(ctx context.Context, randomNumber uint64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.total <= 0 {
		return "", nil
	}

	holders := make([]string, 0, len(l.stakes))
	for holder := range l.stakes {
		holders = append(holders, holder)
	}
	sort.Strings(holders)

	target := int64(randomNumber % uint64(l.total))
	var cumulative int64
	for _, holder := range holders {
		cumulative += l.stakes[holder]
		if target < cumulative {
			return holder, nil
		}
	}
	// Unreachable while total equals the sum of stakes.
	return holders[len(holders)-1], nil
}
