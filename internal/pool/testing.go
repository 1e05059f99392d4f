package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prizelink/pool_layer/internal/assets"
	"github.com/prizelink/pool_layer/internal/stake"
	"github.com/prizelink/pool_layer/internal/yield"
)

// MemoryStore provides an in-memory implementation of Store for testing and
// single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	epochs map[int64]Epoch

	// FailCreate and FailUpdate inject store failures for tests.
	FailCreate error
	FailUpdate error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{epochs: make(map[int64]Epoch)}
}

func (s *MemoryStore) CreateEpoch(ctx context.Context, epoch Epoch) (Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCreate != nil {
		return Epoch{}, s.FailCreate
	}
	if _, ok := s.epochs[epoch.ID]; ok {
		return Epoch{}, fmt.Errorf("epoch already exists: %d", epoch.ID)
	}
	now := time.Now().UTC()
	epoch.CreatedAt = now
	epoch.UpdatedAt = now
	s.epochs[epoch.ID] = epoch
	return epoch, nil
}

func (s *MemoryStore) UpdateEpoch(ctx context.Context, epoch Epoch) (Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailUpdate != nil {
		return Epoch{}, s.FailUpdate
	}
	if _, ok := s.epochs[epoch.ID]; !ok {
		return Epoch{}, fmt.Errorf("epoch not found: %d", epoch.ID)
	}
	s.epochs[epoch.ID] = epoch
	return epoch, nil
}

func (s *MemoryStore) GetEpoch(ctx context.Context, id int64) (Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	epoch, ok := s.epochs[id]
	if !ok {
		return Epoch{}, fmt.Errorf("epoch not found: %d", id)
	}
	return epoch, nil
}

func (s *MemoryStore) CurrentEpoch(ctx context.Context) (Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest Epoch
	for _, epoch := range s.epochs {
		if epoch.ID > latest.ID {
			latest = epoch
		}
	}
	if latest.ID == 0 {
		return Epoch{}, fmt.Errorf("no epochs recorded")
	}
	return latest, nil
}

func (s *MemoryStore) ListEpochs(ctx context.Context, limit int) ([]Epoch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Epoch, 0, len(s.epochs))
	for _, epoch := range s.epochs {
		out = append(out, epoch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, epoch := range s.epochs {
		stats.TotalEpochs++
		if epoch.ID > stats.CurrentEpochID {
			stats.CurrentEpochID = epoch.ID
		}
		if epoch.Winner != "" {
			stats.CompletedDraws++
			stats.TotalPrizesPaid += epoch.Prize
			if epoch.Prize > stats.LargestPrize {
				stats.LargestPrize = epoch.Prize
			}
		}
	}
	return stats, nil
}

// FlakySource wraps a yield source and forces failure codes for tests.
type FlakySource struct {
	yield.Source

	SupplyCode  yield.ResultCode
	RedeemCode  yield.ResultCode
	BalanceCode yield.ResultCode
}

func (f *FlakySource) Supply(ctx context.Context, holder string, amount int64) yield.ResultCode {
	if f.SupplyCode != yield.ResultOK {
		return f.SupplyCode
	}
	return f.Source.Supply(ctx, holder, amount)
}

func (f *FlakySource) Redeem(ctx context.Context, holder string, shareAmount int64) yield.ResultCode {
	if f.RedeemCode != yield.ResultOK {
		return f.RedeemCode
	}
	return f.Source.Redeem(ctx, holder, shareAmount)
}

func (f *FlakySource) RedeemUnderlying(ctx context.Context, holder string, amount int64) yield.ResultCode {
	if f.RedeemCode != yield.ResultOK {
		return f.RedeemCode
	}
	return f.Source.RedeemUnderlying(ctx, holder, amount)
}

func (f *FlakySource) UnderlyingBalance(ctx context.Context, holder string) (int64, yield.ResultCode) {
	if f.BalanceCode != yield.ResultOK {
		return 0, f.BalanceCode
	}
	return f.Source.UnderlyingBalance(ctx, holder)
}

// FlakyLedger wraps an asset ledger and fails transfers out of a configured
// account for tests.
type FlakyLedger struct {
	assets.Ledger

	FailFrom string
	Err      error
}

func (l *FlakyLedger) Transfer(ctx context.Context, from, to string, amount int64) error {
	if l.Err != nil && from == l.FailFrom {
		return l.Err
	}
	return l.Ledger.Transfer(ctx, from, to, amount)
}

// FlakyStake wraps a stake ledger and injects mint/burn failures for tests.
type FlakyStake struct {
	stake.Ledger

	MintErr error
	BurnErr error
}

func (l *FlakyStake) Mint(ctx context.Context, to string, amount int64) error {
	if l.MintErr != nil {
		return l.MintErr
	}
	return l.Ledger.Mint(ctx, to, amount)
}

func (l *FlakyStake) Burn(ctx context.Context, from string, amount int64) error {
	if l.BurnErr != nil {
		return l.BurnErr
	}
	return l.Ledger.Burn(ctx, from, amount)
}

// FakeClock is a settable clock for deterministic epoch timing in tests.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFakeClock creates a clock starting at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{t: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
