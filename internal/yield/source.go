// Package yield wraps the external yield-bearing position the pool invests in.
//
// The raw Source interface mirrors the external protocol's calling
// convention: operations report a numeric result code where zero means
// success. The Adapter normalizes those codes into errors and emits audit
// events, so the orchestrator never sees result codes.
package yield

import (
	"context"
	"fmt"
	"sync"

	"github.com/prizelink/pool_layer/internal/assets"
)

// ResultCode is the raw status returned by yield source operations.
type ResultCode int

// Result codes surfaced by sources. Zero is success; any non-zero value is a
// source-defined failure.
const (
	ResultOK                  ResultCode = 0
	ResultTransferFailed      ResultCode = 10
	ResultInsufficientBalance ResultCode = 11
	ResultRejected            ResultCode = 12
)

// Source is the raw yield source collaborator interface. Shares are the
// source's own accounting unit; Redeem takes shares, RedeemUnderlying takes
// underlying-asset amounts.
type Source interface {
	Supply(ctx context.Context, holder string, amount int64) ResultCode
	Redeem(ctx context.Context, holder string, shareAmount int64) ResultCode
	RedeemUnderlying(ctx context.Context, holder string, amount int64) ResultCode
	UnderlyingBalance(ctx context.Context, holder string) (int64, ResultCode)
}

// SimulatedSource is a reference Source over the in-memory asset ledger.
// Shares are 1:1 with underlying; yield arrives through Accrue. Used by the
// daemon's in-process wiring and by tests.
type SimulatedSource struct {
	ledger  *assets.MemoryLedger
	account string

	mu        sync.RWMutex
	positions map[string]int64
}

// NewSimulatedSource creates a simulated source holding custody of supplied
// funds under the given asset-ledger account.
func NewSimulatedSource(ledger *assets.MemoryLedger, account string) *SimulatedSource {
	return &SimulatedSource{
		ledger:    ledger,
		account:   account,
		positions: make(map[string]int64),
	}
}

// Account returns the source's custody account on the asset ledger.
func (s *SimulatedSource) Account() string { return s.account }

// Supply pulls amount from the holder's asset account into the source.
func (s *SimulatedSource) Supply(ctx context.Context, holder string, amount int64) ResultCode {
	if amount <= 0 {
		return ResultRejected
	}
	if err := s.ledger.Transfer(ctx, holder, s.account, amount); err != nil {
		return ResultTransferFailed
	}
	s.mu.Lock()
	s.positions[holder] += amount
	s.mu.Unlock()
	return ResultOK
}

// Redeem redeems by share amount. Shares are 1:1 with underlying here.
func (s *SimulatedSource) Redeem(ctx context.Context, holder string, shareAmount int64) ResultCode {
	return s.RedeemUnderlying(ctx, holder, shareAmount)
}

// RedeemUnderlying pushes amount of underlying back to the holder.
func (s *SimulatedSource) RedeemUnderlying(ctx context.Context, holder string, amount int64) ResultCode {
	if amount <= 0 {
		return ResultRejected
	}

	s.mu.Lock()
	if s.positions[holder] < amount {
		s.mu.Unlock()
		return ResultInsufficientBalance
	}
	s.positions[holder] -= amount
	s.mu.Unlock()

	if err := s.ledger.Transfer(ctx, s.account, holder, amount); err != nil {
		// Restore the position; the transfer leg did not happen.
		s.mu.Lock()
		s.positions[holder] += amount
		s.mu.Unlock()
		return ResultTransferFailed
	}
	return ResultOK
}

// UnderlyingBalance reports the holder's underlying-equivalent balance.
func (s *SimulatedSource) UnderlyingBalance(ctx context.Context, holder string) (int64, ResultCode) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[holder], ResultOK
}

// Accrue credits yield to the holder's position. The matching underlying is
// minted into the source's custody account so redemption stays funded.
func (s *SimulatedSource) Accrue(holder string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("accrual must be positive: %d", amount)
	}
	s.mu.Lock()
	s.positions[holder] += amount
	s.mu.Unlock()
	s.ledger.Credit(s.account, amount)
	return nil
}
