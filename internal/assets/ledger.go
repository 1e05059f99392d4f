// Package assets provides the underlying-asset ledger consumed by the pool.
//
// The pool never holds asset state of its own; it moves funds between
// depositor custody, its own account, and the yield source strictly through
// this interface.
package assets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientFunds is returned when a transfer exceeds the source balance.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger is the asset ledger collaborator interface. Transfer moves amount
// from one account to another; BalanceOf reports an account's balance.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount int64) error
	BalanceOf(ctx context.Context, account string) (int64, error)
}

// Transaction records a single completed transfer.
type Transaction struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryLedger is an in-process Ledger with a transaction journal.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[string]int64
	journal  []Transaction
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]int64)}
}

// Credit adds amount to an account. Used to seed balances.
func (l *MemoryLedger) Credit(account string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// Transfer moves amount between accounts atomically.
func (l *MemoryLedger) Transfer(ctx context.Context, from, to string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive: %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientFunds, from, l.balances[from], amount)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	l.journal = append(l.journal, Transaction{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// BalanceOf returns the account balance.
func (l *MemoryLedger) BalanceOf(ctx context.Context, account string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account], nil
}

// Transactions returns a copy of the transfer journal, oldest first.
func (l *MemoryLedger) Transactions() []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transaction, len(l.journal))
	copy(out, l.journal)
	return out
}
