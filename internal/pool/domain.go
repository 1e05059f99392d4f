// Package pool implements the prize-linked savings pool orchestrator.
//
// Depositors pool an underlying asset into an external yield source. Yield
// accrued above the total outstanding stake forms the prize pool; a draw
// periodically awards it to one stake-weighted winner while principal stays
// redeemable outside the awarding window.
package pool

import "time"

// EpochState is the lifecycle state of a lottery epoch.
type EpochState string

const (
	// EpochStateOpen accepts deposits and redemptions.
	EpochStateOpen EpochState = "open"
	// EpochStateAwarding is the in-flight draw window; deposits and
	// redemptions are blocked.
	EpochStateAwarding EpochState = "awarding_winner"
	// EpochStateRandomnessFulfilled exists only in asynchronous draws,
	// between fulfillment delivery and draw execution.
	EpochStateRandomnessFulfilled EpochState = "randomness_fulfilled"
	// EpochStateClosed is a completed epoch awaiting reinitialization.
	EpochStateClosed EpochState = "closed"
)

// Valid reports whether s is a known epoch state.
func (s EpochState) Valid() bool {
	switch s {
	case EpochStateOpen, EpochStateAwarding, EpochStateRandomnessFulfilled, EpochStateClosed:
		return true
	}
	return false
}

// Epoch is one play period of the pool.
type Epoch struct {
	ID              int64      `json:"id"`
	State           EpochState `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         time.Time  `json:"ended_at,omitempty"`
	Winner          string     `json:"winner,omitempty"`
	Prize           int64      `json:"prize"`
	RandomRequestID string     `json:"random_request_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Config holds the immutable pool parameters.
type Config struct {
	// Account is the pool's own custody account on the asset ledger.
	Account string
	// MinDeposit is the smallest accepted deposit amount.
	MinDeposit int64
	// DrawingPeriod is the minimum epoch age before a draw may start.
	DrawingPeriod time.Duration
}

// Default configuration values.
const (
	DefaultAccount       = "prize-pool"
	DefaultMinDeposit    = 1
	DefaultDrawingPeriod = 7 * 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.Account == "" {
		c.Account = DefaultAccount
	}
	if c.MinDeposit <= 0 {
		c.MinDeposit = DefaultMinDeposit
	}
	if c.DrawingPeriod <= 0 {
		c.DrawingPeriod = DefaultDrawingPeriod
	}
	return c
}

// DepositReceipt reports the outcome of an accepted deposit.
type DepositReceipt struct {
	EpochID   int64  `json:"epoch_id"`
	Depositor string `json:"depositor"`
	Amount    int64  `json:"amount"`
	Stake     int64  `json:"stake"`
}

// RedeemReceipt reports the outcome of a completed redemption.
type RedeemReceipt struct {
	EpochID   int64  `json:"epoch_id"`
	Depositor string `json:"depositor"`
	Amount    int64  `json:"amount"`
	Stake     int64  `json:"stake"`
}

// DrawOutcome reports a completed draw.
type DrawOutcome struct {
	EpochID      int64     `json:"epoch_id"`
	Winner       string    `json:"winner"`
	Prize        int64     `json:"prize"`
	RandomNumber uint64    `json:"random_number"`
	DrawnAt      time.Time `json:"drawn_at"`
}

// Stats summarizes pool history.
type Stats struct {
	TotalEpochs     int64 `json:"total_epochs"`
	CompletedDraws  int64 `json:"completed_draws"`
	TotalPrizesPaid int64 `json:"total_prizes_paid"`
	LargestPrize    int64 `json:"largest_prize"`
	CurrentEpochID  int64 `json:"current_epoch_id"`
}
