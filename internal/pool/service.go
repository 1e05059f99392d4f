package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prizelink/pool_layer/internal/assets"
	"github.com/prizelink/pool_layer/internal/events"
	"github.com/prizelink/pool_layer/internal/metrics"
	"github.com/prizelink/pool_layer/internal/stake"
	"github.com/prizelink/pool_layer/internal/yield"
	"github.com/prizelink/pool_layer/pkg/logger"
)

// Errors
var (
	ErrPoolNotOpen       = errors.New("pool is not open")
	ErrPoolOpen          = errors.New("pool is already open")
	ErrBelowMinimum      = errors.New("deposit below minimum")
	ErrInsufficientStake = errors.New("insufficient stake")
	ErrDrawInFlight      = errors.New("draw in flight")
	ErrNotReady          = errors.New("pool not ready for draw")
	ErrNotAwarding       = errors.New("pool is not awarding")
	ErrInvalidPick       = errors.New("stake ledger returned invalid pick")
	ErrRequestMismatch   = errors.New("randomness request mismatch")
	ErrInvalidState      = errors.New("invalid epoch state")
)

// Deps are the collaborators injected at construction.
type Deps struct {
	Assets assets.Ledger
	Yield  *yield.Adapter
	Stake  stake.Ledger
	Store  Store
	Bus    *events.Bus
	Logger *logger.Logger
	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// Service is the lottery orchestrator. One mutex serializes every entry
// point, so each operation observes and commits a consistent epoch.
type Service struct {
	mu  sync.Mutex
	cfg Config

	assets assets.Ledger
	yield  *yield.Adapter
	stake  stake.Ledger
	store  Store
	bus    *events.Bus
	log    *logger.Logger
	now    func() time.Time

	current Epoch
}

// New constructs the orchestrator and runs the initializer once, opening the
// first epoch.
func New(ctx context.Context, cfg Config, deps Deps) (*Service, error) {
	if deps.Assets == nil {
		return nil, errors.New("asset ledger is required")
	}
	if deps.Yield == nil {
		return nil, errors.New("yield adapter is required")
	}
	if deps.Stake == nil {
		return nil, errors.New("stake ledger is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewDefault("pool")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	s := &Service{
		cfg:    cfg.withDefaults(),
		assets: deps.Assets,
		yield:  deps.Yield,
		stake:  deps.Stake,
		store:  deps.Store,
		bus:    deps.Bus,
		log:    deps.Logger,
		now:    deps.Clock,
		current: Epoch{
			ID:    0,
			State: EpochStateClosed,
		},
	}

	if err := s.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize first epoch: %w", err)
	}
	return s, nil
}

// Config returns the pool configuration.
func (s *Service) Config() Config { return s.cfg }

// CurrentEpoch returns a copy of the current epoch.
func (s *Service) CurrentEpoch() Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Initialize opens the next epoch. Callable only while the current epoch is
// not open. Any uninvested reserve held by the pool account (prize dust,
// stranded refunds) is swept into the yield source first; a failed sweep
// aborts the whole operation.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.State == EpochStateOpen {
		return ErrPoolOpen
	}

	reserve, err := s.assets.BalanceOf(ctx, s.cfg.Account)
	if err != nil {
		return fmt.Errorf("read reserve: %w", err)
	}
	if reserve > 0 {
		if err := s.yield.Supply(ctx, reserve); err != nil {
			return fmt.Errorf("supply reserve: %w", err)
		}
	}

	now := s.now().UTC()
	next := Epoch{
		ID:        s.current.ID + 1,
		State:     EpochStateOpen,
		StartedAt: now,
	}
	created, err := s.store.CreateEpoch(ctx, next)
	if err != nil {
		return fmt.Errorf("create epoch: %w", err)
	}

	prev := s.current.State
	s.current = created
	s.yield.SetEpoch(created.ID)

	if reserve > 0 {
		s.publish(ctx, events.TopicReserveSupplied, map[string]any{
			"epoch_id": s.current.ID,
			"amount":   reserve,
		})
	}
	s.publish(ctx, events.TopicEpochStarted, map[string]any{
		"epoch_id":   s.current.ID,
		"started_at": s.current.StartedAt,
	})
	s.publishStateChange(ctx, prev, EpochStateOpen, "initialize")

	s.log.WithField("epoch_id", s.current.ID).
		WithField("reserve", reserve).
		Info("epoch started")
	return nil
}

// Deposit pulls amount from the depositor, supplies it to the yield source,
// and mints matching stake. On a supply failure the transferred funds are
// refunded to the depositor and no stake is minted.
func (s *Service) Deposit(ctx context.Context, depositor string, amount int64) (DepositReceipt, error) {
	depositor = strings.TrimSpace(depositor)
	if depositor == "" {
		return DepositReceipt{}, errors.New("depositor is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.State != EpochStateOpen {
		return DepositReceipt{}, fmt.Errorf("%w: state %s", ErrPoolNotOpen, s.current.State)
	}
	if amount < s.cfg.MinDeposit {
		return DepositReceipt{}, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, amount, s.cfg.MinDeposit)
	}

	if err := s.assets.Transfer(ctx, depositor, s.cfg.Account, amount); err != nil {
		return DepositReceipt{}, fmt.Errorf("transfer in: %w", err)
	}

	if err := s.yield.Supply(ctx, amount); err != nil {
		// Compensate: return the transferred funds instead of stranding
		// them in the pool account.
		if refundErr := s.assets.Transfer(ctx, s.cfg.Account, depositor, amount); refundErr != nil {
			s.log.WithError(refundErr).
				WithField("depositor", depositor).
				WithField("amount", amount).
				Error("refund after failed supply also failed; funds held in pool account")
		}
		return DepositReceipt{}, fmt.Errorf("supply deposit: %w", err)
	}

	if err := s.stake.Mint(ctx, depositor, amount); err != nil {
		return DepositReceipt{}, fmt.Errorf("mint stake: %w", err)
	}

	holderStake, err := s.stake.StakeOf(ctx, depositor)
	if err != nil {
		return DepositReceipt{}, fmt.Errorf("read stake: %w", err)
	}

	s.publish(ctx, events.TopicDeposited, map[string]any{
		"epoch_id":  s.current.ID,
		"depositor": depositor,
		"amount":    amount,
		"stake":     holderStake,
	})
	metrics.RecordDeposit()
	s.refreshGauges(ctx)

	s.log.WithField("epoch_id", s.current.ID).
		WithField("depositor", depositor).
		WithField("amount", amount).
		Info("deposit accepted")

	return DepositReceipt{
		EpochID:   s.current.ID,
		Depositor: depositor,
		Amount:    amount,
		Stake:     holderStake,
	}, nil
}

// Redeem redeems amount of underlying from the yield source, burns matching
// stake, and returns the funds to the depositor. Blocked while a draw is in
// flight.
func (s *Service) Redeem(ctx context.Context, depositor string, amount int64) (RedeemReceipt, error) {
	depositor = strings.TrimSpace(depositor)
	if depositor == "" {
		return RedeemReceipt{}, errors.New("depositor is required")
	}
	if amount <= 0 {
		return RedeemReceipt{}, fmt.Errorf("redemption amount must be positive: %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.State == EpochStateAwarding || s.current.State == EpochStateRandomnessFulfilled {
		return RedeemReceipt{}, fmt.Errorf("%w: state %s", ErrDrawInFlight, s.current.State)
	}

	held, err := s.stake.StakeOf(ctx, depositor)
	if err != nil {
		return RedeemReceipt{}, fmt.Errorf("read stake: %w", err)
	}
	if amount > held {
		return RedeemReceipt{}, fmt.Errorf("%w: %d > %d", ErrInsufficientStake, amount, held)
	}

	if err := s.yield.RedeemUnderlying(ctx, amount); err != nil {
		return RedeemReceipt{}, fmt.Errorf("redeem from yield source: %w", err)
	}

	if err := s.stake.Burn(ctx, depositor, amount); err != nil {
		// Compensate: put the redeemed underlying back into the yield
		// source so the position keeps covering outstanding stake.
		if supplyErr := s.yield.Supply(ctx, amount); supplyErr != nil {
			s.log.WithError(supplyErr).
				WithField("depositor", depositor).
				WithField("amount", amount).
				Error("re-supply after failed burn also failed; funds held in pool account")
		}
		return RedeemReceipt{}, fmt.Errorf("burn stake: %w", err)
	}
	if err := s.assets.Transfer(ctx, s.cfg.Account, depositor, amount); err != nil {
		// Compensate: restore the burned stake and the yield position so
		// the depositor's principal survives the failed payout.
		if mintErr := s.stake.Mint(ctx, depositor, amount); mintErr != nil {
			s.log.WithError(mintErr).
				WithField("depositor", depositor).
				WithField("amount", amount).
				Error("re-mint after failed payout also failed; stake requires manual repair")
		}
		if supplyErr := s.yield.Supply(ctx, amount); supplyErr != nil {
			s.log.WithError(supplyErr).
				WithField("depositor", depositor).
				WithField("amount", amount).
				Error("re-supply after failed payout also failed; funds held in pool account")
		}
		return RedeemReceipt{}, fmt.Errorf("transfer out: %w", err)
	}

	remaining, err := s.stake.StakeOf(ctx, depositor)
	if err != nil {
		return RedeemReceipt{}, fmt.Errorf("read stake: %w", err)
	}

	s.publish(ctx, events.TopicRedeemed, map[string]any{
		"epoch_id":  s.current.ID,
		"depositor": depositor,
		"amount":    amount,
		"stake":     remaining,
	})
	metrics.RecordRedemption()
	s.refreshGauges(ctx)

	s.log.WithField("epoch_id", s.current.ID).
		WithField("depositor", depositor).
		WithField("amount", amount).
		Info("redemption completed")

	return RedeemReceipt{
		EpochID:   s.current.ID,
		Depositor: depositor,
		Amount:    amount,
		Stake:     remaining,
	}, nil
}

// PrizePool returns the current surplus of yield balance over total stake,
// clamped to zero.
func (s *Service) PrizePool(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prizePoolLocked(ctx)
}

func (s *Service) prizePoolLocked(ctx context.Context) (int64, error) {
	balance, err := s.yield.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("yield balance: %w", err)
	}
	total, err := s.stake.TotalStake(ctx)
	if err != nil {
		return 0, fmt.Errorf("total stake: %w", err)
	}

	surplus := balance - total
	if surplus < 0 {
		// Transient yield-source rounding can leave the position briefly
		// below total stake.
		surplus = 0
	}
	metrics.SetTotalStake(total)
	metrics.SetPrizePool(surplus)
	return surplus, nil
}

// CheckReady reports whether a draw may start: the epoch is open, the
// drawing period has elapsed, and stake exists to draw from.
func (s *Service) CheckReady(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkReadyLocked(ctx)
}

func (s *Service) checkReadyLocked(ctx context.Context) (bool, error) {
	if s.current.State != EpochStateOpen {
		return false, nil
	}
	if s.now().UTC().Sub(s.current.StartedAt) < s.cfg.DrawingPeriod {
		return false, nil
	}
	total, err := s.stake.TotalStake(ctx)
	if err != nil {
		return false, fmt.Errorf("total stake: %w", err)
	}
	return total > 0, nil
}

// BeginAward transitions the open epoch into the awarding window. Only the
// upkeep trigger calls this, after CheckReady.
func (s *Service) BeginAward(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready, err := s.checkReadyLocked(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return ErrNotReady
	}

	s.transitionLocked(ctx, EpochStateAwarding, "start_draw")
	s.publish(ctx, events.TopicDrawRequested, map[string]any{
		"epoch_id": s.current.ID,
	})
	metrics.RecordDrawStarted()

	s.log.WithField("epoch_id", s.current.ID).Info("draw started")
	return nil
}

// NoteRandomnessRequested records the outstanding randomness request token
// for the awarding epoch.
func (s *Service) NoteRandomnessRequested(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.State != EpochStateAwarding {
		return fmt.Errorf("%w: state %s", ErrNotAwarding, s.current.State)
	}
	s.current.RandomRequestID = requestID
	s.persistLocked(ctx)

	s.publish(ctx, events.TopicRandomnessRequested, map[string]any{
		"epoch_id":   s.current.ID,
		"request_id": requestID,
	})
	return nil
}

// MarkRandomnessFulfilled moves the awarding epoch to the fulfilled state.
// The request token must match the one recorded at request time.
func (s *Service) MarkRandomnessFulfilled(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.State != EpochStateAwarding {
		return fmt.Errorf("%w: state %s", ErrNotAwarding, s.current.State)
	}
	if s.current.RandomRequestID == "" || s.current.RandomRequestID != requestID {
		return fmt.Errorf("%w: got %s, want %s", ErrRequestMismatch, requestID, s.current.RandomRequestID)
	}

	s.transitionLocked(ctx, EpochStateRandomnessFulfilled, "randomness_fulfilled")
	s.publish(ctx, events.TopicRandomnessReceived, map[string]any{
		"epoch_id":   s.current.ID,
		"request_id": requestID,
	})
	return nil
}

// Draw selects a stake-weighted winner with randomNumber as the sole entropy
// input, mints the prize pool to the winner as additional stake, and closes
// the epoch. An invalid pick aborts the attempt with no state change.
func (s *Service) Draw(ctx context.Context, randomNumber uint64) (DrawOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.State != EpochStateAwarding && s.current.State != EpochStateRandomnessFulfilled {
		return DrawOutcome{}, fmt.Errorf("%w: state %s", ErrNotAwarding, s.current.State)
	}

	winner, err := s.stake.PickWeighted(ctx, randomNumber)
	if err != nil {
		metrics.RecordDrawFailure("pick_error")
		return DrawOutcome{}, fmt.Errorf("pick winner: %w", err)
	}
	valid, err := s.isPickValid(ctx, winner)
	if err != nil {
		metrics.RecordDrawFailure("pick_error")
		return DrawOutcome{}, err
	}
	if !valid {
		// The stake ledger returned an internally inconsistent pick. The
		// epoch stays in the awarding state for investigation.
		metrics.RecordDrawFailure("invalid_pick")
		s.log.WithField("epoch_id", s.current.ID).
			WithField("candidate", winner).
			Error("draw aborted: invalid pick from stake ledger")
		return DrawOutcome{}, fmt.Errorf("%w: candidate %q", ErrInvalidPick, winner)
	}

	prize, err := s.prizePoolLocked(ctx)
	if err != nil {
		metrics.RecordDrawFailure("prize_error")
		return DrawOutcome{}, err
	}

	if prize > 0 {
		// The prize compounds: it is minted as additional stake.
		if err := s.stake.Mint(ctx, winner, prize); err != nil {
			metrics.RecordDrawFailure("mint_error")
			return DrawOutcome{}, fmt.Errorf("mint prize: %w", err)
		}
	}

	now := s.now().UTC()
	s.current.EndedAt = now
	s.current.Winner = winner
	s.current.Prize = prize
	s.transitionLocked(ctx, EpochStateClosed, "draw")

	s.publish(ctx, events.TopicWinnerAwarded, map[string]any{
		"epoch_id": s.current.ID,
		"winner":   winner,
		"prize":    prize,
	})
	metrics.RecordDrawCompleted(prize)
	s.refreshGauges(ctx)

	s.log.WithField("epoch_id", s.current.ID).
		WithField("winner", winner).
		WithField("prize", prize).
		Info("winner awarded")

	return DrawOutcome{
		EpochID:      s.current.ID,
		Winner:       winner,
		Prize:        prize,
		RandomNumber: randomNumber,
		DrawnAt:      now,
	}, nil
}

// CancelAward reverts an in-flight draw back to open, clearing any recorded
// randomness request. Covers both the awarding window and a fulfilled epoch
// whose draw keeps failing. Used when an outstanding request stalls past its
// deadline.
func (s *Service) CancelAward(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.State != EpochStateAwarding && s.current.State != EpochStateRandomnessFulfilled {
		return fmt.Errorf("%w: state %s", ErrNotAwarding, s.current.State)
	}

	s.current.RandomRequestID = ""
	s.transitionLocked(ctx, EpochStateOpen, reason)

	s.log.WithField("epoch_id", s.current.ID).
		WithField("reason", reason).
		Warn("awarding cancelled; epoch reopened")
	return nil
}

// ChangeState is the administrative override for states the protocol cannot
// exit on its own. A no-op when the target equals the current state.
func (s *Service) ChangeState(ctx context.Context, target EpochState) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.State == target {
		return nil
	}
	if target == EpochStateOpen {
		s.current.RandomRequestID = ""
	}
	s.transitionLocked(ctx, target, "admin_override")

	s.log.WithField("epoch_id", s.current.ID).
		WithField("state", target).
		Warn("epoch state forced by administrative override")
	return nil
}

// IsPickValid reports whether candidate is an acceptable draw result.
func (s *Service) IsPickValid(ctx context.Context, candidate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPickValid(ctx, candidate)
}

func (s *Service) isPickValid(ctx context.Context, candidate string) (bool, error) {
	if strings.TrimSpace(candidate) == "" {
		return false, nil
	}
	held, err := s.stake.StakeOf(ctx, candidate)
	if err != nil {
		return false, fmt.Errorf("read stake: %w", err)
	}
	return held > 0, nil
}

// transitionLocked applies a state change, persists it, and emits the
// state-changed event shared by normal transitions and the admin override.
func (s *Service) transitionLocked(ctx context.Context, to EpochState, via string) {
	from := s.current.State
	s.current.State = to
	s.persistLocked(ctx)
	s.publishStateChange(ctx, from, to, via)
}

func (s *Service) publishStateChange(ctx context.Context, from, to EpochState, via string) {
	s.publish(ctx, events.TopicStateChanged, map[string]any{
		"epoch_id": s.current.ID,
		"from":     string(from),
		"to":       string(to),
		"via":      via,
	})
}

// persistLocked writes the current epoch through to the store. The store is
// a durable trail, not the invariant holder, so failures are logged and do
// not roll back the committed operation.
func (s *Service) persistLocked(ctx context.Context) {
	s.current.UpdatedAt = s.now().UTC()
	updated, err := s.store.UpdateEpoch(ctx, s.current)
	if err != nil {
		s.log.WithError(err).
			WithField("epoch_id", s.current.ID).
			Warn("failed to persist epoch update")
		return
	}
	s.current = updated
}

func (s *Service) publish(ctx context.Context, topic string, payload map[string]any) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil && !errors.Is(err, events.ErrBusUnavailable) {
		s.log.WithError(err).WithField("topic", topic).Warn("failed to publish audit event")
	}
}

func (s *Service) refreshGauges(ctx context.Context) {
	if _, err := s.prizePoolLocked(ctx); err != nil {
		s.log.WithError(err).Debug("failed to refresh pool gauges")
	}
}
