// Package upkeep drives the draw lifecycle: it watches the pool for
// readiness, starts draws, routes asynchronous randomness fulfillments back
// into the pool, and sweeps stalled requests.
package upkeep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/prizelink/pool_layer/internal/pool"
	"github.com/prizelink/pool_layer/internal/random"
	"github.com/prizelink/pool_layer/pkg/logger"
)

var (
	// ErrNoPendingRequest is returned when a fulfillment arrives with no
	// draw awaiting randomness.
	ErrNoPendingRequest = errors.New("no pending randomness request")
)

// DefaultRandomnessTimeout bounds how long a draw waits for an asynchronous
// fulfillment before the epoch is reopened.
const DefaultRandomnessTimeout = 15 * time.Minute

// Options configures the trigger.
type Options struct {
	// RandomnessTimeout is the stall deadline for asynchronous requests.
	RandomnessTimeout time.Duration
	Logger            *logger.Logger
	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// Trigger coordinates the pool and the randomness source for one draw at a
// time.
type Trigger struct {
	mu      sync.Mutex
	pool    *pool.Service
	source  random.Source
	log     *logger.Logger
	now     func() time.Time
	timeout time.Duration

	pendingID       string
	pendingDeadline time.Time

	cron *cron.Cron
}

// New creates a trigger. When the source delivers randomness asynchronously,
// its fulfillment handler is wired to complete the draw.
func New(p *pool.Service, source random.Source, opts Options) *Trigger {
	if opts.RandomnessTimeout <= 0 {
		opts.RandomnessTimeout = DefaultRandomnessTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("upkeep")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	t := &Trigger{
		pool:    p,
		source:  source,
		log:     opts.Logger,
		now:     opts.Clock,
		timeout: opts.RandomnessTimeout,
	}
	if async, ok := source.(*random.AsyncSource); ok {
		async.OnFulfilled(t.CompleteDraw)
	}
	return t
}

// CheckReady reports whether the pool is due for a draw.
func (t *Trigger) CheckReady(ctx context.Context) (bool, error) {
	return t.pool.CheckReady(ctx)
}

// StartDraw begins a draw. With a synchronous source the draw settles and the
// next epoch opens before StartDraw returns; the outcome is reported with
// done=true. With an asynchronous source the epoch is left awaiting its
// fulfillment and done=false.
func (t *Trigger) StartDraw(ctx context.Context) (outcome pool.DrawOutcome, done bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.pool.BeginAward(ctx); err != nil {
		return pool.DrawOutcome{}, false, err
	}

	epochID := t.pool.CurrentEpoch().ID
	result, err := t.source.Request(ctx, epochID)
	if err != nil {
		// Undo the award window so the epoch is not stranded.
		if cancelErr := t.pool.CancelAward(ctx, "randomness_request_failed"); cancelErr != nil {
			t.log.WithError(cancelErr).Error("failed to reopen epoch after request failure")
		}
		return pool.DrawOutcome{}, false, fmt.Errorf("request randomness: %w", err)
	}

	if result.Immediate {
		outcome, err := t.settleLocked(ctx, result.Value)
		return outcome, err == nil, err
	}

	if err := t.pool.NoteRandomnessRequested(ctx, result.RequestID); err != nil {
		return pool.DrawOutcome{}, false, fmt.Errorf("record randomness request: %w", err)
	}
	t.pendingID = result.RequestID
	t.pendingDeadline = t.now().UTC().Add(t.timeout)

	t.log.WithField("epoch_id", epochID).
		WithField("request_id", result.RequestID).
		Info("draw awaiting randomness fulfillment")
	return pool.DrawOutcome{}, false, nil
}

// CompleteDraw consumes an asynchronous fulfillment, settles the draw, and
// opens the next epoch. The pending token is kept until the draw itself
// succeeds, so a delivery whose draw failed (invalid pick, transient balance
// error) can be retried with the same token instead of stranding the epoch.
func (t *Trigger) CompleteDraw(ctx context.Context, requestID string, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingID == "" {
		return fmt.Errorf("%w: got %s", ErrNoPendingRequest, requestID)
	}

	switch t.pool.CurrentEpoch().State {
	case pool.EpochStateAwarding:
		if err := t.pool.MarkRandomnessFulfilled(ctx, requestID); err != nil {
			return fmt.Errorf("correlate fulfillment: %w", err)
		}
	case pool.EpochStateRandomnessFulfilled:
		// Redelivery after a failed draw; the token must still match.
		if requestID != t.pendingID {
			return fmt.Errorf("correlate fulfillment: %w: got %s, want %s", pool.ErrRequestMismatch, requestID, t.pendingID)
		}
	default:
		return fmt.Errorf("%w: state %s", pool.ErrNotAwarding, t.pool.CurrentEpoch().State)
	}

	if _, err := t.pool.Draw(ctx, value); err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	t.pendingID = ""
	t.pendingDeadline = time.Time{}

	if err := t.pool.Initialize(ctx); err != nil {
		// The poller reopens closed epochs on its next tick.
		return fmt.Errorf("open next epoch: %w", err)
	}
	return nil
}

// ExpireStalled reopens the epoch when the outstanding randomness request has
// passed its deadline. It reports whether a stalled draw was cancelled.
func (t *Trigger) ExpireStalled(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingID == "" || t.now().UTC().Before(t.pendingDeadline) {
		return false, nil
	}

	requestID := t.pendingID
	if async, ok := t.source.(*random.AsyncSource); ok {
		async.Cancel(requestID)
	}
	if err := t.pool.CancelAward(ctx, "randomness_timeout"); err != nil {
		return false, fmt.Errorf("cancel stalled award: %w", err)
	}
	t.pendingID = ""
	t.pendingDeadline = time.Time{}

	t.log.WithField("request_id", requestID).
		Warn("randomness request stalled past deadline; epoch reopened")
	return true, nil
}

// Pending returns the outstanding request token, empty when none.
func (t *Trigger) Pending() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingID
}

// settleLocked runs the draw with the delivered number and opens the next
// epoch.
func (t *Trigger) settleLocked(ctx context.Context, value uint64) (pool.DrawOutcome, error) {
	outcome, err := t.pool.Draw(ctx, value)
	if err != nil {
		return pool.DrawOutcome{}, fmt.Errorf("draw: %w", err)
	}
	if err := t.pool.Initialize(ctx); err != nil {
		return outcome, fmt.Errorf("open next epoch: %w", err)
	}
	return outcome, nil
}

// Run installs the polling job on the given cron schedule and starts the
// scheduler. Each tick sweeps stalled requests and starts a draw when the
// pool is ready.
func (t *Trigger) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() { t.poll(ctx) })
	if err != nil {
		return fmt.Errorf("parse upkeep schedule %q: %w", schedule, err)
	}

	t.mu.Lock()
	t.cron = c
	t.mu.Unlock()

	c.Start()
	t.log.WithField("schedule", schedule).Info("upkeep poller started")
	return nil
}

// Stop halts the scheduler and waits for a running poll to finish.
func (t *Trigger) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	t.log.Info("upkeep poller stopped")
}

func (t *Trigger) poll(ctx context.Context) {
	// A closed epoch means a settled draw whose reinitialization failed;
	// retry it here so the pool does not stay shut.
	if t.pool.CurrentEpoch().State == pool.EpochStateClosed {
		if err := t.pool.Initialize(ctx); err != nil {
			t.log.WithError(err).Error("failed to reopen closed epoch")
		}
	}

	if _, err := t.ExpireStalled(ctx); err != nil {
		t.log.WithError(err).Error("stall sweep failed")
	}

	ready, err := t.CheckReady(ctx)
	if err != nil {
		t.log.WithError(err).Error("readiness check failed")
		return
	}
	if !ready {
		return
	}

	if _, _, err := t.StartDraw(ctx); err != nil && !errors.Is(err, pool.ErrNotReady) {
		t.log.WithError(err).Error("draw attempt failed")
	}
}
