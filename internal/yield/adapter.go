package yield

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prizelink/pool_layer/internal/events"
	"github.com/prizelink/pool_layer/pkg/logger"
)

// ErrSourceFailure wraps every non-zero result code from the raw source.
var ErrSourceFailure = errors.New("yield source failure")

// Adapter exposes the yield source to the orchestrator with error-based
// failure signaling. All operations act on behalf of a single holder
// account, and successful supply/redeem calls are published to the audit
// bus with source, destination, amount, and the epoch they ran in.
type Adapter struct {
	source  Source
	holder  string
	bus     *events.Bus
	log     *logger.Logger
	epochID atomic.Int64
}

// NewAdapter creates an adapter for the given holder account.
func NewAdapter(source Source, holder string, bus *events.Bus, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewDefault("yield")
	}
	return &Adapter{
		source: source,
		holder: holder,
		bus:    bus,
		log:    log,
	}
}

// Holder returns the account the adapter operates for.
func (a *Adapter) Holder() string { return a.holder }

// SetEpoch records the current epoch id stamped onto audit events.
func (a *Adapter) SetEpoch(id int64) { a.epochID.Store(id) }

// Supply deposits amount of underlying into the yield source.
func (a *Adapter) Supply(ctx context.Context, amount int64) error {
	if code := a.source.Supply(ctx, a.holder, amount); code != ResultOK {
		return fmt.Errorf("%w: supply returned code %d", ErrSourceFailure, code)
	}
	a.publish(ctx, events.TopicYieldSupplied, a.holder, "yield-source", amount)
	return nil
}

// Redeem redeems by share amount.
func (a *Adapter) Redeem(ctx context.Context, shareAmount int64) error {
	if code := a.source.Redeem(ctx, a.holder, shareAmount); code != ResultOK {
		return fmt.Errorf("%w: redeem returned code %d", ErrSourceFailure, code)
	}
	a.publish(ctx, events.TopicYieldRedeemed, "yield-source", a.holder, shareAmount)
	return nil
}

// RedeemUnderlying redeems an exact underlying amount.
func (a *Adapter) RedeemUnderlying(ctx context.Context, amount int64) error {
	if code := a.source.RedeemUnderlying(ctx, a.holder, amount); code != ResultOK {
		return fmt.Errorf("%w: redeem underlying returned code %d", ErrSourceFailure, code)
	}
	a.publish(ctx, events.TopicYieldRedeemed, "yield-source", a.holder, amount)
	return nil
}

// Balance reports the holder's current underlying-equivalent balance.
func (a *Adapter) Balance(ctx context.Context) (int64, error) {
	balance, code := a.source.UnderlyingBalance(ctx, a.holder)
	if code != ResultOK {
		return 0, fmt.Errorf("%w: balance returned code %d", ErrSourceFailure, code)
	}
	return balance, nil
}

func (a *Adapter) publish(ctx context.Context, topic, from, to string, amount int64) {
	err := a.bus.Publish(ctx, topic, map[string]any{
		"epoch_id": a.epochID.Load(),
		"from":     from,
		"to":       to,
		"amount":   amount,
	})
	if err != nil && !errors.Is(err, events.ErrBusUnavailable) {
		a.log.WithError(err).Warn("failed to publish yield audit event")
	}
}
