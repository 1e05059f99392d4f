package pool

import "context"

// Store persists epoch history. The orchestrator's in-memory aggregate is
// authoritative for invariants; the store records the durable trail exposed
// through the API.
type Store interface {
	CreateEpoch(ctx context.Context, epoch Epoch) (Epoch, error)
	UpdateEpoch(ctx context.Context, epoch Epoch) (Epoch, error)
	GetEpoch(ctx context.Context, id int64) (Epoch, error)
	// CurrentEpoch returns the epoch with the highest id.
	CurrentEpoch(ctx context.Context) (Epoch, error)
	// ListEpochs returns up to limit epochs, newest first.
	ListEpochs(ctx context.Context, limit int) ([]Epoch, error)
	Stats(ctx context.Context) (Stats, error)
}
